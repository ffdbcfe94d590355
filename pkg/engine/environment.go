package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/cpuid/v2"
	"k8s.io/klog/v2"
)

// EnvironmentOptions configures process-wide engine state.
type EnvironmentOptions struct {
	IntraOpThreads int
	InterOpThreads int
	// LogSeverity is passed to native engines; 0 is verbose, 4 is fatal only.
	LogSeverity int
	Telemetry   bool
}

func DefaultEnvironmentOptions() EnvironmentOptions {
	return EnvironmentOptions{
		IntraOpThreads: 1,
		InterOpThreads: 1,
		LogSeverity:    4,
	}
}

// EnvironmentHook lets a backend take part in process-wide setup and teardown.
type EnvironmentHook struct {
	Name     string
	Init     func(opts EnvironmentOptions) error
	Teardown func() error
}

type environment struct {
	mutex    sync.Mutex
	hooks    []EnvironmentHook
	started  []EnvironmentHook
	options  *EnvironmentOptions
	initErr  error
	shutdown bool
}

var env environment

// RegisterEnvironmentHook adds a hook. Hooks registered after the environment
// has started are initialized immediately.
func RegisterEnvironmentHook(hook EnvironmentHook) error {
	env.mutex.Lock()
	defer env.mutex.Unlock()

	env.hooks = append(env.hooks, hook)
	if env.options == nil || env.initErr != nil {
		return nil
	}
	return env.startHook(hook)
}

// InitEnvironment performs one-time process-wide initialization. Later calls
// return the result of the first one, whatever options they pass.
func InitEnvironment(opts EnvironmentOptions) error {
	env.mutex.Lock()
	defer env.mutex.Unlock()

	if env.shutdown {
		return errors.New("engine environment has been shut down")
	}
	if env.options != nil {
		return env.initErr
	}
	env.options = &opts

	logHost()
	klog.V(2).Infof("initializing engine environment: intra-op threads %d, inter-op threads %d", opts.IntraOpThreads, opts.InterOpThreads)

	for _, hook := range env.hooks {
		if err := env.startHook(hook); err != nil {
			env.initErr = err
			return err
		}
	}
	return nil
}

func (e *environment) startHook(hook EnvironmentHook) error {
	if hook.Init != nil {
		if err := hook.Init(*e.options); err != nil {
			return fmt.Errorf("initializing %s environment: %w", hook.Name, err)
		}
	}
	e.started = append(e.started, hook)
	return nil
}

// ShutdownEnvironment tears down every started hook in reverse order. It is
// meant to be called once at process exit; engines must be closed first.
func ShutdownEnvironment() error {
	env.mutex.Lock()
	defer env.mutex.Unlock()

	var errs []error
	for i := len(env.started) - 1; i >= 0; i-- {
		hook := env.started[i]
		if hook.Teardown == nil {
			continue
		}
		if err := hook.Teardown(); err != nil {
			errs = append(errs, fmt.Errorf("tearing down %s environment: %w", hook.Name, err))
		}
	}
	env.started = nil
	env.shutdown = env.options != nil
	return errors.Join(errs...)
}

// CurrentEnvironment returns the options the environment was started with.
func CurrentEnvironment() (EnvironmentOptions, bool) {
	env.mutex.Lock()
	defer env.mutex.Unlock()
	if env.options == nil {
		return EnvironmentOptions{}, false
	}
	return *env.options, true
}

func logHost() {
	klog.Infof("host cpu %q: %d physical cores, %d logical, avx2=%v avx512f=%v neon=%v",
		cpuid.CPU.BrandName,
		cpuid.CPU.PhysicalCores,
		cpuid.CPU.LogicalCores,
		cpuid.CPU.Supports(cpuid.AVX2),
		cpuid.CPU.Supports(cpuid.AVX512F),
		cpuid.CPU.Supports(cpuid.ASIMD),
	)
}
