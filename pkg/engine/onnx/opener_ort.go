//go:build onnxruntime

package onnx

import (
	"errors"
	"fmt"
	"os"
	"slices"

	ort "github.com/yalue/onnxruntime_go"
	"k8s.io/examples/AI/modelrunner/pkg/engine"
	"k8s.io/klog/v2"
)

var defaultOpener Opener = OpenRuntime

func init() {
	hook := engine.EnvironmentHook{
		Name:     "onnxruntime",
		Init:     initRuntime,
		Teardown: ort.DestroyEnvironment,
	}
	if err := engine.RegisterEnvironmentHook(hook); err != nil {
		klog.Fatalf("registering onnxruntime environment: %v", err)
	}
}

func initRuntime(opts engine.EnvironmentOptions) error {
	if ort.IsInitialized() {
		return nil
	}
	if lib := os.Getenv("ONNXRUNTIME_LIB"); lib != "" {
		ort.SetSharedLibraryPath(lib)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return err
	}
	if !opts.Telemetry {
		if err := ort.DisableTelemetry(); err != nil {
			return fmt.Errorf("disabling telemetry: %w", err)
		}
	}
	return nil
}

// runtimeSession drives onnxruntime through a DynamicAdvancedSession.
type runtimeSession struct {
	inputs      []ValueInfo
	outputs     []ValueInfo
	inputNames  []string
	outputNames []string

	options *ort.SessionOptions
	session *ort.DynamicAdvancedSession

	// results are allocated by onnxruntime and released on the next Run.
	results []ort.Value
}

// OpenRuntime creates an onnxruntime session with single-threaded,
// sequential execution.
func OpenRuntime(path string, opts SessionOptions) (Session, error) {
	if err := engine.InitEnvironment(engine.DefaultEnvironmentOptions()); err != nil {
		return nil, err
	}

	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading model info: %w", engine.ErrMalformedModel, err)
	}

	s := &runtimeSession{}
	for _, info := range inputs {
		s.inputs = append(s.inputs, valueInfo(info))
		s.inputNames = append(s.inputNames, info.Name)
	}
	for _, info := range outputs {
		s.outputs = append(s.outputs, valueInfo(info))
		s.outputNames = append(s.outputNames, info.Name)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("creating session options: %w", err)
	}
	if err := options.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
		options.Destroy()
		return nil, fmt.Errorf("setting intra-op threads: %w", err)
	}
	if err := options.SetInterOpNumThreads(opts.InterOpThreads); err != nil {
		options.Destroy()
		return nil, fmt.Errorf("setting inter-op threads: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(path, s.inputNames, s.outputNames, options)
	if err != nil {
		options.Destroy()
		return nil, fmt.Errorf("creating onnxruntime session: %w", err)
	}
	s.options = options
	s.session = session
	s.results = make([]ort.Value, len(s.outputs))
	return s, nil
}

func valueInfo(info ort.InputOutputInfo) ValueInfo {
	return ValueInfo{
		Name:        info.Name,
		ElementType: runtimeElementType(info.DataType),
		Dims:        slices.Clone([]int64(info.Dimensions)),
	}
}

func runtimeElementType(t ort.TensorElementDataType) engine.ElementType {
	switch t {
	case ort.TensorElementDataTypeFloat:
		return engine.Float32
	case ort.TensorElementDataTypeDouble:
		return engine.Float64
	case ort.TensorElementDataTypeInt8:
		return engine.Int8
	case ort.TensorElementDataTypeUint8:
		return engine.Uint8
	case ort.TensorElementDataTypeInt32:
		return engine.Int32
	case ort.TensorElementDataTypeInt64:
		return engine.Int64
	case ort.TensorElementDataTypeBool:
		return engine.Bool
	case ort.TensorElementDataTypeString:
		return engine.String
	}
	return engine.Unknown
}

func (s *runtimeSession) Inputs() []ValueInfo  { return s.inputs }
func (s *runtimeSession) Outputs() []ValueInfo { return s.outputs }

func (s *runtimeSession) Run(inputNames []string, inputs []TensorView, outputNames []string) ([]Value, error) {
	if !slices.Equal(inputNames, s.inputNames) || !slices.Equal(outputNames, s.outputNames) {
		return nil, fmt.Errorf("names must match the session's input and output order")
	}

	if err := s.releaseResults(); err != nil {
		return nil, err
	}

	tensors := make([]ort.Value, len(inputs))
	defer func() {
		for _, t := range tensors {
			if t != nil {
				t.Destroy()
			}
		}
	}()
	for i, view := range inputs {
		t, err := ort.NewTensor(ort.NewShape(view.Shape...), view.Data)
		if err != nil {
			return nil, fmt.Errorf("wrapping input %q: %w", inputNames[i], err)
		}
		tensors[i] = t
	}

	if err := s.session.Run(tensors, s.results); err != nil {
		return nil, err
	}

	values := make([]Value, len(s.results))
	for i, result := range s.results {
		t, ok := result.(*ort.Tensor[float32])
		if !ok {
			return nil, fmt.Errorf("output %q is %T, not a float32 tensor", outputNames[i], result)
		}
		values[i] = Value{Shape: slices.Clone([]int64(t.GetShape())), Data: t.GetData()}
	}
	return values, nil
}

func (s *runtimeSession) releaseResults() error {
	var errs []error
	for i, v := range s.results {
		if v == nil {
			continue
		}
		if err := v.Destroy(); err != nil {
			errs = append(errs, err)
		}
		s.results[i] = nil
	}
	return errors.Join(errs...)
}

func (s *runtimeSession) Close() error {
	errs := []error{s.releaseResults()}
	if s.session != nil {
		errs = append(errs, s.session.Destroy())
		s.session = nil
	}
	if s.options != nil {
		errs = append(errs, s.options.Destroy())
		s.options = nil
	}
	return errors.Join(errs...)
}
