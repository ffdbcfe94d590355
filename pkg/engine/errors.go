package engine

import (
	"errors"
	"fmt"
	"strings"
)

// Load failure kinds.
var (
	ErrModelNotFound      = errors.New("model file not found")
	ErrMalformedModel     = errors.New("malformed model")
	ErrModelRejected      = errors.New("model rejected by engine")
	ErrOutputShapeUnknown = errors.New("output shape unknown")
)

// Run failure kinds.
var (
	ErrArityMismatch  = errors.New("arity mismatch")
	ErrTypeMismatch   = errors.New("type mismatch")
	ErrBufferTooSmall = errors.New("buffer too small")
	ErrShapeMismatch  = errors.New("shape mismatch")
	ErrEngineFailure  = errors.New("engine failure")
	ErrClosed         = errors.New("engine closed")
)

// LoadError is returned when a model cannot be turned into a usable Engine.
type LoadError struct {
	Backend Backend
	Path    string
	Kind    error
	// Names lists the tensors the failure refers to, in model order. For
	// ErrOutputShapeUnknown it is the order output size hints must follow.
	Names []string
	Err   error
}

func (e *LoadError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "loading %s model %q: %v", e.Backend, e.Path, e.Kind)
	if len(e.Names) != 0 {
		fmt.Fprintf(&sb, " [%s]", strings.Join(e.Names, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %v", e.Err)
	}
	return sb.String()
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

func (e *LoadError) Is(target error) bool {
	return target == e.Kind
}

// RunError is returned when a single inference call fails. The engine stays
// usable afterwards.
type RunError struct {
	Backend Backend
	Kind    error
	// Tensor names the offending tensor, if any.
	Tensor string
	Err    error
}

func (e *RunError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "running %s inference: %v", e.Backend, e.Kind)
	if e.Tensor != "" {
		fmt.Fprintf(&sb, " (tensor %q)", e.Tensor)
	}
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %v", e.Err)
	}
	return sb.String()
}

func (e *RunError) Unwrap() error {
	return e.Err
}

func (e *RunError) Is(target error) bool {
	return target == e.Kind
}

// LoadFailure wraps err as a LoadError. If err already carries a load kind,
// that kind is kept; otherwise kind is used.
func LoadFailure(backend Backend, path string, kind error, err error) *LoadError {
	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		return loadErr
	}
	for _, k := range []error{ErrModelNotFound, ErrMalformedModel, ErrOutputShapeUnknown} {
		if errors.Is(err, k) {
			kind = k
			break
		}
	}
	return &LoadError{Backend: backend, Path: path, Kind: kind, Err: err}
}
