package onnx

import (
	"k8s.io/examples/AI/modelrunner/pkg/engine"
)

// ValueInfo describes one graph input or output as the session reports it.
// Unknown dimensions are negative.
type ValueInfo struct {
	Name        string
	ElementType engine.ElementType
	Dims        []int64
}

// TensorView is a non-owning view of caller memory handed to the session.
type TensorView struct {
	Shape []int64
	Data  []float32
}

// Value is a session-owned result. Data stays valid until the next Run or
// Close on the session that produced it.
type Value struct {
	Shape []int64
	Data  []float32
}

// Session is a loaded ONNX graph executed by name.
type Session interface {
	Inputs() []ValueInfo
	Outputs() []ValueInfo

	// Run executes the graph. inputNames and inputs are parallel; results
	// come back in outputNames order.
	Run(inputNames []string, inputs []TensorView, outputNames []string) ([]Value, error)

	Close() error
}

// SessionOptions mirrors the execution settings the adapter pins.
type SessionOptions struct {
	IntraOpThreads int
	InterOpThreads int
	Sequential     bool
	// LogSeverity: 0 verbose through 4 fatal.
	LogSeverity int
}

func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		IntraOpThreads: 1,
		InterOpThreads: 1,
		Sequential:     true,
		LogSeverity:    4,
	}
}

// Opener creates a Session for the model file at path.
type Opener func(path string, opts SessionOptions) (Session, error)
