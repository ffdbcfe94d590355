package tflite

import (
	"k8s.io/examples/AI/modelrunner/pkg/engine"
)

// Tensor is an interpreter-owned input or output tensor.
type Tensor interface {
	Name() string
	Type() engine.ElementType
	// Dims are negative where the size is only known after a resize or run.
	Dims() []int64
	ByteSize() int
	// Float32s is the tensor's memory, valid until the next ResizeInput,
	// Invoke or Close. It is nil for non-float tensors.
	Float32s() []float32
}

// Interpreter runs one model. Tensors are allocated when it is created.
type Interpreter interface {
	InputCount() int
	Input(i int) Tensor
	OutputCount() int
	Output(i int) Tensor

	// ResizeInput changes an input's shape and reallocates tensors.
	ResizeInput(i int, dims []int64) error
	Invoke() error
	Close() error
}

type InterpreterOptions struct {
	Threads int
}

func DefaultInterpreterOptions() InterpreterOptions {
	return InterpreterOptions{Threads: 1}
}

// InterpreterLoader creates an Interpreter for the model file at path.
type InterpreterLoader func(path string, opts InterpreterOptions) (Interpreter, error)
