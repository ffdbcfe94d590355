package engine

import "io"

// Engine is a loaded model bound to one inference backend.
//
// Metadata accessors return the descriptors captured at load time. For
// dynamic-output models the output shapes and sizes are refreshed after
// every RunInference call.
//
// An Engine is not safe for concurrent use. Callers that want parallelism
// load one Engine per goroutine.
type Engine interface {
	io.Closer

	InputShapes() [][]int64
	OutputShapes() [][]int64

	// InputSizes returns the element count of each input; 0 means the
	// count is resolved per call from the caller's buffer.
	InputSizes() []int
	// OutputSizes returns the element count of each output; 0 means the
	// count is only known after a run.
	OutputSizes() []int

	InputNames() []string
	OutputNames() []string

	// RunInference executes one forward pass. inputs and outputs are
	// positional and must match the model's input and output order.
	RunInference(inputs, outputs []FeatureBuffer) error
}

// Describer is implemented by engines that expose full tensor descriptors.
type Describer interface {
	Inputs() []TensorDescriptor
	Outputs() []TensorDescriptor
}

// FeatureBuffer is caller-owned float32 storage for one tensor.
type FeatureBuffer interface {
	// Data returns the current backing storage. Engines read inputs from it
	// and copy outputs into it.
	Data() []float32

	// SetData makes the buffer alias src, which stays owned by the engine.
	// The alias is valid until the next RunInference or Close on that engine.
	SetData(src []float32)
}
