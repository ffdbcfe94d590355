// Package tflite adapts TensorFlow Lite flatbuffer models to engine.Engine.
//
// The interpreter owns all tensor memory: inputs are copied in before
// Invoke and outputs copied out after it.
package tflite

import (
	"fmt"
	"slices"

	"k8s.io/examples/AI/modelrunner/pkg/engine"
	"k8s.io/klog/v2"
)

const backend = engine.BackendTFLite

func init() {
	engine.Register(backend, func(modelPath string, _ []int) (engine.Engine, error) {
		e, err := New(modelPath)
		if err != nil {
			return nil, err
		}
		return e, nil
	})
}

type options struct {
	loader      InterpreterLoader
	interpreter InterpreterOptions
}

type Option func(*options)

// WithLoader replaces the interpreter implementation.
func WithLoader(loader InterpreterLoader) Option {
	return func(o *options) {
		o.loader = loader
	}
}

// Engine is a TFLite model handle. It is not safe for concurrent use.
type Engine struct {
	path        string
	interpreter Interpreter
	log         klog.Logger

	inputs  []engine.TensorDescriptor
	outputs []engine.TensorDescriptor
	dynamic bool

	inputNames  []string
	outputNames []string
	closed      bool
}

var _ engine.Engine = &Engine{}
var _ engine.Describer = &Engine{}

// New loads the model at modelPath with a single-threaded interpreter.
func New(modelPath string, opts ...Option) (*Engine, error) {
	o := options{
		loader:      defaultLoader,
		interpreter: DefaultInterpreterOptions(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	if err := engine.CheckModelFile(backend, modelPath); err != nil {
		return nil, err
	}
	interpreter, err := o.loader(modelPath, o.interpreter)
	if err != nil {
		return nil, engine.LoadFailure(backend, modelPath, engine.ErrModelRejected, err)
	}

	e := &Engine{
		path:        modelPath,
		interpreter: interpreter,
		log:         klog.Background().WithValues("backend", backend, "model", modelPath),
	}
	for i := 0; i < interpreter.InputCount(); i++ {
		e.inputs = append(e.inputs, describe(interpreter.Input(i)))
	}
	for i := 0; i < interpreter.OutputCount(); i++ {
		desc := describe(interpreter.Output(i))
		if desc.Dynamic() {
			e.dynamic = true
		}
		e.outputs = append(e.outputs, desc)
	}
	if err := engine.CheckShapes(backend, modelPath, e.inputs, e.outputs); err != nil {
		interpreter.Close()
		return nil, err
	}
	e.inputNames = engine.Names(e.inputs)
	e.outputNames = engine.Names(e.outputs)

	e.log.Info("loaded model", "inputs", e.inputs, "outputs", e.outputs, "dynamicOutputs", e.dynamic)
	return e, nil
}

// describe reads a descriptor from the interpreter. The element count comes
// from the byte size unless a dimension is still unknown.
func describe(t Tensor) engine.TensorDescriptor {
	desc := engine.NewDescriptor(t.Name(), t.Dims(), t.Type())
	if width := desc.ElementType.Size(); width > 0 && !desc.Dynamic() {
		desc.ElementCount = t.ByteSize() / width
	}
	return desc
}

func (e *Engine) InputShapes() [][]int64  { return engine.Shapes(e.inputs) }
func (e *Engine) OutputShapes() [][]int64 { return engine.Shapes(e.outputs) }
func (e *Engine) InputSizes() []int       { return engine.Sizes(e.inputs) }
func (e *Engine) OutputSizes() []int      { return engine.Sizes(e.outputs) }
func (e *Engine) InputNames() []string    { return slices.Clone(e.inputNames) }
func (e *Engine) OutputNames() []string   { return slices.Clone(e.outputNames) }

func (e *Engine) Inputs() []engine.TensorDescriptor  { return engine.CloneDescriptors(e.inputs) }
func (e *Engine) Outputs() []engine.TensorDescriptor { return engine.CloneDescriptors(e.outputs) }

// DynamicOutputs reports whether output shapes are refreshed on every run.
func (e *Engine) DynamicOutputs() bool {
	return e.dynamic
}

func (e *Engine) RunInference(inputs, outputs []engine.FeatureBuffer) error {
	if e.closed {
		return &engine.RunError{Backend: backend, Kind: engine.ErrClosed}
	}
	if err := engine.CheckArity(backend, inputs, outputs, e.inputs, e.outputs); err != nil {
		return err
	}
	if err := engine.CheckFloat32(backend, e.inputs, e.outputs); err != nil {
		return err
	}

	for i := range e.inputs {
		shape, n, err := engine.InputShape(backend, &e.inputs[i], inputs[i])
		if err != nil {
			return err
		}
		if e.inputs[i].Dynamic() && !slices.Equal(e.interpreter.Input(i).Dims(), shape) {
			if err := e.interpreter.ResizeInput(i, shape); err != nil {
				return &engine.RunError{Backend: backend, Kind: engine.ErrShapeMismatch, Tensor: e.inputNames[i], Err: err}
			}
		}
		dst := e.interpreter.Input(i).Float32s()
		if len(dst) < n {
			return &engine.RunError{Backend: backend, Kind: engine.ErrEngineFailure, Tensor: e.inputNames[i], Err: fmt.Errorf("interpreter tensor holds %d elements, need %d", len(dst), n)}
		}
		copy(dst, inputs[i].Data()[:n])
	}

	if err := e.interpreter.Invoke(); err != nil {
		return &engine.RunError{Backend: backend, Kind: engine.ErrEngineFailure, Err: err}
	}

	for i := range e.outputs {
		t := e.interpreter.Output(i)
		if err := engine.BindOutput(backend, &e.outputs[i], e.dynamic, outputs[i], t.Dims(), t.Float32s()); err != nil {
			return err
		}
	}

	if e.log.V(4).Enabled() {
		e.log.V(4).Info("ran inference", "outputShapes", engine.Shapes(e.outputs))
	}
	return nil
}

func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	if err := e.interpreter.Close(); err != nil {
		return fmt.Errorf("closing tflite interpreter: %w", err)
	}
	return nil
}
