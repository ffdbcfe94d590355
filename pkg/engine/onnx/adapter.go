// Package onnx adapts ONNX models to engine.Engine.
//
// Inputs are handed to the session as zero-copy views of the caller's
// buffers. Static outputs are rebound to session-owned memory (Borrowed);
// when any output has an unresolved dimension the model is dynamic-output
// and every result is copied after its shape is refreshed.
package onnx

import (
	"fmt"
	"slices"

	"k8s.io/examples/AI/modelrunner/pkg/engine"
	"k8s.io/klog/v2"
)

const backend = engine.BackendONNX

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
	opener  Opener
	session SessionOptions
}

type Option func(*options)

// WithOpener replaces the session implementation.
func WithOpener(opener Opener) Option {
	return func(o *options) {
		o.opener = opener
	}
}

func WithSessionOptions(opts SessionOptions) Option {
	return func(o *options) {
		o.session = opts
	}
}

// Engine is an ONNX model handle. It is not safe for concurrent use.
type Engine struct {
	path    string
	session Session
	log     klog.Logger

	inputs  []engine.TensorDescriptor
	outputs []engine.TensorDescriptor
	// dynamic is set when any output shape is only known after a run.
	dynamic bool

	inputNames  []string
	outputNames []string
	views       []TensorView
	closed      bool
}

var _ engine.Engine = &Engine{}
var _ engine.Describer = &Engine{}

// New loads the model at modelPath and extracts its metadata.
func New(modelPath string, opts ...Option) (*Engine, error) {
	o := options{
		opener:  defaultOpener,
		session: DefaultSessionOptions(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	if err := engine.CheckModelFile(backend, modelPath); err != nil {
		return nil, err
	}

	session, err := o.opener(modelPath, o.session)
	if err != nil {
		return nil, engine.LoadFailure(backend, modelPath, engine.ErrModelRejected, err)
	}

	e := &Engine{
		path:    modelPath,
		session: session,
		log:     klog.Background().WithValues("backend", backend, "model", modelPath),
	}
	for _, info := range session.Inputs() {
		e.inputs = append(e.inputs, engine.NewDescriptor(info.Name, info.Dims, info.ElementType))
	}
	for _, info := range session.Outputs() {
		desc := engine.NewDescriptor(info.Name, info.Dims, info.ElementType)
		if desc.Dynamic() {
			e.dynamic = true
		}
		e.outputs = append(e.outputs, desc)
	}
	for i := range e.outputs {
		if e.dynamic {
			e.outputs[i].Binding = engine.Copied
		} else {
			e.outputs[i].Binding = engine.Borrowed
		}
	}
	if err := engine.CheckShapes(backend, modelPath, e.inputs, e.outputs); err != nil {
		session.Close()
		return nil, err
	}
	e.inputNames = engine.Names(e.inputs)
	e.outputNames = engine.Names(e.outputs)
	e.views = make([]TensorView, len(e.inputs))

	e.log.Info("loaded model", "inputs", e.inputs, "outputs", e.outputs, "dynamicOutputs", e.dynamic)
	return e, nil
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
		e.views[i] = TensorView{Shape: shape, Data: inputs[i].Data()[:n]}
	}

	values, err := e.session.Run(e.inputNames, e.views, e.outputNames)
	clear(e.views)
	if err != nil {
		return &engine.RunError{Backend: backend, Kind: engine.ErrEngineFailure, Err: err}
	}
	if len(values) != len(e.outputs) {
		return &engine.RunError{Backend: backend, Kind: engine.ErrEngineFailure, Err: fmt.Errorf("session returned %d outputs, want %d", len(values), len(e.outputs))}
	}

	for i := range e.outputs {
		if err := engine.BindOutput(backend, &e.outputs[i], e.dynamic, outputs[i], values[i].Shape, values[i].Data); err != nil {
			return err
		}
	}

	if e.log.V(4).Enabled() {
		e.log.V(4).Info("ran inference", "outputShapes", engine.Shapes(e.outputs))
	}
	return nil
}

// Close releases the session. Borrowed output buffers become invalid.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	if err := e.session.Close(); err != nil {
		return fmt.Errorf("closing onnx session: %w", err)
	}
	return nil
}
