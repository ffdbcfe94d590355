// Package tfgraph adapts frozen TensorFlow GraphDef models to engine.Engine.
//
// A GraphDef carries no declared outputs. They are inferred as the nodes no
// other node consumes, and sized from caller hints or _output_shapes
// annotations. Inputs are the Placeholder nodes. Data is copied into tensors
// allocated at load time and copied out of the session's results.
package tfgraph

import (
	"fmt"
	"os"
	"slices"

	"k8s.io/examples/AI/modelrunner/pkg/engine"
	"k8s.io/klog/v2"
)

const backend = engine.BackendTensorFlow

func init() {
	engine.Register(backend, func(modelPath string, outputSizeHints []int) (engine.Engine, error) {
		e, err := New(modelPath, outputSizeHints)
		if err != nil {
			return nil, err
		}
		return e, nil
	})
}

type options struct {
	factory SessionFactory
	session SessionOptions
}

type Option func(*options)

// WithSessionFactory replaces the session implementation.
func WithSessionFactory(factory SessionFactory) Option {
	return func(o *options) {
		o.factory = factory
	}
}

func WithSessionOptions(opts SessionOptions) Option {
	return func(o *options) {
		o.session = opts
	}
}

// Engine is a GraphDef model handle. It is not safe for concurrent use.
type Engine struct {
	path    string
	session Session
	log     klog.Logger

	inputs  []engine.TensorDescriptor
	outputs []engine.TensorDescriptor
	dynamic bool

	inputNames  []string
	outputNames []string

	// tensors holds one input tensor per static input, allocated at load.
	tensors []*Tensor
	feeds   []Feed
	closed  bool
}

var _ engine.Engine = &Engine{}
var _ engine.Describer = &Engine{}

// New loads the GraphDef at modelPath. outputSizeHints gives the element
// count of each inferred output, in graph order; 0 marks an output whose
// size is only known after a run.
func New(modelPath string, outputSizeHints []int, opts ...Option) (*Engine, error) {
	o := options{
		factory: defaultFactory,
		session: DefaultSessionOptions(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	if err := engine.CheckModelFile(backend, modelPath); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(modelPath)
	if err != nil {
		return nil, engine.LoadFailure(backend, modelPath, engine.ErrModelNotFound, fmt.Errorf("reading model: %w", err))
	}
	def, err := ParseGraphDef(data)
	if err != nil {
		return nil, engine.LoadFailure(backend, modelPath, engine.ErrMalformedModel, err)
	}

	log := klog.Background().WithValues("backend", backend, "model", modelPath)

	outputNodes := InferOutputs(def)
	if len(outputNodes) == 0 {
		return nil, &engine.LoadError{Backend: backend, Path: modelPath, Kind: engine.ErrModelRejected, Err: fmt.Errorf("graph has no outputs")}
	}
	outputs, err := outputDescriptors(modelPath, outputNodes, outputSizeHints, log)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		path:    modelPath,
		log:     log,
		outputs: outputs,
	}
	for _, n := range Placeholders(def) {
		e.inputs = append(e.inputs, inputDescriptor(n))
	}
	for i := range e.outputs {
		if e.outputs[i].Dynamic() {
			e.dynamic = true
		}
	}
	if err := engine.CheckShapes(backend, modelPath, e.inputs, e.outputs); err != nil {
		return nil, err
	}
	e.inputNames = engine.Names(e.inputs)
	e.outputNames = engine.Names(e.outputs)

	e.tensors = make([]*Tensor, len(e.inputs))
	for i := range e.inputs {
		if !e.inputs[i].Dynamic() {
			e.tensors[i] = &Tensor{
				Shape: slices.Clone(e.inputs[i].Shape),
				Data:  make([]float32, e.inputs[i].ElementCount),
			}
		}
	}
	e.feeds = make([]Feed, len(e.inputs))

	session, err := o.factory(&Graph{
		Def:        def,
		Serialized: data,
		Feeds:      e.inputNames,
		Fetches:    e.outputNames,
	}, o.session)
	if err != nil {
		return nil, engine.LoadFailure(backend, modelPath, engine.ErrModelRejected, err)
	}
	e.session = session

	log.Info("loaded model", "inputs", e.inputs, "outputs", e.outputs, "dynamicOutputs", e.dynamic)
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
		t := e.tensors[i]
		if t == nil {
			t = &Tensor{Shape: shape, Data: make([]float32, n)}
		}
		copy(t.Data, inputs[i].Data()[:n])
		e.feeds[i] = Feed{Name: e.inputNames[i], Tensor: t}
	}

	results, err := e.session.Run(e.feeds, e.outputNames)
	if err != nil {
		return &engine.RunError{Backend: backend, Kind: engine.ErrEngineFailure, Err: err}
	}
	if len(results) != len(e.outputs) {
		return &engine.RunError{Backend: backend, Kind: engine.ErrEngineFailure, Err: fmt.Errorf("session returned %d outputs, want %d", len(results), len(e.outputs))}
	}

	for i := range e.outputs {
		if err := engine.BindOutput(backend, &e.outputs[i], e.dynamic, outputs[i], results[i].Shape, results[i].Data); err != nil {
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
	if err := e.session.Close(); err != nil {
		return fmt.Errorf("closing tensorflow session: %w", err)
	}
	return nil
}
