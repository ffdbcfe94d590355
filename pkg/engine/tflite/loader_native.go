//go:build tflite

package tflite

import (
	"errors"
	"fmt"

	lite "github.com/mattn/go-tflite"
	"k8s.io/examples/AI/modelrunner/pkg/engine"
	"k8s.io/klog/v2"
)

var defaultLoader InterpreterLoader = NativeLoader().Open

// Loader opens models with the TensorFlow Lite C library. The constructors
// are fields so tests can substitute them.
type Loader struct {
	modelLoader       func(path string) *lite.Model
	optionsLoader     func() *lite.InterpreterOptions
	interpreterLoader func(model *lite.Model, options *lite.InterpreterOptions) *lite.Interpreter
}

func NativeLoader() *Loader {
	return &Loader{
		modelLoader:       lite.NewModelFromFile,
		optionsLoader:     lite.NewInterpreterOptions,
		interpreterLoader: lite.NewInterpreter,
	}
}

type nativeInterpreter struct {
	model       *lite.Model
	options     *lite.InterpreterOptions
	interpreter *lite.Interpreter
}

func (l *Loader) Open(path string, opts InterpreterOptions) (Interpreter, error) {
	model := l.modelLoader(path)
	if model == nil {
		return nil, fmt.Errorf("%w: tflite could not load %q", engine.ErrMalformedModel, path)
	}

	options := l.optionsLoader()
	options.SetNumThread(opts.Threads)
	log := klog.Background().WithValues("backend", backend, "model", path)
	options.SetErrorReporter(func(msg string, _ interface{}) {
		log.Error(errors.New(msg), "tflite error")
	}, nil)

	interpreter := l.interpreterLoader(model, options)
	if interpreter == nil {
		options.Delete()
		model.Delete()
		return nil, fmt.Errorf("%w: cannot create interpreter", engine.ErrModelRejected)
	}
	if status := interpreter.AllocateTensors(); status != lite.OK {
		interpreter.Delete()
		options.Delete()
		model.Delete()
		return nil, fmt.Errorf("%w: allocating tensors: status %d", engine.ErrModelRejected, status)
	}
	return &nativeInterpreter{model: model, options: options, interpreter: interpreter}, nil
}

func (n *nativeInterpreter) InputCount() int     { return n.interpreter.GetInputTensorCount() }
func (n *nativeInterpreter) Input(i int) Tensor  { return nativeTensor{n.interpreter.GetInputTensor(i)} }
func (n *nativeInterpreter) OutputCount() int    { return n.interpreter.GetOutputTensorCount() }
func (n *nativeInterpreter) Output(i int) Tensor { return nativeTensor{n.interpreter.GetOutputTensor(i)} }

func (n *nativeInterpreter) ResizeInput(i int, dims []int64) error {
	sizes := make([]int32, len(dims))
	for j, d := range dims {
		sizes[j] = int32(d)
	}
	if status := n.interpreter.ResizeInputTensor(i, sizes); status != lite.OK {
		return fmt.Errorf("resizing input %d: status %d", i, status)
	}
	if status := n.interpreter.AllocateTensors(); status != lite.OK {
		return fmt.Errorf("allocating tensors: status %d", status)
	}
	return nil
}

func (n *nativeInterpreter) Invoke() error {
	if status := n.interpreter.Invoke(); status != lite.OK {
		return fmt.Errorf("invoke: status %d", status)
	}
	return nil
}

func (n *nativeInterpreter) Close() error {
	if n.interpreter == nil {
		return nil
	}
	n.interpreter.Delete()
	n.options.Delete()
	n.model.Delete()
	n.interpreter = nil
	return nil
}

type nativeTensor struct {
	t *lite.Tensor
}

func (t nativeTensor) Name() string  { return t.t.Name() }
func (t nativeTensor) ByteSize() int { return int(t.t.ByteSize()) }

func (t nativeTensor) Type() engine.ElementType {
	switch t.t.Type() {
	case lite.Float32:
		return engine.Float32
	case lite.Int32:
		return engine.Int32
	case lite.UInt8:
		return engine.Uint8
	case lite.Int64:
		return engine.Int64
	case lite.Bool:
		return engine.Bool
	case lite.Int8:
		return engine.Int8
	case lite.String:
		return engine.String
	}
	return engine.Unknown
}

func (t nativeTensor) Dims() []int64 {
	dims := make([]int64, t.t.NumDims())
	for i := range dims {
		dims[i] = int64(t.t.Dim(i))
	}
	return dims
}

func (t nativeTensor) Float32s() []float32 {
	if t.t.Type() != lite.Float32 {
		return nil
	}
	return t.t.Float32s()
}
