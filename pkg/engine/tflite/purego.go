package tflite

import (
	"fmt"
	"os"
	"slices"
	"strconv"

	"k8s.io/examples/AI/modelrunner/pkg/engine"
	"k8s.io/examples/AI/modelrunner/pkg/engine/fallback"
)

type goTensor struct {
	name string
	typ  engine.ElementType
	dims []int64
	data []float32
}

func (t *goTensor) Name() string             { return t.name }
func (t *goTensor) Type() engine.ElementType { return t.typ }
func (t *goTensor) Dims() []int64            { return slices.Clone(t.dims) }
func (t *goTensor) Float32s() []float32      { return t.data }

func (t *goTensor) ByteSize() int {
	return engine.ElementCount(concrete(t.dims)) * t.typ.Size()
}

// allocate sizes the tensor's memory for its current dims.
func (t *goTensor) allocate() {
	if t.typ != engine.Float32 {
		return
	}
	n := engine.ElementCount(concrete(t.dims))
	if cap(t.data) < n {
		t.data = make([]float32, n)
	}
	t.data = t.data[:n]
}

// concrete replaces unknown dimensions with 1, as TFLite does for the
// shape it allocates before the first resize.
func concrete(dims []int64) []int64 {
	out := slices.Clone(dims)
	for i, d := range out {
		if d < 0 {
			out[i] = 1
		}
	}
	return out
}

func tensorID(index int32) fallback.TensorID {
	if index < 0 {
		return ""
	}
	return fallback.TensorID(strconv.Itoa(int(index)))
}

// goInterpreter runs a parsed model with the fallback kernels. Execution is
// always single-threaded.
type goInterpreter struct {
	program *fallback.Program
	inputs  []*goTensor
	outputs []*goTensor
}

var _ Interpreter = &goInterpreter{}

// OpenGoInterpreter parses the model at path for the pure-Go interpreter.
func OpenGoInterpreter(path string, opts InterpreterOptions) (Interpreter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading model: %w", err)
	}
	model, err := ParseModel(data)
	if err != nil {
		return nil, err
	}
	return newGoInterpreter(model)
}

func newGoInterpreter(m *Model) (*goInterpreter, error) {
	isInput := make(map[int32]bool, len(m.Inputs))
	for _, index := range m.Inputs {
		isInput[index] = true
	}

	for _, def := range m.Tensors {
		if err := engine.CheckShape(def.Dims()); err != nil {
			return nil, fmt.Errorf("%w: tensor %q: %w", engine.ErrMalformedModel, def.Name, err)
		}
	}

	constants := make(map[fallback.TensorID]*fallback.Tensor)
	for i, def := range m.Tensors {
		if len(def.Data) == 0 || isInput[int32(i)] {
			continue
		}
		values, err := def.Values()
		if err != nil {
			return nil, fmt.Errorf("%w: tensor %q: %w", engine.ErrModelRejected, def.Name, err)
		}
		t, err := fallback.FromData(concrete(def.Dims()), values)
		if err != nil {
			return nil, fmt.Errorf("%w: tensor %q: %w", engine.ErrMalformedModel, def.Name, err)
		}
		constants[tensorID(int32(i))] = t
	}

	steps := make([]*fallback.Step, 0, len(m.Operators))
	for i, op := range m.Operators {
		name := fmt.Sprintf("%s_%d", op.Op, i)
		kernel, err := buildKernel(op)
		if err != nil {
			return nil, fmt.Errorf("%w: operator %s: %w", engine.ErrModelRejected, name, err)
		}
		step := &fallback.Step{Name: name, Op: op.Op.String(), Kernel: kernel}
		for _, index := range op.Inputs {
			step.Inputs = append(step.Inputs, tensorID(index))
		}
		for _, index := range op.Outputs {
			step.Outputs = append(step.Outputs, tensorID(index))
		}
		steps = append(steps, step)
	}

	s := &goInterpreter{}
	var feeds, fetches []fallback.TensorID
	for _, index := range m.Inputs {
		s.inputs = append(s.inputs, newGoTensor(m.Tensors[index]))
		feeds = append(feeds, tensorID(index))
	}
	for _, index := range m.Outputs {
		s.outputs = append(s.outputs, newGoTensor(m.Tensors[index]))
		fetches = append(fetches, tensorID(index))
	}

	program, err := fallback.Compile(steps, constants, feeds, fetches)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", engine.ErrModelRejected, err)
	}
	s.program = program
	return s, nil
}

func newGoTensor(def *TensorDef) *goTensor {
	t := &goTensor{name: def.Name, typ: def.Type.ElementType(), dims: def.Dims()}
	t.allocate()
	return t
}

func (s *goInterpreter) InputCount() int     { return len(s.inputs) }
func (s *goInterpreter) Input(i int) Tensor  { return s.inputs[i] }
func (s *goInterpreter) OutputCount() int    { return len(s.outputs) }
func (s *goInterpreter) Output(i int) Tensor { return s.outputs[i] }

func (s *goInterpreter) ResizeInput(i int, dims []int64) error {
	if i < 0 || i >= len(s.inputs) {
		return fmt.Errorf("input %d out of range", i)
	}
	if !engine.Resolved(dims) {
		return fmt.Errorf("cannot resize input %q to %s", s.inputs[i].name, engine.FormatShape(dims))
	}
	s.inputs[i].dims = slices.Clone(dims)
	s.inputs[i].allocate()
	return nil
}

func (s *goInterpreter) Invoke() error {
	if s.program == nil {
		return fmt.Errorf("interpreter is closed")
	}
	feeds := make([]*fallback.Tensor, len(s.inputs))
	for i, in := range s.inputs {
		t, err := fallback.FromData(concrete(in.dims), in.data)
		if err != nil {
			return fmt.Errorf("input %q: %w", in.name, err)
		}
		feeds[i] = t
	}
	results, err := s.program.Run(feeds)
	if err != nil {
		return err
	}
	for i, out := range s.outputs {
		out.dims = slices.Clone(results[i].Shape)
		out.allocate()
		copy(out.data, results[i].Data)
	}
	return nil
}

func (s *goInterpreter) Close() error {
	s.program = nil
	return nil
}
