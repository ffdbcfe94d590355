package onnx

import (
	"fmt"
	"os"
	"slices"

	"k8s.io/examples/AI/modelrunner/pkg/engine"
	"k8s.io/examples/AI/modelrunner/pkg/engine/fallback"
)

// interpreter is a pure-Go Session over a parsed ONNX graph.
type interpreter struct {
	inputs  []ValueInfo
	outputs []ValueInfo
	program *fallback.Program

	inputIndex  map[string]int
	outputIndex map[string]int

	// results holds one buffer per output, reused across runs.
	results [][]float32
}

var _ Session = &interpreter{}

// OpenInterpreter parses the model at path and compiles it for the pure-Go
// interpreter. Threading options are ignored; execution is always sequential
// on the calling goroutine.
func OpenInterpreter(path string, opts SessionOptions) (Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading model: %w", err)
	}
	model, err := ParseModel(data)
	if err != nil {
		return nil, err
	}
	return newInterpreter(model)
}

func newInterpreter(model *Model) (*interpreter, error) {
	g := &model.Graph

	constants := make(map[fallback.TensorID]*fallback.Tensor, len(g.Initializers))
	for _, initializer := range g.Initializers {
		t, err := initializer.Tensor()
		if err != nil {
			return nil, fmt.Errorf("%w: initializer %q: %w", engine.ErrMalformedModel, initializer.Name, err)
		}
		constants[fallback.TensorID(initializer.Name)] = t
	}

	s := &interpreter{
		inputIndex:  make(map[string]int),
		outputIndex: make(map[string]int),
	}

	// Older exporters list initializers as graph inputs too.
	var feeds []fallback.TensorID
	for _, info := range g.Inputs {
		if _, isConstant := constants[fallback.TensorID(info.Name)]; isConstant {
			continue
		}
		s.inputIndex[info.Name] = len(s.inputs)
		s.inputs = append(s.inputs, info)
		feeds = append(feeds, fallback.TensorID(info.Name))
	}

	var fetches []fallback.TensorID
	for _, info := range g.Outputs {
		s.outputIndex[info.Name] = len(s.outputs)
		s.outputs = append(s.outputs, info)
		fetches = append(fetches, fallback.TensorID(info.Name))
	}

	steps := make([]*fallback.Step, 0, len(g.Nodes))
	for i, node := range g.Nodes {
		if node.Domain != "" && node.Domain != "ai.onnx" {
			return nil, fmt.Errorf("%w: node %q uses unsupported domain %q", engine.ErrModelRejected, node.Name, node.Domain)
		}
		build, found := operators[node.OpType]
		if !found {
			return nil, fmt.Errorf("%w: unsupported operator %q (node %q)", engine.ErrModelRejected, node.OpType, node.Name)
		}
		kernel, err := build(node, model.Opset)
		if err != nil {
			return nil, fmt.Errorf("%w: %s node %q: %w", engine.ErrModelRejected, node.OpType, node.Name, err)
		}
		name := node.Name
		if name == "" {
			name = fmt.Sprintf("%s_%d", node.OpType, i)
		}
		step := &fallback.Step{
			Name:   name,
			Op:     node.OpType,
			Kernel: kernel,
		}
		for _, id := range node.Inputs {
			step.Inputs = append(step.Inputs, fallback.TensorID(id))
		}
		for _, id := range node.Outputs {
			step.Outputs = append(step.Outputs, fallback.TensorID(id))
		}
		steps = append(steps, step)
	}

	program, err := fallback.Compile(steps, constants, feeds, fetches)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", engine.ErrModelRejected, err)
	}
	s.program = program
	s.results = make([][]float32, len(s.outputs))
	return s, nil
}

func (s *interpreter) Inputs() []ValueInfo {
	return s.inputs
}

func (s *interpreter) Outputs() []ValueInfo {
	return s.outputs
}

func (s *interpreter) Run(inputNames []string, inputs []TensorView, outputNames []string) ([]Value, error) {
	if len(inputNames) != len(s.inputs) || len(inputs) != len(s.inputs) {
		return nil, fmt.Errorf("got %d inputs, graph has %d", len(inputs), len(s.inputs))
	}

	feeds := make([]*fallback.Tensor, len(s.inputs))
	for i, name := range inputNames {
		index, found := s.inputIndex[name]
		if !found {
			return nil, fmt.Errorf("unknown input %q", name)
		}
		t, err := fallback.FromData(inputs[i].Shape, inputs[i].Data)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", name, err)
		}
		feeds[index] = t
	}

	results, err := s.program.Run(feeds)
	if err != nil {
		return nil, err
	}

	values := make([]Value, len(outputNames))
	for i, name := range outputNames {
		index, found := s.outputIndex[name]
		if !found {
			return nil, fmt.Errorf("unknown output %q", name)
		}
		result := results[index]
		buf := s.results[index]
		if cap(buf) < len(result.Data) {
			buf = make([]float32, len(result.Data))
		}
		buf = buf[:len(result.Data)]
		copy(buf, result.Data)
		s.results[index] = buf
		values[i] = Value{Shape: slices.Clone(result.Shape), Data: buf}
	}
	return values, nil
}

func (s *interpreter) Close() error {
	s.results = nil
	return nil
}
