// Package fallback is a pure-Go float32 execution core. The ONNX, GraphDef
// and TFLite interpreters compile their graphs into a Program.
package fallback

import (
	"fmt"
)

// Kernel computes a step's outputs from its inputs. Absent optional inputs
// are passed as nil. Kernels must not modify their inputs.
type Kernel func(inputs []*Tensor) ([]*Tensor, error)

type Step struct {
	Name    string
	Op      string
	Inputs  []TensorID
	Outputs []TensorID
	Kernel  Kernel
}

// Program is a compiled, ordered computation with fixed feeds and fetches.
type Program struct {
	constants map[TensorID]*Tensor
	feeds     []TensorID
	fetches   []TensorID
	steps     []*Step
}

// Compile orders steps and checks that every fetch is computable from the
// feeds and constants.
func Compile(steps []*Step, constants map[TensorID]*Tensor, feeds, fetches []TensorID) (*Program, error) {
	available := make([]TensorID, 0, len(constants)+len(feeds))
	for id := range constants {
		available = append(available, id)
	}
	available = append(available, feeds...)

	ordered, err := BuildDAG(steps, available, fetches)
	if err != nil {
		return nil, err
	}
	return &Program{
		constants: constants,
		feeds:     feeds,
		fetches:   fetches,
		steps:     ordered,
	}, nil
}

// Steps returns the steps that will run, in evaluation order.
func (p *Program) Steps() []*Step {
	return p.steps
}

// Run evaluates the program. feeds are positional, matching Compile.
func (p *Program) Run(feeds []*Tensor) ([]*Tensor, error) {
	if len(feeds) != len(p.feeds) {
		return nil, fmt.Errorf("got %d feeds, program has %d", len(feeds), len(p.feeds))
	}

	values := make(map[TensorID]*Tensor, len(p.constants)+len(p.steps))
	for id, t := range p.constants {
		values[id] = t
	}
	for i, id := range p.feeds {
		values[id] = feeds[i]
	}

	for _, step := range p.steps {
		inputs := make([]*Tensor, len(step.Inputs))
		for i, id := range step.Inputs {
			if id == "" {
				continue
			}
			t, found := values[id]
			if !found {
				return nil, fmt.Errorf("%s node %q: input %q not found", step.Op, step.Name, id)
			}
			inputs[i] = t
		}

		results, err := step.Kernel(inputs)
		if err != nil {
			return nil, fmt.Errorf("%s node %q: %w", step.Op, step.Name, err)
		}
		if len(results) < len(step.Outputs) {
			return nil, fmt.Errorf("%s node %q: produced %d outputs, want %d", step.Op, step.Name, len(results), len(step.Outputs))
		}
		for i, id := range step.Outputs {
			if id == "" {
				continue
			}
			values[id] = results[i]
		}
	}

	results := make([]*Tensor, len(p.fetches))
	for i, id := range p.fetches {
		t, found := values[id]
		if !found {
			return nil, fmt.Errorf("tensor %q not found", id)
		}
		results[i] = t
	}
	return results, nil
}
