package tfgraph

import (
	"fmt"
	"slices"
	"sort"
	"strconv"

	"k8s.io/examples/AI/modelrunner/pkg/engine"
	"k8s.io/examples/AI/modelrunner/pkg/engine/fallback"
)

type opBuilder func(n *NodeDef) (fallback.Kernel, error)

var ops = map[string]opBuilder{
	"Identity":     unaryOp(func(t *fallback.Tensor) *fallback.Tensor { return t }),
	"StopGradient": unaryOp(func(t *fallback.Tensor) *fallback.Tensor { return t }),
	"Relu":         unaryOp(fallback.Relu),
	"Relu6":        unaryOp(fallback.Relu6),
	"Sigmoid":      unaryOp(fallback.Sigmoid),
	"Tanh":         unaryOp(fallback.Tanh),
	"Add":          binaryOp(fallback.Add),
	"AddV2":        binaryOp(fallback.Add),
	"BiasAdd":      binaryOp(fallback.Add),
	"Sub":          binaryOp(fallback.Sub),
	"Mul":          binaryOp(fallback.Mul),
	"RealDiv":      binaryOp(fallback.Div),
	"MatMul":       buildMatMul,
	"Softmax":      buildSoftmax,
	"Reshape":      buildReshape,
	"Squeeze":      buildSqueeze,
}

// SupportedOps lists the node ops the pure-Go executor can run, besides
// Placeholder, Const and the control-only ops.
func SupportedOps() []string {
	names := make([]string, 0, len(ops))
	for name := range ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// wantInputs checks a node has at least n data inputs.
func wantInputs(node *NodeDef, n int) error {
	count := 0
	for _, input := range node.Inputs {
		if _, _, control := ParseInput(input); !control {
			count++
		}
	}
	if count < n {
		return fmt.Errorf("expected %d inputs, got %d", n, count)
	}
	return nil
}

func unaryOp(fn func(*fallback.Tensor) *fallback.Tensor) opBuilder {
	return func(n *NodeDef) (fallback.Kernel, error) {
		if err := wantInputs(n, 1); err != nil {
			return nil, err
		}
		return func(inputs []*fallback.Tensor) ([]*fallback.Tensor, error) {
			return []*fallback.Tensor{fn(inputs[0])}, nil
		}, nil
	}
}

func binaryOp(fn func(a, b *fallback.Tensor) (*fallback.Tensor, error)) opBuilder {
	return func(n *NodeDef) (fallback.Kernel, error) {
		if err := wantInputs(n, 2); err != nil {
			return nil, err
		}
		return func(inputs []*fallback.Tensor) ([]*fallback.Tensor, error) {
			out, err := fn(inputs[0], inputs[1])
			if err != nil {
				return nil, err
			}
			return []*fallback.Tensor{out}, nil
		}, nil
	}
}

func attrBool(n *NodeDef, name string) bool {
	if a, ok := n.Attr[name]; ok {
		return a.B
	}
	return false
}

func buildMatMul(n *NodeDef) (fallback.Kernel, error) {
	if err := wantInputs(n, 2); err != nil {
		return nil, err
	}
	transposeA, transposeB := attrBool(n, "transpose_a"), attrBool(n, "transpose_b")
	return func(inputs []*fallback.Tensor) ([]*fallback.Tensor, error) {
		out, err := fallback.MatMul(inputs[0], inputs[1], transposeA, transposeB)
		if err != nil {
			return nil, err
		}
		return []*fallback.Tensor{out}, nil
	}, nil
}

func buildSoftmax(n *NodeDef) (fallback.Kernel, error) {
	if err := wantInputs(n, 1); err != nil {
		return nil, err
	}
	return func(inputs []*fallback.Tensor) ([]*fallback.Tensor, error) {
		out, err := fallback.Softmax(inputs[0], -1)
		if err != nil {
			return nil, err
		}
		return []*fallback.Tensor{out}, nil
	}, nil
}

func buildReshape(n *NodeDef) (fallback.Kernel, error) {
	if err := wantInputs(n, 2); err != nil {
		return nil, err
	}
	return func(inputs []*fallback.Tensor) ([]*fallback.Tensor, error) {
		out, err := fallback.Reshape(inputs[0], inputs[1].Ints(), true)
		if err != nil {
			return nil, err
		}
		return []*fallback.Tensor{out}, nil
	}, nil
}

func buildSqueeze(n *NodeDef) (fallback.Kernel, error) {
	if err := wantInputs(n, 1); err != nil {
		return nil, err
	}
	var axes []int64
	if a, ok := n.Attr["squeeze_dims"]; ok && a.List != nil {
		axes = a.List.I
	}
	return func(inputs []*fallback.Tensor) ([]*fallback.Tensor, error) {
		out, err := fallback.Squeeze(inputs[0], axes)
		if err != nil {
			return nil, err
		}
		return []*fallback.Tensor{out}, nil
	}, nil
}

// tensorID names output port of a node; port 0 is the bare node name.
func tensorID(node string, port int) fallback.TensorID {
	if port == 0 {
		return fallback.TensorID(node)
	}
	return fallback.TensorID(node + ":" + strconv.Itoa(port))
}

// executor is the pure-Go Session. Only the nodes needed for the fetches
// it was compiled for are evaluated.
type executor struct {
	placeholders []string
	fetches      []string
	program      *fallback.Program
}

// NewExecutor compiles def to run the given feeds and fetches.
func NewExecutor(def *GraphDef, feeds, fetches []string) (Session, error) {
	constants := make(map[fallback.TensorID]*fallback.Tensor)
	var steps []*fallback.Step
	for _, n := range def.Nodes {
		switch {
		case n.Op == "Placeholder" || controlOnly[n.Op]:
			continue
		case n.Op == "Const":
			a, ok := n.Attr["value"]
			if !ok || a.Tensor == nil {
				return nil, fmt.Errorf("%w: Const node %q has no value", engine.ErrMalformedModel, n.Name)
			}
			shape, data, err := a.Tensor.Values()
			if err != nil {
				return nil, fmt.Errorf("%w: Const node %q: %w", engine.ErrMalformedModel, n.Name, err)
			}
			constants[tensorID(n.Name, 0)] = &fallback.Tensor{Shape: shape, Data: data}
			continue
		}

		build, found := ops[n.Op]
		if !found {
			return nil, fmt.Errorf("%w: unsupported op %q (node %q)", engine.ErrModelRejected, n.Op, n.Name)
		}
		kernel, err := build(n)
		if err != nil {
			return nil, fmt.Errorf("%w: %s node %q: %w", engine.ErrModelRejected, n.Op, n.Name, err)
		}
		step := &fallback.Step{
			Name:    n.Name,
			Op:      n.Op,
			Kernel:  kernel,
			Outputs: []fallback.TensorID{tensorID(n.Name, 0)},
		}
		for _, input := range n.Inputs {
			producer, port, control := ParseInput(input)
			if control {
				continue
			}
			step.Inputs = append(step.Inputs, tensorID(producer, port))
		}
		steps = append(steps, step)
	}

	var feedIDs, fetchIDs []fallback.TensorID
	for _, name := range feeds {
		feedIDs = append(feedIDs, tensorID(name, 0))
	}
	for _, name := range fetches {
		fetchIDs = append(fetchIDs, tensorID(name, 0))
	}
	program, err := fallback.Compile(steps, constants, feedIDs, fetchIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", engine.ErrModelRejected, err)
	}
	return &executor{
		placeholders: slices.Clone(feeds),
		fetches:      slices.Clone(fetches),
		program:      program,
	}, nil
}

func (x *executor) Run(feeds []Feed, fetches []string) ([]*Tensor, error) {
	if !slices.Equal(fetches, x.fetches) {
		return nil, fmt.Errorf("fetches %v do not match the compiled fetches %v", fetches, x.fetches)
	}
	values := make([]*fallback.Tensor, len(x.placeholders))
	for _, feed := range feeds {
		i := slices.Index(x.placeholders, feed.Name)
		if i < 0 {
			return nil, fmt.Errorf("%q is not a placeholder", feed.Name)
		}
		t, err := fallback.FromData(feed.Tensor.Shape, feed.Tensor.Data)
		if err != nil {
			return nil, fmt.Errorf("feed %q: %w", feed.Name, err)
		}
		values[i] = t
	}
	for i, t := range values {
		if t == nil {
			return nil, fmt.Errorf("placeholder %q was not fed", x.placeholders[i])
		}
	}

	results, err := x.program.Run(values)
	if err != nil {
		return nil, err
	}
	out := make([]*Tensor, len(results))
	for i, r := range results {
		out[i] = &Tensor{Shape: slices.Clone(r.Shape), Data: r.Data}
	}
	return out, nil
}

func (x *executor) Close() error {
	x.program = nil
	return nil
}
