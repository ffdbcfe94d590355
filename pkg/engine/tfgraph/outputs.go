package tfgraph

import (
	"fmt"
	"strings"

	"k8s.io/examples/AI/modelrunner/pkg/engine"
	"k8s.io/klog/v2"
)

// controlOnly ops produce no data. Their inputs are not consumers and they
// are never graph outputs.
var controlOnly = map[string]bool{
	"Assert": true,
	"NoOp":   true,
}

// InferOutputs returns the nodes no other node consumes through a data edge,
// in graph order.
func InferOutputs(def *GraphDef) []*NodeDef {
	byName := make(map[string]*NodeDef, len(def.Nodes))
	for _, n := range def.Nodes {
		byName[n.Name] = n
	}

	inbound := make(map[string][]string, len(def.Nodes))
	for _, n := range def.Nodes {
		if controlOnly[n.Op] {
			continue
		}
		for _, input := range n.Inputs {
			producer, _, control := ParseInput(input)
			if control {
				continue
			}
			if _, found := byName[producer]; !found {
				continue
			}
			inbound[n.Name] = append(inbound[n.Name], producer)
		}
	}

	outbound := make(map[string][]string, len(inbound))
	for consumer, producers := range inbound {
		for _, producer := range producers {
			outbound[producer] = append(outbound[producer], consumer)
		}
	}

	var outputs []*NodeDef
	for _, n := range def.Nodes {
		if controlOnly[n.Op] || len(outbound[n.Name]) != 0 {
			continue
		}
		outputs = append(outputs, n)
	}
	return outputs
}

// Placeholders returns the graph's feedable inputs in graph order.
func Placeholders(def *GraphDef) []*NodeDef {
	var inputs []*NodeDef
	for _, n := range def.Nodes {
		if n.Op == "Placeholder" {
			inputs = append(inputs, n)
		}
	}
	return inputs
}

func inputDescriptor(n *NodeDef) engine.TensorDescriptor {
	shape := []int64{-1}
	if a, ok := n.Attr["shape"]; ok && a.Shape != nil && !a.Shape.UnknownRank {
		shape = a.Shape.Dims
	}
	return engine.NewDescriptor(n.Name, shape, nodeType(n))
}

// nodeType is the element type of a node's first output.
func nodeType(n *NodeDef) engine.ElementType {
	for _, key := range []string{"dtype", "T"} {
		if a, ok := n.Attr[key]; ok && a.Type != DTInvalid {
			return a.Type.ElementType()
		}
	}
	if a, ok := n.Attr["value"]; ok && a.Tensor != nil {
		return a.Tensor.DType.ElementType()
	}
	return engine.Float32
}

// annotatedShape reads the first entry of a node's _output_shapes attr.
func annotatedShape(n *NodeDef) ([]int64, bool) {
	a, ok := n.Attr["_output_shapes"]
	if !ok || a.List == nil || len(a.List.Shape) == 0 {
		return nil, false
	}
	shape := a.List.Shape[0]
	if shape.UnknownRank {
		return []int64{-1}, true
	}
	return shape.Dims, true
}

// outputDescriptors sizes the inferred outputs.
//
// Hints win when there is one per output: output i gets shape [hints[i]],
// with 0 (or a negative hint) meaning the size is only known after a run.
// Otherwise every output must carry an _output_shapes annotation.
func outputDescriptors(path string, outputs []*NodeDef, hints []int, log klog.Logger) ([]engine.TensorDescriptor, error) {
	descriptors := make([]engine.TensorDescriptor, len(outputs))

	if len(hints) == len(outputs) {
		for i, n := range outputs {
			dim := int64(hints[i])
			if dim <= 0 {
				dim = -1
			}
			descriptors[i] = engine.NewDescriptor(n.Name, []int64{dim}, nodeType(n))
		}
		return descriptors, nil
	}

	names := make([]string, len(outputs))
	var missing []string
	for i, n := range outputs {
		names[i] = n.Name
		shape, ok := annotatedShape(n)
		if !ok {
			missing = append(missing, n.Name)
			continue
		}
		descriptors[i] = engine.NewDescriptor(n.Name, shape, nodeType(n))
	}

	if len(missing) != 0 {
		var err error
		if len(hints) == 0 {
			err = fmt.Errorf("outputs %s have no _output_shapes annotation; pass one output size hint per output in this order", strings.Join(missing, ", "))
		} else {
			err = fmt.Errorf("got %d output size hints for %d outputs and %s have no _output_shapes annotation; hints must follow this order", len(hints), len(outputs), strings.Join(missing, ", "))
		}
		return nil, &engine.LoadError{
			Backend: backend,
			Path:    path,
			Kind:    engine.ErrOutputShapeUnknown,
			Names:   names,
			Err:     err,
		}
	}

	if len(hints) != 0 {
		log.Info("Ignoring output size hints, count does not match the graph outputs", "hints", len(hints), "outputs", names)
	}
	return descriptors, nil
}
