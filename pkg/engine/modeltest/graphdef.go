package modeltest

import (
	"k8s.io/examples/AI/modelrunner/pkg/engine/internal/wire"
)

const (
	tfFloat = 1
	tfInt32 = 3
)

// TFConst is the value attr of a Const node.
type TFConst struct {
	Dims []int64
	Data []float32
	// Int32 stores Data as int_val, as Reshape shapes are.
	Int32 bool
	// Content stores Data as little-endian tensor_content.
	Content bool
}

type TFNode struct {
	Name   string
	Op     string
	Inputs []string
	// Shape is the Placeholder shape attr; nil leaves it out.
	Shape []int64
	// DType overrides the float dtype/T attr.
	DType int64
	Value *TFConst
	Bools map[string]bool
	Lists map[string][]int64
	// OutputShape is written as the _output_shapes annotation when set.
	OutputShape []int64
}

type TFGraph struct {
	Nodes []TFNode
}

// Marshal encodes the graph as a serialized GraphDef.
func (g *TFGraph) Marshal() []byte {
	var m wire.Message
	for _, n := range g.Nodes {
		m = m.Message(1, n.marshal())
	}
	return m
}

func tfShape(dims []int64) wire.Message {
	var m wire.Message
	for _, dim := range dims {
		m = m.Message(2, wire.Message(nil).Varint(1, dim))
	}
	return m
}

func attrEntry(key string, value wire.Message) wire.Message {
	return wire.Message(nil).Text(1, key).Message(2, value)
}

func (n *TFNode) marshal() wire.Message {
	var m wire.Message
	m = m.Text(1, n.Name)
	m = m.Text(2, n.Op)
	for _, in := range n.Inputs {
		m = m.Text(3, in)
	}

	dtype := n.DType
	if dtype == 0 {
		dtype = tfFloat
	}
	switch n.Op {
	case "Placeholder":
		m = m.Message(5, attrEntry("dtype", wire.Message(nil).Varint(6, dtype)))
		if n.Shape != nil {
			m = m.Message(5, attrEntry("shape", wire.Message(nil).Message(7, tfShape(n.Shape))))
		}
	case "Const":
		if n.Value != nil {
			if n.Value.Int32 {
				dtype = tfInt32
			}
			m = m.Message(5, attrEntry("dtype", wire.Message(nil).Varint(6, dtype)))
			m = m.Message(5, attrEntry("value", wire.Message(nil).Message(8, n.Value.marshal())))
		}
	case "NoOp", "Assert":
	default:
		m = m.Message(5, attrEntry("T", wire.Message(nil).Varint(6, dtype)))
	}

	for _, key := range sortedKeys(n.Bools) {
		m = m.Message(5, attrEntry(key, wire.Message(nil).Bool(5, n.Bools[key])))
	}
	for _, key := range sortedKeys(n.Lists) {
		list := wire.Message(nil).PackedVarints(3, n.Lists[key])
		m = m.Message(5, attrEntry(key, wire.Message(nil).Message(1, list)))
	}
	if n.OutputShape != nil {
		list := wire.Message(nil).Message(7, tfShape(n.OutputShape))
		m = m.Message(5, attrEntry("_output_shapes", wire.Message(nil).Message(1, list)))
	}
	return m
}

func (c *TFConst) marshal() wire.Message {
	var m wire.Message
	switch {
	case c.Int32:
		ints := make([]int64, len(c.Data))
		for i, v := range c.Data {
			ints[i] = int64(v)
		}
		m = m.Varint(1, tfInt32)
		m = m.Message(2, tfShape(c.Dims))
		m = m.PackedVarints(7, ints)
	case c.Content:
		m = m.Varint(1, tfFloat)
		m = m.Message(2, tfShape(c.Dims))
		m = m.Bytes(4, float32Bytes(c.Data))
	default:
		m = m.Varint(1, tfFloat)
		m = m.Message(2, tfShape(c.Dims))
		m = m.PackedFloats(5, c.Data)
	}
	return m
}

// DenseGraphDef is the reference dense model as a frozen graph with two
// outputs, "logits" and "probs". batch < 0 leaves the batch dimension
// unknown. annotate adds _output_shapes to every node.
func DenseGraphDef(batch int64, annotate bool) *TFGraph {
	g := &TFGraph{Nodes: []TFNode{
		{Name: "x", Op: "Placeholder", Shape: []int64{batch, DenseIn}},
		{Name: "dense/W", Op: "Const", Value: &TFConst{Dims: []int64{DenseIn, DenseOut}, Data: DenseWeights(), Content: true}},
		{Name: "dense/b", Op: "Const", Value: &TFConst{Dims: []int64{DenseOut}, Data: DenseBias()}},
		{Name: "dense/MatMul", Op: "MatMul", Inputs: []string{"x", "dense/W"}},
		{Name: "dense/BiasAdd", Op: "BiasAdd", Inputs: []string{"dense/MatMul", "dense/b"}},
		{Name: "logits", Op: "Identity", Inputs: []string{"dense/BiasAdd"}},
		{Name: "probs", Op: "Softmax", Inputs: []string{"dense/BiasAdd"}},
	}}
	if annotate {
		for i := range g.Nodes {
			n := &g.Nodes[i]
			switch n.Op {
			case "Const":
				n.OutputShape = n.Value.Dims
			case "Placeholder":
				n.OutputShape = n.Shape
			default:
				n.OutputShape = []int64{batch, DenseOut}
			}
		}
	}
	return g
}

// WithAssert adds an Assert node consuming the named node plus a NoOp
// depending on it through a control input.
func (g *TFGraph) WithAssert(node string) *TFGraph {
	g.Nodes = append(g.Nodes,
		TFNode{Name: "check/Assert", Op: "Assert", Inputs: []string{node}},
		TFNode{Name: "check/NoOp", Op: "NoOp", Inputs: []string{"^check/Assert"}},
	)
	return g
}
