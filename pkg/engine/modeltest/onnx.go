package modeltest

import (
	"k8s.io/examples/AI/modelrunner/pkg/engine/internal/wire"
)

// ONNXValue is a graph input or output. Negative dims are written as the
// symbolic dimension "N".
type ONNXValue struct {
	Name     string
	Dims     []int64
	DataType int64
}

type ONNXInitializer struct {
	Name string
	Dims []int64
	Data []float32
	// Int64 stores Data as int64_data, as shape operands are.
	Int64 bool
	// Raw stores Data as little-endian raw_data.
	Raw bool
}

type ONNXNode struct {
	Name    string
	Op      string
	Domain  string
	Inputs  []string
	Outputs []string
	Ints    map[string]int64
	Floats  map[string]float32
	IntList map[string][]int64
}

type ONNXGraph struct {
	Opset        int64
	Inputs       []ONNXValue
	Outputs      []ONNXValue
	Initializers []ONNXInitializer
	Nodes        []ONNXNode
}

// Marshal encodes the graph as a serialized ModelProto.
func (g *ONNXGraph) Marshal() []byte {
	var graph wire.Message
	for _, n := range g.Nodes {
		graph = graph.Message(1, n.marshal())
	}
	graph = graph.Text(2, "modeltest")
	for _, initializer := range g.Initializers {
		graph = graph.Message(5, initializer.marshal())
	}
	for _, v := range g.Inputs {
		graph = graph.Message(11, v.marshal())
	}
	for _, v := range g.Outputs {
		graph = graph.Message(12, v.marshal())
	}

	opset := g.Opset
	if opset == 0 {
		opset = 17
	}
	var model wire.Message
	model = model.Varint(1, 8)
	model = model.Text(2, "modeltest")
	model = model.Message(7, graph)
	model = model.Message(8, wire.Message(nil).Text(1, "").Varint(2, opset))
	return model
}

func (n *ONNXNode) marshal() wire.Message {
	var m wire.Message
	for _, in := range n.Inputs {
		m = m.Text(1, in)
	}
	for _, out := range n.Outputs {
		m = m.Text(2, out)
	}
	m = m.Text(3, n.Name)
	m = m.Text(4, n.Op)
	for _, name := range sortedKeys(n.Ints) {
		m = m.Message(5, wire.Message(nil).Text(1, name).Varint(3, n.Ints[name]).Varint(20, 2))
	}
	for _, name := range sortedKeys(n.Floats) {
		m = m.Message(5, wire.Message(nil).Text(1, name).Float32(2, n.Floats[name]).Varint(20, 1))
	}
	for _, name := range sortedKeys(n.IntList) {
		m = m.Message(5, wire.Message(nil).Text(1, name).PackedVarints(8, n.IntList[name]).Varint(20, 7))
	}
	if n.Domain != "" {
		m = m.Text(7, n.Domain)
	}
	return m
}

func (t *ONNXInitializer) marshal() wire.Message {
	var m wire.Message
	m = m.PackedVarints(1, t.Dims)
	switch {
	case t.Int64:
		ints := make([]int64, len(t.Data))
		for i, v := range t.Data {
			ints[i] = int64(v)
		}
		m = m.Varint(2, 7)
		m = m.PackedVarints(7, ints)
	case t.Raw:
		m = m.Varint(2, 1)
		m = m.Bytes(9, float32Bytes(t.Data))
	default:
		m = m.Varint(2, 1)
		m = m.PackedFloats(4, t.Data)
	}
	m = m.Text(8, t.Name)
	return m
}

func (v *ONNXValue) marshal() wire.Message {
	var shape wire.Message
	for _, dim := range v.Dims {
		if dim < 0 {
			shape = shape.Message(1, wire.Message(nil).Text(2, "N"))
		} else {
			shape = shape.Message(1, wire.Message(nil).Varint(1, dim))
		}
	}
	dataType := v.DataType
	if dataType == 0 {
		dataType = 1
	}
	tensorType := wire.Message(nil).Varint(1, dataType).Message(2, shape)
	typeProto := wire.Message(nil).Message(1, tensorType)
	return wire.Message(nil).Text(1, v.Name).Message(2, typeProto)
}

// DenseONNX is the reference dense model: logits = x*W + b and
// probs = softmax(logits). batch < 0 makes the batch dimension symbolic.
func DenseONNX(batch int64) *ONNXGraph {
	return &ONNXGraph{
		Inputs: []ONNXValue{{Name: "x", Dims: []int64{batch, DenseIn}}},
		Outputs: []ONNXValue{
			{Name: "logits", Dims: []int64{batch, DenseOut}},
			{Name: "probs", Dims: []int64{batch, DenseOut}},
		},
		Initializers: []ONNXInitializer{
			{Name: "W", Dims: []int64{DenseIn, DenseOut}, Data: DenseWeights()},
			{Name: "b", Dims: []int64{DenseOut}, Data: DenseBias(), Raw: true},
		},
		Nodes: []ONNXNode{
			{Name: "gemm", Op: "MatMul", Inputs: []string{"x", "W"}, Outputs: []string{"xw"}},
			{Name: "bias", Op: "Add", Inputs: []string{"xw", "b"}, Outputs: []string{"logits"}},
			{Name: "softmax", Op: "Softmax", Inputs: []string{"logits"}, Outputs: []string{"probs"}, Ints: map[string]int64{"axis": -1}},
		},
	}
}
