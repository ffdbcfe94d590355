package tflite

import (
	"encoding/binary"
	"fmt"
	"math"

	flatbuffers "github.com/google/flatbuffers/go"
	"k8s.io/examples/AI/modelrunner/pkg/engine"
)

// TensorType is the schema's TensorType enum.
type TensorType int8

const (
	TypeFloat32 TensorType = 0
	TypeFloat16 TensorType = 1
	TypeInt32   TensorType = 2
	TypeUint8   TensorType = 3
	TypeInt64   TensorType = 4
	TypeString  TensorType = 5
	TypeBool    TensorType = 6
	TypeInt8    TensorType = 9
)

func (t TensorType) ElementType() engine.ElementType {
	switch t {
	case TypeFloat32:
		return engine.Float32
	case TypeInt32:
		return engine.Int32
	case TypeUint8:
		return engine.Uint8
	case TypeInt64:
		return engine.Int64
	case TypeString:
		return engine.String
	case TypeBool:
		return engine.Bool
	case TypeInt8:
		return engine.Int8
	}
	return engine.Unknown
}

// BuiltinOp is the schema's BuiltinOperator enum.
type BuiltinOp int32

const (
	OpAdd            BuiltinOp = 0
	OpFullyConnected BuiltinOp = 9
	OpLogistic       BuiltinOp = 14
	OpMul            BuiltinOp = 18
	OpRelu           BuiltinOp = 19
	OpReluN1To1      BuiltinOp = 20
	OpRelu6          BuiltinOp = 21
	OpReshape        BuiltinOp = 22
	OpSoftmax        BuiltinOp = 25
	OpTanh           BuiltinOp = 28
	OpSub            BuiltinOp = 41
)

var opNames = map[BuiltinOp]string{
	OpAdd:            "ADD",
	OpFullyConnected: "FULLY_CONNECTED",
	OpLogistic:       "LOGISTIC",
	OpMul:            "MUL",
	OpRelu:           "RELU",
	OpReluN1To1:      "RELU_N1_TO_1",
	OpRelu6:          "RELU6",
	OpReshape:        "RESHAPE",
	OpSoftmax:        "SOFTMAX",
	OpTanh:           "TANH",
	OpSub:            "SUB",
}

func (op BuiltinOp) String() string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return fmt.Sprintf("BUILTIN_%d", int32(op))
}

// Model is the part of a .tflite flatbuffer the interpreter runs: the main
// subgraph and its buffers.
type Model struct {
	Version     uint32
	Description string
	Tensors     []*TensorDef
	Inputs      []int32
	Outputs     []int32
	Operators   []*Operator
}

type TensorDef struct {
	Name  string
	Type  TensorType
	Shape []int32
	// Signature has -1 for dimensions that may change between runs.
	Signature []int32
	// Data is the tensor's constant buffer, if any.
	Data []byte
}

type Operator struct {
	Op      BuiltinOp
	Custom  string
	Inputs  []int32
	Outputs []int32
	options table
}

// table reads fields by slot number.
type table struct {
	flatbuffers.Table
	ok bool
}

func (t table) field(slot int) flatbuffers.UOffsetT {
	if !t.ok {
		return 0
	}
	return flatbuffers.UOffsetT(t.Offset(flatbuffers.VOffsetT(4 + 2*slot)))
}

func (t table) uint32(slot int, def uint32) uint32 {
	if o := t.field(slot); o != 0 {
		return t.GetUint32(o + t.Pos)
	}
	return def
}

func (t table) int32(slot int, def int32) int32 {
	if o := t.field(slot); o != 0 {
		return t.GetInt32(o + t.Pos)
	}
	return def
}

func (t table) int8(slot int, def int8) int8 {
	if o := t.field(slot); o != 0 {
		return t.GetInt8(o + t.Pos)
	}
	return def
}

func (t table) float32(slot int, def float32) float32 {
	if o := t.field(slot); o != 0 {
		return t.GetFloat32(o + t.Pos)
	}
	return def
}

func (t table) str(slot int) string {
	if o := t.field(slot); o != 0 {
		return t.String(o + t.Pos)
	}
	return ""
}

func (t table) bytes(slot int) []byte {
	if o := t.field(slot); o != 0 {
		return t.ByteVector(o + t.Pos)
	}
	return nil
}

func (t table) int32s(slot int) []int32 {
	o := t.field(slot)
	if o == 0 {
		return nil
	}
	start := t.Vector(o)
	values := make([]int32, t.VectorLen(o))
	for i := range values {
		values[i] = t.GetInt32(start + flatbuffers.UOffsetT(i*4))
	}
	return values
}

func (t table) tables(slot int) []table {
	o := t.field(slot)
	if o == 0 {
		return nil
	}
	start := t.Vector(o)
	values := make([]table, t.VectorLen(o))
	for i := range values {
		values[i] = table{Table: flatbuffers.Table{Bytes: t.Bytes, Pos: t.Indirect(start + flatbuffers.UOffsetT(i*4))}, ok: true}
	}
	return values
}

func (t table) child(slot int) table {
	o := t.field(slot)
	if o == 0 {
		return table{}
	}
	return table{Table: flatbuffers.Table{Bytes: t.Bytes, Pos: t.Indirect(o + t.Pos)}, ok: true}
}

const fileIdentifier = "TFL3"

// ParseModel reads the first subgraph of a TFLite flatbuffer.
func ParseModel(data []byte) (m *Model, err error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: %d bytes is too short for a flatbuffer", engine.ErrMalformedModel, len(data))
	}
	if string(data[4:8]) != fileIdentifier {
		return nil, fmt.Errorf("%w: file identifier %q, want %q", engine.ErrMalformedModel, data[4:8], fileIdentifier)
	}
	// The flatbuffers accessors do not bounds check.
	defer func() {
		if r := recover(); r != nil {
			m, err = nil, fmt.Errorf("%w: corrupt flatbuffer: %v", engine.ErrMalformedModel, r)
		}
	}()

	root := table{Table: flatbuffers.Table{Bytes: data, Pos: flatbuffers.GetUOffsetT(data)}, ok: true}
	m = &Model{
		Version:     root.uint32(0, 0),
		Description: root.str(3),
	}

	var codes []BuiltinOp
	var customs []string
	for _, code := range root.tables(1) {
		deprecated := BuiltinOp(code.int8(0, 0))
		builtin := BuiltinOp(code.int32(3, 0))
		codes = append(codes, max(deprecated, builtin))
		customs = append(customs, code.str(1))
	}

	var buffers [][]byte
	for _, b := range root.tables(4) {
		buffers = append(buffers, b.bytes(0))
	}

	subgraphs := root.tables(2)
	if len(subgraphs) == 0 {
		return nil, fmt.Errorf("%w: model has no subgraphs", engine.ErrMalformedModel)
	}
	g := subgraphs[0]

	for i, t := range g.tables(0) {
		def := &TensorDef{
			Name:      t.str(3),
			Type:      TensorType(t.int8(1, 0)),
			Shape:     t.int32s(0),
			Signature: t.int32s(7),
		}
		if def.Name == "" {
			def.Name = fmt.Sprintf("tensor_%d", i)
		}
		if b := int(t.uint32(2, 0)); b > 0 && b < len(buffers) {
			def.Data = buffers[b]
		}
		m.Tensors = append(m.Tensors, def)
	}
	m.Inputs = g.int32s(1)
	m.Outputs = g.int32s(2)

	for i, o := range g.tables(3) {
		index := int(o.uint32(0, 0))
		if index >= len(codes) {
			return nil, fmt.Errorf("%w: operator %d uses opcode %d of %d", engine.ErrMalformedModel, i, index, len(codes))
		}
		m.Operators = append(m.Operators, &Operator{
			Op:      codes[index],
			Custom:  customs[index],
			Inputs:  o.int32s(1),
			Outputs: o.int32s(2),
			options: o.child(4),
		})
	}

	for _, list := range [][]int32{m.Inputs, m.Outputs} {
		for _, index := range list {
			if index < 0 || int(index) >= len(m.Tensors) {
				return nil, fmt.Errorf("%w: tensor index %d out of range", engine.ErrMalformedModel, index)
			}
		}
	}
	return m, nil
}

// Dims returns the tensor's dimensions, taking unknown sizes from the
// shape signature.
func (t *TensorDef) Dims() []int64 {
	dims := make([]int64, len(t.Shape))
	for i, d := range t.Shape {
		dims[i] = int64(d)
		if i < len(t.Signature) && len(t.Signature) == len(t.Shape) && t.Signature[i] < 0 {
			dims[i] = -1
		}
	}
	return dims
}

// Values decodes a constant buffer as float32.
func (t *TensorDef) Values() ([]float32, error) {
	switch t.Type {
	case TypeFloat32:
		if len(t.Data)%4 != 0 {
			return nil, fmt.Errorf("float32 buffer has %d bytes", len(t.Data))
		}
		values := make([]float32, len(t.Data)/4)
		for i := range values {
			values[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Data[i*4:]))
		}
		return values, nil
	case TypeInt32:
		if len(t.Data)%4 != 0 {
			return nil, fmt.Errorf("int32 buffer has %d bytes", len(t.Data))
		}
		values := make([]float32, len(t.Data)/4)
		for i := range values {
			values[i] = float32(int32(binary.LittleEndian.Uint32(t.Data[i*4:])))
		}
		return values, nil
	}
	return nil, fmt.Errorf("constant tensors of type %d are not supported", t.Type)
}
