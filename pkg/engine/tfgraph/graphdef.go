package tfgraph

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"k8s.io/examples/AI/modelrunner/pkg/engine"
	"k8s.io/examples/AI/modelrunner/pkg/engine/internal/wire"
)

// DataType is TensorFlow's types.proto DataType enum.
type DataType int64

const (
	DTInvalid DataType = 0
	DTFloat   DataType = 1
	DTDouble  DataType = 2
	DTInt32   DataType = 3
	DTUint8   DataType = 4
	DTInt8    DataType = 6
	DTString  DataType = 7
	DTInt64   DataType = 9
	DTBool    DataType = 10
)

func (t DataType) ElementType() engine.ElementType {
	switch t {
	case DTFloat:
		return engine.Float32
	case DTDouble:
		return engine.Float64
	case DTInt32:
		return engine.Int32
	case DTUint8:
		return engine.Uint8
	case DTInt8:
		return engine.Int8
	case DTString:
		return engine.String
	case DTInt64:
		return engine.Int64
	case DTBool:
		return engine.Bool
	}
	return engine.Unknown
}

type GraphDef struct {
	Nodes []*NodeDef
}

type NodeDef struct {
	Name   string
	Op     string
	Inputs []string
	Device string
	Attr   map[string]*AttrValue
}

type AttrValue struct {
	S      []byte
	I      int64
	F      float32
	B      bool
	Type   DataType
	Shape  *TensorShape
	Tensor *TensorProto
	List   *AttrList
}

type AttrList struct {
	I      []int64
	F      []float32
	Type   []DataType
	Shape  []*TensorShape
	Tensor []*TensorProto
}

// TensorShape holds dimensions; -1 is an unknown size.
type TensorShape struct {
	Dims        []int64
	UnknownRank bool
}

type TensorProto struct {
	DType   DataType
	Shape   *TensorShape
	Content []byte
	Floats  []float32
	Doubles []float64
	Ints    []int64
	Int64s  []int64
}

// ParseGraphDef decodes a binary GraphDef.
func ParseGraphDef(data []byte) (*GraphDef, error) {
	def := &GraphDef{}
	err := wire.Fields(data, func(f *wire.Field) error {
		if f.Num != 1 {
			return nil
		}
		node, err := parseNodeDef(f.Bytes)
		if err != nil {
			return fmt.Errorf("node %d: %w", len(def.Nodes), err)
		}
		def.Nodes = append(def.Nodes, node)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", engine.ErrMalformedModel, err)
	}
	if len(def.Nodes) == 0 {
		return nil, fmt.Errorf("%w: graph has no nodes", engine.ErrMalformedModel)
	}
	return def, nil
}

func parseNodeDef(data []byte) (*NodeDef, error) {
	n := &NodeDef{Attr: make(map[string]*AttrValue)}
	err := wire.Fields(data, func(f *wire.Field) error {
		switch f.Num {
		case 1:
			n.Name = f.String()
		case 2:
			n.Op = f.String()
		case 3:
			n.Inputs = append(n.Inputs, f.String())
		case 4:
			n.Device = f.String()
		case 5: // map<string, AttrValue> entry
			var key string
			var value *AttrValue
			if err := wire.Fields(f.Bytes, func(f *wire.Field) error {
				switch f.Num {
				case 1:
					key = f.String()
				case 2:
					v, err := parseAttrValue(f.Bytes)
					if err != nil {
						return err
					}
					value = v
				}
				return nil
			}); err != nil {
				return fmt.Errorf("attr: %w", err)
			}
			if value == nil {
				value = &AttrValue{}
			}
			n.Attr[key] = value
		}
		return nil
	})
	return n, err
}

func parseAttrValue(data []byte) (*AttrValue, error) {
	a := &AttrValue{}
	err := wire.Fields(data, func(f *wire.Field) error {
		switch f.Num {
		case 1:
			list, err := parseAttrList(f.Bytes)
			if err != nil {
				return err
			}
			a.List = list
		case 2:
			a.S = f.Bytes
		case 3:
			a.I = f.Int64()
		case 4:
			a.F = f.Float32()
		case 5:
			a.B = f.Bool()
		case 6:
			a.Type = DataType(f.Int64())
		case 7:
			shape, err := parseTensorShape(f.Bytes)
			if err != nil {
				return err
			}
			a.Shape = shape
		case 8:
			t, err := parseTensorProto(f.Bytes)
			if err != nil {
				return err
			}
			a.Tensor = t
		}
		return nil
	})
	return a, err
}

func parseAttrList(data []byte) (*AttrList, error) {
	l := &AttrList{}
	err := wire.Fields(data, func(f *wire.Field) error {
		switch f.Num {
		case 3:
			values, err := wire.Varints(f)
			if err != nil {
				return err
			}
			l.I = append(l.I, values...)
		case 4:
			values, err := wire.Floats(f)
			if err != nil {
				return err
			}
			l.F = append(l.F, values...)
		case 6:
			values, err := wire.Varints(f)
			if err != nil {
				return err
			}
			for _, v := range values {
				l.Type = append(l.Type, DataType(v))
			}
		case 7:
			shape, err := parseTensorShape(f.Bytes)
			if err != nil {
				return err
			}
			l.Shape = append(l.Shape, shape)
		case 8:
			t, err := parseTensorProto(f.Bytes)
			if err != nil {
				return err
			}
			l.Tensor = append(l.Tensor, t)
		}
		return nil
	})
	return l, err
}

func parseTensorShape(data []byte) (*TensorShape, error) {
	s := &TensorShape{Dims: []int64{}}
	err := wire.Fields(data, func(f *wire.Field) error {
		switch f.Num {
		case 2:
			size := int64(0)
			if err := wire.Fields(f.Bytes, func(f *wire.Field) error {
				if f.Num == 1 {
					size = f.Int64()
				}
				return nil
			}); err != nil {
				return err
			}
			s.Dims = append(s.Dims, size)
		case 3:
			s.UnknownRank = f.Bool()
		}
		return nil
	})
	return s, err
}

func parseTensorProto(data []byte) (*TensorProto, error) {
	t := &TensorProto{}
	err := wire.Fields(data, func(f *wire.Field) error {
		switch f.Num {
		case 1:
			t.DType = DataType(f.Int64())
		case 2:
			shape, err := parseTensorShape(f.Bytes)
			if err != nil {
				return err
			}
			t.Shape = shape
		case 4:
			t.Content = f.Bytes
		case 5:
			values, err := wire.Floats(f)
			if err != nil {
				return err
			}
			t.Floats = append(t.Floats, values...)
		case 6:
			values, err := wire.Doubles(f)
			if err != nil {
				return err
			}
			t.Doubles = append(t.Doubles, values...)
		case 7:
			values, err := wire.Varints(f)
			if err != nil {
				return err
			}
			t.Ints = append(t.Ints, values...)
		case 10:
			values, err := wire.Varints(f)
			if err != nil {
				return err
			}
			t.Int64s = append(t.Int64s, values...)
		}
		return nil
	})
	return t, err
}

// Values converts the tensor's payload to float32. A single repeated value
// fills the whole shape, as TensorFlow allows for splat constants.
func (t *TensorProto) Values() ([]int64, []float32, error) {
	var dims []int64
	if t.Shape != nil {
		dims = t.Shape.Dims
	}
	if err := engine.CheckShape(dims); err != nil {
		return nil, nil, err
	}
	n := 1
	for _, d := range dims {
		n *= int(d)
	}

	var values []float32
	switch {
	case len(t.Content) != 0:
		decoded, err := decodeContent(t.DType, t.Content)
		if err != nil {
			return nil, nil, err
		}
		values = decoded
	case len(t.Floats) != 0:
		values = t.Floats
	case len(t.Ints) != 0:
		values = widen(t.Ints)
	case len(t.Int64s) != 0:
		values = widen(t.Int64s)
	case len(t.Doubles) != 0:
		values = make([]float32, len(t.Doubles))
		for i, v := range t.Doubles {
			values[i] = float32(v)
		}
	}

	if len(values) == 1 && n > 1 {
		fill := make([]float32, n)
		for i := range fill {
			fill[i] = values[0]
		}
		values = fill
	}
	if len(values) == 0 && n > 0 {
		values = make([]float32, n)
	}
	if len(values) != n {
		return nil, nil, fmt.Errorf("shape %s holds %d elements, payload has %d", engine.FormatShape(dims), n, len(values))
	}
	if dims == nil {
		dims = []int64{}
	}
	return dims, values, nil
}

func decodeContent(dtype DataType, content []byte) ([]float32, error) {
	switch dtype {
	case DTFloat:
		if len(content)%4 != 0 {
			return nil, fmt.Errorf("float content has %d bytes", len(content))
		}
		values := make([]float32, len(content)/4)
		for i := range values {
			values[i] = math.Float32frombits(binary.LittleEndian.Uint32(content[i*4:]))
		}
		return values, nil
	case DTInt32:
		if len(content)%4 != 0 {
			return nil, fmt.Errorf("int32 content has %d bytes", len(content))
		}
		values := make([]float32, len(content)/4)
		for i := range values {
			values[i] = float32(int32(binary.LittleEndian.Uint32(content[i*4:])))
		}
		return values, nil
	case DTInt64:
		if len(content)%8 != 0 {
			return nil, fmt.Errorf("int64 content has %d bytes", len(content))
		}
		values := make([]float32, len(content)/8)
		for i := range values {
			values[i] = float32(int64(binary.LittleEndian.Uint64(content[i*8:])))
		}
		return values, nil
	}
	return nil, fmt.Errorf("unsupported tensor content type %d", dtype)
}

func widen(ints []int64) []float32 {
	values := make([]float32, len(ints))
	for i, v := range ints {
		values[i] = float32(v)
	}
	return values
}

// ParseInput splits a NodeDef input reference such as "^init", "split:1" or
// "dense/MatMul" into the producing node, its output port and whether the
// edge is a control dependency.
func ParseInput(input string) (node string, port int, control bool) {
	if strings.HasPrefix(input, "^") {
		return input[1:], 0, true
	}
	if i := strings.LastIndexByte(input, ':'); i >= 0 {
		if p, err := strconv.Atoi(input[i+1:]); err == nil {
			return input[:i], p, false
		}
	}
	return input, 0, false
}
