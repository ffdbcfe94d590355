package onnx

import (
	"encoding/binary"
	"fmt"
	"math"

	"k8s.io/examples/AI/modelrunner/pkg/engine"
	"k8s.io/examples/AI/modelrunner/pkg/engine/fallback"
	"k8s.io/examples/AI/modelrunner/pkg/engine/internal/wire"
)

// ONNX TensorProto.DataType values.
const (
	dataTypeFloat  = 1
	dataTypeUint8  = 2
	dataTypeInt8   = 3
	dataTypeInt32  = 6
	dataTypeInt64  = 7
	dataTypeString = 8
	dataTypeBool   = 9
	dataTypeDouble = 11
)

func elementType(dataType int64) engine.ElementType {
	switch dataType {
	case dataTypeFloat:
		return engine.Float32
	case dataTypeUint8:
		return engine.Uint8
	case dataTypeInt8:
		return engine.Int8
	case dataTypeInt32:
		return engine.Int32
	case dataTypeInt64:
		return engine.Int64
	case dataTypeString:
		return engine.String
	case dataTypeBool:
		return engine.Bool
	case dataTypeDouble:
		return engine.Float64
	}
	return engine.Unknown
}

// Model is the subset of ModelProto the interpreter executes.
type Model struct {
	IRVersion int64
	// Opset is the version imported for the default ONNX domain.
	Opset int64
	Graph Graph
}

type Graph struct {
	Name         string
	Nodes        []*Node
	Initializers []*TensorProto
	Inputs       []ValueInfo
	Outputs      []ValueInfo
}

type Node struct {
	Name       string
	OpType     string
	Domain     string
	Inputs     []string
	Outputs    []string
	Attributes map[string]*Attribute
}

type Attribute struct {
	Name   string
	F      float32
	I      int64
	S      []byte
	T      *TensorProto
	Floats []float32
	Ints   []int64
}

type TensorProto struct {
	Name     string
	Dims     []int64
	DataType int64
	Floats   []float32
	Int32s   []int64
	Int64s   []int64
	Doubles  []float64
	Raw      []byte
}

// ParseModel decodes a serialized ModelProto.
func ParseModel(data []byte) (*Model, error) {
	m := &Model{}
	foundGraph := false
	err := wire.Fields(data, func(f *wire.Field) error {
		switch f.Num {
		case 1: // ir_version
			m.IRVersion = f.Int64()
		case 7: // graph
			foundGraph = true
			return parseGraph(f.Bytes, &m.Graph)
		case 8: // opset_import
			var domain string
			var version int64
			if err := wire.Fields(f.Bytes, func(f *wire.Field) error {
				switch f.Num {
				case 1:
					domain = f.String()
				case 2:
					version = f.Int64()
				}
				return nil
			}); err != nil {
				return fmt.Errorf("opset_import: %w", err)
			}
			if domain == "" || domain == "ai.onnx" {
				m.Opset = version
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", engine.ErrMalformedModel, err)
	}
	if !foundGraph {
		return nil, fmt.Errorf("%w: model has no graph", engine.ErrMalformedModel)
	}
	return m, nil
}

func parseGraph(data []byte, g *Graph) error {
	return wire.Fields(data, func(f *wire.Field) error {
		switch f.Num {
		case 1: // node
			node, err := parseNode(f.Bytes)
			if err != nil {
				return fmt.Errorf("node: %w", err)
			}
			g.Nodes = append(g.Nodes, node)
		case 2:
			g.Name = f.String()
		case 5: // initializer
			t, err := parseTensor(f.Bytes)
			if err != nil {
				return fmt.Errorf("initializer: %w", err)
			}
			g.Initializers = append(g.Initializers, t)
		case 11, 12: // input, output
			info, err := parseValueInfo(f.Bytes)
			if err != nil {
				return fmt.Errorf("value info: %w", err)
			}
			if f.Num == 11 {
				g.Inputs = append(g.Inputs, info)
			} else {
				g.Outputs = append(g.Outputs, info)
			}
		}
		return nil
	})
}

func parseNode(data []byte) (*Node, error) {
	n := &Node{Attributes: make(map[string]*Attribute)}
	err := wire.Fields(data, func(f *wire.Field) error {
		switch f.Num {
		case 1:
			n.Inputs = append(n.Inputs, f.String())
		case 2:
			n.Outputs = append(n.Outputs, f.String())
		case 3:
			n.Name = f.String()
		case 4:
			n.OpType = f.String()
		case 5:
			attr, err := parseAttribute(f.Bytes)
			if err != nil {
				return fmt.Errorf("attribute: %w", err)
			}
			n.Attributes[attr.Name] = attr
		case 7:
			n.Domain = f.String()
		}
		return nil
	})
	return n, err
}

func parseAttribute(data []byte) (*Attribute, error) {
	a := &Attribute{}
	err := wire.Fields(data, func(f *wire.Field) error {
		switch f.Num {
		case 1:
			a.Name = f.String()
		case 2:
			a.F = f.Float32()
		case 3:
			a.I = f.Int64()
		case 4:
			a.S = f.Bytes
		case 5:
			t, err := parseTensor(f.Bytes)
			if err != nil {
				return err
			}
			a.T = t
		case 7:
			values, err := wire.Floats(f)
			if err != nil {
				return err
			}
			a.Floats = append(a.Floats, values...)
		case 8:
			values, err := wire.Varints(f)
			if err != nil {
				return err
			}
			a.Ints = append(a.Ints, values...)
		}
		return nil
	})
	return a, err
}

func parseTensor(data []byte) (*TensorProto, error) {
	t := &TensorProto{}
	err := wire.Fields(data, func(f *wire.Field) error {
		switch f.Num {
		case 1:
			values, err := wire.Varints(f)
			if err != nil {
				return err
			}
			t.Dims = append(t.Dims, values...)
		case 2:
			t.DataType = f.Int64()
		case 4:
			values, err := wire.Floats(f)
			if err != nil {
				return err
			}
			t.Floats = append(t.Floats, values...)
		case 5:
			values, err := wire.Varints(f)
			if err != nil {
				return err
			}
			t.Int32s = append(t.Int32s, values...)
		case 7:
			values, err := wire.Varints(f)
			if err != nil {
				return err
			}
			t.Int64s = append(t.Int64s, values...)
		case 8:
			t.Name = f.String()
		case 9:
			t.Raw = f.Bytes
		case 10:
			values, err := wire.Doubles(f)
			if err != nil {
				return err
			}
			t.Doubles = append(t.Doubles, values...)
		}
		return nil
	})
	return t, err
}

// parseValueInfo reads a ValueInfoProto. Symbolic or missing dimensions are
// reported as -1.
func parseValueInfo(data []byte) (ValueInfo, error) {
	info := ValueInfo{}
	err := wire.Fields(data, func(f *wire.Field) error {
		switch f.Num {
		case 1:
			info.Name = f.String()
		case 2: // type
			return wire.Fields(f.Bytes, func(f *wire.Field) error {
				if f.Num != 1 { // tensor_type
					return nil
				}
				return wire.Fields(f.Bytes, func(f *wire.Field) error {
					switch f.Num {
					case 1:
						info.ElementType = elementType(f.Int64())
					case 2:
						info.Dims = []int64{}
						return wire.Fields(f.Bytes, func(f *wire.Field) error {
							if f.Num != 1 {
								return nil
							}
							dim := int64(-1)
							if err := wire.Fields(f.Bytes, func(f *wire.Field) error {
								if f.Num == 1 {
									dim = f.Int64()
								}
								return nil
							}); err != nil {
								return err
							}
							info.Dims = append(info.Dims, dim)
							return nil
						})
					}
					return nil
				})
			})
		}
		return nil
	})
	return info, err
}

// Values converts the tensor's payload to float32, whatever its stored type.
func (t *TensorProto) Values() ([]float32, error) {
	if err := engine.CheckShape(t.Dims); err != nil {
		return nil, fmt.Errorf("tensor %q: %w", t.Name, err)
	}
	n := 1
	for _, dim := range t.Dims {
		n *= int(dim)
	}

	var values []float32
	switch {
	case len(t.Raw) != 0:
		decoded, err := decodeRaw(t.DataType, t.Raw)
		if err != nil {
			return nil, err
		}
		values = decoded
	case len(t.Floats) != 0:
		values = t.Floats
	case len(t.Int64s) != 0:
		values = widen(t.Int64s)
	case len(t.Int32s) != 0:
		values = widen(t.Int32s)
	case len(t.Doubles) != 0:
		values = make([]float32, len(t.Doubles))
		for i, v := range t.Doubles {
			values[i] = float32(v)
		}
	}
	if len(values) != n {
		return nil, fmt.Errorf("tensor %q: shape %s holds %d elements, payload has %d", t.Name, engine.FormatShape(t.Dims), n, len(values))
	}
	return values, nil
}

func (t *TensorProto) Tensor() (*fallback.Tensor, error) {
	values, err := t.Values()
	if err != nil {
		return nil, err
	}
	dims := t.Dims
	if dims == nil {
		dims = []int64{}
	}
	return fallback.FromData(dims, values)
}

func decodeRaw(dataType int64, raw []byte) ([]float32, error) {
	switch dataType {
	case dataTypeFloat:
		if len(raw)%4 != 0 {
			return nil, fmt.Errorf("raw float data has %d bytes", len(raw))
		}
		values := make([]float32, len(raw)/4)
		for i := range values {
			values[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return values, nil
	case dataTypeInt64:
		if len(raw)%8 != 0 {
			return nil, fmt.Errorf("raw int64 data has %d bytes", len(raw))
		}
		values := make([]float32, len(raw)/8)
		for i := range values {
			values[i] = float32(int64(binary.LittleEndian.Uint64(raw[i*8:])))
		}
		return values, nil
	case dataTypeInt32:
		if len(raw)%4 != 0 {
			return nil, fmt.Errorf("raw int32 data has %d bytes", len(raw))
		}
		values := make([]float32, len(raw)/4)
		for i := range values {
			values[i] = float32(int32(binary.LittleEndian.Uint32(raw[i*4:])))
		}
		return values, nil
	case dataTypeDouble:
		if len(raw)%8 != 0 {
			return nil, fmt.Errorf("raw double data has %d bytes", len(raw))
		}
		values := make([]float32, len(raw)/8)
		for i := range values {
			values[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:])))
		}
		return values, nil
	}
	return nil, fmt.Errorf("unsupported raw data type %d", dataType)
}

func widen(ints []int64) []float32 {
	values := make([]float32, len(ints))
	for i, v := range ints {
		values[i] = float32(v)
	}
	return values
}
