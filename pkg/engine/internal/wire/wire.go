// Package wire walks and builds protobuf messages field by field, for model
// formats that are parsed without generated code.
package wire

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field is one decoded field. Only the member matching Type is set.
type Field struct {
	Num     protowire.Number
	Type    protowire.Type
	Varint  uint64
	Fixed32 uint32
	Fixed64 uint64
	Bytes   []byte
}

func (f *Field) Int64() int64 {
	return int64(f.Varint)
}

func (f *Field) Bool() bool {
	return f.Varint != 0
}

func (f *Field) Float32() float32 {
	return math.Float32frombits(f.Fixed32)
}

func (f *Field) Float64() float64 {
	return math.Float64frombits(f.Fixed64)
}

func (f *Field) String() string {
	return string(f.Bytes)
}

// Fields calls fn for every field in the encoded message b, in wire order.
func Fields(b []byte, fn func(f *Field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("reading tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		f := Field{Num: num, Type: typ}
		switch typ {
		case protowire.VarintType:
			f.Varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			f.Fixed32, n = protowire.ConsumeFixed32(b)
		case protowire.Fixed64Type:
			f.Fixed64, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.Bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("reading field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]

		if err := fn(&f); err != nil {
			return err
		}
	}
	return nil
}

// Floats decodes a repeated float field, packed or not.
func Floats(f *Field) ([]float32, error) {
	switch f.Type {
	case protowire.Fixed32Type:
		return []float32{f.Float32()}, nil
	case protowire.BytesType:
		if len(f.Bytes)%4 != 0 {
			return nil, fmt.Errorf("packed float field %d has %d bytes", f.Num, len(f.Bytes))
		}
		values := make([]float32, 0, len(f.Bytes)/4)
		b := f.Bytes
		for len(b) > 0 {
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			values = append(values, math.Float32frombits(v))
			b = b[n:]
		}
		return values, nil
	}
	return nil, fmt.Errorf("field %d: unexpected wire type %d for float", f.Num, f.Type)
}

// Varints decodes a repeated integer field, packed or not.
func Varints(f *Field) ([]int64, error) {
	switch f.Type {
	case protowire.VarintType:
		return []int64{f.Int64()}, nil
	case protowire.BytesType:
		var values []int64
		b := f.Bytes
		for len(b) > 0 {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			values = append(values, int64(v))
			b = b[n:]
		}
		return values, nil
	}
	return nil, fmt.Errorf("field %d: unexpected wire type %d for integer", f.Num, f.Type)
}

// Doubles decodes a repeated double field, packed or not.
func Doubles(f *Field) ([]float64, error) {
	switch f.Type {
	case protowire.Fixed64Type:
		return []float64{f.Float64()}, nil
	case protowire.BytesType:
		var values []float64
		b := f.Bytes
		for len(b) > 0 {
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			values = append(values, math.Float64frombits(v))
			b = b[n:]
		}
		return values, nil
	}
	return nil, fmt.Errorf("field %d: unexpected wire type %d for double", f.Num, f.Type)
}
