package wire

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Message accumulates an encoded protobuf message.
type Message []byte

func (m Message) Varint(num protowire.Number, v int64) Message {
	m = protowire.AppendTag(m, num, protowire.VarintType)
	return protowire.AppendVarint(m, uint64(v))
}

func (m Message) Bool(num protowire.Number, v bool) Message {
	return m.Varint(num, int64(protowire.EncodeBool(v)))
}

func (m Message) Float32(num protowire.Number, v float32) Message {
	m = protowire.AppendTag(m, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(m, math.Float32bits(v))
}

func (m Message) Bytes(num protowire.Number, b []byte) Message {
	m = protowire.AppendTag(m, num, protowire.BytesType)
	return protowire.AppendBytes(m, b)
}

func (m Message) Text(num protowire.Number, s string) Message {
	m = protowire.AppendTag(m, num, protowire.BytesType)
	return protowire.AppendString(m, s)
}

func (m Message) Message(num protowire.Number, sub Message) Message {
	return m.Bytes(num, sub)
}

func (m Message) PackedFloats(num protowire.Number, values []float32) Message {
	var b []byte
	for _, v := range values {
		b = protowire.AppendFixed32(b, math.Float32bits(v))
	}
	return m.Bytes(num, b)
}

func (m Message) PackedVarints(num protowire.Number, values []int64) Message {
	var b []byte
	for _, v := range values {
		b = protowire.AppendVarint(b, uint64(v))
	}
	return m.Bytes(num, b)
}
