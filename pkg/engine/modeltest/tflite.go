package modeltest

import (
	flatbuffers "github.com/google/flatbuffers/go"
)

// TFLite builtin operator codes and options tables used by the fixtures.
const (
	TFLiteAdd            = 0
	TFLiteFullyConnected = 9
	TFLiteRelu           = 19
	TFLiteReshape        = 22
	TFLiteSoftmax        = 25
	TFLiteConv2D         = 3

	optionsFullyConnected = 8
	optionsSoftmax        = 9
	optionsAdd            = 11
)

type TFLiteTensor struct {
	Name  string
	Shape []int32
	// Signature is written as shape_signature when set.
	Signature []int32
	Type      int8
	// Data is the tensor's constant buffer.
	Data []float32
}

type TFLiteOperator struct {
	Code    int32
	Inputs  []int32
	Outputs []int32
	// Activation is the fused activation of ADD and FULLY_CONNECTED.
	Activation int8
	// Beta is the SOFTMAX scale.
	Beta float32
}

type TFLiteModel struct {
	Tensors   []TFLiteTensor
	Inputs    []int32
	Outputs   []int32
	Operators []TFLiteOperator
}

func int32Vector(b *flatbuffers.Builder, values []int32) flatbuffers.UOffsetT {
	b.StartVector(4, len(values), 4)
	for i := len(values) - 1; i >= 0; i-- {
		b.PrependInt32(values[i])
	}
	return b.EndVector(len(values))
}

func offsetVector(b *flatbuffers.Builder, offsets []flatbuffers.UOffsetT) flatbuffers.UOffsetT {
	b.StartVector(4, len(offsets), 4)
	for i := len(offsets) - 1; i >= 0; i-- {
		b.PrependUOffsetT(offsets[i])
	}
	return b.EndVector(len(offsets))
}

// Marshal encodes the model as a TFLite flatbuffer with one subgraph.
func (m *TFLiteModel) Marshal() []byte {
	b := flatbuffers.NewBuilder(1024)

	// Buffer 0 is the empty sentinel; constant tensors get their own.
	buffers := []flatbuffers.UOffsetT{emptyBuffer(b)}
	tensorBuffers := make([]uint32, len(m.Tensors))
	for i, t := range m.Tensors {
		if t.Data == nil {
			continue
		}
		data := b.CreateByteVector(float32Bytes(t.Data))
		b.StartObject(3)
		b.PrependUOffsetTSlot(0, data, 0)
		tensorBuffers[i] = uint32(len(buffers))
		buffers = append(buffers, b.EndObject())
	}

	tensors := make([]flatbuffers.UOffsetT, len(m.Tensors))
	for i, t := range m.Tensors {
		name := b.CreateString(t.Name)
		shape := int32Vector(b, t.Shape)
		var signature flatbuffers.UOffsetT
		if t.Signature != nil {
			signature = int32Vector(b, t.Signature)
		}
		b.StartObject(8)
		b.PrependUOffsetTSlot(0, shape, 0)
		b.PrependInt8Slot(1, t.Type, 0)
		b.PrependUint32Slot(2, tensorBuffers[i], 0)
		b.PrependUOffsetTSlot(3, name, 0)
		if t.Signature != nil {
			b.PrependUOffsetTSlot(7, signature, 0)
		}
		tensors[i] = b.EndObject()
	}

	var codes []int32
	operators := make([]flatbuffers.UOffsetT, len(m.Operators))
	for i, op := range m.Operators {
		index := -1
		for j, code := range codes {
			if code == op.Code {
				index = j
			}
		}
		if index < 0 {
			index = len(codes)
			codes = append(codes, op.Code)
		}

		var optionsType byte
		var options flatbuffers.UOffsetT
		switch op.Code {
		case TFLiteAdd:
			b.StartObject(2)
			b.PrependInt8Slot(0, op.Activation, 0)
			options, optionsType = b.EndObject(), optionsAdd
		case TFLiteFullyConnected:
			b.StartObject(4)
			b.PrependInt8Slot(0, op.Activation, 0)
			options, optionsType = b.EndObject(), optionsFullyConnected
		case TFLiteSoftmax:
			b.StartObject(1)
			b.PrependFloat32Slot(0, op.Beta, 0)
			options, optionsType = b.EndObject(), optionsSoftmax
		}

		inputs := int32Vector(b, op.Inputs)
		outputs := int32Vector(b, op.Outputs)
		b.StartObject(5)
		b.PrependUint32Slot(0, uint32(index), 0)
		b.PrependUOffsetTSlot(1, inputs, 0)
		b.PrependUOffsetTSlot(2, outputs, 0)
		if options != 0 {
			b.PrependByteSlot(3, optionsType, 0)
			b.PrependUOffsetTSlot(4, options, 0)
		}
		operators[i] = b.EndObject()
	}

	codeTables := make([]flatbuffers.UOffsetT, len(codes))
	for i, code := range codes {
		b.StartObject(4)
		b.PrependInt8Slot(0, int8(min(code, 127)), 0)
		b.PrependInt32Slot(2, 1, 0)
		b.PrependInt32Slot(3, code, 0)
		codeTables[i] = b.EndObject()
	}

	tensorVector := offsetVector(b, tensors)
	inputVector := int32Vector(b, m.Inputs)
	outputVector := int32Vector(b, m.Outputs)
	operatorVector := offsetVector(b, operators)
	subgraphName := b.CreateString("main")
	b.StartObject(5)
	b.PrependUOffsetTSlot(0, tensorVector, 0)
	b.PrependUOffsetTSlot(1, inputVector, 0)
	b.PrependUOffsetTSlot(2, outputVector, 0)
	b.PrependUOffsetTSlot(3, operatorVector, 0)
	b.PrependUOffsetTSlot(4, subgraphName, 0)
	subgraph := b.EndObject()

	codeVector := offsetVector(b, codeTables)
	subgraphVector := offsetVector(b, []flatbuffers.UOffsetT{subgraph})
	description := b.CreateString("modeltest")
	bufferVector := offsetVector(b, buffers)
	b.StartObject(5)
	b.PrependUint32Slot(0, 3, 0)
	b.PrependUOffsetTSlot(1, codeVector, 0)
	b.PrependUOffsetTSlot(2, subgraphVector, 0)
	b.PrependUOffsetTSlot(3, description, 0)
	b.PrependUOffsetTSlot(4, bufferVector, 0)
	model := b.EndObject()

	b.FinishWithFileIdentifier(model, []byte("TFL3"))
	return b.FinishedBytes()
}

func emptyBuffer(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	b.StartObject(3)
	return b.EndObject()
}

// DenseTFLite is the reference dense model with outputs "logits" and
// "probs". batch < 0 writes a shape signature with an unknown batch.
func DenseTFLite(batch int32) *TFLiteModel {
	shape := func(inner int32) []int32 {
		if batch < 0 {
			return []int32{1, inner}
		}
		return []int32{batch, inner}
	}
	signature := func(inner int32) []int32 {
		if batch < 0 {
			return []int32{-1, inner}
		}
		return nil
	}
	return &TFLiteModel{
		Tensors: []TFLiteTensor{
			{Name: "x", Shape: shape(DenseIn), Signature: signature(DenseIn)},
			{Name: "dense/kernel", Shape: []int32{DenseOut, DenseIn}, Data: DenseWeightsTransposed()},
			{Name: "dense/bias", Shape: []int32{DenseOut}, Data: DenseBias()},
			{Name: "logits", Shape: shape(DenseOut), Signature: signature(DenseOut)},
			{Name: "probs", Shape: shape(DenseOut), Signature: signature(DenseOut)},
		},
		Inputs:  []int32{0},
		Outputs: []int32{3, 4},
		Operators: []TFLiteOperator{
			{Code: TFLiteFullyConnected, Inputs: []int32{0, 1, 2}, Outputs: []int32{3}},
			{Code: TFLiteSoftmax, Inputs: []int32{3}, Outputs: []int32{4}, Beta: 1},
		},
	}
}
