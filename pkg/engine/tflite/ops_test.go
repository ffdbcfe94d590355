package tflite

import (
	"testing"

	"k8s.io/examples/AI/modelrunner/pkg/engine"
	"k8s.io/examples/AI/modelrunner/pkg/engine/featuremap"
	"k8s.io/examples/AI/modelrunner/pkg/engine/modeltest"
)

func TestFusedActivation(t *testing.T) {
	m := &modeltest.TFLiteModel{
		Tensors: []modeltest.TFLiteTensor{
			{Name: "x", Shape: []int32{1, 4}},
			{Name: "offset", Shape: []int32{4}, Data: []float32{1, 1, 1, 1}},
			{Name: "y", Shape: []int32{1, 4}},
			{Name: "z", Shape: []int32{1, 4}},
		},
		Inputs:  []int32{0},
		Outputs: []int32{2, 3},
		Operators: []modeltest.TFLiteOperator{
			{Code: modeltest.TFLiteAdd, Inputs: []int32{0, 1}, Outputs: []int32{2}, Activation: int8(1)},
			{Code: modeltest.TFLiteRelu, Inputs: []int32{0}, Outputs: []int32{3}},
		},
	}
	e, err := New(modeltest.WriteFile(t, "add.tflite", m.Marshal()), WithLoader(OpenGoInterpreter))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close()

	outputs := featuremap.ForSizes(e.OutputSizes(), 0)
	in := []engine.FeatureBuffer{featuremap.FromSlice([]float32{-3, -1, 1, 3})}
	if err := e.RunInference(in, featuremap.Buffers(outputs)); err != nil {
		t.Fatalf("RunInference: %v", err)
	}
	if got, want := outputs[0].Data(), []float32{0, 0, 2, 4}; !modeltest.FloatingPointEqual(got, want) {
		t.Errorf("add+relu = %v, want %v", got, want)
	}
	if got, want := outputs[1].Data(), []float32{0, 0, 1, 3}; !modeltest.FloatingPointEqual(got, want) {
		t.Errorf("relu = %v, want %v", got, want)
	}
}

func TestBuiltinOpString(t *testing.T) {
	for op, want := range map[BuiltinOp]string{
		OpFullyConnected: "FULLY_CONNECTED",
		OpReluN1To1:      "RELU_N1_TO_1",
		BuiltinOp(3):     "BUILTIN_3",
	} {
		if got := op.String(); got != want {
			t.Errorf("BuiltinOp(%d).String() = %q, want %q", int32(op), got, want)
		}
	}
}
