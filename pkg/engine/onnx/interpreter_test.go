package onnx

import (
	"errors"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/examples/AI/modelrunner/pkg/engine"
	"k8s.io/examples/AI/modelrunner/pkg/engine/featuremap"
	"k8s.io/examples/AI/modelrunner/pkg/engine/modeltest"
)

func loadGraph(t *testing.T, g *modeltest.ONNXGraph) *Engine {
	t.Helper()
	p := modeltest.WriteFile(t, "model.onnx", g.Marshal())
	e, err := New(p, WithOpener(OpenInterpreter))
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestParseModel(t *testing.T) {
	model, err := ParseModel(modeltest.DenseONNX(1).Marshal())
	require.NoError(t, err)

	assert.Equal(t, int64(17), model.Opset)
	assert.Len(t, model.Graph.Nodes, 3)
	assert.Len(t, model.Graph.Initializers, 2)
	require.Len(t, model.Graph.Inputs, 1)
	assert.Equal(t, ValueInfo{Name: "x", ElementType: engine.Float32, Dims: []int64{1, 4}}, model.Graph.Inputs[0])

	bias, err := model.Graph.Initializers[1].Values()
	require.NoError(t, err)
	assert.Equal(t, modeltest.DenseBias(), bias)

	dynamic, err := ParseModel(modeltest.DenseONNX(-1).Marshal())
	require.NoError(t, err)
	assert.Equal(t, []int64{-1, 3}, dynamic.Graph.Outputs[0].Dims)
}

func TestParseModelWithoutGraph(t *testing.T) {
	_, err := ParseModel([]byte{0x08, 0x07})
	assert.True(t, errors.Is(err, engine.ErrMalformedModel), "got %v", err)
}

func TestInterpreterDense(t *testing.T) {
	e := loadGraph(t, modeltest.DenseONNX(1))

	assert.Equal(t, []string{"x"}, e.InputNames())
	assert.Equal(t, []string{"logits", "probs"}, e.OutputNames())
	assert.Equal(t, []int{4}, e.InputSizes())
	assert.Equal(t, []int{3, 3}, e.OutputSizes())

	x := modeltest.Ramp(4)
	wantLogits, wantProbs := modeltest.DenseReference(x)

	logits := featuremap.New(3)
	probs := featuremap.New(3)
	outputs := []engine.FeatureBuffer{logits, probs}
	require.NoError(t, e.RunInference([]engine.FeatureBuffer{featuremap.FromSlice(x)}, outputs))

	assert.True(t, logits.Borrowed(), "static outputs should alias engine memory")
	assert.True(t, modeltest.FloatingPointEqual(logits.Data(), wantLogits), "logits = %v, want %v", logits.Data(), wantLogits)
	assert.True(t, modeltest.FloatingPointEqual(probs.Data(), wantProbs), "probs = %v, want %v", probs.Data(), wantProbs)

	// The borrowed view is overwritten by the next run.
	first := logits.Data()
	zeros := make([]float32, 4)
	require.NoError(t, e.RunInference([]engine.FeatureBuffer{featuremap.FromSlice(zeros)}, []engine.FeatureBuffer{featuremap.New(3), featuremap.New(3)}))
	assert.True(t, modeltest.FloatingPointEqual(first, modeltest.DenseBias()), "borrowed memory = %v after second run", first)
}

func TestInterpreterDynamicBatch(t *testing.T) {
	e := loadGraph(t, modeltest.DenseONNX(-1))

	assert.True(t, e.DynamicOutputs())
	assert.Equal(t, []int{0}, e.InputSizes())
	assert.Equal(t, []int{0, 0}, e.OutputSizes())

	x := modeltest.Ramp(8)
	wantLogits, wantProbs := modeltest.DenseReference(x)
	logits := featuremap.New(6)
	probs := featuremap.New(6)
	require.NoError(t, e.RunInference([]engine.FeatureBuffer{featuremap.FromSlice(x)}, []engine.FeatureBuffer{logits, probs}))

	assert.Equal(t, [][]int64{{2, 3}, {2, 3}}, e.OutputShapes())
	assert.Equal(t, []int{6, 6}, e.OutputSizes())
	assert.False(t, logits.Borrowed())
	assert.True(t, modeltest.FloatingPointEqual(logits.Data(), wantLogits))
	assert.True(t, modeltest.FloatingPointEqual(probs.Data(), wantProbs))

	// A partial row cannot be resolved against [?, 4].
	err := e.RunInference([]engine.FeatureBuffer{featuremap.New(6)}, []engine.FeatureBuffer{logits, probs})
	assert.True(t, errors.Is(err, engine.ErrShapeMismatch), "got %v", err)
}

func TestInterpreterOperators(t *testing.T) {
	// Opset 10 passes the Clip bounds as attributes.
	g := &modeltest.ONNXGraph{
		Opset:   10,
		Inputs:  []modeltest.ONNXValue{{Name: "x", Dims: []int64{1, 2, 2}}},
		Outputs: []modeltest.ONNXValue{{Name: "y", Dims: []int64{1, 2}}, {Name: "t", Dims: []int64{2, 1}}},
		Initializers: []modeltest.ONNXInitializer{
			{Name: "w", Dims: []int64{2, 4}, Data: []float32{1, 0, 0, 0, 0, 0, 0, 1}},
			{Name: "shape", Dims: []int64{2}, Data: []float32{0, -1}, Int64: true},
		},
		Nodes: []modeltest.ONNXNode{
			{Op: "Flatten", Inputs: []string{"x"}, Outputs: []string{"flat"}, Ints: map[string]int64{"axis": 1}},
			{Op: "Gemm", Inputs: []string{"flat", "w"}, Outputs: []string{"g"}, Ints: map[string]int64{"transB": 1}, Floats: map[string]float32{"alpha": 2}},
			{Op: "Reshape", Inputs: []string{"g", "shape"}, Outputs: []string{"r"}},
			{Op: "Softmax", Inputs: []string{"r"}, Outputs: []string{"s"}},
			{Op: "Clip", Inputs: []string{"s"}, Outputs: []string{"y"}, Floats: map[string]float32{"min": 0.2, "max": 1}},
			{Op: "Transpose", Inputs: []string{"r"}, Outputs: []string{"t"}, IntList: map[string][]int64{"perm": {1, 0}}},
		},
	}
	e := loadGraph(t, g)

	y := featuremap.New(2)
	tr := featuremap.New(2)
	x := []float32{1, 2, 3, 1}
	require.NoError(t, e.RunInference([]engine.FeatureBuffer{featuremap.FromSlice(x)}, []engine.FeatureBuffer{y, tr}))

	// gemm picks x[0] and x[3], doubled: [2, 2]; softmax gives [0.5, 0.5].
	assert.True(t, modeltest.FloatingPointEqual(tr.Data(), []float32{2, 2}), "transpose = %v", tr.Data())
	assert.True(t, modeltest.FloatingPointEqual(y.Data(), []float32{0.5, 0.5}), "y = %v", y.Data())
}

func TestInterpreterRejectsUnknownOperator(t *testing.T) {
	g := modeltest.DenseONNX(1)
	g.Nodes[2].Op = "LSTM"
	p := modeltest.WriteFile(t, "model.onnx", g.Marshal())

	_, err := New(p, WithOpener(OpenInterpreter))
	var loadErr *engine.LoadError
	require.True(t, errors.As(err, &loadErr), "got %v", err)
	assert.Equal(t, engine.ErrModelRejected, loadErr.Kind)
	assert.Contains(t, err.Error(), "LSTM")
}

func TestInterpreterRejectsDisconnectedOutput(t *testing.T) {
	g := modeltest.DenseONNX(1)
	g.Outputs = append(g.Outputs, modeltest.ONNXValue{Name: "nowhere", Dims: []int64{1}})
	p := modeltest.WriteFile(t, "model.onnx", g.Marshal())

	_, err := New(p, WithOpener(OpenInterpreter))
	assert.True(t, errors.Is(err, engine.ErrModelRejected), "got %v", err)
}

func TestSupportedOperators(t *testing.T) {
	ops := SupportedOperators()
	assert.True(t, slices.IsSorted(ops))
	assert.Contains(t, ops, "Gemm")
	assert.Contains(t, ops, "Softmax")
}

func TestInterpreterRejectsOversizedShapes(t *testing.T) {
	input := modeltest.DenseONNX(1)
	input.Inputs[0].Dims = []int64{1 << 62, modeltest.DenseIn}
	_, err := New(modeltest.WriteFile(t, "input.onnx", input.Marshal()), WithOpener(OpenInterpreter))
	var loadErr *engine.LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, engine.ErrMalformedModel, loadErr.Kind)

	weights := modeltest.DenseONNX(1)
	weights.Initializers[0].Dims = []int64{1 << 40, 1 << 40}
	_, err = New(modeltest.WriteFile(t, "weights.onnx", weights.Marshal()), WithOpener(OpenInterpreter))
	assert.ErrorIs(t, err, engine.ErrMalformedModel)
}
