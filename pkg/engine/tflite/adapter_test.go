package tflite

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

func writeModel(t *testing.T, m *modeltest.TFLiteModel) string {
	t.Helper()
	return modeltest.WriteFile(t, "model.tflite", m.Marshal())
}

func openGo(t *testing.T, m *modeltest.TFLiteModel) *Engine {
	t.Helper()
	e, err := New(writeModel(t, m), WithLoader(func(path string, opts InterpreterOptions) (Interpreter, error) {
		assert.Equal(t, 1, opts.Threads, "interpreter must be single-threaded")
		return OpenGoInterpreter(path, opts)
	}))
	require.NoError(t, err)
	return e
}

func TestParseModel(t *testing.T) {
	m, err := ParseModel(modeltest.DenseTFLite(-1).Marshal())
	require.NoError(t, err)

	assert.Equal(t, uint32(3), m.Version)
	assert.Equal(t, "modeltest", m.Description)
	assert.Equal(t, []int32{0}, m.Inputs)
	assert.Equal(t, []int32{3, 4}, m.Outputs)
	require.Len(t, m.Tensors, 5)
	assert.Equal(t, "x", m.Tensors[0].Name)
	assert.Equal(t, []int64{-1, modeltest.DenseIn}, m.Tensors[0].Dims())
	assert.Equal(t, []int64{modeltest.DenseOut, modeltest.DenseIn}, m.Tensors[1].Dims())

	weights, err := m.Tensors[1].Values()
	require.NoError(t, err)
	assert.Equal(t, modeltest.DenseWeightsTransposed(), weights)

	require.Len(t, m.Operators, 2)
	assert.Equal(t, OpFullyConnected, m.Operators[0].Op)
	assert.Equal(t, OpSoftmax, m.Operators[1].Op)
	assert.Equal(t, float32(1), m.Operators[1].options.float32(0, 0))
}

func TestParseModelRejectsGarbage(t *testing.T) {
	_, err := ParseModel([]byte("short"))
	assert.ErrorIs(t, err, engine.ErrMalformedModel)

	_, err = ParseModel([]byte("\x00\x00\x00\x00ONNX-not-tflite"))
	assert.ErrorIs(t, err, engine.ErrMalformedModel)

	truncated := modeltest.DenseTFLite(1).Marshal()
	truncated = append([]byte{0xff, 0xff, 0x00, 0x00}, truncated[4:16]...)
	_, err = ParseModel(truncated)
	assert.ErrorIs(t, err, engine.ErrMalformedModel)
}

func TestDenseModel(t *testing.T) {
	e := openGo(t, modeltest.DenseTFLite(1))
	defer e.Close()

	assert.Equal(t, []string{"x"}, e.InputNames())
	assert.Equal(t, []int{modeltest.DenseIn}, e.InputSizes())
	assert.Equal(t, []string{"logits", "probs"}, e.OutputNames())
	assert.Equal(t, [][]int64{{1, modeltest.DenseOut}, {1, modeltest.DenseOut}}, e.OutputShapes())
	assert.Equal(t, []int{modeltest.DenseOut, modeltest.DenseOut}, e.OutputSizes())
	assert.False(t, e.DynamicOutputs())

	x := modeltest.Ramp(modeltest.DenseIn)
	outputs := featuremap.ForSizes(e.OutputSizes(), 0)
	in := []engine.FeatureBuffer{featuremap.FromSlice(x)}
	require.NoError(t, e.RunInference(in, featuremap.Buffers(outputs)))

	wantLogits, wantProbs := modeltest.DenseReference(x)
	assert.True(t, modeltest.FloatingPointEqual(outputs[0].Data(), wantLogits), "logits = %v, want %v", outputs[0].Data(), wantLogits)
	assert.True(t, modeltest.FloatingPointEqual(outputs[1].Data(), wantProbs), "probs = %v, want %v", outputs[1].Data(), wantProbs)

	first := slices.Clone(outputs[1].Data())
	require.NoError(t, e.RunInference(in, featuremap.Buffers(outputs)))
	assert.Equal(t, first, outputs[1].Data(), "repeated runs must be bit-identical")
	assert.Equal(t, []int{modeltest.DenseOut, modeltest.DenseOut}, e.OutputSizes())
	assert.False(t, outputs[0].Borrowed(), "outputs must be copied")
}

func TestDynamicBatch(t *testing.T) {
	e := openGo(t, modeltest.DenseTFLite(-1))
	defer e.Close()

	assert.True(t, e.DynamicOutputs())
	assert.Equal(t, []int{0}, e.InputSizes())
	assert.Equal(t, []int{0, 0}, e.OutputSizes())

	outputs := featuremap.ForSizes([]int{0, 0}, 32)
	for _, rows := range []int{3, 1} {
		x := modeltest.Ramp(rows * modeltest.DenseIn)
		require.NoError(t, e.RunInference([]engine.FeatureBuffer{featuremap.FromSlice(x)}, featuremap.Buffers(outputs)))

		n := rows * modeltest.DenseOut
		assert.Equal(t, []int{n, n}, e.OutputSizes())
		assert.Equal(t, []int64{int64(rows), modeltest.DenseOut}, e.OutputShapes()[1])
		_, wantProbs := modeltest.DenseReference(x)
		assert.True(t, modeltest.FloatingPointEqual(outputs[1].Data()[:n], wantProbs))
	}
}

func TestUnsupportedOperator(t *testing.T) {
	m := &modeltest.TFLiteModel{
		Tensors: []modeltest.TFLiteTensor{
			{Name: "x", Shape: []int32{1, 4}},
			{Name: "y", Shape: []int32{1, 4}},
		},
		Inputs:    []int32{0},
		Outputs:   []int32{1},
		Operators: []modeltest.TFLiteOperator{{Code: modeltest.TFLiteConv2D, Inputs: []int32{0}, Outputs: []int32{1}}},
	}
	_, err := New(writeModel(t, m))
	assert.ErrorIs(t, err, engine.ErrModelRejected)
}

func TestLoadErrors(t *testing.T) {
	_, err := New("/nonexistent/model.tflite")
	assert.ErrorIs(t, err, engine.ErrModelNotFound)

	_, err = New(modeltest.WriteFile(t, "bad.tflite", []byte("not a flatbuffer")))
	assert.ErrorIs(t, err, engine.ErrMalformedModel)
}

func TestOversizedShapes(t *testing.T) {
	m := modeltest.DenseTFLite(1)
	m.Tensors[0].Shape = []int32{1 << 16, 1 << 16, modeltest.DenseIn}
	_, err := New(writeModel(t, m))
	var loadErr *engine.LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, engine.ErrMalformedModel, loadErr.Kind)

	f := &fakeInterpreter{
		in:  &fakeTensor{name: "x", dims: []int64{1 << 62, 3}},
		out: &fakeTensor{name: "y", dims: []int64{1, 3}, data: make([]float32, 3)},
	}
	_, err = New(modeltest.WriteFile(t, "model.tflite", []byte("fake")), WithLoader(func(string, InterpreterOptions) (Interpreter, error) {
		return f, nil
	}))
	assert.ErrorIs(t, err, engine.ErrMalformedModel)
	assert.Equal(t, 1, f.closed, "interpreter must be closed on rejection")
}

type fakeTensor struct {
	name string
	dims []int64
	data []float32
}

func (t *fakeTensor) Name() string             { return t.name }
func (t *fakeTensor) Type() engine.ElementType { return engine.Float32 }
func (t *fakeTensor) Dims() []int64            { return t.dims }
func (t *fakeTensor) ByteSize() int            { return 4 * len(t.data) }
func (t *fakeTensor) Float32s() []float32      { return t.data }

type fakeInterpreter struct {
	in, out *fakeTensor
	invoke  func(out *fakeTensor) error
	closed  int
}

func (f *fakeInterpreter) InputCount() int                { return 1 }
func (f *fakeInterpreter) Input(int) Tensor               { return f.in }
func (f *fakeInterpreter) OutputCount() int               { return 1 }
func (f *fakeInterpreter) Output(int) Tensor              { return f.out }
func (f *fakeInterpreter) ResizeInput(int, []int64) error { return errors.New("fixed shape") }
func (f *fakeInterpreter) Invoke() error                  { return f.invoke(f.out) }

func (f *fakeInterpreter) Close() error {
	f.closed++
	return nil
}

func newFakeEngine(t *testing.T, f *fakeInterpreter) *Engine {
	t.Helper()
	e, err := New(modeltest.WriteFile(t, "model.tflite", []byte("fake")), WithLoader(func(string, InterpreterOptions) (Interpreter, error) {
		return f, nil
	}))
	require.NoError(t, err)
	return e
}

func TestEmptyDynamicResult(t *testing.T) {
	f := &fakeInterpreter{
		in:  &fakeTensor{name: "image", dims: []int64{1, 2}, data: make([]float32, 2)},
		out: &fakeTensor{name: "detections", dims: []int64{-1, 4}},
	}
	e := newFakeEngine(t, f)
	defer e.Close()
	require.True(t, e.DynamicOutputs())

	out := featuremap.FromSlice([]float32{7, 7, 7, 7})
	in := []engine.FeatureBuffer{featuremap.FromSlice([]float32{1, 2})}

	f.invoke = func(out *fakeTensor) error {
		out.dims, out.data = []int64{1, 4}, []float32{1, 2, 3, 4}
		return nil
	}
	require.NoError(t, e.RunInference(in, []engine.FeatureBuffer{out}))
	assert.Equal(t, []float32{1, 2, 3, 4}, out.Data())
	assert.Equal(t, []float32{1, 2}, f.in.data, "input was not copied into interpreter memory")

	out = featuremap.FromSlice([]float32{7, 7, 7, 7})
	f.invoke = func(out *fakeTensor) error {
		out.dims, out.data = []int64{0, 4}, nil
		return nil
	}
	require.NoError(t, e.RunInference(in, []engine.FeatureBuffer{out}))
	assert.Equal(t, []int{0}, e.OutputSizes())
	assert.Equal(t, []float32{7, 7, 7, 7}, out.Data(), "empty result must leave the buffer untouched")
}

func TestRunErrors(t *testing.T) {
	f := &fakeInterpreter{
		in:  &fakeTensor{name: "x", dims: []int64{1, 2}, data: make([]float32, 2)},
		out: &fakeTensor{name: "y", dims: []int64{1, 2}, data: make([]float32, 2)},
	}
	e := newFakeEngine(t, f)

	in := []engine.FeatureBuffer{featuremap.New(2)}
	out := []engine.FeatureBuffer{featuremap.New(2)}

	assert.ErrorIs(t, e.RunInference(in, nil), engine.ErrArityMismatch)
	assert.ErrorIs(t, e.RunInference([]engine.FeatureBuffer{featuremap.New(1)}, out), engine.ErrBufferTooSmall)

	f.invoke = func(*fakeTensor) error { return errors.New("delegate failed") }
	assert.ErrorIs(t, e.RunInference(in, out), engine.ErrEngineFailure)

	f.invoke = func(*fakeTensor) error { return nil }
	assert.NoError(t, e.RunInference(in, out))

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	assert.Equal(t, 1, f.closed)
	assert.ErrorIs(t, e.RunInference(in, out), engine.ErrClosed)
}
