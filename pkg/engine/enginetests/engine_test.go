// Package enginetests runs the same checks against every backend, using the
// reference dense model encoded in each backend's format.
package enginetests

import (
	"errors"
	"slices"
	"testing"

	"k8s.io/examples/AI/modelrunner/pkg/backends"
	"k8s.io/examples/AI/modelrunner/pkg/engine"
	"k8s.io/examples/AI/modelrunner/pkg/engine/featuremap"
	"k8s.io/examples/AI/modelrunner/pkg/engine/modeltest"
)

type backendCase struct {
	name  string
	file  string
	model func(batch int) []byte
	hints []int
}

var cases = []backendCase{
	{
		name:  "onnx",
		file:  "dense.onnx",
		model: func(batch int) []byte { return modeltest.DenseONNX(int64(batch)).Marshal() },
	},
	{
		name:  "tensorflow",
		file:  "dense.pb",
		model: func(batch int) []byte { return modeltest.DenseGraphDef(int64(batch), true).Marshal() },
	},
	{
		name:  "tensorflow-hints",
		file:  "dense.pb",
		model: func(batch int) []byte { return modeltest.DenseGraphDef(int64(batch), false).Marshal() },
		hints: []int{modeltest.DenseOut, modeltest.DenseOut},
	},
	{
		name:  "tflite",
		file:  "dense.tflite",
		model: func(batch int) []byte { return modeltest.DenseTFLite(int32(batch)).Marshal() },
	},
}

func (c backendCase) backend() string {
	if c.name == "tensorflow-hints" {
		return "tensorflow"
	}
	return c.name
}

func (c backendCase) load(t *testing.T, batch int) engine.Engine {
	t.Helper()
	p := modeltest.WriteFile(t, c.file, c.model(batch))
	e, err := backends.Create(c.backend(), p, c.hints)
	if err != nil {
		t.Fatalf("loading %s model: %v", c.name, err)
	}
	t.Cleanup(func() {
		if err := e.Close(); err != nil {
			t.Errorf("closing engine: %v", err)
		}
	})
	return e
}

func TestMetadata(t *testing.T) {
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			e := c.load(t, 1)

			if got := len(e.InputNames()); got != len(e.InputShapes()) || got != len(e.InputSizes()) {
				t.Errorf("input metadata lengths disagree: names %d, shapes %d, sizes %d", got, len(e.InputShapes()), len(e.InputSizes()))
			}
			if got := len(e.OutputNames()); got != len(e.OutputShapes()) || got != len(e.OutputSizes()) {
				t.Errorf("output metadata lengths disagree: names %d, shapes %d, sizes %d", got, len(e.OutputShapes()), len(e.OutputSizes()))
			}
			if got, want := e.InputNames(), []string{"x"}; !slices.Equal(got, want) {
				t.Errorf("InputNames() = %v, want %v", got, want)
			}
			if got, want := e.OutputNames(), []string{"logits", "probs"}; !slices.Equal(got, want) {
				t.Errorf("OutputNames() = %v, want %v", got, want)
			}
			if got, want := e.InputSizes(), []int{modeltest.DenseIn}; !slices.Equal(got, want) {
				t.Errorf("InputSizes() = %v, want %v", got, want)
			}
			if got, want := e.OutputSizes(), []int{modeltest.DenseOut, modeltest.DenseOut}; !slices.Equal(got, want) {
				t.Errorf("OutputSizes() = %v, want %v", got, want)
			}
			for i, shape := range e.OutputShapes() {
				if n := engine.ElementCount(shape); n != e.OutputSizes()[i] {
					t.Errorf("output %d: shape %v holds %d elements, size is %d", i, shape, n, e.OutputSizes()[i])
				}
			}
		})
	}
}

func TestInference(t *testing.T) {
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			e := c.load(t, 1)

			x := modeltest.Ramp(modeltest.DenseIn)
			outputs := featuremap.ForSizes(e.OutputSizes(), 0)
			if err := e.RunInference([]engine.FeatureBuffer{featuremap.FromSlice(x)}, featuremap.Buffers(outputs)); err != nil {
				t.Fatalf("RunInference: %v", err)
			}

			wantLogits, wantProbs := modeltest.DenseReference(x)
			if got := outputs[0].Data(); !modeltest.FloatingPointEqual(got, wantLogits) {
				t.Errorf("logits = %v, want %v", got, wantLogits)
			}
			if got := outputs[1].Data(); !modeltest.FloatingPointEqual(got, wantProbs) {
				t.Errorf("probs = %v, want %v", got, wantProbs)
			}
		})
	}
}

func TestDeterministic(t *testing.T) {
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			e := c.load(t, 1)

			shapes, sizes := e.OutputShapes(), e.OutputSizes()
			in := []engine.FeatureBuffer{featuremap.FromSlice(modeltest.Ramp(modeltest.DenseIn))}
			var previous [][]float32
			for run := 0; run < 3; run++ {
				outputs := featuremap.ForSizes(e.OutputSizes(), 0)
				if err := e.RunInference(in, featuremap.Buffers(outputs)); err != nil {
					t.Fatalf("run %d: %v", run, err)
				}
				if got := e.OutputSizes(); !slices.Equal(got, sizes) {
					t.Errorf("run %d: OutputSizes() = %v, was %v at load", run, got, sizes)
				}
				if got := e.OutputShapes(); !slices.EqualFunc(got, shapes, func(a, b []int64) bool { return slices.Equal(a, b) }) {
					t.Errorf("run %d: OutputShapes() = %v, was %v at load", run, got, shapes)
				}
				current := make([][]float32, len(outputs))
				for i := range outputs {
					current[i] = slices.Clone(outputs[i].Data())
				}
				if previous != nil {
					for i := range current {
						if !slices.Equal(current[i], previous[i]) {
							t.Fatalf("run %d output %d = %v, previous run gave %v", run, i, current[i], previous[i])
						}
					}
				}
				previous = current
			}
		})
	}
}

func TestArityMismatch(t *testing.T) {
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			e := c.load(t, 1)

			in := []engine.FeatureBuffer{featuremap.New(modeltest.DenseIn)}
			err := e.RunInference(in, []engine.FeatureBuffer{featuremap.New(modeltest.DenseOut)})
			if !errors.Is(err, engine.ErrArityMismatch) {
				t.Fatalf("RunInference with one output buffer: got %v, want ErrArityMismatch", err)
			}
			var runErr *engine.RunError
			if !errors.As(err, &runErr) {
				t.Fatalf("error %v is not a *engine.RunError", err)
			}

			outputs := featuremap.ForSizes(e.OutputSizes(), 0)
			if err := e.RunInference(in, featuremap.Buffers(outputs)); err != nil {
				t.Errorf("engine unusable after a failed call: %v", err)
			}
		})
	}
}

func TestDynamicBatch(t *testing.T) {
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if c.hints != nil {
				t.Skip("hints fix the output sizes")
			}
			e := c.load(t, -1)

			const rows = 2
			x := modeltest.Ramp(rows * modeltest.DenseIn)
			outputs := featuremap.ForSizes(e.OutputSizes(), rows*modeltest.DenseOut)
			if err := e.RunInference([]engine.FeatureBuffer{featuremap.FromSlice(x)}, featuremap.Buffers(outputs)); err != nil {
				t.Fatalf("RunInference: %v", err)
			}
			if got, want := e.OutputSizes(), []int{rows * modeltest.DenseOut, rows * modeltest.DenseOut}; !slices.Equal(got, want) {
				t.Errorf("OutputSizes() after run = %v, want %v", got, want)
			}
			_, wantProbs := modeltest.DenseReference(x)
			if got := outputs[1].Data()[:rows*modeltest.DenseOut]; !modeltest.FloatingPointEqual(got, wantProbs) {
				t.Errorf("probs = %v, want %v", got, wantProbs)
			}
		})
	}
}

func TestMissingModel(t *testing.T) {
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := backends.Create(c.backend(), "/nonexistent/"+c.file, c.hints)
			if !errors.Is(err, engine.ErrModelNotFound) {
				t.Fatalf("got %v, want ErrModelNotFound", err)
			}
			var loadErr *engine.LoadError
			if !errors.As(err, &loadErr) {
				t.Fatalf("error %v is not a *engine.LoadError", err)
			}
			if loadErr.Path != "/nonexistent/"+c.file {
				t.Errorf("LoadError.Path = %q", loadErr.Path)
			}
		})
	}
}
