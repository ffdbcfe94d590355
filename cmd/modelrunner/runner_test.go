package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"k8s.io/examples/AI/modelrunner/pkg/blobs"
	"k8s.io/examples/AI/modelrunner/pkg/config"
	"k8s.io/examples/AI/modelrunner/pkg/engine"
	"k8s.io/examples/AI/modelrunner/pkg/engine/modeltest"
)

func TestRunModels(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := engine.NewMetrics(reg)
	require.NoError(t, err)

	r := &runner{
		fetcher:   &blobs.Fetcher{CacheDir: filepath.Join(t.TempDir(), "cache")},
		metrics:   metrics,
		batch:     2,
		maxOutput: 64,
	}

	models := []config.Model{
		{Name: "lite", Backend: "tflite", Path: modeltest.WriteFile(t, "dense.tflite", modeltest.DenseTFLite(-1).Marshal()), Iterations: 3},
		{Name: "graph", Backend: "tf", Path: modeltest.WriteFile(t, "dense.pb", modeltest.DenseGraphDef(1, false).Marshal()), OutputSizes: []int{3, 3}, Iterations: 2},
		{Name: "onnx", Backend: "onnx", Path: "file://" + modeltest.WriteFile(t, "dense.onnx", modeltest.DenseONNX(1).Marshal())},
	}
	for _, m := range models {
		require.NoError(t, r.runModel(context.Background(), m), "model %s", m.Name)
	}

	count, err := testutil.GatherAndCount(reg, "modelrunner_inference_runs_total")
	require.NoError(t, err)
	assert.Equal(t, 3, count, "one series per model")
}

func TestRunModelErrors(t *testing.T) {
	r := &runner{fetcher: &blobs.Fetcher{}, batch: 1, maxOutput: 8}

	err := r.runModel(context.Background(), config.Model{Name: "missing", Backend: "onnx", Path: "/nonexistent.onnx"})
	assert.ErrorIs(t, err, engine.ErrModelNotFound)

	unannotated := modeltest.WriteFile(t, "dense.pb", modeltest.DenseGraphDef(1, false).Marshal())
	err = r.runModel(context.Background(), config.Model{Name: "nohints", Backend: "tensorflow", Path: unannotated})
	assert.ErrorIs(t, err, engine.ErrOutputShapeUnknown)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	lite := modeltest.WriteFile(t, "dense.tflite", modeltest.DenseTFLite(1).Marshal())
	err = r.runModel(ctx, config.Model{Name: "cancelled", Backend: "tflite", Path: lite, Iterations: 1})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseSizes(t *testing.T) {
	sizes, err := parseSizes(" 10, 0,5 ")
	require.NoError(t, err)
	assert.Equal(t, []int{10, 0, 5}, sizes)

	sizes, err = parseSizes("")
	require.NoError(t, err)
	assert.Nil(t, sizes)

	_, err = parseSizes("3,x")
	assert.Error(t, err)
}

func TestSummarize(t *testing.T) {
	s := summarize([]float32{0.2, -1, 0.7, 0.1})
	assert.Equal(t, outputSummary{min: -1, max: 0.7, argmax: 2}, s)
	assert.Equal(t, -1, summarize(nil).argmax)
}
