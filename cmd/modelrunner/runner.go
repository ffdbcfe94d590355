package main

import (
	"context"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"k8s.io/examples/AI/modelrunner/pkg/backends"
	"k8s.io/examples/AI/modelrunner/pkg/blobs"
	"k8s.io/examples/AI/modelrunner/pkg/config"
	"k8s.io/examples/AI/modelrunner/pkg/engine"
	"k8s.io/examples/AI/modelrunner/pkg/engine/featuremap"
)

type runner struct {
	fetcher *blobs.Fetcher
	metrics *engine.Metrics

	// batch is the leading dimension fed to inputs that leave it unknown.
	batch int
	// maxOutput sizes buffers for outputs with no size until a run.
	maxOutput int
}

// runModel loads one model into its own engine and runs it m.Iterations
// times on synthetic input.
func (r *runner) runModel(ctx context.Context, m config.Model) error {
	log := klog.FromContext(ctx).WithValues("model", m.Name)

	modelPath, err := r.fetcher.Resolve(ctx, m.Path)
	if err != nil {
		return err
	}
	backend, err := engine.ParseBackend(m.Backend)
	if err != nil {
		return err
	}

	loadStartedAt := time.Now()
	e, err := backends.Create(m.Backend, modelPath, m.OutputSizes)
	if err != nil {
		return err
	}
	defer func() {
		if err := e.Close(); err != nil {
			log.Error(err, "closing engine")
		}
	}()

	log.Info("loaded model",
		"backend", backend,
		"path", modelPath,
		"duration", time.Since(loadStartedAt),
		"inputNames", e.InputNames(),
		"inputShapes", e.InputShapes(),
		"outputNames", e.OutputNames(),
		"outputShapes", e.OutputShapes(),
		"outputSizes", e.OutputSizes())

	if r.metrics != nil {
		e = r.metrics.Instrument(e, backend, m.Name)
	}

	inputs, err := inputBuffers(e, r.batch)
	if err != nil {
		return err
	}
	outputs := featuremap.ForSizes(e.OutputSizes(), r.maxOutput)

	iterations := max(m.Iterations, 1)
	var total time.Duration
	for i := 0; i < iterations; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		startedAt := time.Now()
		if err := e.RunInference(featuremap.Buffers(inputs), featuremap.Buffers(outputs)); err != nil {
			return fmt.Errorf("running inference (iteration %d): %w", i, err)
		}
		elapsed := time.Since(startedAt)
		total += elapsed
		log.V(2).Info("ran inference", "iteration", i, "duration", elapsed)
	}

	log.Info("finished inference", "iterations", iterations, "meanLatency", total/time.Duration(iterations))

	sizes := e.OutputSizes()
	shapes := e.OutputShapes()
	for i, name := range e.OutputNames() {
		data := outputs[i].Data()
		if sizes[i] < len(data) {
			data = data[:sizes[i]]
		}
		s := summarize(data)
		log.Info("output", "name", name, "shape", engine.FormatShape(shapes[i]), "size", sizes[i], "min", s.min, "max", s.max, "argmax", s.argmax)
	}
	return nil
}

// inputBuffers builds one buffer per input filled with a deterministic ramp.
func inputBuffers(e engine.Engine, batch int) ([]*featuremap.FeatureMap, error) {
	names := e.InputNames()
	sizes := e.InputSizes()
	var buffers []*featuremap.FeatureMap
	for i, shape := range e.InputShapes() {
		n := sizes[i]
		if n == 0 {
			resolved := append([]int64{int64(batch)}, shape[min(1, len(shape)):]...)
			if len(shape) == 0 || !engine.Resolved(resolved) {
				return nil, fmt.Errorf("input %q has shape %s; only the leading dimension may be unknown", names[i], engine.FormatShape(shape))
			}
			n = engine.ElementCount(resolved)
		}
		data := make([]float32, n)
		for j := range data {
			data[j] = float32(j%17) / 17
		}
		buffers = append(buffers, featuremap.FromSlice(data))
	}
	return buffers, nil
}

type outputSummary struct {
	min, max float32
	argmax   int
}

func summarize(data []float32) outputSummary {
	if len(data) == 0 {
		return outputSummary{argmax: -1}
	}
	s := outputSummary{min: data[0], max: data[0]}
	for i, v := range data {
		if v < s.min {
			s.min = v
		}
		if v > s.max {
			s.max = v
			s.argmax = i
		}
	}
	return s
}
