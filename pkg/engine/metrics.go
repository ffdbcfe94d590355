package engine

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors shared by instrumented engines.
type Metrics struct {
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	outputs  *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modelrunner",
			Name:      "inference_runs_total",
			Help:      "Inference calls by backend, model and result.",
		}, []string{"backend", "model", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "modelrunner",
			Name:      "inference_duration_seconds",
			Help:      "Wall time of successful inference calls.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		}, []string{"backend", "model"}),
		outputs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "modelrunner",
			Name:      "output_elements",
			Help:      "Total output elements produced by the last successful call.",
		}, []string{"backend", "model"}),
	}
	for _, c := range []prometheus.Collector{m.runs, m.duration, m.outputs} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Instrument wraps e so every RunInference call is counted and timed. The
// wrapper is a Describer and reports DynamicOutputs, forwarding to e when e
// has those methods. Unwrap returns e.
func (m *Metrics) Instrument(e Engine, backend Backend, model string) Engine {
	return &instrumented{
		Engine:   e,
		runs:     m.runs.MustCurryWith(prometheus.Labels{"backend": string(backend), "model": model}),
		duration: m.duration.WithLabelValues(string(backend), model),
		outputs:  m.outputs.WithLabelValues(string(backend), model),
	}
}

type instrumented struct {
	Engine

	runs     *prometheus.CounterVec
	duration prometheus.Observer
	outputs  prometheus.Gauge
}

var _ Describer = &instrumented{}

func (i *instrumented) Unwrap() Engine { return i.Engine }

func (i *instrumented) Inputs() []TensorDescriptor {
	if d, ok := i.Engine.(Describer); ok {
		return d.Inputs()
	}
	return describe(i.Engine.InputNames(), i.Engine.InputShapes())
}

func (i *instrumented) Outputs() []TensorDescriptor {
	if d, ok := i.Engine.(Describer); ok {
		return d.Outputs()
	}
	return describe(i.Engine.OutputNames(), i.Engine.OutputShapes())
}

func (i *instrumented) DynamicOutputs() bool {
	if d, ok := i.Engine.(interface{ DynamicOutputs() bool }); ok {
		return d.DynamicOutputs()
	}
	for _, shape := range i.Engine.OutputShapes() {
		if !Resolved(shape) {
			return true
		}
	}
	return false
}

// describe rebuilds descriptors from the Engine accessors. Every tensor an
// Engine exchanges is float32.
func describe(names []string, shapes [][]int64) []TensorDescriptor {
	descriptors := make([]TensorDescriptor, len(names))
	for k, name := range names {
		var shape []int64
		if k < len(shapes) {
			shape = shapes[k]
		}
		descriptors[k] = NewDescriptor(name, shape, Float32)
	}
	return descriptors
}

func (i *instrumented) RunInference(inputs, outputs []FeatureBuffer) error {
	startedAt := time.Now()
	err := i.Engine.RunInference(inputs, outputs)
	if err != nil {
		i.runs.WithLabelValues(resultLabel(err)).Inc()
		return err
	}
	i.duration.Observe(time.Since(startedAt).Seconds())
	i.runs.WithLabelValues("ok").Inc()

	total := 0
	for _, n := range i.Engine.OutputSizes() {
		total += n
	}
	i.outputs.Set(float64(total))
	return nil
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrArityMismatch):
		return "arity_mismatch"
	case errors.Is(err, ErrTypeMismatch):
		return "type_mismatch"
	case errors.Is(err, ErrBufferTooSmall), errors.Is(err, ErrShapeMismatch):
		return "shape_mismatch"
	case errors.Is(err, ErrClosed):
		return "closed"
	default:
		return "engine_failure"
	}
}
