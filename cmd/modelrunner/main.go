package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/modelrunner/pkg/blobs"
	"k8s.io/examples/AI/modelrunner/pkg/config"
	"k8s.io/examples/AI/modelrunner/pkg/engine"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	backend := "onnx"
	flag.StringVar(&backend, "backend", backend, "inference backend: onnx, tensorflow or tflite")
	modelURI := os.Getenv("MODEL")
	flag.StringVar(&modelURI, "model", modelURI, "path or URI (gs://, http(s)://, blob:<hash>) of the model to run")
	outputSizes := ""
	flag.StringVar(&outputSizes, "output-sizes", outputSizes, "comma-separated output size hints, in graph order (tensorflow only)")
	iterations := 1
	flag.IntVar(&iterations, "iterations", iterations, "number of inference calls per model")
	batch := 1
	flag.IntVar(&batch, "batch", batch, "rows to feed into inputs with an unknown leading dimension")
	maxOutput := 1 << 16
	flag.IntVar(&maxOutput, "max-output-elements", maxOutput, "buffer size for outputs whose size is only known after a run")
	configPath := ""
	flag.StringVar(&configPath, "config", configPath, "YAML file listing models to run; overrides -model")

	cacheDir := os.Getenv("CACHE_DIR")
	if cacheDir == "" {
		cacheDir = "~/.cache/modelrunner"
	}
	flag.StringVar(&cacheDir, "cache-dir", cacheDir, "directory for downloaded models")
	blobserver := os.Getenv("BLOBSERVER")
	if blobserver == "" {
		blobserver = "http://blobserver"
	}
	flag.StringVar(&blobserver, "blobserver", blobserver, "base url to blobserver")
	metricsListen := ""
	flag.StringVar(&metricsListen, "metrics-listen", metricsListen, "address to serve /metrics on; empty disables")

	klog.InitFlags(nil)

	flag.Parse()

	var cfg *config.Config
	if configPath != "" {
		c, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = c
	} else {
		if modelURI == "" {
			return fmt.Errorf("must specify -model or -config")
		}
		hints, err := parseSizes(outputSizes)
		if err != nil {
			return fmt.Errorf("parsing -output-sizes: %w", err)
		}
		cfg = &config.Config{Models: []config.Model{{
			Name:        "model",
			Backend:     backend,
			Path:        modelURI,
			OutputSizes: hints,
			Iterations:  iterations,
		}}}
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	blobserverURL, err := url.Parse(blobserver)
	if err != nil {
		return fmt.Errorf("parsing blobserver url %q: %w", blobserver, err)
	}
	fetcher := &blobs.Fetcher{
		CacheDir:    cacheDir,
		BlobServer:  &blobs.ModelServer{BlobserverURL: blobserverURL},
		MaxAttempts: blobs.DefaultMaxAttempts,
		RetryDelay:  blobs.DefaultRetryDelay,
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := engine.NewMetrics(reg)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}
	if metricsListen != "" {
		go serveMetrics(ctx, metricsListen, reg)
	}

	if err := engine.InitEnvironment(engine.DefaultEnvironmentOptions()); err != nil {
		return err
	}
	defer func() {
		if err := engine.ShutdownEnvironment(); err != nil {
			klog.Errorf("shutting down engine environment: %v", err)
		}
	}()

	r := &runner{
		fetcher:   fetcher,
		metrics:   metrics,
		batch:     batch,
		maxOutput: maxOutput,
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, m := range cfg.Models {
		m := m // per-iteration copy; go.mod targets go1.21 loop semantics
		g.Go(func() error {
			if err := r.runModel(ctx, m); err != nil {
				return fmt.Errorf("model %q: %w", m.Name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func serveMetrics(ctx context.Context, listen string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	server := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	klog.Infof("serving metrics on %q", listen)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		klog.Errorf("serving metrics on %q: %v", listen, err)
	}
}

// parseSizes parses a comma-separated list such as "10,0,5".
func parseSizes(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var sizes []int
	for _, token := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(token))
		if err != nil {
			return nil, fmt.Errorf("invalid size %q: %w", token, err)
		}
		sizes = append(sizes, n)
	}
	return sizes, nil
}
