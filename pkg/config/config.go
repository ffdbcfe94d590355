// Package config reads the model list for cmd/modelrunner.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"k8s.io/examples/AI/modelrunner/pkg/engine"
)

// Config is the top level of a model file:
//
//	models:
//	- name: classifier
//	  backend: tflite
//	  path: gs://bucket/classifier.tflite
//	  iterations: 10
//	- name: detector
//	  backend: tensorflow
//	  path: /models/detector.pb
//	  outputSizes: [400, 100]
type Config struct {
	Models []Model `yaml:"models"`
}

type Model struct {
	Name    string `yaml:"name"`
	Backend string `yaml:"backend"`
	// Path is a local path or any URI blobs.Fetcher resolves.
	Path string `yaml:"path"`
	// OutputSizes are output size hints in graph order, used by the
	// tensorflow backend.
	OutputSizes []int `yaml:"outputSizes,omitempty"`
	// Iterations defaults to 1.
	Iterations int `yaml:"iterations,omitempty"`
}

func Load(p string) (*Config, error) {
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", p, err)
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("config %q: %w", p, err)
	}
	return cfg, nil
}

// Parse decodes and validates a config. Unknown fields are rejected.
func Parse(b []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing yaml: %w", err)
	}
	for i := range cfg.Models {
		if cfg.Models[i].Iterations == 0 {
			cfg.Models[i].Iterations = 1
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	names := make(map[string]bool)
	for i, m := range c.Models {
		label := m.Name
		if label == "" {
			label = fmt.Sprintf("models[%d]", i)
		} else if names[m.Name] {
			errs = append(errs, fmt.Errorf("duplicate model name %q", m.Name))
		}
		names[m.Name] = true

		if _, err := engine.ParseBackend(m.Backend); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", label, err))
		}
		if m.Path == "" {
			errs = append(errs, fmt.Errorf("%s: path is required", label))
		}
		for _, n := range m.OutputSizes {
			if n < 0 {
				errs = append(errs, fmt.Errorf("%s: output sizes must not be negative, got %v", label, m.OutputSizes))
				break
			}
		}
		if m.Iterations < 0 {
			errs = append(errs, fmt.Errorf("%s: iterations must not be negative", label))
		}
	}
	return errors.Join(errs...)
}

// Marshal encodes the config as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
