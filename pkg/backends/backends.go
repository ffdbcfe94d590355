// Package backends links every adapter into the binary and offers one
// constructor per backend.
package backends

import (
	"k8s.io/examples/AI/modelrunner/pkg/engine"

	_ "k8s.io/examples/AI/modelrunner/pkg/engine/onnx"
	_ "k8s.io/examples/AI/modelrunner/pkg/engine/tfgraph"
	_ "k8s.io/examples/AI/modelrunner/pkg/engine/tflite"
)

// CreateONNX loads an ONNX model. Output sizes come from the model, so
// outputSizeHints is ignored.
func CreateONNX(modelPath string, outputSizeHints []int) (engine.Engine, error) {
	return engine.Create(engine.BackendONNX, modelPath, outputSizeHints)
}

// CreateTF loads a frozen GraphDef. outputSizeHints sizes the inferred
// outputs in graph order when the graph carries no shape annotations.
func CreateTF(modelPath string, outputSizeHints []int) (engine.Engine, error) {
	return engine.Create(engine.BackendTensorFlow, modelPath, outputSizeHints)
}

// CreateTFLite loads a TFLite flatbuffer. outputSizeHints is ignored.
func CreateTFLite(modelPath string, outputSizeHints []int) (engine.Engine, error) {
	return engine.Create(engine.BackendTFLite, modelPath, outputSizeHints)
}

// Create loads modelPath with the backend named by name, which may be any
// alias engine.ParseBackend accepts.
func Create(name string, modelPath string, outputSizeHints []int) (engine.Engine, error) {
	backend, err := engine.ParseBackend(name)
	if err != nil {
		return nil, err
	}
	return engine.Create(backend, modelPath, outputSizeHints)
}
