package engine

import (
	"fmt"
	"slices"
	"sync"
)

type Backend string

const (
	BackendONNX       Backend = "onnx"
	BackendTensorFlow Backend = "tensorflow"
	BackendTFLite     Backend = "tflite"
)

// Backends is the closed set of supported backends.
var Backends = []Backend{BackendONNX, BackendTensorFlow, BackendTFLite}

// Constructor loads the model at modelPath. outputSizeHints is only
// consulted by backends that cannot always infer output sizes.
type Constructor func(modelPath string, outputSizeHints []int) (Engine, error)

var (
	registryMutex sync.Mutex
	registry      = make(map[Backend]Constructor)
)

// Register makes a backend available to Create. It is called from the
// adapter packages' init functions.
func Register(backend Backend, constructor Constructor) {
	if !slices.Contains(Backends, backend) {
		panic(fmt.Sprintf("unknown backend %q", backend))
	}
	registryMutex.Lock()
	defer registryMutex.Unlock()
	registry[backend] = constructor
}

// Create initializes the process environment if needed and loads a model
// with the given backend.
func Create(backend Backend, modelPath string, outputSizeHints []int) (Engine, error) {
	registryMutex.Lock()
	constructor, found := registry[backend]
	registryMutex.Unlock()
	if !found {
		return nil, fmt.Errorf("backend %q is not registered", backend)
	}

	if err := InitEnvironment(DefaultEnvironmentOptions()); err != nil {
		return nil, err
	}

	return constructor(modelPath, outputSizeHints)
}

// ParseBackend maps a user-supplied name onto a Backend.
func ParseBackend(s string) (Backend, error) {
	switch s {
	case "onnx", "onnxruntime", "ort":
		return BackendONNX, nil
	case "tensorflow", "tf", "graphdef":
		return BackendTensorFlow, nil
	case "tflite", "litert":
		return BackendTFLite, nil
	}
	return "", fmt.Errorf("unknown backend %q (expected one of %v)", s, Backends)
}
