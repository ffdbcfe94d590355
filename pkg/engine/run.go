package engine

import (
	"fmt"
	"os"
)

// Helpers shared by the adapters' load and run paths.

// CheckModelFile returns a LoadError if path cannot be read as a model file.
func CheckModelFile(backend Backend, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &LoadError{Backend: backend, Path: path, Kind: ErrModelNotFound, Err: err}
		}
		return &LoadError{Backend: backend, Path: path, Kind: ErrModelNotFound, Err: fmt.Errorf("stat model file: %w", err)}
	}
	if info.IsDir() {
		return &LoadError{Backend: backend, Path: path, Kind: ErrMalformedModel, Err: fmt.Errorf("%q is a directory", path)}
	}
	return nil
}

// CheckShapes returns a malformed-model LoadError for the first descriptor
// whose shape holds more than MaxElements elements.
func CheckShapes(backend Backend, path string, descriptors ...[]TensorDescriptor) error {
	for _, list := range descriptors {
		for i := range list {
			if err := CheckShape(list[i].Shape); err != nil {
				return LoadFailure(backend, path, ErrMalformedModel, fmt.Errorf("tensor %q: %w", list[i].Name, err))
			}
		}
	}
	return nil
}

// CheckArity verifies the caller passed one buffer per model input and output.
func CheckArity(backend Backend, inputs, outputs []FeatureBuffer, in, out []TensorDescriptor) error {
	if len(inputs) != len(in) {
		return &RunError{Backend: backend, Kind: ErrArityMismatch, Err: fmt.Errorf("got %d inputs, model has %d", len(inputs), len(in))}
	}
	if len(outputs) != len(out) {
		return &RunError{Backend: backend, Kind: ErrArityMismatch, Err: fmt.Errorf("got %d outputs, model has %d", len(outputs), len(out))}
	}
	for i := range inputs {
		if inputs[i] == nil {
			return &RunError{Backend: backend, Kind: ErrArityMismatch, Tensor: in[i].Name, Err: fmt.Errorf("input %d is nil", i)}
		}
	}
	for i := range outputs {
		if outputs[i] == nil {
			return &RunError{Backend: backend, Kind: ErrArityMismatch, Tensor: out[i].Name, Err: fmt.Errorf("output %d is nil", i)}
		}
	}
	return nil
}

// CheckFloat32 verifies every tensor can be exchanged through a FeatureBuffer.
func CheckFloat32(backend Backend, descriptors ...[]TensorDescriptor) error {
	for _, list := range descriptors {
		for i := range list {
			if list[i].ElementType != Float32 {
				return &RunError{Backend: backend, Kind: ErrTypeMismatch, Tensor: list[i].Name, Err: fmt.Errorf("element type is %s, want float32", list[i].ElementType)}
			}
		}
	}
	return nil
}

// InputShape returns the shape and element count to feed for one input.
// Unresolved leading dimensions are filled in from the buffer length.
func InputShape(backend Backend, desc *TensorDescriptor, buf FeatureBuffer) ([]int64, int, error) {
	data := buf.Data()
	if !desc.Dynamic() {
		if len(data) < desc.ElementCount {
			return nil, 0, &RunError{Backend: backend, Kind: ErrBufferTooSmall, Tensor: desc.Name, Err: fmt.Errorf("have %d elements, need %d", len(data), desc.ElementCount)}
		}
		return desc.Shape, desc.ElementCount, nil
	}
	shape, err := ResolveLeading(desc.Shape, len(data))
	if err != nil {
		return nil, 0, &RunError{Backend: backend, Kind: ErrShapeMismatch, Tensor: desc.Name, Err: err}
	}
	return shape, ElementCount(shape), nil
}

// CopyOut copies an engine result into a caller output buffer.
func CopyOut(backend Backend, desc *TensorDescriptor, buf FeatureBuffer, result []float32) error {
	dst := buf.Data()
	if len(dst) < len(result) {
		return &RunError{Backend: backend, Kind: ErrBufferTooSmall, Tensor: desc.Name, Err: fmt.Errorf("have %d elements, result has %d", len(dst), len(result))}
	}
	copy(dst, result)
	return nil
}

// BindOutput delivers one output of a completed run into buf.
//
// Dynamic outputs have their descriptor refreshed from shape; the result is
// copied only when it holds at least one element, otherwise buf is left
// untouched. Static outputs must match their descriptor's element count and
// are copied or rebound according to desc.Binding.
func BindOutput(backend Backend, desc *TensorDescriptor, dynamic bool, buf FeatureBuffer, shape []int64, result []float32) error {
	if dynamic {
		desc.Shape = append(desc.Shape[:0], shape...)
		desc.ElementCount = len(result)
		if desc.ElementCount == 0 {
			return nil
		}
		return CopyOut(backend, desc, buf, result)
	}
	if len(result) != desc.ElementCount {
		return &RunError{Backend: backend, Kind: ErrShapeMismatch, Tensor: desc.Name, Err: fmt.Errorf("engine produced %d elements, expected %d", len(result), desc.ElementCount)}
	}
	if desc.Binding == Borrowed {
		buf.SetData(result)
		return nil
	}
	return CopyOut(backend, desc, buf, result)
}
