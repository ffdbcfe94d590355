package fallback

import (
	"fmt"
	"slices"

	"k8s.io/examples/AI/modelrunner/pkg/engine"
)

// TensorID names a value flowing through a Program.
type TensorID string

// Tensor is a dense row-major float32 tensor. Integer constants such as
// reshape targets are stored widened to float32.
type Tensor struct {
	Shape []int64
	Data  []float32
}

func NewTensor(shape []int64) *Tensor {
	return &Tensor{
		Shape: slices.Clone(shape),
		Data:  make([]float32, engine.ElementCount(shape)),
	}
}

// FromData wraps data without copying.
func FromData(shape []int64, data []float32) (*Tensor, error) {
	if err := engine.CheckShape(shape); err != nil {
		return nil, err
	}
	if !engine.Resolved(shape) && !(len(data) == 0 && hasZero(shape)) {
		return nil, fmt.Errorf("shape %s is not fully resolved", engine.FormatShape(shape))
	}
	if n := numElements(shape); n != len(data) {
		return nil, fmt.Errorf("shape %s holds %d elements, got %d", engine.FormatShape(shape), n, len(data))
	}
	return &Tensor{Shape: slices.Clone(shape), Data: data}, nil
}

// Scalar returns a rank-0 tensor.
func Scalar(v float32) *Tensor {
	return &Tensor{Shape: []int64{}, Data: []float32{v}}
}

func (t *Tensor) NDimensions() int {
	return len(t.Shape)
}

func (t *Tensor) Len() int {
	return len(t.Data)
}

// Ints returns the tensor's values as integers, for shape and axis operands.
func (t *Tensor) Ints() []int64 {
	values := make([]int64, len(t.Data))
	for i, v := range t.Data {
		values[i] = int64(v)
	}
	return values
}

func (t *Tensor) String() string {
	return fmt.Sprintf("tensor%s", engine.FormatShape(t.Shape))
}

func sameSize(t1 *Tensor, t2 *Tensor) bool {
	return slices.Equal(t1.Shape, t2.Shape)
}

// numElements is the product of shape, allowing zero-sized dimensions. It
// is -1 for shapes past engine.MaxElements.
func numElements(shape []int64) int {
	if engine.CheckShape(shape) != nil {
		return -1
	}
	n := 1
	for _, dim := range shape {
		n *= int(dim)
	}
	return n
}

func hasZero(shape []int64) bool {
	return slices.Contains(shape, 0)
}
