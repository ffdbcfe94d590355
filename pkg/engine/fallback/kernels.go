package fallback

import (
	"fmt"
	"math"
	"slices"

	"k8s.io/examples/AI/modelrunner/pkg/engine"
)

// BroadcastShape returns the NumPy broadcast of two shapes.
func BroadcastShape(a, b []int64) ([]int64, error) {
	n := max(len(a), len(b))
	out := make([]int64, n)
	for i := 0; i < n; i++ {
		da, db := int64(1), int64(1)
		if j := len(a) - n + i; j >= 0 {
			da = a[j]
		}
		if j := len(b) - n + i; j >= 0 {
			db = b[j]
		}
		switch {
		case da == db:
			out[i] = da
		case da == 1:
			out[i] = db
		case db == 1:
			out[i] = da
		default:
			return nil, fmt.Errorf("shapes %s and %s are not broadcastable", engine.FormatShape(a), engine.FormatShape(b))
		}
	}
	return out, nil
}

// broadcastStrides returns strides for reading shape as if it had outShape,
// with zero strides on broadcast dimensions.
func broadcastStrides(shape, outShape []int64) []int {
	strides := make([]int, len(outShape))
	stride := 1
	for i := len(outShape) - 1; i >= 0; i-- {
		j := len(shape) - len(outShape) + i
		if j < 0 {
			continue
		}
		if shape[j] != 1 {
			strides[i] = stride
		}
		stride *= int(shape[j])
	}
	return strides
}

// Binary applies fn elementwise with broadcasting.
func Binary(a, b *Tensor, fn func(x, y float32) float32) (*Tensor, error) {
	if sameSize(a, b) {
		out := &Tensor{Shape: slices.Clone(a.Shape), Data: make([]float32, len(a.Data))}
		for i := range a.Data {
			out.Data[i] = fn(a.Data[i], b.Data[i])
		}
		return out, nil
	}

	shape, err := BroadcastShape(a.Shape, b.Shape)
	if err != nil {
		return nil, err
	}
	size := numElements(shape)
	if size < 0 {
		return nil, fmt.Errorf("broadcast of %s and %s is too large", engine.FormatShape(a.Shape), engine.FormatShape(b.Shape))
	}
	out := &Tensor{Shape: shape, Data: make([]float32, size)}
	sa := broadcastStrides(a.Shape, shape)
	sb := broadcastStrides(b.Shape, shape)
	index := make([]int64, len(shape))
	for i := range out.Data {
		ia, ib := 0, 0
		for d := range index {
			ia += int(index[d]) * sa[d]
			ib += int(index[d]) * sb[d]
		}
		out.Data[i] = fn(a.Data[ia], b.Data[ib])
		for d := len(index) - 1; d >= 0; d-- {
			index[d]++
			if index[d] < shape[d] {
				break
			}
			index[d] = 0
		}
	}
	return out, nil
}

func Add(a, b *Tensor) (*Tensor, error) {
	return Binary(a, b, func(x, y float32) float32 { return x + y })
}

func Sub(a, b *Tensor) (*Tensor, error) {
	return Binary(a, b, func(x, y float32) float32 { return x - y })
}

func Mul(a, b *Tensor) (*Tensor, error) {
	return Binary(a, b, func(x, y float32) float32 { return x * y })
}

func Div(a, b *Tensor) (*Tensor, error) {
	return Binary(a, b, func(x, y float32) float32 { return x / y })
}

// Unary applies fn to every element.
func Unary(t *Tensor, fn func(x float32) float32) *Tensor {
	out := &Tensor{Shape: slices.Clone(t.Shape), Data: make([]float32, len(t.Data))}
	for i, v := range t.Data {
		out.Data[i] = fn(v)
	}
	return out
}

func Relu(t *Tensor) *Tensor {
	return Unary(t, func(x float32) float32 { return max(x, 0) })
}

func Relu6(t *Tensor) *Tensor {
	return Clip(t, 0, 6)
}

func Clip(t *Tensor, lo, hi float32) *Tensor {
	return Unary(t, func(x float32) float32 { return min(max(x, lo), hi) })
}

func Sigmoid(t *Tensor) *Tensor {
	return Unary(t, func(x float32) float32 { return float32(1 / (1 + math.Exp(-float64(x)))) })
}

func Tanh(t *Tensor) *Tensor {
	return Unary(t, func(x float32) float32 { return float32(math.Tanh(float64(x))) })
}

// Activation names a fused activation applied after an op.
type Activation int

const (
	ActivationNone Activation = iota
	ActivationRelu
	ActivationReluN1To1
	ActivationRelu6
	ActivationTanh
)

func (a Activation) Apply(t *Tensor) (*Tensor, error) {
	switch a {
	case ActivationNone:
		return t, nil
	case ActivationRelu:
		return Relu(t), nil
	case ActivationReluN1To1:
		return Clip(t, -1, 1), nil
	case ActivationRelu6:
		return Relu6(t), nil
	case ActivationTanh:
		return Tanh(t), nil
	}
	return nil, fmt.Errorf("unsupported fused activation %d", a)
}

// MatMul multiplies a by b. a may carry leading batch dimensions, which are
// folded into its rows; b must be 2-D.
func MatMul(a, b *Tensor, transposeA, transposeB bool) (*Tensor, error) {
	if b.NDimensions() != 2 {
		return nil, fmt.Errorf("matmul: right operand must be 2-D, got %s", engine.FormatShape(b.Shape))
	}
	if a.NDimensions() < 2 {
		return nil, fmt.Errorf("matmul: left operand must be at least 2-D, got %s", engine.FormatShape(a.Shape))
	}
	if transposeA && a.NDimensions() != 2 {
		return nil, fmt.Errorf("matmul: transposed left operand must be 2-D")
	}

	rank := a.NDimensions()
	m, k := int(a.Shape[rank-2]), int(a.Shape[rank-1])
	batch := numElements(a.Shape[:rank-2])
	if transposeA {
		m, k = k, m
	}
	kb, n := int(b.Shape[0]), int(b.Shape[1])
	if transposeB {
		kb, n = n, kb
	}
	if k != kb {
		return nil, fmt.Errorf("matmul: inner dimensions differ: %s x %s", engine.FormatShape(a.Shape), engine.FormatShape(b.Shape))
	}

	shape := slices.Clone(a.Shape)
	shape[rank-2], shape[rank-1] = int64(m), int64(n)
	if err := engine.CheckShape(shape); err != nil {
		return nil, fmt.Errorf("matmul: %w", err)
	}
	out := &Tensor{Shape: shape, Data: make([]float32, batch*m*n)}

	for bi := 0; bi < batch; bi++ {
		aBase := bi * m * k
		oBase := bi * m * n
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				var sum float32
				for p := 0; p < k; p++ {
					var av, bv float32
					if transposeA {
						av = a.Data[p*m+i]
					} else {
						av = a.Data[aBase+i*k+p]
					}
					if transposeB {
						bv = b.Data[j*k+p]
					} else {
						bv = b.Data[p*n+j]
					}
					sum += av * bv
				}
				out.Data[oBase+i*n+j] = sum
			}
		}
	}
	return out, nil
}

// Gemm computes alpha*A'*B' + beta*C with C broadcast to the result.
func Gemm(a, b, c *Tensor, alpha, beta float32, transposeA, transposeB bool) (*Tensor, error) {
	if a.NDimensions() != 2 {
		return nil, fmt.Errorf("gemm: A must be 2-D, got %s", engine.FormatShape(a.Shape))
	}
	out, err := MatMul(a, b, transposeA, transposeB)
	if err != nil {
		return nil, err
	}
	if alpha != 1 {
		out = Unary(out, func(x float32) float32 { return alpha * x })
	}
	if c == nil {
		return out, nil
	}
	return Binary(out, c, func(x, y float32) float32 { return x + beta*y })
}

// Softmax normalizes along a single axis; negative axes count from the end.
func Softmax(t *Tensor, axis int) (*Tensor, error) {
	rank := t.NDimensions()
	if rank == 0 {
		return Unary(t, func(float32) float32 { return 1 }), nil
	}
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return nil, fmt.Errorf("softmax: axis %d out of range for rank %d", axis, rank)
	}
	outer := numElements(t.Shape[:axis])
	size := int(t.Shape[axis])
	inner := numElements(t.Shape[axis+1:])

	out := &Tensor{Shape: slices.Clone(t.Shape), Data: make([]float32, len(t.Data))}
	for o := 0; o < outer; o++ {
		for in := 0; in < inner; in++ {
			base := o*size*inner + in
			maxValue := float32(math.Inf(-1))
			for s := 0; s < size; s++ {
				maxValue = max(maxValue, t.Data[base+s*inner])
			}
			var sum float64
			for s := 0; s < size; s++ {
				e := math.Exp(float64(t.Data[base+s*inner] - maxValue))
				out.Data[base+s*inner] = float32(e)
				sum += e
			}
			for s := 0; s < size; s++ {
				out.Data[base+s*inner] = float32(float64(out.Data[base+s*inner]) / sum)
			}
		}
	}
	return out, nil
}

// SoftmaxFlattened treats dimensions from axis onwards as one row, as ONNX
// opsets before 13 do.
func SoftmaxFlattened(t *Tensor, axis int) (*Tensor, error) {
	flat, err := Flatten(t, axis)
	if err != nil {
		return nil, err
	}
	out, err := Softmax(flat, 1)
	if err != nil {
		return nil, err
	}
	out.Shape = slices.Clone(t.Shape)
	return out, nil
}

// ScaleLogits multiplies by beta, as TFLite's softmax does before normalizing.
func ScaleLogits(t *Tensor, beta float32) *Tensor {
	if beta == 1 {
		return t
	}
	return Unary(t, func(x float32) float32 { return beta * x })
}

// Reshape resolves a target shape and returns a tensor sharing t's data.
// A -1 entry is inferred; a 0 entry copies the input dimension unless
// allowZero is set.
func Reshape(t *Tensor, target []int64, allowZero bool) (*Tensor, error) {
	shape := slices.Clone(target)
	infer := -1
	known := 1
	for i, dim := range shape {
		switch {
		case dim == -1:
			if infer >= 0 {
				return nil, fmt.Errorf("reshape: more than one -1 in %v", target)
			}
			infer = i
			continue
		case dim == 0 && !allowZero:
			if i >= len(t.Shape) {
				return nil, fmt.Errorf("reshape: 0 at index %d exceeds input rank %d", i, len(t.Shape))
			}
			shape[i] = t.Shape[i]
		case dim < 0:
			return nil, fmt.Errorf("reshape: invalid dimension %d", dim)
		}
		known *= int(shape[i])
	}
	if err := engine.CheckShape(shape); err != nil {
		return nil, fmt.Errorf("reshape: %w", err)
	}
	if infer >= 0 {
		if known == 0 || len(t.Data)%known != 0 {
			return nil, fmt.Errorf("reshape: cannot infer dimension for %d elements into %v", len(t.Data), target)
		}
		shape[infer] = int64(len(t.Data) / known)
		known *= int(shape[infer])
	}
	if known != len(t.Data) {
		return nil, fmt.Errorf("reshape: %d elements do not fit shape %v", len(t.Data), shape)
	}
	return &Tensor{Shape: shape, Data: t.Data}, nil
}

// Flatten reshapes to 2-D, splitting the dimensions at axis.
func Flatten(t *Tensor, axis int) (*Tensor, error) {
	rank := t.NDimensions()
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis > rank {
		return nil, fmt.Errorf("flatten: axis %d out of range for rank %d", axis, rank)
	}
	outer := numElements(t.Shape[:axis])
	inner := numElements(t.Shape[axis:])
	return &Tensor{Shape: []int64{int64(outer), int64(inner)}, Data: t.Data}, nil
}

// Squeeze removes the given size-1 axes, or all of them if axes is empty.
func Squeeze(t *Tensor, axes []int64) (*Tensor, error) {
	rank := int64(t.NDimensions())
	drop := make(map[int64]bool)
	for _, axis := range axes {
		if axis < 0 {
			axis += rank
		}
		if axis < 0 || axis >= rank {
			return nil, fmt.Errorf("squeeze: axis %d out of range for rank %d", axis, rank)
		}
		if t.Shape[axis] != 1 {
			return nil, fmt.Errorf("squeeze: dimension %d has size %d", axis, t.Shape[axis])
		}
		drop[axis] = true
	}
	var shape []int64
	for i, dim := range t.Shape {
		if len(axes) == 0 && dim == 1 || drop[int64(i)] {
			continue
		}
		shape = append(shape, dim)
	}
	if shape == nil {
		shape = []int64{}
	}
	return &Tensor{Shape: shape, Data: t.Data}, nil
}

// Transpose2D swaps the two dimensions of a matrix.
func Transpose2D(t *Tensor) (*Tensor, error) {
	if t.NDimensions() != 2 {
		return nil, fmt.Errorf("transpose: only 2-D tensors are supported, got %s", engine.FormatShape(t.Shape))
	}
	rows, cols := int(t.Shape[0]), int(t.Shape[1])
	out := &Tensor{Shape: []int64{int64(cols), int64(rows)}, Data: make([]float32, len(t.Data))}
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out.Data[j*rows+i] = t.Data[i*cols+j]
		}
	}
	return out, nil
}
