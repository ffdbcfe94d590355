package fallback

import (
	"math"
	"slices"
	"testing"
)

func mustTensor(t *testing.T, shape []int64, data []float32) *Tensor {
	t.Helper()
	tensor, err := FromData(shape, data)
	if err != nil {
		t.Fatalf("building tensor: %v", err)
	}
	return tensor
}

func floatingPointEqual(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i, value := range a {
		if math.Abs(float64(value-b[i])) > 0.00001 {
			return false
		}
	}
	return true
}

func TestBroadcastAdd(t *testing.T) {
	a := mustTensor(t, []int64{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	b := mustTensor(t, []int64{3}, []float32{10, 20, 30})

	got, err := Add(a, b)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !slices.Equal(got.Shape, []int64{2, 3}) {
		t.Errorf("shape = %v, want [2 3]", got.Shape)
	}
	want := []float32{11, 22, 33, 14, 25, 36}
	if !floatingPointEqual(got.Data, want) {
		t.Errorf("expected %+v, got %+v", want, got.Data)
	}
}

func TestBroadcastColumn(t *testing.T) {
	a := mustTensor(t, []int64{2, 1}, []float32{1, 2})
	b := mustTensor(t, []int64{1, 3}, []float32{10, 20, 30})

	got, err := Mul(a, b)
	if err != nil {
		t.Fatalf("mul: %v", err)
	}
	want := []float32{10, 20, 30, 20, 40, 60}
	if !slices.Equal(got.Shape, []int64{2, 3}) || !floatingPointEqual(got.Data, want) {
		t.Errorf("got %v %v, want [2 3] %v", got.Shape, got.Data, want)
	}
}

func TestBroadcastIncompatible(t *testing.T) {
	a := mustTensor(t, []int64{2}, []float32{1, 2})
	b := mustTensor(t, []int64{3}, []float32{1, 2, 3})
	if _, err := Sub(a, b); err == nil {
		t.Fatalf("expected error for incompatible shapes")
	}
}

func TestMatMul(t *testing.T) {
	a := mustTensor(t, []int64{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	b := mustTensor(t, []int64{3, 2}, []float32{7, 8, 9, 10, 11, 12})

	got, err := MatMul(a, b, false, false)
	if err != nil {
		t.Fatalf("matmul: %v", err)
	}
	want := []float32{58, 64, 139, 154}
	if !slices.Equal(got.Shape, []int64{2, 2}) || !floatingPointEqual(got.Data, want) {
		t.Errorf("got %v %v, want [2 2] %v", got.Shape, got.Data, want)
	}

	bt, err := Transpose2D(b)
	if err != nil {
		t.Fatalf("transpose: %v", err)
	}
	got, err = MatMul(a, bt, false, true)
	if err != nil {
		t.Fatalf("matmul transposed: %v", err)
	}
	if !floatingPointEqual(got.Data, want) {
		t.Errorf("transposed: expected %+v, got %+v", want, got.Data)
	}

	at, err := Transpose2D(a)
	if err != nil {
		t.Fatalf("transpose: %v", err)
	}
	got, err = MatMul(at, b, true, false)
	if err != nil {
		t.Fatalf("matmul transposed a: %v", err)
	}
	if !floatingPointEqual(got.Data, want) {
		t.Errorf("transposed a: expected %+v, got %+v", want, got.Data)
	}
}

func TestMatMulBatched(t *testing.T) {
	a := mustTensor(t, []int64{2, 1, 2}, []float32{1, 2, 3, 4})
	b := mustTensor(t, []int64{2, 1}, []float32{1, 1})

	got, err := MatMul(a, b, false, false)
	if err != nil {
		t.Fatalf("matmul: %v", err)
	}
	if !slices.Equal(got.Shape, []int64{2, 1, 1}) || !floatingPointEqual(got.Data, []float32{3, 7}) {
		t.Errorf("got %v %v", got.Shape, got.Data)
	}
}

func TestMatMulInnerMismatch(t *testing.T) {
	a := mustTensor(t, []int64{1, 2}, []float32{1, 2})
	b := mustTensor(t, []int64{3, 1}, []float32{1, 2, 3})
	if _, err := MatMul(a, b, false, false); err == nil {
		t.Fatalf("expected error for mismatched inner dimensions")
	}
}

func TestMatMulTooLarge(t *testing.T) {
	column := mustTensor(t, []int64{1 << 16, 1}, make([]float32, 1<<16))
	row := mustTensor(t, []int64{1, 1 << 16}, make([]float32, 1<<16))
	if _, err := MatMul(column, row, false, false); err == nil {
		t.Errorf("expected error for a 2^32-element product")
	}
}

func TestGemm(t *testing.T) {
	a := mustTensor(t, []int64{1, 2}, []float32{1, 2})
	b := mustTensor(t, []int64{2, 2}, []float32{1, 0, 0, 1})
	c := mustTensor(t, []int64{2}, []float32{1, 1})

	got, err := Gemm(a, b, c, 2, 0.5, false, false)
	if err != nil {
		t.Fatalf("gemm: %v", err)
	}
	if !floatingPointEqual(got.Data, []float32{2.5, 4.5}) {
		t.Errorf("got %v", got.Data)
	}
}

func TestSoftmax(t *testing.T) {
	in := mustTensor(t, []int64{2, 2}, []float32{0, 0, 0, float32(math.Log(3))})

	got, err := Softmax(in, -1)
	if err != nil {
		t.Fatalf("softmax: %v", err)
	}
	want := []float32{0.5, 0.5, 0.25, 0.75}
	if !floatingPointEqual(got.Data, want) {
		t.Errorf("expected %+v, got %+v", want, got.Data)
	}

	got, err = Softmax(in, 0)
	if err != nil {
		t.Fatalf("softmax axis 0: %v", err)
	}
	want = []float32{0.5, 0.25, 0.5, 0.75}
	if !floatingPointEqual(got.Data, want) {
		t.Errorf("axis 0: expected %+v, got %+v", want, got.Data)
	}

	got, err = SoftmaxFlattened(in, 0)
	if err != nil {
		t.Fatalf("softmax flattened: %v", err)
	}
	var sum float32
	for _, v := range got.Data {
		sum += v
	}
	if math.Abs(float64(sum-1)) > 0.00001 {
		t.Errorf("flattened softmax sums to %v", sum)
	}
}

func TestActivations(t *testing.T) {
	in := mustTensor(t, []int64{4}, []float32{-2, -0.5, 0.5, 8})

	tests := []struct {
		name       string
		activation Activation
		want       []float32
	}{
		{"none", ActivationNone, []float32{-2, -0.5, 0.5, 8}},
		{"relu", ActivationRelu, []float32{0, 0, 0.5, 8}},
		{"relu-n1-to-1", ActivationReluN1To1, []float32{-1, -0.5, 0.5, 1}},
		{"relu6", ActivationRelu6, []float32{0, 0, 0.5, 6}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.activation.Apply(in)
			if err != nil {
				t.Fatalf("apply: %v", err)
			}
			if !floatingPointEqual(got.Data, tc.want) {
				t.Errorf("expected %+v, got %+v", tc.want, got.Data)
			}
		})
	}

	if got := Sigmoid(mustTensor(t, []int64{1}, []float32{0})); got.Data[0] != 0.5 {
		t.Errorf("sigmoid(0) = %v", got.Data[0])
	}
}

func TestReshape(t *testing.T) {
	in := mustTensor(t, []int64{2, 3}, []float32{1, 2, 3, 4, 5, 6})

	tests := []struct {
		target    []int64
		allowZero bool
		want      []int64
		wantErr   bool
	}{
		{target: []int64{3, 2}, want: []int64{3, 2}},
		{target: []int64{-1}, want: []int64{6}},
		{target: []int64{0, -1}, want: []int64{2, 3}},
		{target: []int64{-1, 2}, want: []int64{3, 2}},
		{target: []int64{4, -1}, wantErr: true},
		{target: []int64{-1, -1}, wantErr: true},
		{target: []int64{7}, wantErr: true},
		// The product wraps around to 6 in int64 arithmetic.
		{target: []int64{2, 3, math.MaxInt64, math.MaxInt64}, wantErr: true},
	}
	for _, tc := range tests {
		got, err := Reshape(in, tc.target, tc.allowZero)
		if tc.wantErr {
			if err == nil {
				t.Errorf("reshape %v: expected error, got %v", tc.target, got.Shape)
			}
			continue
		}
		if err != nil {
			t.Errorf("reshape %v: %v", tc.target, err)
			continue
		}
		if !slices.Equal(got.Shape, tc.want) {
			t.Errorf("reshape %v: shape = %v, want %v", tc.target, got.Shape, tc.want)
		}
	}
}

func TestFlattenAndSqueeze(t *testing.T) {
	in := mustTensor(t, []int64{1, 2, 1, 3}, make([]float32, 6))

	flat, err := Flatten(in, 2)
	if err != nil {
		t.Fatalf("flatten: %v", err)
	}
	if !slices.Equal(flat.Shape, []int64{2, 3}) {
		t.Errorf("flatten shape = %v", flat.Shape)
	}

	squeezed, err := Squeeze(in, nil)
	if err != nil {
		t.Fatalf("squeeze: %v", err)
	}
	if !slices.Equal(squeezed.Shape, []int64{2, 3}) {
		t.Errorf("squeeze shape = %v", squeezed.Shape)
	}

	squeezed, err = Squeeze(in, []int64{-2})
	if err != nil {
		t.Fatalf("squeeze axis: %v", err)
	}
	if !slices.Equal(squeezed.Shape, []int64{1, 2, 3}) {
		t.Errorf("squeeze axis shape = %v", squeezed.Shape)
	}

	if _, err := Squeeze(in, []int64{1}); err == nil {
		t.Errorf("expected error squeezing a dimension of size 2")
	}
}

func TestFromDataValidates(t *testing.T) {
	if _, err := FromData([]int64{2, 2}, []float32{1, 2, 3}); err == nil {
		t.Errorf("expected error for short data")
	}
	if _, err := FromData([]int64{-1, 2}, []float32{1, 2}); err == nil {
		t.Errorf("expected error for unresolved shape")
	}
	if _, err := FromData([]int64{1 << 62, 4}, nil); err == nil {
		t.Errorf("expected error for oversized shape")
	}
	empty, err := FromData([]int64{0, 3}, nil)
	if err != nil {
		t.Fatalf("zero-sized tensor: %v", err)
	}
	if empty.Len() != 0 {
		t.Errorf("zero-sized tensor has %d elements", empty.Len())
	}
}
