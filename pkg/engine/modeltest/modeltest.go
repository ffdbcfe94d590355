// Package modeltest builds small ONNX, GraphDef and TFLite models for tests,
// so no binary fixtures need to be checked in.
package modeltest

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

// The reference dense model maps DenseIn features to DenseOut classes.
const (
	DenseIn  = 4
	DenseOut = 3
)

// DenseWeights returns W laid out [DenseIn, DenseOut].
func DenseWeights() []float32 {
	return []float32{
		0.5, -1, 0.25,
		1, 0.5, -0.5,
		-0.25, 1, 0.75,
		0.1, 0.2, 0.3,
	}
}

// DenseWeightsTransposed returns W laid out [DenseOut, DenseIn].
func DenseWeightsTransposed() []float32 {
	w := DenseWeights()
	out := make([]float32, len(w))
	for i := 0; i < DenseIn; i++ {
		for j := 0; j < DenseOut; j++ {
			out[j*DenseIn+i] = w[i*DenseOut+j]
		}
	}
	return out
}

func DenseBias() []float32 {
	return []float32{0.1, -0.2, 0.3}
}

// DenseReference computes the expected outputs for a batch of rows.
func DenseReference(x []float32) (logits, probs []float32) {
	w := DenseWeights()
	b := DenseBias()
	rows := len(x) / DenseIn
	logits = make([]float32, rows*DenseOut)
	probs = make([]float32, rows*DenseOut)
	for r := 0; r < rows; r++ {
		for j := 0; j < DenseOut; j++ {
			var sum float32
			for i := 0; i < DenseIn; i++ {
				sum += x[r*DenseIn+i] * w[i*DenseOut+j]
			}
			logits[r*DenseOut+j] = sum + b[j]
		}
		maxValue := float32(math.Inf(-1))
		for j := 0; j < DenseOut; j++ {
			maxValue = max(maxValue, logits[r*DenseOut+j])
		}
		var total float64
		for j := 0; j < DenseOut; j++ {
			total += math.Exp(float64(logits[r*DenseOut+j] - maxValue))
		}
		for j := 0; j < DenseOut; j++ {
			probs[r*DenseOut+j] = float32(math.Exp(float64(logits[r*DenseOut+j]-maxValue)) / total)
		}
	}
	return logits, probs
}

// Ramp returns n deterministic input values.
func Ramp(n int) []float32 {
	values := make([]float32, n)
	for i := range values {
		values[i] = float32(i%7)*0.25 - 0.5
	}
	return values
}

// WriteFile writes data into a per-test temporary directory.
func WriteFile(t testing.TB, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, data, 0644); err != nil {
		t.Fatalf("writing %s: %v", p, err)
	}
	return p
}

// FloatingPointEqual compares with an absolute tolerance of 1e-5.
func FloatingPointEqual(a, b []float32) bool {
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

func float32Bytes(values []float32) []byte {
	b := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return b
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
