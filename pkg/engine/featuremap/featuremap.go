// Package featuremap provides a FeatureBuffer backed by a Go slice.
package featuremap

import (
	"fmt"

	"k8s.io/examples/AI/modelrunner/pkg/engine"
)

// FeatureMap owns a fixed-capacity float32 slice. After an engine rebinds
// it with SetData, Data returns the engine's memory until Reset.
type FeatureMap struct {
	owned []float32
	data  []float32
}

var _ engine.FeatureBuffer = &FeatureMap{}

func New(size int) *FeatureMap {
	owned := make([]float32, size)
	return &FeatureMap{owned: owned, data: owned}
}

// FromSlice wraps values without copying.
func FromSlice(values []float32) *FeatureMap {
	return &FeatureMap{owned: values, data: values}
}

// ForSizes allocates one buffer per element count. Zero counts
// get fallbackSize elements.
func ForSizes(sizes []int, fallbackSize int) []*FeatureMap {
	maps := make([]*FeatureMap, len(sizes))
	for i, n := range sizes {
		if n == 0 {
			n = fallbackSize
		}
		maps[i] = New(n)
	}
	return maps
}

// Buffers converts to the slice type RunInference takes.
func Buffers(maps []*FeatureMap) []engine.FeatureBuffer {
	buffers := make([]engine.FeatureBuffer, len(maps))
	for i, m := range maps {
		buffers[i] = m
	}
	return buffers
}

func (f *FeatureMap) Data() []float32 {
	return f.data
}

func (f *FeatureMap) SetData(src []float32) {
	f.data = src
}

// Borrowed reports whether the map currently aliases engine memory.
func (f *FeatureMap) Borrowed() bool {
	if len(f.data) == 0 || len(f.owned) == 0 {
		return len(f.data) != len(f.owned)
	}
	return &f.data[0] != &f.owned[0]
}

// Reset drops any engine alias and returns to the owned storage.
func (f *FeatureMap) Reset() {
	f.data = f.owned
}

// CopyFrom fills the owned storage from src.
func (f *FeatureMap) CopyFrom(src []float32) error {
	if len(src) > len(f.owned) {
		return fmt.Errorf("source has %d elements, capacity is %d", len(src), len(f.owned))
	}
	f.data = f.owned
	copy(f.owned, src)
	return nil
}

// CopyTo copies the current contents into dst and returns the count copied.
func (f *FeatureMap) CopyTo(dst []float32) int {
	return copy(dst, f.data)
}

func (f *FeatureMap) Len() int {
	return len(f.data)
}
