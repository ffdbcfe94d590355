package engine

import (
	"fmt"
	"math"
	"slices"
	"strings"
)

type ElementType int

const (
	Unknown ElementType = iota
	Float32
	Float64
	Int8
	Int32
	Int64
	Uint8
	Bool
	String
)

func (t ElementType) String() string {
	switch t {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Int8:
		return "int8"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Uint8:
		return "uint8"
	case Bool:
		return "bool"
	case String:
		return "string"
	default:
		return "unknown"
	}
}

// Size is the width in bytes of one element, or 0 for variable-width types.
func (t ElementType) Size() int {
	switch t {
	case Float32, Int32:
		return 4
	case Float64, Int64:
		return 8
	case Int8, Uint8, Bool:
		return 1
	default:
		return 0
	}
}

// Ownership records who owns the memory behind an output after a run.
type Ownership int

const (
	// Copied outputs are written into the caller's own storage.
	Copied Ownership = iota
	// Borrowed outputs are rebound to engine memory with FeatureBuffer.SetData.
	Borrowed
)

func (o Ownership) String() string {
	if o == Borrowed {
		return "borrowed"
	}
	return "copied"
}

type TensorDescriptor struct {
	Name  string
	Shape []int64
	// ElementCount is the product of Shape, or 0 while any dimension is unresolved.
	ElementCount int
	ElementType  ElementType
	Binding      Ownership
}

// NewDescriptor builds a descriptor and computes its element count from shape.
func NewDescriptor(name string, shape []int64, elementType ElementType) TensorDescriptor {
	return TensorDescriptor{
		Name:         name,
		Shape:        slices.Clone(shape),
		ElementCount: ElementCount(shape),
		ElementType:  elementType,
	}
}

// Dynamic reports whether the descriptor's shape is only known at run time.
func (d TensorDescriptor) Dynamic() bool {
	return !Resolved(d.Shape)
}

func (d TensorDescriptor) String() string {
	return fmt.Sprintf("%s%s %s", d.Name, FormatShape(d.Shape), d.ElementType)
}

// Resolved reports whether every dimension is known. Scalars are resolved.
func Resolved(shape []int64) bool {
	for _, dim := range shape {
		if dim <= 0 {
			return false
		}
	}
	return true
}

// MaxElements bounds the number of elements in a single tensor.
const MaxElements = math.MaxInt32

// CheckShape reports an error if the resolved dimensions of shape multiply
// past MaxElements. Unresolved dimensions are skipped.
func CheckShape(shape []int64) error {
	n := int64(1)
	for _, dim := range shape {
		if dim <= 0 {
			continue
		}
		if dim > MaxElements || n > MaxElements/dim {
			return fmt.Errorf("shape %s holds more than %d elements", FormatShape(shape), MaxElements)
		}
		n *= dim
	}
	return nil
}

// ElementCount returns the product of shape, or 0 if any dimension is
// unresolved. Shapes rejected by CheckShape also count as 0.
func ElementCount(shape []int64) int {
	if !Resolved(shape) || CheckShape(shape) != nil {
		return 0
	}
	n := 1
	for _, dim := range shape {
		n *= int(dim)
	}
	return n
}

// ResolveLeading fills in an unresolved leading dimension from a buffer of
// length n. Every other dimension must be resolved and n must hold a whole
// number of rows.
func ResolveLeading(shape []int64, n int) ([]int64, error) {
	if len(shape) == 0 {
		return nil, fmt.Errorf("cannot resolve scalar shape")
	}
	rest := shape[1:]
	if !Resolved(rest) {
		return nil, fmt.Errorf("shape %s has unresolved inner dimensions", FormatShape(shape))
	}
	row := ElementCount(rest)
	if row == 0 {
		return nil, fmt.Errorf("shape %s has no elements per row", FormatShape(shape))
	}
	if n == 0 || n%row != 0 {
		return nil, fmt.Errorf("buffer of %d elements is not a whole number of rows of %d for shape %s", n, row, FormatShape(shape))
	}
	resolved := make([]int64, len(shape))
	resolved[0] = int64(n / row)
	copy(resolved[1:], rest)
	return resolved, nil
}

func FormatShape(shape []int64) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, dim := range shape {
		if i > 0 {
			sb.WriteByte(',')
		}
		if dim < 0 {
			sb.WriteByte('?')
		} else {
			fmt.Fprintf(&sb, "%d", dim)
		}
	}
	sb.WriteByte(']')
	return sb.String()
}

// Shapes, Sizes and Names project a descriptor list for the Engine accessors.

func Shapes(descriptors []TensorDescriptor) [][]int64 {
	shapes := make([][]int64, len(descriptors))
	for i := range descriptors {
		shapes[i] = slices.Clone(descriptors[i].Shape)
	}
	return shapes
}

func Sizes(descriptors []TensorDescriptor) []int {
	sizes := make([]int, len(descriptors))
	for i := range descriptors {
		sizes[i] = descriptors[i].ElementCount
	}
	return sizes
}

func Names(descriptors []TensorDescriptor) []string {
	names := make([]string, len(descriptors))
	for i := range descriptors {
		names[i] = descriptors[i].Name
	}
	return names
}

func CloneDescriptors(descriptors []TensorDescriptor) []TensorDescriptor {
	out := make([]TensorDescriptor, len(descriptors))
	for i, d := range descriptors {
		d.Shape = slices.Clone(d.Shape)
		out[i] = d
	}
	return out
}
