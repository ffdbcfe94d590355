package onnx

import (
	"fmt"
	"math"
	"sort"

	"k8s.io/examples/AI/modelrunner/pkg/engine/fallback"
)

// operatorBuilder turns a node into a kernel. opset is the model's default
// domain version.
type operatorBuilder func(node *Node, opset int64) (fallback.Kernel, error)

var operators = map[string]operatorBuilder{
	"Add":       binaryOp(fallback.Add),
	"Sub":       binaryOp(fallback.Sub),
	"Mul":       binaryOp(fallback.Mul),
	"Div":       binaryOp(fallback.Div),
	"Relu":      unary(fallback.Relu),
	"Sigmoid":   unary(fallback.Sigmoid),
	"Tanh":      unary(fallback.Tanh),
	"Identity":  unary(func(t *fallback.Tensor) *fallback.Tensor { return t }),
	"MatMul":    buildMatMul,
	"Gemm":      buildGemm,
	"Softmax":   buildSoftmax,
	"Reshape":   buildReshape,
	"Flatten":   buildFlatten,
	"Clip":      buildClip,
	"Transpose": buildTranspose,
}

// SupportedOperators lists the op types the interpreter can run.
func SupportedOperators() []string {
	names := make([]string, 0, len(operators))
	for name := range operators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func attrInt(node *Node, name string, def int64) int64 {
	if a, ok := node.Attributes[name]; ok {
		return a.I
	}
	return def
}

func attrFloat(node *Node, name string, def float32) float32 {
	if a, ok := node.Attributes[name]; ok {
		return a.F
	}
	return def
}

func binaryOp(fn func(a, b *fallback.Tensor) (*fallback.Tensor, error)) operatorBuilder {
	return func(node *Node, opset int64) (fallback.Kernel, error) {
		if len(node.Inputs) != 2 {
			return nil, fmt.Errorf("expected 2 inputs, got %d", len(node.Inputs))
		}
		return func(inputs []*fallback.Tensor) ([]*fallback.Tensor, error) {
			out, err := fn(inputs[0], inputs[1])
			if err != nil {
				return nil, err
			}
			return []*fallback.Tensor{out}, nil
		}, nil
	}
}

func unary(fn func(t *fallback.Tensor) *fallback.Tensor) operatorBuilder {
	return func(node *Node, opset int64) (fallback.Kernel, error) {
		if len(node.Inputs) < 1 {
			return nil, fmt.Errorf("expected 1 input")
		}
		return func(inputs []*fallback.Tensor) ([]*fallback.Tensor, error) {
			return []*fallback.Tensor{fn(inputs[0])}, nil
		}, nil
	}
}

func buildMatMul(node *Node, opset int64) (fallback.Kernel, error) {
	if len(node.Inputs) != 2 {
		return nil, fmt.Errorf("expected 2 inputs, got %d", len(node.Inputs))
	}
	return func(inputs []*fallback.Tensor) ([]*fallback.Tensor, error) {
		out, err := fallback.MatMul(inputs[0], inputs[1], false, false)
		if err != nil {
			return nil, err
		}
		return []*fallback.Tensor{out}, nil
	}, nil
}

func buildGemm(node *Node, opset int64) (fallback.Kernel, error) {
	if len(node.Inputs) < 2 {
		return nil, fmt.Errorf("expected at least 2 inputs, got %d", len(node.Inputs))
	}
	alpha := attrFloat(node, "alpha", 1)
	beta := attrFloat(node, "beta", 1)
	transA := attrInt(node, "transA", 0) != 0
	transB := attrInt(node, "transB", 0) != 0
	return func(inputs []*fallback.Tensor) ([]*fallback.Tensor, error) {
		var c *fallback.Tensor
		if len(inputs) > 2 {
			c = inputs[2]
		}
		out, err := fallback.Gemm(inputs[0], inputs[1], c, alpha, beta, transA, transB)
		if err != nil {
			return nil, err
		}
		return []*fallback.Tensor{out}, nil
	}, nil
}

func buildSoftmax(node *Node, opset int64) (fallback.Kernel, error) {
	if opset != 0 && opset < 13 {
		axis := int(attrInt(node, "axis", 1))
		return func(inputs []*fallback.Tensor) ([]*fallback.Tensor, error) {
			out, err := fallback.SoftmaxFlattened(inputs[0], axis)
			if err != nil {
				return nil, err
			}
			return []*fallback.Tensor{out}, nil
		}, nil
	}
	axis := int(attrInt(node, "axis", -1))
	return func(inputs []*fallback.Tensor) ([]*fallback.Tensor, error) {
		out, err := fallback.Softmax(inputs[0], axis)
		if err != nil {
			return nil, err
		}
		return []*fallback.Tensor{out}, nil
	}, nil
}

func buildReshape(node *Node, opset int64) (fallback.Kernel, error) {
	allowZero := attrInt(node, "allowzero", 0) != 0
	if len(node.Inputs) < 2 {
		shape, ok := node.Attributes["shape"]
		if !ok {
			return nil, fmt.Errorf("reshape needs a shape input or attribute")
		}
		return func(inputs []*fallback.Tensor) ([]*fallback.Tensor, error) {
			out, err := fallback.Reshape(inputs[0], shape.Ints, allowZero)
			if err != nil {
				return nil, err
			}
			return []*fallback.Tensor{out}, nil
		}, nil
	}
	return func(inputs []*fallback.Tensor) ([]*fallback.Tensor, error) {
		out, err := fallback.Reshape(inputs[0], inputs[1].Ints(), allowZero)
		if err != nil {
			return nil, err
		}
		return []*fallback.Tensor{out}, nil
	}, nil
}

func buildFlatten(node *Node, opset int64) (fallback.Kernel, error) {
	axis := int(attrInt(node, "axis", 1))
	return func(inputs []*fallback.Tensor) ([]*fallback.Tensor, error) {
		out, err := fallback.Flatten(inputs[0], axis)
		if err != nil {
			return nil, err
		}
		return []*fallback.Tensor{out}, nil
	}, nil
}

func buildClip(node *Node, opset int64) (fallback.Kernel, error) {
	lo := float32(math.Inf(-1))
	hi := float32(math.Inf(1))
	if opset != 0 && opset < 11 {
		lo = attrFloat(node, "min", lo)
		hi = attrFloat(node, "max", hi)
		return func(inputs []*fallback.Tensor) ([]*fallback.Tensor, error) {
			return []*fallback.Tensor{fallback.Clip(inputs[0], lo, hi)}, nil
		}, nil
	}
	return func(inputs []*fallback.Tensor) ([]*fallback.Tensor, error) {
		l, h := lo, hi
		if len(inputs) > 1 && inputs[1] != nil {
			l = inputs[1].Data[0]
		}
		if len(inputs) > 2 && inputs[2] != nil {
			h = inputs[2].Data[0]
		}
		return []*fallback.Tensor{fallback.Clip(inputs[0], l, h)}, nil
	}, nil
}

func buildTranspose(node *Node, opset int64) (fallback.Kernel, error) {
	if perm, ok := node.Attributes["perm"]; ok {
		if len(perm.Ints) != 2 || perm.Ints[0] != 1 || perm.Ints[1] != 0 {
			return nil, fmt.Errorf("only 2-D transpose is supported, got perm %v", perm.Ints)
		}
	}
	return func(inputs []*fallback.Tensor) ([]*fallback.Tensor, error) {
		out, err := fallback.Transpose2D(inputs[0])
		if err != nil {
			return nil, err
		}
		return []*fallback.Tensor{out}, nil
	}, nil
}
