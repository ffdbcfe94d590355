package tflite

import (
	"fmt"

	"k8s.io/examples/AI/modelrunner/pkg/engine/fallback"
)

// SupportedOps lists the builtin operators the pure-Go interpreter runs.
func SupportedOps() []BuiltinOp {
	return []BuiltinOp{OpAdd, OpFullyConnected, OpLogistic, OpMul, OpRelu, OpReluN1To1, OpRelu6, OpReshape, OpSoftmax, OpTanh, OpSub}
}

func fusedActivation(op *Operator) (fallback.Activation, error) {
	a := fallback.Activation(op.options.int8(0, 0))
	if a < fallback.ActivationNone || a > fallback.ActivationTanh {
		return 0, fmt.Errorf("unsupported fused activation %d", a)
	}
	return a, nil
}

func single(t *fallback.Tensor, err error) ([]*fallback.Tensor, error) {
	if err != nil {
		return nil, err
	}
	return []*fallback.Tensor{t}, nil
}

func buildKernel(op *Operator) (fallback.Kernel, error) {
	if op.Custom != "" {
		return nil, fmt.Errorf("custom operator %q is not supported", op.Custom)
	}
	want := 1
	switch op.Op {
	case OpAdd, OpSub, OpMul, OpFullyConnected:
		want = 2
	}
	if len(op.Inputs) < want {
		return nil, fmt.Errorf("expected %d inputs, got %d", want, len(op.Inputs))
	}

	switch op.Op {
	case OpAdd, OpSub, OpMul:
		fn := map[BuiltinOp]func(a, b *fallback.Tensor) (*fallback.Tensor, error){
			OpAdd: fallback.Add,
			OpSub: fallback.Sub,
			OpMul: fallback.Mul,
		}[op.Op]
		activation, err := fusedActivation(op)
		if err != nil {
			return nil, err
		}
		return func(inputs []*fallback.Tensor) ([]*fallback.Tensor, error) {
			out, err := fn(inputs[0], inputs[1])
			if err != nil {
				return nil, err
			}
			return single(activation.Apply(out))
		}, nil

	case OpFullyConnected:
		activation, err := fusedActivation(op)
		if err != nil {
			return nil, err
		}
		return func(inputs []*fallback.Tensor) ([]*fallback.Tensor, error) {
			return single(fullyConnected(inputs[0], inputs[1], optional(inputs, 2), activation))
		}, nil

	case OpRelu:
		return unaryKernel(fallback.Relu), nil
	case OpRelu6:
		return unaryKernel(fallback.Relu6), nil
	case OpReluN1To1:
		return unaryKernel(func(t *fallback.Tensor) *fallback.Tensor { return fallback.Clip(t, -1, 1) }), nil
	case OpLogistic:
		return unaryKernel(fallback.Sigmoid), nil
	case OpTanh:
		return unaryKernel(fallback.Tanh), nil

	case OpSoftmax:
		beta := op.options.float32(0, 0)
		return func(inputs []*fallback.Tensor) ([]*fallback.Tensor, error) {
			return single(fallback.Softmax(fallback.ScaleLogits(inputs[0], beta), -1))
		}, nil

	case OpReshape:
		newShape := op.options.int32s(0)
		return func(inputs []*fallback.Tensor) ([]*fallback.Tensor, error) {
			var target []int64
			if shape := optional(inputs, 1); shape != nil {
				target = shape.Ints()
			} else {
				for _, d := range newShape {
					target = append(target, int64(d))
				}
			}
			return single(fallback.Reshape(inputs[0], target, true))
		}, nil
	}
	return nil, fmt.Errorf("unsupported operator %s", op.Op)
}

func optional(inputs []*fallback.Tensor, i int) *fallback.Tensor {
	if i < len(inputs) {
		return inputs[i]
	}
	return nil
}

func unaryKernel(fn func(*fallback.Tensor) *fallback.Tensor) fallback.Kernel {
	return func(inputs []*fallback.Tensor) ([]*fallback.Tensor, error) {
		return []*fallback.Tensor{fn(inputs[0])}, nil
	}
}

// fullyConnected computes input * weights^T + bias. weights is laid out
// [units, depth]; input is flattened to rows of depth.
func fullyConnected(input, weights, bias *fallback.Tensor, activation fallback.Activation) (*fallback.Tensor, error) {
	if weights.NDimensions() != 2 {
		return nil, fmt.Errorf("weights must be 2-D, got %v", weights.Shape)
	}
	flat, err := fallback.Reshape(input, []int64{-1, weights.Shape[1]}, true)
	if err != nil {
		return nil, err
	}
	out, err := fallback.MatMul(flat, weights, false, true)
	if err != nil {
		return nil, err
	}
	if bias != nil {
		if out, err = fallback.Add(out, bias); err != nil {
			return nil, err
		}
	}
	return activation.Apply(out)
}
