package device

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-weft/internal/simd"
	"github.com/23skdu/longbow-weft/internal/tensor"
)

type activation struct {
	baseOp
	fn func([]float32)
}

func newActivation(t OpType) OpCreator {
	return func(_ OpParam, name string, _ Backend) (Op, error) {
		op := &activation{baseOp: baseOp{name: name, typ: t}}
		switch t {
		case OpSiLU:
			op.fn = simd.SiluFast
		case OpGELU:
			op.fn = simd.GeluFast
		case OpReLU:
			op.fn = simd.ReluInPlace
		default:
			return nil, fmt.Errorf("%w: %s is not an activation", ErrUnknownOp, t)
		}
		return op, nil
	}
}

func (o *activation) Reshape(inputs, outputs []*tensor.Tensor) error {
	if err := expectInputs(o, inputs, 1); err != nil {
		return err
	}
	sameShape(inputs[0], outputs[0])
	return nil
}

func (o *activation) Execute(ctx context.Context, inputs, outputs []*tensor.Tensor) error {
	src, dst := rowsOf(inputs[0]), rowsOf(outputs[0])
	return parallelFor(ctx, src.n(), func(start, end int) {
		scratch := make([]float32, src.D)
		out := make([]float32, src.D)
		for i := start; i < end; i++ {
			copy(out, src.get(i, scratch))
			o.fn(out)
			dst.put(i, out)
		}
	})
}

// binary is an elementwise Add or Mul. The second input broadcasts along any axis
// where its extent is 1, which covers batch broadcast.
type binary struct {
	baseOp
}

func newBinary(t OpType) OpCreator {
	return func(_ OpParam, name string, _ Backend) (Op, error) {
		return &binary{baseOp{name: name, typ: t}}, nil
	}
}

func (o *binary) Reshape(inputs, outputs []*tensor.Tensor) error {
	if err := expectInputs(o, inputs, 2); err != nil {
		return err
	}
	ab, ah, as, ad := inputs[0].Dims()
	bb, bh, bs, bd := inputs[1].Dims()
	fits := func(a, b int) bool { return a == b || b == 1 }
	if !fits(ab, bb) || !fits(ah, bh) || !fits(as, bs) || !fits(ad, bd) {
		return fmt.Errorf("%w: %s %q %s with %s", ErrShapeMismatch, o.typ, o.name, inputs[0], inputs[1])
	}
	sameShape(inputs[0], outputs[0])
	return nil
}

func (o *binary) Execute(ctx context.Context, inputs, outputs []*tensor.Tensor) error {
	a, b := rowsOf(inputs[0]), rowsOf(inputs[1])
	dst := rowsOf(outputs[0])
	op := simd.VecAdd
	if o.typ == OpMul {
		op = simd.VecMul
	}
	return parallelFor(ctx, a.n(), func(start, end int) {
		sa := make([]float32, a.D)
		sb := make([]float32, b.D)
		out := make([]float32, a.D)
		wide := make([]float32, a.D)
		for i := start; i < end; i++ {
			bi, hi, si := a.coords(i)
			j := ((bi%b.B)*b.S+si%b.S)*b.H + hi%b.H
			copy(out, a.get(i, sa))
			rhs := b.get(j, sb)
			if b.D == 1 && a.D != 1 {
				for k := range wide {
					wide[k] = rhs[0]
				}
				rhs = wide
			}
			op(out, rhs)
			dst.put(i, out)
		}
	})
}
