package device

import (
	"context"
	"fmt"
	"math"

	"github.com/23skdu/longbow-weft/internal/simd"
	"github.com/23skdu/longbow-weft/internal/tensor"
)

// matmulKernel computes c[m x n] = a[m x k] * b, with b laid out [n x k] when transB
// and [k x n] otherwise.
type matmulKernel func(a, b, c []float32, m, k, n int, transB bool)

// matmul multiplies the (b, h) matrices of its two inputs: [S x D] by [T x D]^T when
// transpose1 is set, else [S x T] by [T x D]. An input with one head broadcasts.
type matmul struct {
	baseOp
	transpose1 bool
	kernel     matmulKernel
}

func newMatmul(k matmulKernel) OpCreator {
	return func(p OpParam, name string, _ Backend) (Op, error) {
		if p.Bool("transpose0") {
			return nil, fmt.Errorf("%w: matmul %q transpose0 unsupported", ErrShapeMismatch, name)
		}
		return &matmul{
			baseOp:     baseOp{name: name, typ: OpMatmul},
			transpose1: p.Bool("transpose1"),
			kernel:     k,
		}, nil
	}
}

func (o *matmul) Reshape(inputs, outputs []*tensor.Tensor) error {
	if err := expectInputs(o, inputs, 2); err != nil {
		return err
	}
	ab, ah, as, ad := inputs[0].Dims()
	bb, bh, bs, bd := inputs[1].Dims()
	if ab != bb || (ah != bh && bh != 1) {
		return fmt.Errorf("%w: matmul %q %s x %s", ErrShapeMismatch, o.name, inputs[0], inputs[1])
	}
	n := bd
	if o.transpose1 {
		if ad != bd {
			return fmt.Errorf("%w: matmul %q inner dims %d != %d", ErrShapeMismatch, o.name, ad, bd)
		}
		n = bs
	} else if ad != bs {
		return fmt.Errorf("%w: matmul %q inner dims %d != %d", ErrShapeMismatch, o.name, ad, bs)
	}
	outputs[0].SetDType(tensor.F32)
	outputs[0].Reshape(ab, ah, as, n)
	return nil
}

func (o *matmul) Execute(ctx context.Context, inputs, outputs []*tensor.Tensor) error {
	a, b, c := inputs[0], inputs[1], outputs[0]
	B, H, S, K := a.Dims()
	_, bh, _, _ := b.Dims()
	n := c.Dimension()
	return parallelFor(ctx, B*H, func(start, end int) {
		var abuf, bbuf []float32
		cbuf := make([]float32, S*n)
		for i := start; i < end; i++ {
			bi, hi := i/H, i%H
			abuf = matrix(a, bi, hi, grow(abuf, S*K))
			bbuf = matrix(b, bi, hi%bh, grow(bbuf, b.Sequence()*b.Dimension()))
			o.kernel(abuf, bbuf, cbuf, S, K, n, o.transpose1)
			scatter(c, bi, hi, cbuf)
		}
	})
}

func grow(buf []float32, n int) []float32 {
	if cap(buf) < n {
		return make([]float32, n)
	}
	return buf[:n]
}

// matmulLoop computes c = a b for a [m, k]. Without transB, b is [k, n] and each row of
// c accumulates rows of b; with it, b is [n, k] and each row of c is b times a row of a.
func matmulLoop(a, b, c []float32, m, k, n int, transB bool) {
	for i := 0; i < m; i++ {
		row, out := a[i*k:(i+1)*k], c[i*n:(i+1)*n]
		if transB {
			simd.MatVecMul(out, b, row, n, k)
			continue
		}
		clear(out)
		for x, v := range row {
			simd.VecAddScaled(out, b[x*n:(x+1)*n], v)
		}
	}
}

// scale is x * scale + bias.
type scale struct {
	baseOp
	scale, bias float32
}

func newScale(p OpParam, name string, _ Backend) (Op, error) {
	return &scale{
		baseOp: baseOp{name: name, typ: OpScale},
		scale:  p.Float("scale", 1),
		bias:   p.Float("bias", 0),
	}, nil
}

func (o *scale) Reshape(inputs, outputs []*tensor.Tensor) error {
	if err := expectInputs(o, inputs, 1); err != nil {
		return err
	}
	sameShape(inputs[0], outputs[0])
	return nil
}

func (o *scale) Execute(ctx context.Context, inputs, outputs []*tensor.Tensor) error {
	src, dst := rowsOf(inputs[0]), rowsOf(outputs[0])
	return parallelFor(ctx, src.n(), func(start, end int) {
		scratch := make([]float32, src.D)
		out := make([]float32, src.D)
		for i := start; i < end; i++ {
			copy(out, src.get(i, scratch))
			simd.VecScale(out, o.scale)
			if o.bias != 0 {
				for j := range out {
					out[j] += o.bias
				}
			}
			dst.put(i, out)
		}
	})
}

// mask writes -inf over future positions. The input becomes a view of the output during
// SetUp, so the producer writes straight into the masked tensor.
type mask struct {
	baseOp
	window int
}

func newMask(sliding bool) OpCreator {
	return func(p OpParam, name string, _ Backend) (Op, error) {
		op := &mask{baseOp: baseOp{name: name, typ: OpCausalMask}}
		if sliding {
			op.typ = OpSlidingWindowMask
			op.window = p.Int("window", 0)
			if op.window <= 0 {
				return nil, fmt.Errorf("%w: sliding window mask %q needs window", ErrShapeMismatch, name)
			}
		}
		return op, nil
	}
}

func (o *mask) Reshape(inputs, outputs []*tensor.Tensor) error {
	if err := expectInputs(o, inputs, 1); err != nil {
		return err
	}
	sameShape(inputs[0], outputs[0])
	return nil
}

func (o *mask) SetUp(inputs, outputs []*tensor.Tensor) error {
	if err := outputs[0].Alloc(); err != nil {
		return err
	}
	inputs[0].DeepCopyFrom(outputs[0], false, nil, 1)
	return nil
}

func (o *mask) Execute(ctx context.Context, inputs, outputs []*tensor.Tensor) error {
	in, out := inputs[0], outputs[0]
	if in.Buffer() != out.Buffer() {
		out.CopyFrom(in)
	}
	_, _, seq, dim := out.Dims()
	if seq <= 1 && o.window == 0 {
		return ctx.Err()
	}
	neg := float32(math.Inf(-1))
	rows := rowsOf(out)
	return parallelFor(ctx, rows.n(), func(start, end int) {
		scratch := make([]float32, dim)
		for i := start; i < end; i++ {
			_, _, s := rows.coords(i)
			pos := s + (dim - seq)
			row := rows.get(i, scratch)
			for d := range row {
				if d > pos || (o.window > 0 && pos-d >= o.window) {
					row[d] = neg
				}
			}
			rows.put(i, row)
		}
	})
}

// softmax normalises along the dimension axis.
type softmax struct {
	baseOp
}

func newSoftmax(p OpParam, name string, _ Backend) (Op, error) {
	if axis := tensor.Axis(p.Int("axis", int(tensor.AxisDimension))); axis != tensor.AxisDimension {
		return nil, fmt.Errorf("%w: softmax %q along %s", ErrShapeMismatch, name, axis)
	}
	return &softmax{baseOp{name: name, typ: OpSoftmax}}, nil
}

func (o *softmax) Reshape(inputs, outputs []*tensor.Tensor) error {
	if err := expectInputs(o, inputs, 1); err != nil {
		return err
	}
	sameShape(inputs[0], outputs[0])
	return nil
}

func (o *softmax) Execute(ctx context.Context, inputs, outputs []*tensor.Tensor) error {
	src, dst := rowsOf(inputs[0]), rowsOf(outputs[0])
	return parallelFor(ctx, src.n(), func(start, end int) {
		scratch := make([]float32, src.D)
		out := make([]float32, src.D)
		for i := start; i < end; i++ {
			copy(out, src.get(i, scratch))
			simd.SoftmaxFast(out)
			dst.put(i, out)
		}
	})
}
