package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/23skdu/longbow-weft/internal/simd"
	"github.com/23skdu/longbow-weft/internal/tensor"
)

var ErrNotLoaded = errors.New("weights not loaded")

// embedding maps token ids [B, S, 1, 1] to rows of a [vocab, hidden] table.
type embedding struct {
	baseOp
	vocab, hidden int
	w             *weight
}

func newEmbedding(p OpParam, name string, b Backend) (Op, error) {
	vocab, hidden := p.Int("vocab", 0), p.Int("hidden", 0)
	if vocab <= 0 || hidden <= 0 {
		return nil, fmt.Errorf("%w: embedding %q needs vocab and hidden", ErrShapeMismatch, name)
	}
	return &embedding{
		baseOp: baseOp{name: name, typ: OpEmbedding},
		vocab:  vocab,
		hidden: hidden,
		w:      newWeight(b, name+".weight", 1, 1, vocab, hidden),
	}, nil
}

func (o *embedding) Reshape(inputs, outputs []*tensor.Tensor) error {
	if err := expectInputs(o, inputs, 1); err != nil {
		return err
	}
	b, _, s, _ := inputs[0].Dims()
	outputs[0].SetDType(tensor.F32)
	outputs[0].Reshape(b, 1, s, o.hidden)
	return nil
}

func (o *embedding) Load(l Loader) error { return o.w.load(l) }

func (o *embedding) Free(_, _ []*tensor.Tensor) error {
	o.w.free()
	return nil
}

func (o *embedding) Execute(ctx context.Context, inputs, outputs []*tensor.Tensor) error {
	table := o.w.data()
	if table == nil {
		return ErrNotLoaded
	}
	in, out := inputs[0], outputs[0]
	dst := rowsOf(out)
	B, _, S, _ := in.Dims()
	for b := 0; b < B; b++ {
		for s := 0; s < S; s++ {
			tok := int(in.DataAt(b, 0, s, 0))
			if tok < 0 || tok >= o.vocab {
				return fmt.Errorf("%w: %d not in [0, %d)", ErrBadToken, tok, o.vocab)
			}
			dst.put(b*S+s, table[tok*o.hidden:(tok+1)*o.hidden])
		}
	}
	return ctx.Err()
}

// linearKernel computes y = x W^T for rows x [n, in] and W [out, in].
type linearKernel func(ctx context.Context, x, w, y []float32, n, in, out int) error

// linear is y = x W^T + bias over the last axis.
type linear struct {
	baseOp
	in, out int
	w, bias *weight
	kernel  linearKernel
}

func newLinear(k linearKernel) OpCreator {
	return func(p OpParam, name string, b Backend) (Op, error) {
		in, out := p.Int("in", 0), p.Int("out", 0)
		if in <= 0 || out <= 0 {
			return nil, fmt.Errorf("%w: linear %q needs in and out features", ErrShapeMismatch, name)
		}
		op := &linear{
			baseOp: baseOp{name: name, typ: OpLinear},
			in:     in,
			out:    out,
			w:      newWeight(b, name+".weight", 1, 1, out, in),
			kernel: k,
		}
		if p.Bool("bias") {
			op.bias = newWeight(b, name+".bias", 1, 1, 1, out)
		}
		return op, nil
	}
}

func (o *linear) Reshape(inputs, outputs []*tensor.Tensor) error {
	if err := expectInputs(o, inputs, 1); err != nil {
		return err
	}
	b, h, s, d := inputs[0].Dims()
	if d != o.in {
		return fmt.Errorf("%w: linear %q expects %d features, input %s", ErrShapeMismatch, o.name, o.in, inputs[0])
	}
	outputs[0].SetDType(tensor.F32)
	outputs[0].Reshape(b, h, s, o.out)
	return nil
}

func (o *linear) Load(l Loader) error {
	if err := o.w.load(l); err != nil {
		return err
	}
	if o.bias != nil {
		return o.bias.load(l)
	}
	return nil
}

func (o *linear) Free(_, _ []*tensor.Tensor) error {
	o.w.free()
	if o.bias != nil {
		o.bias.free()
	}
	return nil
}

func (o *linear) Execute(ctx context.Context, inputs, outputs []*tensor.Tensor) error {
	w := o.w.data()
	if w == nil {
		return ErrNotLoaded
	}
	src, dst := rowsOf(inputs[0]), rowsOf(outputs[0])
	n := src.n()

	x := src.data
	if x == nil {
		x = make([]float32, n*o.in)
		for i := 0; i < n; i++ {
			src.get(i, x[i*o.in:])
		}
	}
	y := dst.data
	if y == nil {
		y = make([]float32, n*o.out)
	}
	if err := o.kernel(ctx, x, w, y, n, o.in, o.out); err != nil {
		return err
	}
	if o.bias != nil {
		bias := o.bias.data()
		for i := 0; i < n; i++ {
			simd.VecAdd(y[i*o.out:(i+1)*o.out], bias)
		}
	}
	if dst.data == nil {
		for i := 0; i < n; i++ {
			dst.put(i, y[i*o.out:])
		}
	}
	return nil
}

// linearRows splits output features across workers so a single decode row still fans out.
func linearRows(ctx context.Context, x, w, y []float32, n, in, out int) error {
	return parallelFor(ctx, out, func(start, end int) {
		for i := 0; i < n; i++ {
			simd.MatVecMul(y[i*out+start:i*out+end], w[start*in:end*in], x[i*in:(i+1)*in], end-start, in)
		}
	})
}
