package device

import (
	"context"
	"fmt"
	"math"

	"github.com/23skdu/longbow-weft/internal/simd"
	"github.com/23skdu/longbow-weft/internal/tensor"
)

// rmsNorm is x / sqrt(mean(x^2) + eps) * w.
type rmsNorm struct {
	baseOp
	dim int
	eps float32
	w   *weight
}

func newRMSNorm(p OpParam, name string, b Backend) (Op, error) {
	dim := p.Int("dim", 0)
	if dim <= 0 {
		return nil, fmt.Errorf("%w: rmsnorm %q needs dim", ErrShapeMismatch, name)
	}
	return &rmsNorm{
		baseOp: baseOp{name: name, typ: OpRMSNorm},
		dim:    dim,
		eps:    p.Float("eps", 1e-6),
		w:      newWeight(b, name+".weight", 1, 1, 1, dim),
	}, nil
}

func (o *rmsNorm) Reshape(inputs, outputs []*tensor.Tensor) error {
	if err := expectInputs(o, inputs, 1); err != nil {
		return err
	}
	if inputs[0].Dimension() != o.dim {
		return fmt.Errorf("%w: rmsnorm %q dim %d, input %s", ErrShapeMismatch, o.name, o.dim, inputs[0])
	}
	sameShape(inputs[0], outputs[0])
	return nil
}

func (o *rmsNorm) Load(l Loader) error { return o.w.load(l) }

func (o *rmsNorm) Free(_, _ []*tensor.Tensor) error {
	o.w.free()
	return nil
}

func (o *rmsNorm) Execute(ctx context.Context, inputs, outputs []*tensor.Tensor) error {
	w := o.w.data()
	if w == nil {
		return ErrNotLoaded
	}
	src, dst := rowsOf(inputs[0]), rowsOf(outputs[0])
	return parallelFor(ctx, src.n(), func(start, end int) {
		scratch := make([]float32, o.dim)
		out := make([]float32, o.dim)
		for i := start; i < end; i++ {
			row := src.get(i, scratch)
			inv := float32(1 / math.Sqrt(simd.SumSquares(row)/float64(o.dim)+float64(o.eps)))
			for j, v := range row {
				out[j] = v * inv * w[j]
			}
			dst.put(i, out)
		}
	})
}

// layerNorm is (x - mean) / sqrt(var + eps) * w + bias.
type layerNorm struct {
	baseOp
	dim     int
	eps     float32
	w, bias *weight
}

func newLayerNorm(p OpParam, name string, b Backend) (Op, error) {
	dim := p.Int("dim", 0)
	if dim <= 0 {
		return nil, fmt.Errorf("%w: layernorm %q needs dim", ErrShapeMismatch, name)
	}
	op := &layerNorm{
		baseOp: baseOp{name: name, typ: OpLayerNorm},
		dim:    dim,
		eps:    p.Float("eps", 1e-5),
		w:      newWeight(b, name+".weight", 1, 1, 1, dim),
	}
	if p.Bool("bias") {
		op.bias = newWeight(b, name+".bias", 1, 1, 1, dim)
	}
	return op, nil
}

func (o *layerNorm) Reshape(inputs, outputs []*tensor.Tensor) error {
	if err := expectInputs(o, inputs, 1); err != nil {
		return err
	}
	if inputs[0].Dimension() != o.dim {
		return fmt.Errorf("%w: layernorm %q dim %d, input %s", ErrShapeMismatch, o.name, o.dim, inputs[0])
	}
	sameShape(inputs[0], outputs[0])
	return nil
}

func (o *layerNorm) Load(l Loader) error {
	if err := o.w.load(l); err != nil {
		return err
	}
	if o.bias != nil {
		return o.bias.load(l)
	}
	return nil
}

func (o *layerNorm) Free(_, _ []*tensor.Tensor) error {
	o.w.free()
	if o.bias != nil {
		o.bias.free()
	}
	return nil
}

func (o *layerNorm) Execute(ctx context.Context, inputs, outputs []*tensor.Tensor) error {
	gamma := o.w.data()
	if gamma == nil {
		return ErrNotLoaded
	}
	var beta []float32
	if o.bias != nil {
		beta = o.bias.data()
	}
	src, dst := rowsOf(inputs[0]), rowsOf(outputs[0])
	c := float32(o.dim)
	return parallelFor(ctx, src.n(), func(start, end int) {
		scratch := make([]float32, o.dim)
		out := make([]float32, o.dim)
		for i := start; i < end; i++ {
			row := src.get(i, scratch)

			var sum float32
			for _, v := range row {
				sum += v
			}
			mean := sum / c

			var varSum float32
			for _, v := range row {
				diff := v - mean
				varSum += diff * diff
			}
			invStd := 1.0 / float32(math.Sqrt(float64(varSum/c+o.eps)))

			for j, v := range row {
				out[j] = (v-mean)*invStd*gamma[j]
				if beta != nil {
					out[j] += beta[j]
				}
			}
			dst.put(i, out)
		}
	})
}
