package device

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-weft/internal/tensor"
)

// view reinterprets its input under a new shape. -1 keeps the input extent, except that
// a -1 dimension absorbs whatever the head change leaves over.
type view struct {
	baseOp
	b, h, s, d int
}

func newView(p OpParam, name string, _ Backend) (Op, error) {
	return &view{
		baseOp: baseOp{name: name, typ: OpView},
		b:      p.Int("b", -1),
		h:      p.Int("h", -1),
		s:      p.Int("s", -1),
		d:      p.Int("d", -1),
	}, nil
}

func (o *view) target(in *tensor.Tensor) (int, int, int, int) {
	ib, ih, is, id := in.Dims()
	b, h, s, d := o.b, o.h, o.s, o.d
	if b < 0 {
		b = ib
	}
	if s < 0 {
		s = is
	}
	switch {
	case h < 0 && d < 0:
		h, d = ih, id
	case h < 0:
		h = ih * id / d
	case d < 0:
		d = ih * id / h
	}
	return b, h, s, d
}

func (o *view) Reshape(inputs, outputs []*tensor.Tensor) error {
	if err := expectInputs(o, inputs, 1); err != nil {
		return err
	}
	in := inputs[0]
	b, h, s, d := o.target(in)
	if b*h*s*d != in.Count() {
		return fmt.Errorf("%w: view %q to [%d %d %d %d] from %s", ErrShapeMismatch, o.name, b, h, s, d, in)
	}
	if in.Layout() != tensor.BSHD {
		return fmt.Errorf("%w: view %q of %s", tensor.ErrUnsupportedLayout, o.name, in)
	}
	outputs[0].SetDType(in.DType())
	outputs[0].Reshape(b, h, s, d)
	return nil
}

func (o *view) SetUp(inputs, outputs []*tensor.Tensor) error {
	outputs[0].DeepCopyFrom(inputs[0], false, nil, 1)
	return nil
}

func (o *view) Execute(ctx context.Context, _, _ []*tensor.Tensor) error {
	return ctx.Err()
}

// split cuts its input into equal parts along head, sequence or dimension.
type split struct {
	baseOp
	axis  tensor.Axis
	parts int
}

func newSplit(p OpParam, name string, _ Backend) (Op, error) {
	parts := p.Int("parts", 0)
	if parts <= 0 {
		return nil, fmt.Errorf("%w: split %q needs parts", ErrShapeMismatch, name)
	}
	return &split{
		baseOp: baseOp{name: name, typ: OpSplit},
		axis:   tensor.Axis(p.Int("axis", int(tensor.AxisDimension))),
		parts:  parts,
	}, nil
}

func extents(t *tensor.Tensor) [4]int {
	b, h, s, d := t.Dims()
	return [4]int{b, h, s, d}
}

func axisIndex(a tensor.Axis) (int, error) {
	switch a {
	case tensor.AxisBatch, tensor.AxisHead, tensor.AxisSequence, tensor.AxisDimension:
		return int(a), nil
	}
	return 0, fmt.Errorf("%w: axis %s", tensor.ErrUnsupportedLayout, a)
}

func (o *split) Reshape(inputs, outputs []*tensor.Tensor) error {
	if err := expectInputs(o, inputs, 1); err != nil {
		return err
	}
	ax, err := axisIndex(o.axis)
	if err != nil {
		return err
	}
	if len(outputs) != o.parts {
		return fmt.Errorf("%w: split %q into %d parts, %d outputs", ErrShapeMismatch, o.name, o.parts, len(outputs))
	}
	e := extents(inputs[0])
	if e[ax]%o.parts != 0 {
		return fmt.Errorf("%w: split %q %s extent %d by %d", ErrShapeMismatch, o.name, o.axis, e[ax], o.parts)
	}
	e[ax] /= o.parts
	for _, out := range outputs {
		out.SetDType(tensor.F32)
		out.Reshape(e[0], e[1], e[2], e[3])
	}
	return nil
}

func (o *split) Execute(ctx context.Context, inputs, outputs []*tensor.Tensor) error {
	ax, _ := axisIndex(o.axis)
	in := inputs[0]
	width := extents(in)[ax] / o.parts
	for p, out := range outputs {
		e := extents(out)
		for b := 0; b < e[0]; b++ {
			for h := 0; h < e[1]; h++ {
				for s := 0; s < e[2]; s++ {
					for d := 0; d < e[3]; d++ {
						idx := [4]int{b, h, s, d}
						idx[ax] += p * width
						out.SetDataAt(b, h, s, d, in.DataAt(idx[0], idx[1], idx[2], idx[3]))
					}
				}
			}
		}
	}
	return ctx.Err()
}

// concat joins its inputs along one axis.
type concat struct {
	baseOp
	axis tensor.Axis
}

func newConcat(p OpParam, name string, _ Backend) (Op, error) {
	return &concat{
		baseOp: baseOp{name: name, typ: OpConcat},
		axis:   tensor.Axis(p.Int("axis", int(tensor.AxisDimension))),
	}, nil
}

func (o *concat) Reshape(inputs, outputs []*tensor.Tensor) error {
	if len(inputs) == 0 {
		return fmt.Errorf("%w: concat %q without inputs", ErrShapeMismatch, o.name)
	}
	ax, err := axisIndex(o.axis)
	if err != nil {
		return err
	}
	e := extents(inputs[0])
	for _, in := range inputs[1:] {
		x := extents(in)
		for i := range x {
			if i != ax && x[i] != e[i] {
				return fmt.Errorf("%w: concat %q %s with %s", ErrShapeMismatch, o.name, inputs[0], in)
			}
		}
		e[ax] += x[ax]
	}
	outputs[0].SetDType(tensor.F32)
	outputs[0].Reshape(e[0], e[1], e[2], e[3])
	return nil
}

func (o *concat) Execute(ctx context.Context, inputs, outputs []*tensor.Tensor) error {
	ax, _ := axisIndex(o.axis)
	copyAlong(outputs[0], inputs, ax)
	return ctx.Err()
}

func copyAlong(out *tensor.Tensor, inputs []*tensor.Tensor, ax int) {
	base := 0
	for _, in := range inputs {
		e := extents(in)
		for b := 0; b < e[0]; b++ {
			for h := 0; h < e[1]; h++ {
				for s := 0; s < e[2]; s++ {
					for d := 0; d < e[3]; d++ {
						idx := [4]int{b, h, s, d}
						idx[ax] += base
						out.SetDataAt(idx[0], idx[1], idx[2], idx[3], in.DataAt(b, h, s, d))
					}
				}
			}
		}
		base += e[ax]
	}
}

// parameter emits a learned tensor with no inputs.
type parameter struct {
	baseOp
	w *weight
}

func newParameter(p OpParam, name string, b Backend) (Op, error) {
	pb, ph, ps, pd := p.Int("b", 1), p.Int("h", 1), p.Int("s", 1), p.Int("d", 0)
	if pd <= 0 {
		return nil, fmt.Errorf("%w: parameter %q needs d", ErrShapeMismatch, name)
	}
	return &parameter{
		baseOp: baseOp{name: name, typ: OpParameter},
		w:      newWeight(b, name, pb, ph, ps, pd),
	}, nil
}

func (o *parameter) Reshape(inputs, outputs []*tensor.Tensor) error {
	if err := expectInputs(o, inputs, 0); err != nil {
		return err
	}
	outputs[0].SetDType(tensor.F32)
	outputs[0].Reshape(o.w.b, o.w.h, o.w.s, o.w.d)
	return nil
}

func (o *parameter) Load(l Loader) error { return o.w.load(l) }

func (o *parameter) Free(_, _ []*tensor.Tensor) error {
	o.w.free()
	return nil
}

func (o *parameter) Execute(ctx context.Context, _, outputs []*tensor.Tensor) error {
	if o.w.data() == nil {
		return ErrNotLoaded
	}
	outputs[0].CopyFrom(o.w.t)
	return ctx.Err()
}
