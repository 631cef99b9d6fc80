package device

import (
	"context"
	"fmt"
	"math"

	"github.com/23skdu/longbow-weft/internal/tensor"
)

func registerFuncs(b *CPUBackend) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, f := range []FuncType{FuncAdd, FuncSub, FuncMul, FuncDiv} {
		b.funcs[f] = func() Func { return scalarFunc{op: f} }
	}
	for _, f := range []FuncType{FuncTTAdd, FuncTTSub, FuncTTMul, FuncTTDiv} {
		b.funcs[f] = func() Func { return pairFunc{op: f} }
	}
	b.funcs[FuncMean] = func() Func { return meanFunc{} }
	b.funcs[FuncView] = func() Func { return viewFunc{} }
	b.funcs[FuncFlatten] = func() Func { return flattenFunc{} }
	b.funcs[FuncTranspose] = func() Func { return transposeFunc{} }
	b.funcs[FuncClip] = func() Func { return clipFunc{} }
	b.funcs[FuncNorm] = func() Func { return normFunc{} }
	b.funcs[FuncWhere] = func() Func { return whereFunc{} }
	b.funcs[FuncCat] = func() Func { return catFunc{} }
	b.funcs[FuncMM] = func() Func { return mmFunc{} }
	b.funcs[FuncRange] = func() Func { return rangeFunc{} }
}

func argAt(args []float32, i int) (float32, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("%w: missing argument %d", ErrShapeMismatch, i)
	}
	return args[i], nil
}

func arith(op FuncType, a, b float32) float32 {
	switch op {
	case FuncAdd, FuncTTAdd:
		return a + b
	case FuncSub, FuncTTSub:
		return a - b
	case FuncMul, FuncTTMul:
		return a * b
	default:
		return a / b
	}
}

func each4(e [4]int, fn func(b, h, s, d int)) {
	for b := 0; b < e[0]; b++ {
		for h := 0; h < e[1]; h++ {
			for s := 0; s < e[2]; s++ {
				for d := 0; d < e[3]; d++ {
					fn(b, h, s, d)
				}
			}
		}
	}
}

func shapeLike(out, in *tensor.Tensor) error {
	sameShape(in, out)
	return out.Alloc()
}

// scalarFunc applies x op args[0].
type scalarFunc struct{ op FuncType }

func (f scalarFunc) Setup(outputs, inputs []*tensor.Tensor, args []float32) error {
	if _, err := argAt(args, 0); err != nil {
		return err
	}
	return shapeLike(outputs[0], inputs[0])
}

func (f scalarFunc) Execute(ctx context.Context, outputs, inputs []*tensor.Tensor, args []float32) error {
	in, out, v := inputs[0], outputs[0], args[0]
	each4(extents(in), func(b, h, s, d int) {
		out.SetDataAt(b, h, s, d, arith(f.op, in.DataAt(b, h, s, d), v))
	})
	return ctx.Err()
}

// pairFunc applies a op b elementwise, broadcasting b where its extent is 1.
type pairFunc struct{ op FuncType }

func (f pairFunc) Setup(outputs, inputs []*tensor.Tensor, _ []float32) error {
	if len(inputs) != 2 {
		return fmt.Errorf("%w: %s takes 2 inputs", ErrShapeMismatch, f.op)
	}
	ea, eb := extents(inputs[0]), extents(inputs[1])
	for i := range ea {
		if ea[i] != eb[i] && eb[i] != 1 {
			return fmt.Errorf("%w: %s %s with %s", ErrShapeMismatch, f.op, inputs[0], inputs[1])
		}
	}
	return shapeLike(outputs[0], inputs[0])
}

func (f pairFunc) Execute(ctx context.Context, outputs, inputs []*tensor.Tensor, _ []float32) error {
	a, b, out := inputs[0], inputs[1], outputs[0]
	eb := extents(b)
	each4(extents(a), func(bi, h, s, d int) {
		rhs := b.DataAt(bi%eb[0], h%eb[1], s%eb[2], d%eb[3])
		out.SetDataAt(bi, h, s, d, arith(f.op, a.DataAt(bi, h, s, d), rhs))
	})
	return ctx.Err()
}

// meanFunc averages along axis args[0], leaving extent 1.
type meanFunc struct{}

func (meanFunc) Setup(outputs, inputs []*tensor.Tensor, args []float32) error {
	a, err := argAt(args, 0)
	if err != nil {
		return err
	}
	ax, err := axisIndex(tensor.Axis(a))
	if err != nil {
		return err
	}
	e := extents(inputs[0])
	e[ax] = 1
	outputs[0].Reshape(e[0], e[1], e[2], e[3])
	return outputs[0].Alloc()
}

func (meanFunc) Execute(ctx context.Context, outputs, inputs []*tensor.Tensor, args []float32) error {
	ax, _ := axisIndex(tensor.Axis(args[0]))
	in, out := inputs[0], outputs[0]
	e := extents(in)
	n := float32(e[ax])
	each4(extents(out), func(b, h, s, d int) {
		var sum float32
		for i := 0; i < e[ax]; i++ {
			idx := [4]int{b, h, s, d}
			idx[ax] = i
			sum += in.DataAt(idx[0], idx[1], idx[2], idx[3])
		}
		out.SetDataAt(b, h, s, d, sum/n)
	})
	return ctx.Err()
}

// viewFunc reshapes without copying, with -1 meaning keep (see the View op).
type viewFunc struct{}

func (viewFunc) Setup(outputs, inputs []*tensor.Tensor, args []float32) error {
	if len(args) != 4 {
		return fmt.Errorf("%w: view takes b, h, s, d", ErrShapeMismatch)
	}
	v := view{b: int(args[0]), h: int(args[1]), s: int(args[2]), d: int(args[3])}
	v.name = inputs[0].Name()
	if err := v.Reshape(inputs, outputs); err != nil {
		return err
	}
	return v.SetUp(inputs, outputs)
}

func (viewFunc) Execute(ctx context.Context, _, _ []*tensor.Tensor, _ []float32) error {
	return ctx.Err()
}

// flattenFunc merges the adjacent axes args[0]..args[1] into the later one.
type flattenFunc struct{}

func (flattenFunc) Setup(outputs, inputs []*tensor.Tensor, args []float32) error {
	if len(args) != 2 {
		return fmt.Errorf("%w: flatten takes two axes", ErrShapeMismatch)
	}
	in := inputs[0]
	if in.Layout() != tensor.BSHD {
		return fmt.Errorf("%w: flatten on %s", tensor.ErrUnsupportedLayout, in.Layout())
	}
	b, h, s, d := in.Dims()
	from, to := tensor.Axis(args[0]), tensor.Axis(args[1])
	switch {
	case from == tensor.AxisHead && to == tensor.AxisDimension:
		h, d = 1, h*d
	case from == tensor.AxisBatch && to == tensor.AxisSequence:
		b, s = 1, b*s
	default:
		return fmt.Errorf("%w: flatten %s..%s", tensor.ErrUnsupportedLayout, from, to)
	}
	outputs[0].SetDType(in.DType())
	outputs[0].Reshape(b, h, s, d)
	outputs[0].DeepCopyFrom(in, false, nil, 1)
	return nil
}

func (flattenFunc) Execute(ctx context.Context, _, _ []*tensor.Tensor, _ []float32) error {
	return ctx.Err()
}

// transposeFunc swaps two of batch/head/sequence/dimension into fresh storage.
type transposeFunc struct{}

func (transposeFunc) axes(args []float32) (int, int, error) {
	if len(args) != 2 {
		return 0, 0, fmt.Errorf("%w: transpose takes two axes", ErrShapeMismatch)
	}
	a, err := axisIndex(tensor.Axis(args[0]))
	if err != nil {
		return 0, 0, err
	}
	b, err := axisIndex(tensor.Axis(args[1]))
	return a, b, err
}

func (f transposeFunc) Setup(outputs, inputs []*tensor.Tensor, args []float32) error {
	a, b, err := f.axes(args)
	if err != nil {
		return err
	}
	e := extents(inputs[0])
	e[a], e[b] = e[b], e[a]
	outputs[0].SetDType(tensor.F32)
	outputs[0].Reshape(e[0], e[1], e[2], e[3])
	return outputs[0].Alloc()
}

func (f transposeFunc) Execute(ctx context.Context, outputs, inputs []*tensor.Tensor, args []float32) error {
	a, b, _ := f.axes(args)
	in, out := inputs[0], outputs[0]
	each4(extents(in), func(bi, h, s, d int) {
		idx := [4]int{bi, h, s, d}
		idx[a], idx[b] = idx[b], idx[a]
		out.SetDataAt(idx[0], idx[1], idx[2], idx[3], in.DataAt(bi, h, s, d))
	})
	return ctx.Err()
}

// clipFunc keeps [args[1], args[2]) along axis args[0]. Negative bounds count from the end.
type clipFunc struct{}

func (clipFunc) bounds(in *tensor.Tensor, args []float32) (int, int, int, error) {
	if len(args) != 3 {
		return 0, 0, 0, fmt.Errorf("%w: clip takes axis, start, end", ErrShapeMismatch)
	}
	ax, err := axisIndex(tensor.Axis(args[0]))
	if err != nil {
		return 0, 0, 0, err
	}
	n := extents(in)[ax]
	start, end := int(args[1]), int(args[2])
	if start < 0 {
		start += n
	}
	if end <= 0 {
		end += n
	}
	if start < 0 || end > n || start >= end {
		return 0, 0, 0, fmt.Errorf("%w: clip [%d, %d) of %d", ErrShapeMismatch, start, end, n)
	}
	return ax, start, end, nil
}

func (f clipFunc) Setup(outputs, inputs []*tensor.Tensor, args []float32) error {
	ax, start, end, err := f.bounds(inputs[0], args)
	if err != nil {
		return err
	}
	e := extents(inputs[0])
	e[ax] = end - start
	outputs[0].SetDType(tensor.F32)
	outputs[0].Reshape(e[0], e[1], e[2], e[3])
	return outputs[0].Alloc()
}

func (f clipFunc) Execute(ctx context.Context, outputs, inputs []*tensor.Tensor, args []float32) error {
	ax, start, _, err := f.bounds(inputs[0], args)
	if err != nil {
		return err
	}
	in, out := inputs[0], outputs[0]
	each4(extents(out), func(b, h, s, d int) {
		idx := [4]int{b, h, s, d}
		idx[ax] += start
		out.SetDataAt(b, h, s, d, in.DataAt(idx[0], idx[1], idx[2], idx[3]))
	})
	return ctx.Err()
}

// normFunc is the Lp norm over the dimension axis, p = args[0].
type normFunc struct{}

func (normFunc) Setup(outputs, inputs []*tensor.Tensor, args []float32) error {
	if _, err := argAt(args, 0); err != nil {
		return err
	}
	b, h, s, _ := inputs[0].Dims()
	outputs[0].SetDType(tensor.F32)
	outputs[0].Reshape(b, h, s, 1)
	return outputs[0].Alloc()
}

func (normFunc) Execute(ctx context.Context, outputs, inputs []*tensor.Tensor, args []float32) error {
	p := float64(args[0])
	in, out := inputs[0], outputs[0]
	D := in.Dimension()
	each4(extents(out), func(b, h, s, _ int) {
		var sum float64
		for d := 0; d < D; d++ {
			sum += math.Pow(math.Abs(float64(in.DataAt(b, h, s, d))), p)
		}
		out.SetDataAt(b, h, s, 0, float32(math.Pow(sum, 1/p)))
	})
	return ctx.Err()
}

// whereFunc lists the flat BSHD indices whose value equals args[0] as [1, 1, n, 1].
// The extent is only known after Execute, so Setup reserves the input count.
type whereFunc struct{}

func (whereFunc) Setup(outputs, inputs []*tensor.Tensor, args []float32) error {
	if _, err := argAt(args, 0); err != nil {
		return err
	}
	out := outputs[0]
	out.SetDType(tensor.F32)
	out.Reshape(1, 1, inputs[0].Count(), 1)
	return out.Alloc()
}

func (whereFunc) Execute(ctx context.Context, outputs, inputs []*tensor.Tensor, args []float32) error {
	in, out := inputs[0], outputs[0]
	var hits []float32
	for i, v := range in.Values() {
		if v == args[0] {
			hits = append(hits, float32(i))
		}
	}
	out.Reshape(1, 1, len(hits), 1)
	for i, v := range hits {
		out.SetDataAt(0, 0, i, 0, v)
	}
	return ctx.Err()
}

// catFunc concatenates its inputs along axis args[0].
type catFunc struct{}

func (catFunc) Setup(outputs, inputs []*tensor.Tensor, args []float32) error {
	a, err := argAt(args, 0)
	if err != nil {
		return err
	}
	c := concat{axis: tensor.Axis(a)}
	c.name = "cat"
	if err := c.Reshape(inputs, outputs); err != nil {
		return err
	}
	return outputs[0].Alloc()
}

func (catFunc) Execute(ctx context.Context, outputs, inputs []*tensor.Tensor, args []float32) error {
	ax, err := axisIndex(tensor.Axis(args[0]))
	if err != nil {
		return err
	}
	copyAlong(outputs[0], inputs, ax)
	return ctx.Err()
}

// mmFunc multiplies [B, S, H, K] by [B, K, H, N].
type mmFunc struct{}

func (mmFunc) Setup(outputs, inputs []*tensor.Tensor, _ []float32) error {
	m := matmul{kernel: matmulLoop}
	m.name = "mm"
	if err := m.Reshape(inputs, outputs); err != nil {
		return err
	}
	return outputs[0].Alloc()
}

func (mmFunc) Execute(ctx context.Context, outputs, inputs []*tensor.Tensor, _ []float32) error {
	m := matmul{kernel: matmulLoop}
	return m.Execute(ctx, inputs, outputs)
}

// rangeFunc emits args[0] .. args[1]-1 as [1, 1, n, 1].
type rangeFunc struct{}

func (rangeFunc) Setup(outputs, _ []*tensor.Tensor, args []float32) error {
	if len(args) != 2 || args[1] < args[0] {
		return fmt.Errorf("%w: range takes start <= end", ErrShapeMismatch)
	}
	outputs[0].SetDType(tensor.F32)
	outputs[0].Reshape(1, 1, int(args[1]-args[0]), 1)
	return outputs[0].Alloc()
}

func (rangeFunc) Execute(ctx context.Context, outputs, _ []*tensor.Tensor, args []float32) error {
	for i := 0; i < outputs[0].Sequence(); i++ {
		outputs[0].SetDataAt(0, 0, i, 0, args[0]+float32(i))
	}
	return ctx.Err()
}
