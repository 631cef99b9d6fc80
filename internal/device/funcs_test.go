package device

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-weft/internal/tensor"
)

func runFunc(t *testing.T, b Backend, f FuncType, ins []*tensor.Tensor, args ...float32) *tensor.Tensor {
	t.Helper()
	fn, err := b.FuncCreate(f)
	require.NoError(t, err)
	var a *tensor.Arena
	if len(ins) > 0 {
		a = ins[0].Arena()
	} else {
		a = tensor.NewArena(b)
	}
	out := a.New(f.String())
	outs := []*tensor.Tensor{out}
	require.NoError(t, fn.Setup(outs, ins, args))
	require.NoError(t, fn.Execute(context.Background(), outs, ins, args))
	return out
}

func TestTensorFuncs(t *testing.T) {
	b := NewCPUBackend()
	a := tensor.NewArena(b)
	x := newTensor(a, "x", 1, 1, 2, 3, []float32{1, 2, 3, 4, 5, 6})
	y := newTensor(a, "y", 1, 1, 1, 3, []float32{1, 1, 2})

	t.Run("scalar", func(t *testing.T) {
		assert.Equal(t, []float32{3, 4, 5, 6, 7, 8}, runFunc(t, b, FuncAdd, []*tensor.Tensor{x}, 2).Values())
		assert.Equal(t, []float32{0.5, 1, 1.5, 2, 2.5, 3}, runFunc(t, b, FuncDiv, []*tensor.Tensor{x}, 2).Values())
	})
	t.Run("tensor tensor broadcast", func(t *testing.T) {
		assert.Equal(t, []float32{0, 1, 1, 3, 4, 4}, runFunc(t, b, FuncTTSub, []*tensor.Tensor{x, y}).Values())
		assert.Equal(t, []float32{1, 2, 6, 4, 5, 12}, runFunc(t, b, FuncTTMul, []*tensor.Tensor{x, y}).Values())
	})
	t.Run("mean", func(t *testing.T) {
		m := runFunc(t, b, FuncMean, []*tensor.Tensor{x}, float32(tensor.AxisDimension))
		assert.Equal(t, []float32{2, 5}, m.Values())
	})
	t.Run("view and flatten share storage", func(t *testing.T) {
		v := runFunc(t, b, FuncView, []*tensor.Tensor{x}, -1, 3, -1, 1)
		assert.Same(t, x.Buffer(), v.Buffer())
		f := runFunc(t, b, FuncFlatten, []*tensor.Tensor{v}, float32(tensor.AxisHead), float32(tensor.AxisDimension))
		assert.Equal(t, x.Values(), f.Values())
	})
	t.Run("transpose", func(t *testing.T) {
		tr := runFunc(t, b, FuncTranspose, []*tensor.Tensor{x}, float32(tensor.AxisSequence), float32(tensor.AxisDimension))
		_, _, s, d := tr.Dims()
		assert.Equal(t, 3, s)
		assert.Equal(t, 2, d)
		assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, tr.Values())
	})
	t.Run("clip", func(t *testing.T) {
		c := runFunc(t, b, FuncClip, []*tensor.Tensor{x}, float32(tensor.AxisDimension), 1, 0)
		assert.Equal(t, []float32{2, 3, 5, 6}, c.Values())
		last := runFunc(t, b, FuncClip, []*tensor.Tensor{x}, float32(tensor.AxisSequence), -1, 0)
		assert.Equal(t, []float32{4, 5, 6}, last.Values())
	})
	t.Run("norm", func(t *testing.T) {
		n := runFunc(t, b, FuncNorm, []*tensor.Tensor{y}, 2)
		assert.InDelta(t, 2.449, n.DataAt(0, 0, 0, 0), 1e-3)
	})
	t.Run("where", func(t *testing.T) {
		w := runFunc(t, b, FuncWhere, []*tensor.Tensor{y}, 1)
		assert.Equal(t, []float32{0, 1}, w.Values())
	})
	t.Run("cat", func(t *testing.T) {
		c := runFunc(t, b, FuncCat, []*tensor.Tensor{x, y}, float32(tensor.AxisSequence))
		assert.Equal(t, []float32{1, 2, 3, 4, 5, 6, 1, 1, 2}, c.Values())
	})
	t.Run("mm", func(t *testing.T) {
		id := newTensor(a, "id", 1, 1, 3, 3, []float32{1, 0, 0, 0, 1, 0, 0, 0, 1})
		assert.Equal(t, x.Values(), runFunc(t, b, FuncMM, []*tensor.Tensor{x, id}).Values())
	})
	t.Run("range", func(t *testing.T) {
		r := runFunc(t, b, FuncRange, nil, 2, 5)
		assert.Equal(t, []float32{2, 3, 4}, r.Values())
	})
	t.Run("bad args", func(t *testing.T) {
		fn, err := b.FuncCreate(FuncClip)
		require.NoError(t, err)
		err = fn.Setup([]*tensor.Tensor{a.New("c")}, []*tensor.Tensor{x}, []float32{float32(tensor.AxisDimension), 2, 1})
		assert.ErrorIs(t, err, ErrShapeMismatch)
	})
}
