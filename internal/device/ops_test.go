package device

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-weft/internal/tensor"
)

func randomValues(r *rand.Rand, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = r.Float32()*2 - 1
	}
	return out
}

func toDense(rows, cols int, v []float32) *mat.Dense {
	d := make([]float64, len(v))
	for i, x := range v {
		d[i] = float64(x)
	}
	return mat.NewDense(rows, cols, d)
}

func TestLinearMatchesGonum(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	const n, in, out = 3, 5, 4
	x := randomValues(r, n*in)
	w := randomValues(r, out*in)
	bias := randomValues(r, out)

	var want mat.Dense
	want.Mul(toDense(n, in, x), toDense(out, in, w).T())
	expected := make([]float32, 0, n*out)
	for i := 0; i < n; i++ {
		for j := 0; j < out; j++ {
			expected = append(expected, float32(want.At(i, j))+bias[j])
		}
	}

	for _, be := range []Backend{NewCPUBackend(), NewBLASBackend()} {
		t.Run(be.Name(), func(t *testing.T) {
			op, err := be.OpCreate(NewOpParam(OpLinear).With("in", in).With("out", out).With("bias", 1), "fc")
			require.NoError(t, err)
			require.NoError(t, op.Load(mapLoader{"fc.weight": w, "fc.bias": bias}))

			a := tensor.NewArena(be)
			xt := newTensor(a, "x", 1, 1, n, in, x)
			yt := a.New("y")
			plan(t, op, []*tensor.Tensor{xt}, []*tensor.Tensor{yt})
			assert.Equal(t, []int{1, n, 1, out}, yt.Shape())

			require.NoError(t, op.Execute(context.Background(), []*tensor.Tensor{xt}, []*tensor.Tensor{yt}))
			approx(t, expected, yt.Values(), 1e-4)

			require.NoError(t, op.Free(nil, nil))
			assert.ErrorIs(t, op.Execute(context.Background(), []*tensor.Tensor{xt}, []*tensor.Tensor{yt}), ErrNotLoaded)
		})
	}
}

func TestLinearSingleRow(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	const in, out = 6, 37
	x := randomValues(r, in)
	w := randomValues(r, out*in)

	var want mat.Dense
	want.Mul(toDense(1, in, x), toDense(out, in, w).T())

	op, err := NewCPUBackend().OpCreate(NewOpParam(OpLinear).With("in", in).With("out", out), "head")
	require.NoError(t, err)
	require.NoError(t, op.Load(mapLoader{"head.weight": w}))
	a := tensor.NewArena(NewCPUBackend())
	xt := newTensor(a, "x", 1, 1, 1, in, x)
	yt := a.New("y")
	plan(t, op, []*tensor.Tensor{xt}, []*tensor.Tensor{yt})
	require.NoError(t, op.Execute(context.Background(), []*tensor.Tensor{xt}, []*tensor.Tensor{yt}))

	got := yt.Values()
	require.Len(t, got, out)
	for j := 0; j < out; j++ {
		assert.InDelta(t, want.At(0, j), got[j], 1e-4, "feature %d", j)
	}
}

func TestScale(t *testing.T) {
	b := NewCPUBackend()
	a := tensor.NewArena(b)
	x := newTensor(a, "x", 1, 1, 2, 3, []float32{1, -2, 3, 0, 0.5, -1})

	tests := []struct {
		name        string
		scale, bias float32
		want        []float32
	}{
		{"scale only", 0.5, 0, []float32{0.5, -1, 1.5, 0, 0.25, -0.5}},
		{"scale and bias", 2, 1, []float32{3, -3, 7, 1, 2, -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op, err := b.OpCreate(NewOpParam(OpScale).With("scale", tt.scale).With("bias", tt.bias), "scale")
			require.NoError(t, err)
			y := a.New("y")
			plan(t, op, []*tensor.Tensor{x}, []*tensor.Tensor{y})
			require.NoError(t, op.Execute(context.Background(), []*tensor.Tensor{x}, []*tensor.Tensor{y}))
			approx(t, tt.want, y.Values(), 1e-6)
		})
	}
}

func TestMatmul(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	const H, S, T, D = 2, 3, 4, 5
	q := randomValues(r, S*H*D)
	k := randomValues(r, T*H*D)

	for _, be := range []Backend{NewCPUBackend(), NewBLASBackend()} {
		t.Run(be.Name(), func(t *testing.T) {
			a := tensor.NewArena(be)
			qt := newTensor(a, "q", 1, H, S, D, q)
			kt := newTensor(a, "k", 1, H, T, D, k)

			op, err := be.OpCreate(NewOpParam(OpMatmul).With("transpose1", 1), "qk")
			require.NoError(t, err)
			qk := a.New("qk")
			plan(t, op, []*tensor.Tensor{qt, kt}, []*tensor.Tensor{qk})
			b, h, s, d := qk.Dims()
			assert.Equal(t, []int{1, H, S, T}, []int{b, h, s, d})
			require.NoError(t, op.Execute(context.Background(), []*tensor.Tensor{qt, kt}, []*tensor.Tensor{qk}))

			for hi := 0; hi < H; hi++ {
				for si := 0; si < S; si++ {
					for ti := 0; ti < T; ti++ {
						var want float32
						for di := 0; di < D; di++ {
							want += qt.DataAt(0, hi, si, di) * kt.DataAt(0, hi, ti, di)
						}
						assert.InDelta(t, want, qk.DataAt(0, hi, si, ti), 1e-4)
					}
				}
			}

			// [S x T] by [T x D]
			op2, err := be.OpCreate(NewOpParam(OpMatmul), "qkv")
			require.NoError(t, err)
			vt := newTensor(a, "v", 1, H, T, D, k)
			o := a.New("o")
			plan(t, op2, []*tensor.Tensor{qk, vt}, []*tensor.Tensor{o})
			require.NoError(t, op2.Execute(context.Background(), []*tensor.Tensor{qk, vt}, []*tensor.Tensor{o}))
			var want float32
			for ti := 0; ti < T; ti++ {
				want += qk.DataAt(0, 1, 2, ti) * vt.DataAt(0, 1, ti, 3)
			}
			assert.InDelta(t, want, o.DataAt(0, 1, 2, 3), 1e-4)

			bad := newTensor(a, "bad", 1, H, T, D+1, nil)
			assert.ErrorIs(t, op.Reshape([]*tensor.Tensor{qt, bad}, []*tensor.Tensor{a.New("x")}), ErrShapeMismatch)
		})
	}
}

func TestKVCache(t *testing.T) {
	b := NewCPUBackend()
	a := tensor.NewArena(b)
	op, err := b.OpCreate(NewOpParam(OpKVCache).With("cache_max", 4), "layers.0.attention.k_cache")
	require.NoError(t, err)
	out := a.New("out")

	var buf *tensor.Buffer
	for step := 0; step < 3; step++ {
		in := newTensor(a, "k", 1, 2, 1, 2, []float32{
			float32(step*10 + 0), float32(step*10 + 1),
			float32(step*10 + 2), float32(step*10 + 3),
		})
		plan(t, op, []*tensor.Tensor{in}, []*tensor.Tensor{out})
		require.NoError(t, op.Execute(context.Background(), []*tensor.Tensor{in}, []*tensor.Tensor{out}))

		assert.Equal(t, step+1, out.Sequence())
		if buf == nil {
			buf = out.Buffer()
		}
		require.Same(t, buf, out.Buffer(), "cache storage must not move")
	}

	// ordered concatenation by content
	for s := 0; s < 3; s++ {
		assert.Equal(t, float32(s*10+0), out.DataAt(0, 0, s, 0))
		assert.Equal(t, float32(s*10+3), out.DataAt(0, 1, s, 1))
	}
	kv := op.(*kvCache)
	assert.Equal(t, 3, kv.Filled())
	assert.Equal(t, []int{1, 4, 2, 2}, kv.Cache().Shape())

	two := newTensor(a, "k2", 1, 2, 2, 2, nil)
	assert.ErrorIs(t, op.Reshape([]*tensor.Tensor{two}, []*tensor.Tensor{out}), ErrCacheFull)

	require.NoError(t, op.Free(nil, nil))
	assert.Same(t, buf, kv.Cache().Buffer(), "free keeps the cache")

	kv.Reset()
	assert.Equal(t, 0, kv.Filled())
	assert.True(t, kv.Persistent())
}

func TestCausalMask(t *testing.T) {
	b := NewCPUBackend()
	a := tensor.NewArena(b)
	op, err := b.OpCreate(NewOpParam(OpCausalMask), "mask")
	require.NoError(t, err)

	// 2 new positions attending over 3 (one cached)
	in := newTensor(a, "scores", 1, 1, 2, 3, nil)
	out := a.New("masked")
	plan(t, op, []*tensor.Tensor{in}, []*tensor.Tensor{out})
	require.True(t, in.IsView(), "input aliases the output")
	require.Same(t, out.Buffer(), in.Buffer())

	for s := 0; s < 2; s++ {
		for d := 0; d < 3; d++ {
			in.SetDataAt(0, 0, s, d, 1)
		}
	}
	require.NoError(t, op.Execute(context.Background(), []*tensor.Tensor{in}, []*tensor.Tensor{out}))
	inf := float32(math.Inf(-1))
	assert.Equal(t, []float32{1, 1, inf, 1, 1, 1}, out.Values())

	t.Run("single position is untouched", func(t *testing.T) {
		in := newTensor(a, "one", 1, 1, 1, 3, []float32{1, 2, 3})
		out := a.New("one-masked")
		plan(t, op, []*tensor.Tensor{in}, []*tensor.Tensor{out})
		in.SetDataAt(0, 0, 0, 2, 7)
		require.NoError(t, op.Execute(context.Background(), []*tensor.Tensor{in}, []*tensor.Tensor{out}))
		assert.Equal(t, float32(7), out.DataAt(0, 0, 0, 2))
	})

	t.Run("sliding window", func(t *testing.T) {
		sw, err := b.OpCreate(NewOpParam(OpSlidingWindowMask).With("window", 2), "sw")
		require.NoError(t, err)
		in := newTensor(a, "w", 1, 1, 3, 3, nil)
		out := a.New("w-masked")
		plan(t, sw, []*tensor.Tensor{in}, []*tensor.Tensor{out})
		in.Fill(1)
		require.NoError(t, sw.Execute(context.Background(), []*tensor.Tensor{in}, []*tensor.Tensor{out}))
		assert.Equal(t, []float32{1, inf, inf, 1, 1, inf, inf, 1, 1}, out.Values())
	})
}

func TestSoftmaxAfterMask(t *testing.T) {
	b := NewCPUBackend()
	a := tensor.NewArena(b)
	sm, err := b.OpCreate(NewOpParam(OpSoftmax), "sm")
	require.NoError(t, err)
	inf := float32(math.Inf(-1))
	in := newTensor(a, "x", 1, 1, 2, 3, []float32{0, inf, inf, 1, 1, inf})
	out := a.New("y")
	plan(t, sm, []*tensor.Tensor{in}, []*tensor.Tensor{out})
	require.NoError(t, sm.Execute(context.Background(), []*tensor.Tensor{in}, []*tensor.Tensor{out}))
	approx(t, []float32{1, 0, 0, 0.5, 0.5, 0}, out.Values(), 1e-3)

	_, err = b.OpCreate(NewOpParam(OpSoftmax).With("axis", float32(tensor.AxisHead)), "bad")
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestRMSNormAndLayerNorm(t *testing.T) {
	b := NewCPUBackend()
	a := tensor.NewArena(b)
	x := newTensor(a, "x", 1, 1, 1, 4, []float32{1, 2, 3, 4})

	rms, err := b.OpCreate(NewOpParam(OpRMSNorm).With("dim", 4).With("eps", 0), "n")
	require.NoError(t, err)
	require.NoError(t, rms.Load(mapLoader{"n.weight": {1, 1, 1, 2}}))
	y := a.New("y")
	plan(t, rms, []*tensor.Tensor{x}, []*tensor.Tensor{y})
	require.NoError(t, rms.Execute(context.Background(), []*tensor.Tensor{x}, []*tensor.Tensor{y}))
	inv := float32(1 / math.Sqrt(7.5))
	approx(t, []float32{inv, 2 * inv, 3 * inv, 8 * inv}, y.Values(), 1e-5)

	ln, err := b.OpCreate(NewOpParam(OpLayerNorm).With("dim", 4).With("eps", 0).With("bias", 1), "ln")
	require.NoError(t, err)
	require.NoError(t, ln.Load(mapLoader{"ln.weight": {1, 1, 1, 1}, "ln.bias": {0, 0, 0, 1}}))
	z := a.New("z")
	plan(t, ln, []*tensor.Tensor{x}, []*tensor.Tensor{z})
	require.NoError(t, ln.Execute(context.Background(), []*tensor.Tensor{x}, []*tensor.Tensor{z}))
	std := float32(math.Sqrt(1.25))
	approx(t, []float32{-1.5 / std, -0.5 / std, 0.5 / std, 1.5/std + 1}, z.Values(), 1e-5)

	wrong := newTensor(a, "wrong", 1, 1, 1, 3, nil)
	assert.ErrorIs(t, rms.Reshape([]*tensor.Tensor{wrong}, []*tensor.Tensor{y}), ErrShapeMismatch)
}

func TestRoPE(t *testing.T) {
	b := NewCPUBackend()
	a := tensor.NewArena(b)
	for _, mode := range []int{RoPEInterleaved, RoPEHalf} {
		op, err := b.OpCreate(NewOpParam(OpRoPE).With("mode", float32(mode)), "rope")
		require.NoError(t, err)
		r := op.(*rope)

		x := newTensor(a, "x", 1, 1, 1, 4, []float32{1, 0, 0, 0})
		y := a.New("y")
		plan(t, op, []*tensor.Tensor{x}, []*tensor.Tensor{y})
		require.NoError(t, op.Execute(context.Background(), []*tensor.Tensor{x}, []*tensor.Tensor{y}))
		// position 0 is the identity
		approx(t, []float32{1, 0, 0, 0}, y.Values(), 1e-6)
		assert.Equal(t, 1, r.Position())

		require.NoError(t, op.Execute(context.Background(), []*tensor.Tensor{x}, []*tensor.Tensor{y}))
		v := y.Values()
		// rotation preserves the norm of each pair
		if mode == RoPEInterleaved {
			assert.InDelta(t, 1, v[0]*v[0]+v[1]*v[1], 1e-5)
			assert.InDelta(t, math.Cos(1), v[0], 1e-5)
		} else {
			assert.InDelta(t, 1, v[0]*v[0]+v[2]*v[2], 1e-5)
			assert.InDelta(t, math.Sin(1), v[2], 1e-5)
		}
		r.Reset()
		assert.Equal(t, 0, r.Position())
	}
}

func TestAddBroadcastAndMul(t *testing.T) {
	b := NewCPUBackend()
	a := tensor.NewArena(b)
	x := newTensor(a, "x", 2, 1, 1, 2, []float32{1, 2, 3, 4})
	bias := newTensor(a, "bias", 1, 1, 1, 2, []float32{10, 20})

	add, err := b.OpCreate(NewOpParam(OpAdd), "add")
	require.NoError(t, err)
	y := a.New("y")
	plan(t, add, []*tensor.Tensor{x, bias}, []*tensor.Tensor{y})
	require.NoError(t, add.Execute(context.Background(), []*tensor.Tensor{x, bias}, []*tensor.Tensor{y}))
	assert.Equal(t, []float32{11, 22, 13, 24}, y.Values())

	mul, err := b.OpCreate(NewOpParam(OpMul), "mul")
	require.NoError(t, err)
	z := a.New("z")
	plan(t, mul, []*tensor.Tensor{x, y}, []*tensor.Tensor{z})
	require.NoError(t, mul.Execute(context.Background(), []*tensor.Tensor{x, y}, []*tensor.Tensor{z}))
	assert.Equal(t, []float32{11, 44, 39, 96}, z.Values())

	odd := newTensor(a, "odd", 1, 1, 1, 3, nil)
	assert.ErrorIs(t, add.Reshape([]*tensor.Tensor{x, odd}, []*tensor.Tensor{y}), ErrShapeMismatch)
}

func TestActivations(t *testing.T) {
	b := NewCPUBackend()
	a := tensor.NewArena(b)
	x := newTensor(a, "x", 1, 1, 1, 3, []float32{-1, 0, 2})
	for _, typ := range []OpType{OpSiLU, OpGELU, OpReLU} {
		op, err := b.OpCreate(NewOpParam(typ), typ.String())
		require.NoError(t, err)
		y := a.New("y")
		plan(t, op, []*tensor.Tensor{x}, []*tensor.Tensor{y})
		require.NoError(t, op.Execute(context.Background(), []*tensor.Tensor{x}, []*tensor.Tensor{y}))
		v := y.Values()
		assert.InDelta(t, 0, v[1], 1e-6, typ.String())
		assert.Greater(t, v[2], float32(1.5), typ.String())
	}
}

func TestViewSplitConcat(t *testing.T) {
	b := NewCPUBackend()
	a := tensor.NewArena(b)
	x := newTensor(a, "x", 1, 1, 2, 6, []float32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11})

	view, err := b.OpCreate(NewOpParam(OpView).With("h", 3), "heads")
	require.NoError(t, err)
	v := a.New("v")
	plan(t, view, []*tensor.Tensor{x}, []*tensor.Tensor{v})
	assert.Equal(t, []int{1, 2, 3, 2}, v.Shape())
	assert.Same(t, x.Buffer(), v.Buffer())
	assert.Equal(t, float32(9), v.DataAt(0, 1, 1, 1))

	flat, err := b.OpCreate(NewOpParam(OpView).With("h", 1), "flat")
	require.NoError(t, err)
	f := a.New("f")
	plan(t, flat, []*tensor.Tensor{v}, []*tensor.Tensor{f})
	assert.Equal(t, []int{1, 2, 1, 6}, f.Shape())

	split, err := b.OpCreate(NewOpParam(OpSplit).With("parts", 3), "split")
	require.NoError(t, err)
	parts := []*tensor.Tensor{a.New("p0"), a.New("p1"), a.New("p2")}
	plan(t, split, []*tensor.Tensor{x}, parts)
	require.NoError(t, split.Execute(context.Background(), []*tensor.Tensor{x}, parts))
	assert.Equal(t, []float32{2, 3, 8, 9}, parts[1].Values())

	cat, err := b.OpCreate(NewOpParam(OpConcat), "cat")
	require.NoError(t, err)
	joined := a.New("joined")
	plan(t, cat, parts, []*tensor.Tensor{joined})
	require.NoError(t, cat.Execute(context.Background(), parts, []*tensor.Tensor{joined}))
	assert.Equal(t, x.Values(), joined.Values())

	assert.ErrorIs(t, split.Reshape([]*tensor.Tensor{x}, parts[:2]), ErrShapeMismatch)
}

func TestParameter(t *testing.T) {
	b := NewCPUBackend()
	a := tensor.NewArena(b)
	op, err := b.OpCreate(NewOpParam(OpParameter).With("d", 3), "pos_embed")
	require.NoError(t, err)
	require.NoError(t, op.Load(mapLoader{"pos_embed": {1, 2, 3}}))
	out := a.New("out")
	plan(t, op, nil, []*tensor.Tensor{out})
	require.NoError(t, op.Execute(context.Background(), nil, []*tensor.Tensor{out}))
	assert.Equal(t, []float32{1, 2, 3}, out.Values())
}
