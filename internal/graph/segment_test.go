package graph

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-weft/internal/device"
	"github.com/23skdu/longbow-weft/internal/tensor"
)

// twoBlocks is out = head(relu(W1 relu(W0 x))) with W0 = I, W1 = 2I, head = [1 1].
type twoBlocks struct {
	g     *Context
	x     *tensor.Tensor
	lins  []*Layer
	acts  []*Layer
	head  *Layer
	order []string
}

var twoBlockWeights = mapLoader{
	"layers.0.lin.weight": {1, 0, 0, 1},
	"layers.1.lin.weight": {2, 0, 0, 2},
	"output.weight":       {1, 1},
}

func newTwoBlocks(t *testing.T, opts ...Option) *twoBlocks {
	m := &twoBlocks{g: New(device.NewCPUBackend(), twoBlockWeights, opts...), head: Linear("output", 2, 1, false)}
	m.x = input(t, m.g, 1, -1)
	for i := 0; i < 2; i++ {
		m.lins = append(m.lins, Linear(fmt.Sprintf("layers.%d.lin", i), 2, 2, false))
		m.acts = append(m.acts, ReLU(fmt.Sprintf("layers.%d.act", i)))
	}
	return m
}

func (m *twoBlocks) forward() *tensor.Tensor {
	h := m.x
	for i := range m.lins {
		m.g.Segment(fmt.Sprintf("block-%d", i), func() {
			m.order = append(m.order, fmt.Sprintf("%s/%d", m.g.strategy, i))
			h = m.acts[i].Call(m.g, m.lins[i].Call(m.g, h))
		})
	}
	return m.head.Call(m.g, h)
}

func TestSegmentFreeing(t *testing.T) {
	plain := newTwoBlocks(t)
	want := runAll(t, plain.g, plain.forward).Values()
	require.Equal(t, []float32{2}, want)

	m := newTwoBlocks(t, WithSegmentFreeing(true))
	got := runAll(t, m.g, m.forward)
	assert.Equal(t, want, got.Values())

	t.Run("locals", func(t *testing.T) {
		lin := BlockKey("out-layers.{}.lin", Shared)
		assert.Equal(t, []Key{lin}, m.g.Locals("block-0"))
		assert.Equal(t, []Key{lin}, m.g.Locals("block-1"))
		assert.Nil(t, m.g.Locals("nope"))
	})

	t.Run("released", func(t *testing.T) {
		lin, ok := m.g.Lookup(BlockKey("out-layers.{}.lin", Shared))
		require.True(t, ok)
		assert.False(t, lin.Owns())
		act, ok := m.g.Lookup(BlockKey("out-layers.{}.act", Shared))
		require.True(t, ok)
		assert.True(t, act.Owns(), "escaping tensors survive")
		for _, l := range m.lins {
			assert.False(t, l.Loaded())
		}
		assert.True(t, m.head.Loaded(), "layers outside segments stay loaded")
		for _, s := range m.g.Snapshot().Segments {
			assert.True(t, s.Released, s.Name)
			assert.Equal(t, 2, s.Layers)
		}
	})

	t.Run("second run reacquires", func(t *testing.T) {
		m.order = nil
		out, err := m.g.Pass(context.Background(), PhaseRun, m.forward)
		require.NoError(t, err)
		assert.Equal(t, want, out.Values())
		assert.Equal(t, []string{"run/0", "run/1"}, m.order, "model code runs once per segment")
		for _, l := range m.lins {
			assert.False(t, l.Loaded())
		}
	})
}

func TestSegmentRunsModelCodeOnce(t *testing.T) {
	for _, freeing := range []bool{false, true} {
		t.Run(fmt.Sprintf("freeing=%v", freeing), func(t *testing.T) {
			g := New(device.NewCPUBackend(), mapLoader{"layers.0.id.weight": {1, 0, 0, 1}}, WithSegmentFreeing(freeing))
			x := input(t, g, 3, 4)
			id := Linear("layers.0.id", 2, 2, false)
			calls := 0
			fn := func() *tensor.Tensor {
				h := x
				g.Segment("block-0", func() {
					calls++
					h = id.Call(g, h)
				})
				return h
			}

			out := runAll(t, g, fn)
			assert.Equal(t, []float32{3, 4}, out.Values())
			assert.Equal(t, 3, calls)

			out, err := g.Pass(context.Background(), PhaseRun, fn)
			require.NoError(t, err)
			assert.Equal(t, []float32{3, 4}, out.Values())
			assert.Equal(t, 4, calls)
		})
	}
}

func TestSegmentWithoutFreeing(t *testing.T) {
	m := newTwoBlocks(t)
	runAll(t, m.g, m.forward)
	lin, ok := m.g.Lookup(BlockKey("out-layers.{}.lin", Shared))
	require.True(t, ok)
	assert.True(t, lin.Owns())
	for _, l := range m.lins {
		assert.True(t, l.Loaded())
	}
}

func TestCacheAliases(t *testing.T) {
	loader := mapLoader{
		"layers.0.k.weight": {1, 0, 0, 1},
		"layers.1.k.weight": {0, 1, 1, 0},
	}
	g := New(device.NewCPUBackend(), loader)
	x := input(t, g, 3, 4)
	var projs, caches []*Layer
	for i := 0; i < 2; i++ {
		projs = append(projs, Linear(fmt.Sprintf("layers.%d.k", i), 2, 2, false))
		caches = append(caches, KVCache(fmt.Sprintf("layers.%d.cache", i), 4))
	}
	fn := func() *tensor.Tensor {
		var out *tensor.Tensor
		for i := range projs {
			k := projs[i].Call(g, x)
			out = caches[i].Call(g, g.View(k, -1, 2, -1, 1))
		}
		return out
	}
	runAll(t, g, fn)

	shared, ok := g.Lookup(BlockKey("out-layers.{}.k", Shared))
	require.True(t, ok)
	assert.Equal(t, []float32{4, 3}, shared.Values(), "shared output holds the last block")

	for i, want := range [][]float32{{3, 4}, {4, 3}} {
		c, ok := g.Lookup(BlockKey("out-layers.{}.cache", i))
		require.True(t, ok, "cache output is per block")
		b, h, sq, d := c.Dims()
		assert.Equal(t, []int{1, 2, 1, 1}, []int{b, h, sq, d})
		assert.Equal(t, []int{1, 1, 2, 1}, c.Shape(), "shape is in BSHD storage order")
		assert.Equal(t, want, c.Values())

		base, ok := g.Lookup(BlockKey("out-layers.{}.k", i))
		require.True(t, ok)
		assert.Equal(t, shared.ID(), base.Master())

		v, ok := g.Lookup(BlockKey("out-layers.{}.k-view", i))
		require.True(t, ok)
		assert.Equal(t, base.ID(), v.Master(), "a reshaped alias views its base alias")
	}

	t.Run("replan keeps cache storage", func(t *testing.T) {
		c0, _ := g.Lookup(BlockKey("out-layers.{}.cache", 0))
		buf := c0.Buffer()
		_, err := g.Pass(context.Background(), PhasePlan, fn)
		require.NoError(t, err)
		assert.Equal(t, 2, c0.Sequence())
		assert.Same(t, buf, c0.Buffer())
	})

	t.Run("reset", func(t *testing.T) {
		g.Reset()
		for _, l := range caches {
			assert.Equal(t, 0, l.Op().(interface{ Filled() int }).Filled())
		}
	})
}

func TestFuncs(t *testing.T) {
	g := New(device.NewCPUBackend(), mapLoader{})
	x := input(t, g, 1, 2, 3)
	var sum, scaled, r *tensor.Tensor
	fn := func() *tensor.Tensor {
		scaled = g.ScalarMul(x, 2)
		sum = g.Add(scaled, x)
		r = g.Range(0, 3)
		return g.Mean(sum, tensor.AxisDimension)
	}
	mean := runAll(t, g, fn)

	assert.Equal(t, "input-mul", scaled.Name())
	assert.Equal(t, "input-mul-TTadd", sum.Name())
	assert.Equal(t, "range-0-3", r.Name())
	assert.Equal(t, []float32{2, 4, 6}, scaled.Values())
	assert.Equal(t, []float32{3, 6, 9}, sum.Values())
	assert.Equal(t, []float32{0, 1, 2}, r.Values())
	assert.Equal(t, []float32{6}, mean.Values())

	t.Run("run reuses planned outputs", func(t *testing.T) {
		x.Float32s()[0] = 4
		out, err := g.Pass(context.Background(), PhaseRun, fn)
		require.NoError(t, err)
		assert.Same(t, mean, out)
		assert.Equal(t, []float32{9}, out.Values())
	})

	t.Run("unplanned func", func(t *testing.T) {
		_, err := g.Pass(context.Background(), PhaseRun, func() *tensor.Tensor { return g.ScalarSub(x, 1) })
		assert.ErrorIs(t, err, ErrNotPlanned)
	})
}
