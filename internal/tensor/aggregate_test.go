package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFilled(a *Arena, name string, b, h, s, d int, base float32) *Tensor {
	x := a.New(name)
	x.Reshape(b, h, s, d)
	if err := x.Alloc(); err != nil {
		panic(err)
	}
	data := x.Float32s()
	for i := range data {
		data[i] = base + float32(i)
	}
	return x
}

func TestAddTensorsSequence(t *testing.T) {
	a := NewArena(nil)
	s1 := newFilled(a, "a", 1, 1, 2, 2, 0)
	s2 := newFilled(a, "b", 1, 1, 3, 2, 100)

	agg := a.New("agg")
	agg.Reshape(1, 1, 5, 2)
	require.NoError(t, agg.AddTensors([]*Tensor{s1, s2}, AxisSequence))
	assert.True(t, agg.Aggregated())
	assert.NoError(t, agg.Alloc())
	assert.False(t, agg.Owns())

	// index 0 resolves into the first sub-tensor
	assert.Equal(t, float32(0), agg.DataAt(0, 0, 0, 0))
	assert.Equal(t, float32(3), agg.DataAt(0, 0, 1, 1))
	// first index of the second sub-tensor is local 0
	assert.Equal(t, float32(100), agg.DataAt(0, 0, 2, 0))
	assert.Equal(t, float32(105), agg.DataAt(0, 0, 4, 1))

	agg.SetDataAt(0, 0, 3, 0, -1)
	assert.Equal(t, float32(-1), s2.DataAt(0, 0, 1, 0))
	assert.Nil(t, agg.Float32s())
}

func TestAddTensorsHeadAndDimension(t *testing.T) {
	t.Run("head", func(t *testing.T) {
		a := NewArena(nil)
		s1 := newFilled(a, "a", 1, 1, 1, 2, 0)
		s2 := newFilled(a, "b", 1, 2, 1, 2, 10)
		agg := a.New("agg")
		agg.Reshape(1, 3, 1, 2)
		require.NoError(t, agg.AddTensors([]*Tensor{s1, s2}, AxisHead))
		assert.Equal(t, []float32{0, 1, 10, 11, 12, 13}, agg.Values())
	})
	t.Run("dimension", func(t *testing.T) {
		a := NewArena(nil)
		s1 := newFilled(a, "a", 1, 1, 1, 3, 0)
		s2 := newFilled(a, "b", 1, 1, 1, 1, 50)
		agg := a.New("agg")
		agg.Reshape(1, 1, 1, 4)
		require.NoError(t, agg.AddTensors([]*Tensor{s1, s2}, AxisDimension))
		assert.Equal(t, []float32{0, 1, 2, 50}, agg.Values())
		assert.Panics(t, func() { agg.DataAt(0, 0, 0, 4) })
	})
}

func TestAddTensorsPacked(t *testing.T) {
	t.Run("D_HD", func(t *testing.T) {
		a := NewArena(nil)
		q := newFilled(a, "q", 1, 2, 1, 2, 0)
		k := newFilled(a, "k", 1, 2, 1, 2, 10)
		agg := a.New("qk")
		agg.Reshape(1, 1, 1, 8)
		require.NoError(t, agg.AddTensors([]*Tensor{q, k}, AxisDHD))
		// per head: q dims then k dims
		assert.Equal(t, []float32{0, 1, 10, 11, 2, 3, 12, 13}, agg.Values())
	})
	t.Run("HD", func(t *testing.T) {
		a := NewArena(nil)
		q := newFilled(a, "q", 1, 2, 1, 2, 0)
		k := newFilled(a, "k", 1, 2, 1, 2, 10)
		agg := a.New("qk")
		agg.Reshape(1, 1, 1, 8)
		require.NoError(t, agg.AddTensors([]*Tensor{q, k}, AxisHD))
		// all of q then all of k
		assert.Equal(t, []float32{0, 1, 2, 3, 10, 11, 12, 13}, agg.Values())
	})
}

func TestAddTensorsValidation(t *testing.T) {
	a := NewArena(nil)
	s1 := newFilled(a, "a", 1, 1, 2, 2, 0)
	s2 := newFilled(a, "b", 1, 1, 2, 3, 0)

	agg := a.New("agg")
	agg.Reshape(1, 1, 4, 2)
	err := agg.AddTensors([]*Tensor{s1, s2}, AxisSequence)
	assert.ErrorIs(t, err, ErrShapeMismatch)
	assert.False(t, agg.Aggregated())

	short := a.New("short")
	short.Reshape(1, 1, 5, 2)
	err = short.AddTensors([]*Tensor{s1, s1}, AxisSequence)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	err = short.AddTensors([]*Tensor{s1}, AxisBatch)
	assert.ErrorIs(t, err, ErrUnsupportedLayout)

	err = short.AddTensors(nil, AxisSequence)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}
