package tensor

import (
	"fmt"
	"sort"
)

// AddTensors makes t a virtual concatenation of subs along axis. Every sub-tensor must
// match t on the other axes and the aggregated extents must sum to t's extent.
func (t *Tensor) AddTensors(subs []*Tensor, axis Axis) error {
	if len(subs) == 0 {
		return fmt.Errorf("%w: no sub-tensors for %q", ErrShapeMismatch, t.name)
	}
	B, H, S, D := t.Dims()
	bounds := make([]int, 0, len(subs))
	sum := 0
	for i, sub := range subs {
		if sub.arena != t.arena {
			return fmt.Errorf("%w: %q", ErrArenaMismatch, sub.name)
		}
		b, h, s, d := sub.Dims()
		var ok bool
		switch axis {
		case AxisHead:
			ok = b == B && s == S && d == D
			sum += h
		case AxisSequence:
			ok = b == B && h == H && d == D
			sum += s
		case AxisDimension:
			ok = b == B && h == H && s == S
			sum += d
		case AxisDHD, AxisHD:
			f := subs[0]
			ok = b == B && s == S && h == f.Head() && d == f.Dimension()
			sum += h * d
		default:
			return fmt.Errorf("%w: cannot aggregate along %s", ErrUnsupportedLayout, axis)
		}
		if !ok {
			return fmt.Errorf("%w: sub-tensor %d %q [%d %d %d %d] does not fit %q [%d %d %d %d] along %s",
				ErrShapeMismatch, i, sub.name, b, h, s, d, t.name, B, H, S, D, axis)
		}
		bounds = append(bounds, sum)
	}
	want := map[Axis]int{AxisHead: H, AxisSequence: S, AxisDimension: D, AxisDHD: D, AxisHD: D}[axis]
	if sum != want {
		return fmt.Errorf("%w: %s extents sum to %d, %q has %d", ErrShapeMismatch, axis, sum, t.name, want)
	}

	t.Free()
	ids := make([]ID, len(subs))
	for i, sub := range subs {
		ids[i] = sub.id
	}
	t.aggregated = true
	t.aggAxis = axis
	t.aggTensors = ids
	t.aggBounds = bounds
	return nil
}

// boundIndex finds the first sub-tensor whose cumulative extent exceeds idx.
func (t *Tensor) boundIndex(idx int) int {
	j := sort.SearchInts(t.aggBounds, idx+1)
	if j >= len(t.aggBounds) {
		panic(fmt.Errorf("%w: index %d beyond aggregated extent %d of %q", ErrShapeMismatch, idx, t.aggBounds[len(t.aggBounds)-1], t.name))
	}
	return j
}

func (t *Tensor) lowerBound(j int) int {
	if j == 0 {
		return 0
	}
	return t.aggBounds[j-1]
}

// resolve maps an aggregated index to the owning sub-tensor and its local index.
func (t *Tensor) resolve(b, h, s, d int) (*Tensor, int, int, int, int) {
	var j int
	switch t.aggAxis {
	case AxisHead:
		j = t.boundIndex(h)
		h -= t.lowerBound(j)
	case AxisSequence:
		j = t.boundIndex(s)
		s -= t.lowerBound(j)
	case AxisDimension:
		j = t.boundIndex(d)
		d -= t.lowerBound(j)
	case AxisDHD:
		first := t.arena.Get(t.aggTensors[0])
		dim, n := first.Dimension(), len(t.aggTensors)
		h = d / (dim * n)
		rem := d % (dim * n)
		j = rem / dim
		d = rem % dim
	case AxisHD:
		first := t.arena.Get(t.aggTensors[0])
		dim, heads := first.Dimension(), first.Head()
		j = d / (dim * heads)
		rem := d - j*dim*heads
		h = rem / dim
		d = rem % dim
	}
	return t.arena.Get(t.aggTensors[j]), b, h, s, d
}
