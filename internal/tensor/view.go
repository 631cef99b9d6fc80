package tensor

import (
	"fmt"
	"slices"
)

// DeepCopyFrom turns t into a view of src: t borrows src's storage and, when copyShape
// is set, its shape. A non-empty offset maps every index to (i+offset) mod master extent,
// which realizes circular cache windows; it implies copyShape=false. Views previously
// bound to t are rebound to src.
func (t *Tensor) DeepCopyFrom(src *Tensor, copyShape bool, offset []int, headRep int) {
	if src.arena != t.arena {
		panic(fmt.Errorf("%w: %q -> %q", ErrArenaMismatch, src.name, t.name))
	}
	if src.id == t.id {
		return
	}
	if len(offset) > 0 {
		copyShape = false
		if len(offset) != 4 {
			panic(fmt.Errorf("%w: offset %v needs 4 entries", ErrShapeMismatch, offset))
		}
	}
	if t.buf != nil {
		t.arena.alloc.Free(t.buf)
		t.buf = nil
	}
	if t.master != NoID && t.master != src.id {
		t.arena.Get(t.master).removeChild(t.id)
	}
	t.master = src.id
	t.aggregated = false

	if !t.layout.Is5D() && !src.layout.Is5D() && t.layout != src.layout && !t.undiffusion {
		if t.transposed {
			b, h, s, d := src.Dims()
			src.layout = t.layout
			src.Reshape(b, h, s, d)
		} else {
			b, h, s, d := t.Dims()
			t.layout = src.layout
			t.Reshape(b, h, s, d)
		}
	}

	if copyShape {
		t.shape = append([]int(nil), src.shape...)
		t.count = src.count
	}
	t.capacity = max(src.capacity, t.count)
	t.allocated = src.allocated
	t.dtype = src.dtype

	t.shapeOffset, t.shapeMaster = nil, nil
	if len(offset) > 0 {
		t.shapeOffset = append([]int(nil), offset...)
		sb, sh, ss, sd := src.Dims()
		t.shapeMaster = []int{sb, sh, ss, sd}
		if h := t.Head(); sh != h && h == 1 {
			if headRep <= 1 {
				t.shapeMaster = []int{sb, h, ss, sd * sh / h}
			} else {
				t.shapeMaster = []int{sb, h, ss, sd * sh / headRep}
			}
		}
	}

	children := t.children
	t.children = nil
	for _, id := range children {
		t.arena.Get(id).DeepCopyFrom(src, false, offset, headRep)
	}
	src.addChild(t.id)
}

func (t *Tensor) addChild(id ID) {
	if !slices.Contains(t.children, id) {
		t.children = append(t.children, id)
	}
}

func (t *Tensor) removeChild(id ID) {
	t.children = slices.DeleteFunc(t.children, func(c ID) bool { return c == id })
}

// SetChildren replaces the child list. Used when the graph re-keys a family of views.
func (t *Tensor) SetChildren(ids []ID) {
	t.children = append([]ID(nil), ids...)
}

// Detach drops the view relationship; the tensor owns nothing until the next Alloc.
func (t *Tensor) Detach() {
	if t.master == NoID {
		return
	}
	t.arena.Get(t.master).removeChild(t.id)
	t.master = NoID
	t.shapeOffset, t.shapeMaster = nil, nil
	t.allocated = 0
}

// TransShape relabels the same storage under another layout without moving data.
func (t *Tensor) TransShape(a, b Axis, undiffusion bool) error {
	switch {
	case a == AxisSequence && b == AxisDimension && t.layout == BSHD:
		bb, h, s, d := t.Dims()
		t.layout = BHDS
		t.Reshape(bb, h, s, d)
	case a == AxisBatch && b == AxisSequence && t.layout == BSHD:
		bb, h, s, d := t.Dims()
		t.layout = SBHD
		t.Reshape(bb, h, s, d)
	case a == AxisTHW && b == AxisChannel && t.layout == BCTHW:
		bb, c, tm, h, w := t.Batch(), t.Channel(), t.Time(), t.Height(), t.Width()
		t.layout = BTHWC
		t.Reshape5(bb, c, tm, h, w)
	default:
		return fmt.Errorf("%w: transShape(%s, %s) on %s", ErrUnsupportedLayout, a, b, t.layout)
	}
	t.transposed = true
	t.undiffusion = undiffusion
	return nil
}

// View creates a new arena tensor sharing t's storage under another 4-D shape.
func (t *Tensor) View(b, h, s, d int) *Tensor {
	if b*h*s*d > t.capacity {
		panic(fmt.Errorf("%w: view %dx%dx%dx%d exceeds capacity %d of %q", ErrShapeMismatch, b, h, s, d, t.capacity, t.name))
	}
	v := t.arena.New(t.name + "-view")
	v.layout = t.layout
	v.dtype = t.dtype
	v.Reshape(b, h, s, d)
	v.DeepCopyFrom(t, false, nil, 1)
	return v
}
