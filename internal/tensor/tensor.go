package tensor

import (
	"fmt"
	"math"
	"strings"
)

// Status tags a tensor with the phase of the pass that last touched it.
type Status int

const (
	StatusIdle Status = iota
	StatusInit
	StatusReady
)

func (s Status) String() string {
	switch s {
	case StatusInit:
		return "init"
	case StatusReady:
		return "ready"
	default:
		return "idle"
	}
}

// Tensor is a strided 4-D or 5-D array. A tensor either owns a Buffer, is a view on a
// master tensor's storage, or aggregates sub-tensors along one axis.
type Tensor struct {
	id    ID
	arena *Arena
	name  string

	dtype  DType
	layout Layout
	shape  []int
	status Status

	count     int
	capacity  int
	allocated int
	buf       *Buffer

	// view state
	master      ID
	children    []ID
	shapeOffset []int
	shapeMaster []int
	transposed  bool
	undiffusion bool

	// aggregation state
	aggregated bool
	aggAxis    Axis
	aggTensors []ID
	aggBounds  []int
}

func (t *Tensor) ID() ID              { return t.id }
func (t *Tensor) Arena() *Arena       { return t.arena }
func (t *Tensor) Name() string        { return t.name }
func (t *Tensor) SetName(name string) { t.name = name }
func (t *Tensor) DType() DType        { return t.dtype }
func (t *Tensor) Layout() Layout      { return t.layout }
func (t *Tensor) Status() Status      { return t.status }
func (t *Tensor) SetStatus(s Status)  { t.status = s }
func (t *Tensor) Count() int          { return t.count }
func (t *Tensor) Capacity() int       { return t.capacity }
func (t *Tensor) Allocated() int      { return t.allocated }
func (t *Tensor) Master() ID          { return t.master }
func (t *Tensor) Transposed() bool    { return t.transposed }
func (t *Tensor) Aggregated() bool    { return t.aggregated }
func (t *Tensor) AggregatedAxis() Axis {
	return t.aggAxis
}

// Shape returns a copy of the physical shape.
func (t *Tensor) Shape() []int { return append([]int(nil), t.shape...) }

func (t *Tensor) Children() []ID { return append([]ID(nil), t.children...) }

func (t *Tensor) AggregatedTensors() []ID { return append([]ID(nil), t.aggTensors...) }

func (t *Tensor) ShapeOffset() []int { return append([]int(nil), t.shapeOffset...) }

func (t *Tensor) ShapeMaster() []int { return append([]int(nil), t.shapeMaster...) }

// Owns reports whether the tensor holds its own storage.
func (t *Tensor) Owns() bool { return t.buf != nil }

// IsView reports whether the tensor borrows a master's storage.
func (t *Tensor) IsView() bool { return t.master != NoID }

// SetDType changes the element type. Storage of the old type is dropped on the next Alloc.
func (t *Tensor) SetDType(d DType) {
	if t.dtype == d {
		return
	}
	t.dtype = d
	t.allocated = 0
}

// SetLayout switches the layout convention. Changing rank resets the shape to zeros.
func (t *Tensor) SetLayout(l Layout) error {
	if !l.valid() {
		return fmt.Errorf("%w: %s", ErrUnsupportedLayout, l)
	}
	if l.Rank() != len(t.shape) {
		t.shape = make([]int, l.Rank())
		t.count = 0
	}
	t.layout = l
	return nil
}

func (t *Tensor) extent(a Axis) int {
	p, err := t.layout.Position(a)
	if err != nil {
		panic(err)
	}
	return t.shape[p]
}

func (t *Tensor) Batch() int     { return t.extent(AxisBatch) }
func (t *Tensor) Head() int      { return t.extent(AxisHead) }
func (t *Tensor) Sequence() int  { return t.extent(AxisSequence) }
func (t *Tensor) Dimension() int { return t.extent(AxisDimension) }
func (t *Tensor) Channel() int   { return t.extent(AxisChannel) }
func (t *Tensor) Time() int      { return t.extent(AxisTime) }
func (t *Tensor) Height() int    { return t.extent(AxisHeight) }
func (t *Tensor) Width() int     { return t.extent(AxisWidth) }

// Dims returns batch, head, sequence and dimension.
func (t *Tensor) Dims() (b, h, s, d int) {
	return t.Batch(), t.Head(), t.Sequence(), t.Dimension()
}

// Reshape sets the logical extents under the active 4-D layout and reports whether
// capacity grew. Negative or overflowing extents panic.
func (t *Tensor) Reshape(b, h, s, d int) bool {
	if t.layout.Is5D() {
		panic(fmt.Errorf("%w: 4-D reshape on %s", ErrUnsupportedLayout, t.layout))
	}
	shape := make([]int, 4)
	shape[positions[t.layout][AxisBatch]] = b
	shape[positions[t.layout][AxisHead]] = h
	shape[positions[t.layout][AxisSequence]] = s
	shape[positions[t.layout][AxisDimension]] = d
	return t.reshape(shape)
}

// Reshape5 sets batch/channel/time/height/width. A 4-D layout switches to BCTHW.
func (t *Tensor) Reshape5(b, c, tm, h, w int) bool {
	if !t.layout.Is5D() {
		t.layout = BCTHW
	}
	shape := make([]int, 5)
	shape[positions[t.layout][AxisBatch]] = b
	shape[positions[t.layout][AxisChannel]] = c
	shape[positions[t.layout][AxisTime]] = tm
	shape[positions[t.layout][AxisHeight]] = h
	shape[positions[t.layout][AxisWidth]] = w
	return t.reshape(shape)
}

func (t *Tensor) reshape(shape []int) bool {
	count := 1
	for _, n := range shape {
		if n < 0 {
			panic(fmt.Errorf("%w: negative extent in %v for %q", ErrShapeMismatch, shape, t.name))
		}
		if count != 0 && n > math.MaxInt32/count {
			panic(fmt.Errorf("%w: extent product overflows in %v for %q", ErrShapeMismatch, shape, t.name))
		}
		count *= n
	}
	t.shape = shape
	t.count = count
	if count > t.capacity {
		t.capacity = count
		return true
	}
	return false
}

// Alloc ensures owned storage can hold count elements. Aggregated tensors and views
// never allocate; existing storage is reused while it is large enough.
func (t *Tensor) Alloc() error {
	if t.aggregated || t.master != NoID || t.shapeOffset != nil {
		return nil
	}
	if t.buf != nil && t.buf.DType() == t.dtype && t.buf.Len() >= t.count {
		t.allocated = t.count
		return nil
	}
	if t.buf != nil {
		t.arena.alloc.Free(t.buf)
		t.buf = nil
	}
	if t.count > 0 {
		buf, err := t.arena.alloc.Alloc(t.dtype, t.capacity)
		if err != nil {
			return fmt.Errorf("alloc %q (%d x %s): %w", t.name, t.capacity, t.dtype, err)
		}
		t.buf = buf
	}
	t.allocated = t.count
	return nil
}

// Free releases owned storage. A view owns nothing, so freeing it detaches it from its
// master and leaves the master's storage alone.
func (t *Tensor) Free() {
	if t.master != NoID {
		t.Detach()
		return
	}
	if t.buf == nil {
		return
	}
	t.arena.alloc.Free(t.buf)
	t.buf = nil
	t.allocated = 0
}

// Buffer resolves the storage the tensor addresses, following master links.
func (t *Tensor) Buffer() *Buffer {
	cur := t
	for hops := 0; cur.master != NoID; hops++ {
		if hops > t.arena.Len() {
			panic(fmt.Sprintf("master cycle at tensor %q", t.name))
		}
		cur = t.arena.Get(cur.master)
	}
	return cur.buf
}

// Float32s returns the flat float32 storage when addressing is plain row-major over
// the tensor's own shape, and nil for aggregated, offset-mapped or F16 tensors.
func (t *Tensor) Float32s() []float32 {
	if t.aggregated || t.shapeOffset != nil {
		return nil
	}
	buf := t.Buffer()
	if buf == nil {
		return nil
	}
	data := buf.Float32s()
	if data == nil || len(data) < t.count {
		return nil
	}
	return data[:t.count]
}

// Offset returns the flat storage offset of (b, h, s, d). Offset-mapped views wrap each
// index modulo the master extents.
func (t *Tensor) Offset(b, h, s, d int) int {
	if t.shapeOffset != nil {
		m := t.shapeMaster
		b = (b + t.shapeOffset[0]) % m[0]
		h = (h + t.shapeOffset[1]) % m[1]
		s = (s + t.shapeOffset[2]) % m[2]
		d = (d + t.shapeOffset[3]) % m[3]
		return offset4(t.layout, m[0], m[1], m[2], m[3], b, h, s, d)
	}
	if t.layout.Is5D() {
		panic(fmt.Errorf("%w: 4-D offset on %s", ErrUnsupportedLayout, t.layout))
	}
	return offset4(t.layout, t.Batch(), t.Head(), t.Sequence(), t.Dimension(), b, h, s, d)
}

// Offset5 returns the flat offset of (b, c, t, h, w) for 5-D layouts.
func (t *Tensor) Offset5(b, c, tm, h, w int) int {
	if !t.layout.Is5D() {
		panic(fmt.Errorf("%w: 5-D offset on %s", ErrUnsupportedLayout, t.layout))
	}
	return offset5(t.layout, t.Batch(), t.Channel(), t.Time(), t.Height(), t.Width(), b, c, tm, h, w)
}

func (t *Tensor) DataAt(b, h, s, d int) float32 {
	if t.aggregated {
		sub, b, h, s, d := t.resolve(b, h, s, d)
		return sub.DataAt(b, h, s, d)
	}
	return t.Buffer().At(t.Offset(b, h, s, d))
}

func (t *Tensor) SetDataAt(b, h, s, d int, v float32) {
	if t.aggregated {
		sub, b, h, s, d := t.resolve(b, h, s, d)
		sub.SetDataAt(b, h, s, d, v)
		return
	}
	t.Buffer().Set(t.Offset(b, h, s, d), v)
}

// DTypeAt reports the element type at an index, which differs per sub-tensor when aggregated.
func (t *Tensor) DTypeAt(b, h, s, d int) DType {
	if t.aggregated {
		sub, _, _, _, _ := t.resolve(b, h, s, d)
		return sub.dtype
	}
	return t.dtype
}

func (t *Tensor) DataAt5(b, c, tm, h, w int) float32 {
	return t.Buffer().At(t.Offset5(b, c, tm, h, w))
}

func (t *Tensor) SetDataAt5(b, c, tm, h, w int, v float32) {
	t.Buffer().Set(t.Offset5(b, c, tm, h, w), v)
}

// Fill writes v to every logical element.
func (t *Tensor) Fill(v float32) {
	if data := t.Float32s(); data != nil {
		for i := range data {
			data[i] = v
		}
		return
	}
	t.each(func(b, h, s, d int) { t.SetDataAt(b, h, s, d, v) })
}

// Values returns the logical contents in BSHD order.
func (t *Tensor) Values() []float32 {
	B, H, S, D := t.Dims()
	out := make([]float32, 0, B*H*S*D)
	for b := 0; b < B; b++ {
		for s := 0; s < S; s++ {
			for h := 0; h < H; h++ {
				for d := 0; d < D; d++ {
					out = append(out, t.DataAt(b, h, s, d))
				}
			}
		}
	}
	return out
}

// CopyFrom copies element values from a tensor with the same dtype and count.
func (t *Tensor) CopyFrom(src *Tensor) {
	if t.master != NoID {
		panic(fmt.Sprintf("CopyFrom into view %q", t.name))
	}
	if src.dtype != t.dtype || src.count != t.count {
		panic(fmt.Errorf("%w: CopyFrom %q (%s, %d) into %q (%s, %d)", ErrShapeMismatch,
			src.name, src.dtype, src.count, t.name, t.dtype, t.count))
	}
	dst, from := t.Float32s(), src.Float32s()
	if dst != nil && from != nil && src.layout == t.layout {
		copy(dst, from)
		return
	}
	t.each(func(b, h, s, d int) { t.SetDataAt(b, h, s, d, src.DataAt(b, h, s, d)) })
}

// InitFrom copies metadata (dtype, layout, shape, status) but not storage.
func (t *Tensor) InitFrom(src *Tensor) {
	t.dtype = src.dtype
	t.layout = src.layout
	t.shape = append([]int(nil), src.shape...)
	t.count = src.count
	if t.count > t.capacity {
		t.capacity = t.count
	}
	t.status = src.status
}

// HasNaN scans F32 4-D tensors for NaN values.
func (t *Tensor) HasNaN() bool {
	if t.layout.Is5D() || t.dtype != F32 {
		return false
	}
	found := false
	t.each(func(b, h, s, d int) {
		if !found && math.IsNaN(float64(t.DataAt(b, h, s, d))) {
			found = true
		}
	})
	return found
}

func (t *Tensor) each(fn func(b, h, s, d int)) {
	B, H, S, D := t.Dims()
	for b := 0; b < B; b++ {
		for h := 0; h < H; h++ {
			for s := 0; s < S; s++ {
				for d := 0; d < D; d++ {
					fn(b, h, s, d)
				}
			}
		}
	}
}

func (t *Tensor) String() string {
	var sb strings.Builder
	sb.WriteString(t.name)
	sb.WriteString(" [")
	for i, n := range t.shape {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%d", n)
	}
	fmt.Fprintf(&sb, "] (%d) %s %s", t.count, t.layout, t.dtype)
	return sb.String()
}
