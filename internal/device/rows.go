package device

import (
	"fmt"

	"github.com/23skdu/longbow-weft/internal/tensor"
)

// rowSet addresses a 4-D tensor as B*S*H rows of D elements in BSHD order. Plain BSHD
// storage is used in place; anything else goes through DataAt/SetDataAt.
type rowSet struct {
	t          *tensor.Tensor
	data       []float32
	B, H, S, D int
}

func rowsOf(t *tensor.Tensor) rowSet {
	r := rowSet{t: t}
	r.B, r.H, r.S, r.D = t.Dims()
	if t.Layout() == tensor.BSHD {
		r.data = t.Float32s()
	}
	return r
}

func (r rowSet) n() int { return r.B * r.S * r.H }

func (r rowSet) coords(i int) (b, h, s int) {
	h = i % r.H
	s = (i / r.H) % r.S
	b = i / (r.H * r.S)
	return b, h, s
}

// get returns row i, either as a slice of the storage or copied into scratch.
func (r rowSet) get(i int, scratch []float32) []float32 {
	if r.data != nil {
		return r.data[i*r.D : (i+1)*r.D]
	}
	b, h, s := r.coords(i)
	for d := 0; d < r.D; d++ {
		scratch[d] = r.t.DataAt(b, h, s, d)
	}
	return scratch[:r.D]
}

// put stores v as row i. Writing back a slice obtained from get is a no-op copy.
func (r rowSet) put(i int, v []float32) {
	if r.data != nil {
		copy(r.data[i*r.D:(i+1)*r.D], v)
		return
	}
	b, h, s := r.coords(i)
	for d := 0; d < r.D; d++ {
		r.t.SetDataAt(b, h, s, d, v[d])
	}
}

// matrix gathers the (b, h) slice of t as a contiguous S x D row-major matrix.
func matrix(t *tensor.Tensor, b, h int, dst []float32) []float32 {
	_, _, S, D := t.Dims()
	dst = dst[:S*D]
	for s := 0; s < S; s++ {
		for d := 0; d < D; d++ {
			dst[s*D+d] = t.DataAt(b, h, s, d)
		}
	}
	return dst
}

// scatter writes a contiguous S x D matrix into the (b, h) slice of t.
func scatter(t *tensor.Tensor, b, h int, src []float32) {
	_, _, S, D := t.Dims()
	for s := 0; s < S; s++ {
		for d := 0; d < D; d++ {
			t.SetDataAt(b, h, s, d, src[s*D+d])
		}
	}
}

func expectInputs(op Op, inputs []*tensor.Tensor, n int) error {
	if len(inputs) != n {
		return fmt.Errorf("%w: %s %q takes %d inputs, got %d", ErrShapeMismatch, op.Type(), op.Name(), n, len(inputs))
	}
	return nil
}

// sameShape sets out to the 4-D shape and layout of in.
func sameShape(in, out *tensor.Tensor) {
	b, h, s, d := in.Dims()
	if out.Layout() != in.Layout() {
		_ = out.SetLayout(in.Layout())
	}
	out.SetDType(tensor.F32)
	out.Reshape(b, h, s, d)
}

func allocAll(outputs []*tensor.Tensor) error {
	for _, o := range outputs {
		if err := o.Alloc(); err != nil {
			return err
		}
	}
	return nil
}

// baseOp supplies names and no-op weight handling.
type baseOp struct {
	name string
	typ  OpType
}

func (o *baseOp) Name() string { return o.name }

func (o *baseOp) Type() OpType { return o.typ }

func (o *baseOp) Load(Loader) error { return nil }

func (o *baseOp) Free(_, _ []*tensor.Tensor) error { return nil }

func (o *baseOp) SetUp(_, outputs []*tensor.Tensor) error {
	return allocAll(outputs)
}

// weight is a tensor owned by an op and filled by the Loader.
type weight struct {
	t          *tensor.Tensor
	b, h, s, d int
}

func newWeight(be Backend, name string, b, h, s, d int) *weight {
	return &weight{t: tensor.New(name, be), b: b, h: h, s: s, d: d}
}

func (w *weight) load(l Loader) error {
	w.t.Reshape(w.b, w.h, w.s, w.d)
	if err := w.t.Alloc(); err != nil {
		return err
	}
	if err := l.Load(w.t); err != nil {
		return fmt.Errorf("load %s: %w", w.t.Name(), err)
	}
	return nil
}

func (w *weight) data() []float32 { return w.t.Float32s() }

func (w *weight) free() { w.t.Free() }
