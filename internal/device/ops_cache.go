package device

import (
	"context"
	"fmt"
	"math"

	"github.com/23skdu/longbow-weft/internal/tensor"
)

// RoPE layouts: interleaved pairs (2i, 2i+1) or the half-split pairs (i, i+D/2).
const (
	RoPEInterleaved = 0
	RoPEHalf        = 1
)

// rope rotates each head vector by its absolute position. The position advances by the
// sequence length after every Execute until Reset.
type rope struct {
	baseOp
	mode int
	base float64
	pos  int
}

func newRoPE(p OpParam, name string, _ Backend) (Op, error) {
	return &rope{
		baseOp: baseOp{name: name, typ: OpRoPE},
		mode:   p.Int("mode", RoPEInterleaved),
		base:   float64(p.Float("base", 10000)),
	}, nil
}

func (o *rope) Reshape(inputs, outputs []*tensor.Tensor) error {
	if err := expectInputs(o, inputs, 1); err != nil {
		return err
	}
	if inputs[0].Dimension()%2 != 0 {
		return fmt.Errorf("%w: rope %q needs an even head dim, input %s", ErrShapeMismatch, o.name, inputs[0])
	}
	sameShape(inputs[0], outputs[0])
	return nil
}

func (o *rope) Reset() { o.pos = 0 }

func (o *rope) Persistent() bool { return true }

// Position is the absolute position of the next token.
func (o *rope) Position() int { return o.pos }

func (o *rope) Execute(ctx context.Context, inputs, outputs []*tensor.Tensor) error {
	src, dst := rowsOf(inputs[0]), rowsOf(outputs[0])
	D := src.D
	half := D / 2
	pos0 := o.pos
	err := parallelFor(ctx, src.n(), func(start, end int) {
		scratch := make([]float32, D)
		out := make([]float32, D)
		for r := start; r < end; r++ {
			_, _, s := src.coords(r)
			row := src.get(r, scratch)
			pos := float64(pos0 + s)
			for i := 0; i < half; i++ {
				theta := pos * math.Pow(o.base, -2.0*float64(i)/float64(D))
				cosTheta := float32(math.Cos(theta))
				sinTheta := float32(math.Sin(theta))
				a, b := 2*i, 2*i+1
				if o.mode == RoPEHalf {
					a, b = i, half+i
				}
				x1, x2 := row[a], row[b]
				out[a] = x1*cosTheta - x2*sinTheta
				out[b] = x1*sinTheta + x2*cosTheta
			}
			dst.put(r, out)
		}
	})
	if err != nil {
		return err
	}
	o.pos += src.S
	return nil
}

// kvCache appends each step's keys or values to a fixed [B, limit, H, D] cache tensor.
// The output is an offset view on the cache covering the filled prefix, so the storage
// never moves while the visible sequence grows.
type kvCache struct {
	baseOp
	limit  int
	filled int
	cache  *tensor.Tensor
}

func newKVCache(p OpParam, name string, _ Backend) (Op, error) {
	limit := p.Int("cache_max", 0)
	if limit <= 0 {
		return nil, fmt.Errorf("%w: kv cache %q needs cache_max", ErrShapeMismatch, name)
	}
	return &kvCache{baseOp: baseOp{name: name, typ: OpKVCache}, limit: limit}, nil
}

func (o *kvCache) Reshape(inputs, outputs []*tensor.Tensor) error {
	if err := expectInputs(o, inputs, 1); err != nil {
		return err
	}
	b, h, s, d := inputs[0].Dims()
	if o.filled+s > o.limit {
		return fmt.Errorf("%w: %q holds %d of %d, cannot append %d", ErrCacheFull, o.name, o.filled, o.limit, s)
	}
	if o.cache != nil && (o.cache.Batch() != b || o.cache.Head() != h || o.cache.Dimension() != d) {
		return fmt.Errorf("%w: kv cache %q is %s, input %s", ErrShapeMismatch, o.name, o.cache, inputs[0])
	}
	outputs[0].SetDType(tensor.F32)
	outputs[0].Reshape(b, h, o.filled+s, d)
	return nil
}

func (o *kvCache) SetUp(inputs, outputs []*tensor.Tensor) error {
	out := outputs[0]
	if o.cache == nil {
		b, h, _, d := inputs[0].Dims()
		o.cache = out.Arena().New(o.name + ".cache")
		o.cache.Reshape(b, h, o.limit, d)
	}
	if err := o.cache.Alloc(); err != nil {
		return err
	}
	out.DeepCopyFrom(o.cache, false, []int{0, 0, 0, 0}, 1)
	return nil
}

func (o *kvCache) Execute(ctx context.Context, inputs, _ []*tensor.Tensor) error {
	in := inputs[0]
	B, H, S, D := in.Dims()
	if o.filled+S > o.limit {
		return fmt.Errorf("%w: %q holds %d of %d, cannot append %d", ErrCacheFull, o.name, o.filled, o.limit, S)
	}
	src, dst := rowsOf(in), rowsOf(o.cache)
	scratch := make([]float32, D)
	for b := 0; b < B; b++ {
		for s := 0; s < S; s++ {
			for h := 0; h < H; h++ {
				row := src.get((b*S+s)*H+h, scratch)
				dst.put((b*o.limit+o.filled+s)*H+h, row)
			}
		}
	}
	o.filled += S
	return ctx.Err()
}

func (o *kvCache) Reset() { o.filled = 0 }

func (o *kvCache) Persistent() bool { return true }

// Filled is the number of cached positions.
func (o *kvCache) Filled() int { return o.filled }

// Cache exposes the backing tensor.
func (o *kvCache) Cache() *tensor.Tensor { return o.cache }
