package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/23skdu/longbow-weft/internal/device"
	"github.com/23skdu/longbow-weft/internal/tensor"
)

var (
	// ErrNotPlanned means a Run pass reached a call site the Plan pass never registered.
	ErrNotPlanned   = errors.New("call site not planned")
	ErrNotAllocated = errors.New("output not allocated after setup")
	ErrNaN          = errors.New("NaN in tensor")
	ErrPassActive   = errors.New("pass already running")
)

// Phase selects what a pass over the model code does at every call site.
type Phase int

const (
	PhaseIdle Phase = iota
	// PhaseLoad creates ops and loads their weights.
	PhaseLoad
	// PhasePlan infers shapes and allocates storage.
	PhasePlan
	// PhaseRun executes kernels into planned storage.
	PhaseRun
)

func (p Phase) String() string {
	switch p {
	case PhaseLoad:
		return "load"
	case PhasePlan:
		return "plan"
	case PhaseRun:
		return "run"
	default:
		return "idle"
	}
}

// Context is the state shared by every call site of one model instance: the tensor
// arena, the key registry, the active phase and the first error of the pass.
// A Context is not safe for concurrent use.
type Context struct {
	arena   *tensor.Arena
	backend device.Backend
	loader  device.Loader

	keys  map[Key]tensor.ID
	names map[tensor.ID]Key

	phase    Phase
	strategy strategy
	ctx      context.Context
	err      error

	layers []*Layer
	funcs  map[Key]device.Func

	freeSegments bool
	nanCheck     bool
	segments     map[string]*segment
	order        []*segment
	current      *segment
	recording    bool
	trace        []event
}

type Option func(*Context)

// WithSegmentFreeing releases segment-local tensors and op weights when each segment
// finishes running, and reacquires them the next time the segment runs.
func WithSegmentFreeing(on bool) Option {
	return func(g *Context) { g.freeSegments = on }
}

// WithNaNCheck fails the Run pass at the first op output containing NaN.
func WithNaNCheck(on bool) Option {
	return func(g *Context) { g.nanCheck = on }
}

func New(backend device.Backend, loader device.Loader, opts ...Option) *Context {
	g := &Context{
		arena:    tensor.NewArena(backend),
		backend:  backend,
		loader:   loader,
		keys:     map[Key]tensor.ID{},
		names:    map[tensor.ID]Key{},
		funcs:    map[Key]device.Func{},
		segments: map[string]*segment{},
		ctx:      context.Background(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Context) Arena() *tensor.Arena      { return g.arena }
func (g *Context) Backend() device.Backend   { return g.backend }
func (g *Context) Phase() Phase              { return g.phase }
func (g *Context) Err() error                { return g.err }
func (g *Context) SegmentFreeing() bool      { return g.freeSegments }
func (g *Context) Layers() []*Layer          { return append([]*Layer(nil), g.layers...) }
func (g *Context) Loader() device.Loader     { return g.loader }
func (g *Context) SetLoader(l device.Loader) { g.loader = l }

// Pass runs the model code fn once under phase and returns its output and the first
// error raised by any call site.
func (g *Context) Pass(ctx context.Context, phase Phase, fn func() *tensor.Tensor) (*tensor.Tensor, error) {
	if g.phase != PhaseIdle {
		return nil, fmt.Errorf("%w: %s during %s", ErrPassActive, phase, g.phase)
	}
	s, err := strategyFor(phase)
	if err != nil {
		return nil, err
	}
	g.phase, g.strategy, g.ctx, g.err = phase, s, ctx, nil
	defer func() {
		g.phase, g.strategy, g.ctx, g.current = PhaseIdle, nil, context.Background(), nil
	}()
	if phase == PhasePlan {
		g.recording = true
		g.trace = g.trace[:0]
		for _, seg := range g.order {
			seg.layers = seg.layers[:0]
			seg.released = false
		}
	}

	out := fn()

	if phase == PhasePlan {
		g.recording = false
		if g.err == nil {
			g.computeLocals(out)
		}
	}
	if g.err == nil {
		g.err = ctx.Err()
	}
	return out, g.err
}

func (g *Context) fail(err error) {
	if g.err == nil && err != nil {
		g.err = err
	}
}

// Lookup returns the tensor registered under k.
func (g *Context) Lookup(k Key) (*tensor.Tensor, bool) {
	id, ok := g.keys[k]
	if !ok {
		return nil, false
	}
	return g.arena.Get(id), true
}

// KeyOf returns the key a tensor is registered under.
func (g *Context) KeyOf(t *tensor.Tensor) (Key, bool) {
	k, ok := g.names[t.ID()]
	return k, ok
}

// Register maps k to t, replacing any previous entry for k.
func (g *Context) Register(k Key, t *tensor.Tensor) {
	if old, ok := g.keys[k]; ok && old != t.ID() {
		delete(g.names, old)
	}
	g.keys[k] = t.ID()
	g.names[t.ID()] = k
}

// Keys lists the registry in rendered-name order.
func (g *Context) Keys() []Key {
	out := make([]Key, 0, len(g.keys))
	for k := range g.keys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// tensorFor returns the tensor under k, creating it in the arena when missing.
func (g *Context) tensorFor(k Key) *tensor.Tensor {
	if t, ok := g.Lookup(k); ok {
		return t
	}
	t := g.arena.New(k.String())
	g.Register(k, t)
	return t
}

// register makes sure x has a registry entry, keyed by its parsed name.
func (g *Context) register(x *tensor.Tensor) Key {
	if k, ok := g.names[x.ID()]; ok {
		return k
	}
	k := ParseKey(x.Name())
	g.Register(k, x)
	return k
}

func (g *Context) keyOf(x *tensor.Tensor) Key {
	if k, ok := g.names[x.ID()]; ok {
		return k
	}
	return ParseKey(x.Name())
}

// Input returns the tensor under k shaped [b, h, s, d] and allocated, ready to be filled.
func (g *Context) Input(k Key, b, h, s, d int) (*tensor.Tensor, error) {
	t := g.tensorFor(k)
	t.Reshape(b, h, s, d)
	if err := t.Alloc(); err != nil {
		return nil, fmt.Errorf("input %s: %w", k, err)
	}
	t.SetStatus(tensor.StatusReady)
	return t, nil
}

// Reset clears decode state (cache fill, rotary position) of every op.
func (g *Context) Reset() {
	for _, l := range g.layers {
		if r, ok := l.op.(device.Resetter); ok {
			r.Reset()
		}
	}
}

// Close releases every buffer in the arena and all op weights.
func (g *Context) Close() {
	for _, l := range g.layers {
		if l.op != nil {
			_ = l.op.Free(nil, nil)
			l.loaded = false
		}
	}
	g.arena.FreeAll()
}

func passthrough(ins []*tensor.Tensor, n int) []*tensor.Tensor {
	out := make([]*tensor.Tensor, n)
	if len(ins) > 0 {
		for i := range out {
			out[i] = ins[0]
		}
	}
	return out
}
