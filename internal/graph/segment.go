package graph

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-weft/internal/device"
	"github.com/23skdu/longbow-weft/internal/tensor"
)

// segment is a named scope of the model code, typically one transformer block.
type segment struct {
	name     string
	layers   []*Layer
	locals   []tensor.ID
	released bool
}

func (s *segment) add(l *Layer) {
	for _, have := range s.layers {
		if have == l {
			return
		}
	}
	s.layers = append(s.layers, l)
}

// event is one planned call, in execution order: either a layer or a tensor function.
type event struct {
	seg       *segment
	layer     *Layer
	fn        device.Func
	args      []float32
	ins, outs []tensor.ID
}

func (g *Context) record(e event, ins, outs []*tensor.Tensor) {
	if !g.recording {
		return
	}
	e.seg, e.ins, e.outs = g.current, ids(ins), ids(outs)
	g.trace = append(g.trace, e)
}

func (g *Context) segmentFor(name string) *segment {
	if s, ok := g.segments[name]; ok {
		return s
	}
	s := &segment{name: name}
	g.segments[name] = s
	g.order = append(g.order, s)
	return s
}

// Segment runs fn as a named scope. fn is called exactly once per pass. With segment
// freeing enabled, a Run pass first rebuilds the scope from the calls recorded by the
// last Plan pass, then runs fn and releases the local tensors and non-persistent op
// weights.
func (g *Context) Segment(name string, fn func()) {
	seg := g.segmentFor(name)
	prev := g.current
	g.current = seg
	defer func() { g.current = prev }()

	if g.phase != PhaseRun || !g.freeSegments || g.err != nil {
		fn()
		return
	}
	if err := g.rebuild(seg); err != nil {
		g.fail(fmt.Errorf("segment %s: %w", name, err))
	}
	fn()
	if g.err == nil {
		g.release(seg)
	}
}

// rebuild reloads released weights and sets up every call the segment made in the last
// Plan pass, on the tensors it recorded. That reallocates the locals freed by this
// segment or by an earlier one sharing the same outputs.
func (g *Context) rebuild(seg *segment) error {
	for _, e := range g.trace {
		if e.seg != seg {
			continue
		}
		ins, outs := g.tensors(e.ins), g.tensors(e.outs)
		switch {
		case e.layer != nil:
			l := e.layer
			if err := g.ensureLoaded(l); err != nil {
				return err
			}
			if err := l.op.Reshape(ins, outs); err != nil {
				return fmt.Errorf("reshape %s: %w", l, err)
			}
			if err := l.op.SetUp(ins, outs); err != nil {
				return fmt.Errorf("setup %s: %w", l, err)
			}
		case e.fn != nil:
			if err := e.fn.Setup(outs, ins, e.args); err != nil {
				return fmt.Errorf("setup func: %w", err)
			}
		}
	}
	for _, id := range seg.locals {
		if err := g.arena.Get(id).Alloc(); err != nil {
			return err
		}
	}
	if seg.released {
		log.Debug().Str("segment", seg.name).Int("tensors", len(seg.locals)).Msg("segment rebuilt")
	}
	seg.released = false
	return nil
}

func (g *Context) release(seg *segment) {
	freed := 0
	for _, l := range seg.layers {
		if l.op == nil || !l.loaded {
			continue
		}
		if p, ok := l.op.(device.Persistent); ok && p.Persistent() {
			continue
		}
		if err := l.op.Free(g.tensors(l.ins), g.tensors(l.outs)); err != nil {
			g.fail(fmt.Errorf("free %s: %w", l, err))
			return
		}
		l.loaded = false
	}
	for _, id := range seg.locals {
		t := g.arena.Get(id)
		if t.Owns() {
			freed += t.Capacity() * t.DType().Size()
			t.Free()
		}
	}
	seg.released = true
	log.Debug().Str("segment", seg.name).Int("tensors", len(seg.locals)).Int("bytes", freed).Msg("segment released")
}

func (g *Context) tensors(ids []tensor.ID) []*tensor.Tensor {
	out := make([]*tensor.Tensor, len(ids))
	for i, id := range ids {
		out[i] = g.arena.Get(id)
	}
	return out
}

// computeLocals derives, from the trace of the last Plan pass, the tensors each segment
// may free once it has run: produced inside the segment and never read by a call
// outside it before being produced again. A tensor that escapes keeps its storage
// owner (master) and aggregated parts alive too.
func (g *Context) computeLocals(outputs ...*tensor.Tensor) {
	producer := map[tensor.ID]*segment{}
	escaped := map[*segment]map[tensor.ID]bool{}
	produced := map[*segment][]tensor.ID{}
	seen := map[*segment]map[tensor.ID]bool{}

	var escape func(s *segment, id tensor.ID, depth int)
	escape = func(s *segment, id tensor.ID, depth int) {
		if s == nil || depth > g.arena.Len() {
			return
		}
		if escaped[s] == nil {
			escaped[s] = map[tensor.ID]bool{}
		}
		if escaped[s][id] {
			return
		}
		escaped[s][id] = true
		t := g.arena.Get(id)
		if t.Master() != tensor.NoID {
			escape(s, t.Master(), depth+1)
		}
		for _, sub := range t.AggregatedTensors() {
			escape(s, sub, depth+1)
		}
	}

	for _, e := range g.trace {
		for _, id := range e.ins {
			if p, ok := producer[id]; ok && p != e.seg {
				escape(p, id, 0)
			}
		}
		for _, id := range e.outs {
			producer[id] = e.seg
			if e.seg == nil {
				continue
			}
			if seen[e.seg] == nil {
				seen[e.seg] = map[tensor.ID]bool{}
			}
			if !seen[e.seg][id] {
				seen[e.seg][id] = true
				produced[e.seg] = append(produced[e.seg], id)
			}
		}
	}
	for _, out := range outputs {
		if out != nil {
			escape(producer[out.ID()], out.ID(), 0)
		}
	}

	for _, s := range g.order {
		s.locals = s.locals[:0]
		for _, id := range produced[s] {
			if !escaped[s][id] {
				s.locals = append(s.locals, id)
			}
		}
	}
}

// Locals lists the keys a segment frees after running, as of the last Plan pass.
func (g *Context) Locals(name string) []Key {
	s, ok := g.segments[name]
	if !ok {
		return nil
	}
	out := make([]Key, 0, len(s.locals))
	for _, id := range s.locals {
		if k, ok := g.names[id]; ok {
			out = append(out, k)
		}
	}
	return out
}
