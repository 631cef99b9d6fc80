package graph

import (
	"fmt"

	"github.com/23skdu/longbow-weft/internal/device"
	"github.com/23skdu/longbow-weft/internal/tensor"
)

// strategy is what a call site does in one phase.
type strategy interface {
	call(g *Context, l *Layer, ins []*tensor.Tensor, n int) ([]*tensor.Tensor, error)
	apply(g *Context, c funcCall) (*tensor.Tensor, error)
}

func strategyFor(p Phase) (strategy, error) {
	switch p {
	case PhaseLoad:
		return loadStrategy{}, nil
	case PhasePlan:
		return planStrategy{}, nil
	case PhaseRun:
		return runStrategy{}, nil
	default:
		return nil, fmt.Errorf("no strategy for phase %s", p)
	}
}

type loadStrategy struct{}

func (loadStrategy) String() string { return "load" }

func (loadStrategy) call(g *Context, l *Layer, ins []*tensor.Tensor, n int) ([]*tensor.Tensor, error) {
	if err := g.ensureLoaded(l); err != nil {
		return nil, err
	}
	return passthrough(ins, n), nil
}

func (loadStrategy) apply(_ *Context, c funcCall) (*tensor.Tensor, error) {
	if len(c.ins) == 0 {
		return nil, nil
	}
	return c.ins[0], nil
}

type planStrategy struct{}

func (planStrategy) String() string { return "plan" }

func (planStrategy) call(g *Context, l *Layer, ins []*tensor.Tensor, n int) ([]*tensor.Tensor, error) {
	for _, x := range ins {
		g.register(x)
	}
	if l.param.Type == device.OpKVCache && len(ins) > 0 {
		ins = append([]*tensor.Tensor(nil), ins...)
		ins[0] = g.cacheAlias(ins[0], l.key.Block)
	}
	keys := l.outputKeys(n)
	outs := make([]*tensor.Tensor, n)
	for i, k := range keys {
		outs[i] = g.tensorFor(k)
	}
	if err := g.ensureLoaded(l); err != nil {
		return nil, err
	}
	if err := l.op.Reshape(ins, outs); err != nil {
		return nil, fmt.Errorf("reshape %s: %w", l, err)
	}
	if err := l.op.SetUp(ins, outs); err != nil {
		return nil, fmt.Errorf("setup %s: %w", l, err)
	}
	for _, o := range outs {
		if !o.Aggregated() && !o.IsView() && o.Count() > 0 && o.Buffer() == nil {
			return nil, fmt.Errorf("%w: %s output %s", ErrNotAllocated, l, o.Name())
		}
		o.SetStatus(tensor.StatusInit)
	}
	l.ins, l.outs = ids(ins), ids(outs)
	g.record(event{layer: l}, ins, outs)
	return outs, nil
}

func (planStrategy) apply(g *Context, c funcCall) (*tensor.Tensor, error) {
	for _, x := range c.ins {
		g.register(x)
	}
	out := g.tensorFor(c.key)
	fn, err := g.funcFor(c)
	if err != nil {
		return nil, err
	}
	if err := fn.Setup([]*tensor.Tensor{out}, c.ins, c.args); err != nil {
		return nil, fmt.Errorf("setup %s %s: %w", c.typ, c.key, err)
	}
	out.SetStatus(tensor.StatusInit)
	g.record(event{fn: fn, args: c.args}, c.ins, []*tensor.Tensor{out})
	return out, nil
}

type runStrategy struct{}

func (runStrategy) String() string { return "run" }

func (runStrategy) call(g *Context, l *Layer, ins []*tensor.Tensor, n int) ([]*tensor.Tensor, error) {
	if l.op == nil || !l.loaded {
		return nil, fmt.Errorf("%w: %s", ErrNotPlanned, l)
	}
	if l.param.Type == device.OpKVCache && len(ins) > 0 {
		k, ok := g.names[ins[0].ID()]
		if !ok {
			return nil, fmt.Errorf("%w: %s input %s", ErrNotPlanned, l, ins[0].Name())
		}
		if l.key.Block != Shared && k.Block != l.key.Block {
			alias, ok := g.Lookup(k.At(l.key.Block))
			if !ok {
				return nil, fmt.Errorf("%w: %s alias %s", ErrNotPlanned, l, k.At(l.key.Block))
			}
			ins = append([]*tensor.Tensor(nil), ins...)
			ins[0] = alias
		}
	}
	keys := l.outputKeys(n)
	outs := make([]*tensor.Tensor, n)
	for i, k := range keys {
		t, ok := g.Lookup(k)
		if !ok {
			return nil, fmt.Errorf("%w: %s output %s", ErrNotPlanned, l, k)
		}
		outs[i] = t
	}
	if err := device.Execute(g.ctx, g.backend, l.op, ins, outs); err != nil {
		return nil, err
	}
	for _, o := range outs {
		o.SetStatus(tensor.StatusReady)
		if g.nanCheck && o.HasNaN() {
			return nil, fmt.Errorf("%w: %s output %s", ErrNaN, l, o.Name())
		}
	}
	return outs, nil
}

func (runStrategy) apply(g *Context, c funcCall) (*tensor.Tensor, error) {
	out, ok := g.Lookup(c.key)
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrNotPlanned, c.typ, c.key)
	}
	fn, ok := g.funcs[c.key]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrNotPlanned, c.typ, c.key)
	}
	if err := fn.Execute(g.ctx, []*tensor.Tensor{out}, c.ins, c.args); err != nil {
		return nil, fmt.Errorf("%s %s: %w", c.typ, c.key, err)
	}
	out.SetStatus(tensor.StatusReady)
	if g.nanCheck && out.HasNaN() {
		return nil, fmt.Errorf("%w: %s %s", ErrNaN, c.typ, c.key)
	}
	return out, nil
}

func ids(ts []*tensor.Tensor) []tensor.ID {
	out := make([]tensor.ID, len(ts))
	for i, t := range ts {
		out[i] = t.ID()
	}
	return out
}
