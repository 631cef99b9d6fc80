package graph

import (
	"fmt"
	"strings"

	"github.com/23skdu/longbow-weft/internal/device"
	"github.com/23skdu/longbow-weft/internal/tensor"
)

// Layer is one call site of the model code: a named op with its parameters. The same
// Layer value is called in every pass; what the call does depends on the phase.
type Layer struct {
	name   string
	key    Key
	param  device.OpParam
	op     device.Op
	loaded bool

	ins, outs []tensor.ID
}

// NewLayer binds an op type and its parameters to a concrete name such as
// "layers.3.attention.wq". The block index in the name selects the weights.
func NewLayer(name string, p device.OpParam) *Layer {
	return &Layer{name: name, key: ParseKey(name), param: p}
}

func (l *Layer) Name() string          { return l.name }
func (l *Layer) Key() Key              { return l.key }
func (l *Layer) Type() device.OpType   { return l.param.Type }
func (l *Layer) Param() device.OpParam { return l.param }
func (l *Layer) Loaded() bool          { return l.loaded }

// Op returns the backend op, or nil before the first Load or Plan call.
func (l *Layer) Op() device.Op { return l.op }

// Call runs a single-input, single-output layer.
func (l *Layer) Call(g *Context, x *tensor.Tensor) *tensor.Tensor {
	return g.call(l, []*tensor.Tensor{x}, 1)[0]
}

func (l *Layer) Call2(g *Context, a, b *tensor.Tensor) *tensor.Tensor {
	return g.call(l, []*tensor.Tensor{a, b}, 1)[0]
}

func (l *Layer) Call3(g *Context, a, b, c *tensor.Tensor) *tensor.Tensor {
	return g.call(l, []*tensor.Tensor{a, b, c}, 1)[0]
}

// Call0 runs a layer without inputs, such as a learned parameter.
func (l *Layer) Call0(g *Context) *tensor.Tensor {
	return g.call(l, nil, 1)[0]
}

// CallN runs a layer producing n outputs from one input.
func (l *Layer) CallN(g *Context, x *tensor.Tensor, n int) []*tensor.Tensor {
	return g.call(l, []*tensor.Tensor{x}, n)
}

// CallList runs a layer over a variable number of inputs.
func (l *Layer) CallList(g *Context, xs []*tensor.Tensor) *tensor.Tensor {
	return g.call(l, xs, 1)[0]
}

func (l *Layer) String() string {
	return fmt.Sprintf("%s(%s)", l.param.Type, l.name)
}

// outputKeys names the outputs of l. Cache outputs stay per block because every block
// owns its own cache; everything else shares one tensor across blocks.
func (l *Layer) outputKeys(n int) []Key {
	base := l.key.Prefix("out-")
	if l.param.Type != device.OpKVCache {
		base = base.Shared()
	}
	if n == 1 {
		return []Key{base}
	}
	keys := make([]Key, n)
	for i := range keys {
		keys[i] = base.Suffix(fmt.Sprintf("-%d", i))
	}
	return keys
}

func (g *Context) call(l *Layer, ins []*tensor.Tensor, n int) []*tensor.Tensor {
	if g.err != nil || g.strategy == nil {
		return passthrough(ins, n)
	}
	for _, x := range ins {
		if x == nil {
			g.fail(fmt.Errorf("%s: nil input", l))
			return passthrough(ins, n)
		}
	}
	if g.current != nil {
		g.current.add(l)
	}
	outs, err := g.strategy.call(g, l, ins, n)
	if err != nil {
		g.fail(err)
		return passthrough(ins, n)
	}
	return outs
}

func (g *Context) ensureOp(l *Layer) error {
	if l.op != nil {
		return nil
	}
	op, err := g.backend.OpCreate(l.param, l.name)
	if err != nil {
		return err
	}
	l.op = op
	g.layers = append(g.layers, l)
	return nil
}

func (g *Context) ensureLoaded(l *Layer) error {
	if err := g.ensureOp(l); err != nil {
		return err
	}
	if l.loaded {
		return nil
	}
	if g.loader == nil {
		return fmt.Errorf("load %s: no weight loader", l)
	}
	if err := l.op.Load(g.loader); err != nil {
		return fmt.Errorf("load %s: %w", l, err)
	}
	l.loaded = true
	return nil
}

// baseSuffixes mark tensors derived from another registered tensor by a reshape or a
// split, so their per-block alias must also derive from the base alias.
var baseSuffixes = []string{"-view", ".split-"}

func baseTemplate(template string) (string, bool) {
	for _, s := range baseSuffixes {
		if i := strings.LastIndex(template, s); i > 0 {
			return template[:i], true
		}
	}
	return "", false
}

// cacheAlias returns the per-block alias of the shared tensor x that feeds a cache at
// block, rebinding it to x's current storage. Aggregated tensors get aggregated aliases
// and reshaped tensors become views of their base's alias.
func (g *Context) cacheAlias(x *tensor.Tensor, block int) *tensor.Tensor {
	k := g.register(x)
	if block == Shared || k.Block == block {
		return x
	}
	ak := k.At(block)
	alias := g.tensorFor(ak)
	if alias.ID() == x.ID() {
		return x
	}

	if x.Aggregated() {
		subs := make([]*tensor.Tensor, 0, len(x.AggregatedTensors()))
		for _, id := range x.AggregatedTensors() {
			subs = append(subs, g.cacheAlias(g.arena.Get(id), block))
		}
		alias.InitFrom(x)
		if err := alias.AddTensors(subs, x.AggregatedAxis()); err != nil {
			g.fail(fmt.Errorf("alias %s: %w", ak, err))
		}
		return alias
	}

	if bt, ok := baseTemplate(k.Template); ok {
		if base, ok := g.Lookup(Key{Template: bt, Block: k.Block}); ok && base.ID() != x.ID() {
			baseAlias := g.cacheAlias(base, block)
			alias.InitFrom(x)
			alias.DeepCopyFrom(baseAlias, false, nil, 1)
			return alias
		}
	}

	alias.DeepCopyFrom(x, true, nil, 1)
	return alias
}
