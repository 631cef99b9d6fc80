package graph

import (
	"fmt"

	"github.com/23skdu/longbow-weft/internal/device"
	"github.com/23skdu/longbow-weft/internal/tensor"
)

type funcCall struct {
	typ  device.FuncType
	key  Key
	ins  []*tensor.Tensor
	args []float32
}

func (g *Context) funcFor(c funcCall) (device.Func, error) {
	if fn, ok := g.funcs[c.key]; ok {
		return fn, nil
	}
	fn, err := g.backend.FuncCreate(c.typ)
	if err != nil {
		return nil, err
	}
	g.funcs[c.key] = fn
	return fn, nil
}

func (g *Context) apply(c funcCall) *tensor.Tensor {
	if g.err != nil || g.strategy == nil {
		if len(c.ins) > 0 {
			return c.ins[0]
		}
		return nil
	}
	for _, x := range c.ins {
		if x == nil {
			g.fail(fmt.Errorf("%s %s: nil input", c.typ, c.key))
			return nil
		}
	}
	out, err := g.strategy.apply(g, c)
	if err != nil {
		g.fail(err)
		if len(c.ins) > 0 {
			return c.ins[0]
		}
		return nil
	}
	return out
}

// unary keys the output after its input, "<input>-<suffix>".
func (g *Context) unary(typ device.FuncType, suffix string, x *tensor.Tensor, args ...float32) *tensor.Tensor {
	if x == nil {
		g.fail(fmt.Errorf("%s: nil input", typ))
		return nil
	}
	return g.apply(funcCall{typ: typ, key: g.keyOf(x).Suffix("-" + suffix), ins: []*tensor.Tensor{x}, args: args})
}

func (g *Context) binary(typ device.FuncType, suffix string, a, b *tensor.Tensor) *tensor.Tensor {
	if a == nil || b == nil {
		g.fail(fmt.Errorf("%s: nil input", typ))
		return a
	}
	return g.apply(funcCall{typ: typ, key: g.keyOf(a).Suffix("-" + suffix), ins: []*tensor.Tensor{a, b}})
}

func (g *Context) ScalarAdd(x *tensor.Tensor, v float32) *tensor.Tensor {
	return g.unary(device.FuncAdd, "add", x, v)
}

func (g *Context) ScalarSub(x *tensor.Tensor, v float32) *tensor.Tensor {
	return g.unary(device.FuncSub, "sub", x, v)
}

func (g *Context) ScalarMul(x *tensor.Tensor, v float32) *tensor.Tensor {
	return g.unary(device.FuncMul, "mul", x, v)
}

func (g *Context) ScalarDiv(x *tensor.Tensor, v float32) *tensor.Tensor {
	return g.unary(device.FuncDiv, "div", x, v)
}

// Add is elementwise a+b with b broadcast where its extent is 1.
func (g *Context) Add(a, b *tensor.Tensor) *tensor.Tensor {
	return g.binary(device.FuncTTAdd, "TTadd", a, b)
}

func (g *Context) Sub(a, b *tensor.Tensor) *tensor.Tensor {
	return g.binary(device.FuncTTSub, "TTsub", a, b)
}

func (g *Context) Mul(a, b *tensor.Tensor) *tensor.Tensor {
	return g.binary(device.FuncTTMul, "TTmul", a, b)
}

func (g *Context) Div(a, b *tensor.Tensor) *tensor.Tensor {
	return g.binary(device.FuncTTDiv, "TTdiv", a, b)
}

// View reinterprets x as [b, h, s, d]; -1 keeps an extent.
func (g *Context) View(x *tensor.Tensor, b, h, s, d int) *tensor.Tensor {
	return g.unary(device.FuncView, "view", x, float32(b), float32(h), float32(s), float32(d))
}

// Transpose materializes x with axes a and b swapped.
func (g *Context) Transpose(x *tensor.Tensor, a, b tensor.Axis) *tensor.Tensor {
	return g.unary(device.FuncTranspose, "transpose", x, float32(a), float32(b))
}

// Flatten merges axis b into axis a.
func (g *Context) Flatten(x *tensor.Tensor, a, b tensor.Axis) *tensor.Tensor {
	return g.unary(device.FuncFlatten, "flatten", x, float32(a), float32(b))
}

func (g *Context) Mean(x *tensor.Tensor, axis tensor.Axis) *tensor.Tensor {
	return g.unary(device.FuncMean, "mean", x, float32(axis))
}

func (g *Context) Norm(x *tensor.Tensor, p float32) *tensor.Tensor {
	return g.unary(device.FuncNorm, "norm", x, p)
}

// Where lists the flat indices of x equal to v.
func (g *Context) Where(x *tensor.Tensor, v float32) *tensor.Tensor {
	return g.unary(device.FuncWhere, "where", x, v)
}

// Clip keeps [start, end) along axis. Negative bounds count from the end and an end
// of 0 means the full extent.
func (g *Context) Clip(x *tensor.Tensor, axis tensor.Axis, start, end int) *tensor.Tensor {
	return g.unary(device.FuncClip, "clip", x, float32(axis), float32(start), float32(end))
}

// Cat concatenates xs along axis, keyed after the first input.
func (g *Context) Cat(xs []*tensor.Tensor, axis tensor.Axis) *tensor.Tensor {
	if len(xs) == 0 || xs[0] == nil {
		g.fail(fmt.Errorf("%s: no inputs", device.FuncCat))
		return nil
	}
	return g.apply(funcCall{typ: device.FuncCat, key: g.keyOf(xs[0]).Suffix("-cat"), ins: xs, args: []float32{float32(axis)}})
}

// MM is the batched matrix product a x b.
func (g *Context) MM(a, b *tensor.Tensor) *tensor.Tensor {
	if a == nil || b == nil {
		g.fail(fmt.Errorf("%s: nil input", device.FuncMM))
		return a
	}
	k := g.keyOf(a).Suffix("-mm-" + g.keyOf(b).String())
	return g.apply(funcCall{typ: device.FuncMM, key: k, ins: []*tensor.Tensor{a, b}})
}

// Range is the sequence start, start+1, ..., end-1 as a [1, 1, n, 1] tensor.
func (g *Context) Range(start, end int) *tensor.Tensor {
	k := GlobalKey(fmt.Sprintf("range-%d-%d", start, end))
	return g.apply(funcCall{typ: device.FuncRange, key: k, args: []float32{float32(start), float32(end)}})
}
