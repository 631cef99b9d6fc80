package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/23skdu/longbow-weft/internal/tensor"
)

var (
	ErrUnknownOp     = errors.New("unknown op type")
	ErrUnknownFunc   = errors.New("unknown tensor function")
	ErrCacheFull     = errors.New("kv cache full")
	ErrShapeMismatch = errors.New("op shape mismatch")
	ErrBadToken      = errors.New("token id out of vocabulary")
)

// OpType identifies an operator family in the backend registry.
type OpType int

const (
	OpEmbedding OpType = iota
	OpLinear
	OpRMSNorm
	OpLayerNorm
	OpRoPE
	OpKVCache
	OpMatmul
	OpScale
	OpCausalMask
	OpSlidingWindowMask
	OpSoftmax
	OpSiLU
	OpGELU
	OpReLU
	OpAdd
	OpMul
	OpView
	OpSplit
	OpConcat
	OpParameter
)

var opNames = [...]string{
	"Embedding", "Linear", "RMSNorm", "LayerNorm", "RoPE", "KVCache", "Matmul", "Scale",
	"CausalMask", "SlidingWindowMask", "Softmax", "SiLU", "GELU", "ReLU", "Add", "Mul",
	"View", "Split", "Concat", "Parameter",
}

func (t OpType) String() string {
	if t >= 0 && int(t) < len(opNames) {
		return opNames[t]
	}
	return fmt.Sprintf("OpType(%d)", int(t))
}

// OpParam carries the numeric configuration of one call site.
type OpParam struct {
	Type   OpType
	Values map[string]float32
}

func NewOpParam(t OpType) OpParam {
	return OpParam{Type: t, Values: map[string]float32{}}
}

// With returns a copy of p with key set to v.
func (p OpParam) With(key string, v float32) OpParam {
	values := make(map[string]float32, len(p.Values)+1)
	for k, x := range p.Values {
		values[k] = x
	}
	values[key] = v
	return OpParam{Type: p.Type, Values: values}
}

func (p OpParam) Float(key string, def float32) float32 {
	if v, ok := p.Values[key]; ok {
		return v
	}
	return def
}

func (p OpParam) Int(key string, def int) int {
	if v, ok := p.Values[key]; ok {
		return int(v)
	}
	return def
}

func (p OpParam) Bool(key string) bool {
	return p.Values[key] != 0
}

// Loader fills a weight tensor whose name and shape are already set.
type Loader interface {
	Load(t *tensor.Tensor) error
}

// Op is one operator instance, created once per call site and reused across passes.
type Op interface {
	Name() string
	Type() OpType
	// Reshape sets output shapes from input shapes. It must not touch data.
	Reshape(inputs, outputs []*tensor.Tensor) error
	// SetUp allocates outputs and binds views.
	SetUp(inputs, outputs []*tensor.Tensor) error
	Execute(ctx context.Context, inputs, outputs []*tensor.Tensor) error
	Load(loader Loader) error
	// Free releases weights; a later Load brings them back.
	Free(inputs, outputs []*tensor.Tensor) error
}

// Resetter is implemented by ops that carry decode state.
type Resetter interface {
	Reset()
}

// Persistent ops keep their state when a segment is released.
type Persistent interface {
	Persistent() bool
}

// OpCreator builds an op for a call site.
type OpCreator func(p OpParam, name string, b Backend) (Op, error)

// FuncType identifies a tensor function.
type FuncType int

const (
	FuncAdd FuncType = iota
	FuncSub
	FuncMul
	FuncDiv
	FuncTTAdd
	FuncTTSub
	FuncTTMul
	FuncTTDiv
	FuncMean
	FuncView
	FuncFlatten
	FuncTranspose
	FuncClip
	FuncNorm
	FuncWhere
	FuncCat
	FuncMM
	FuncRange
)

var funcNames = [...]string{
	"add", "sub", "mul", "div", "TTadd", "TTsub", "TTmul", "TTdiv", "mean", "view", "flatten",
	"transpose", "clip", "norm", "where", "cat", "mm", "range",
}

func (f FuncType) String() string {
	if f >= 0 && int(f) < len(funcNames) {
		return funcNames[f]
	}
	return fmt.Sprintf("FuncType(%d)", int(f))
}

// Func is a stateless tensor function. Setup shapes and allocates outputs; Execute fills them.
type Func interface {
	Setup(outputs, inputs []*tensor.Tensor, args []float32) error
	Execute(ctx context.Context, outputs, inputs []*tensor.Tensor, args []float32) error
}

// Backend provides tensor storage and creates ops and functions.
type Backend interface {
	tensor.Allocator
	Name() string
	OpCreate(p OpParam, name string) (Op, error)
	FuncCreate(f FuncType) (Func, error)
	RegisterOp(t OpType, c OpCreator)
}

// Execute runs op and records its duration under the backend's label.
func Execute(ctx context.Context, b Backend, op Op, inputs, outputs []*tensor.Tensor) error {
	start := time.Now()
	err := op.Execute(ctx, inputs, outputs)
	opDuration.WithLabelValues(op.Type().String(), b.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("%s %q: %w", op.Type(), op.Name(), err)
	}
	return nil
}
