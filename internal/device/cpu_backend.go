package device

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/cpu"

	"github.com/23skdu/longbow-weft/internal/tensor"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)

// numWorkers defines the default parallelism for CPU operations
var numWorkers = runtime.NumCPU()

// minParallelRows keeps tiny kernels on the calling goroutine.
const minParallelRows = 8

type poolKey struct {
	dtype tensor.DType
	count int
}

// CPUBackend is the pure-Go backend. Buffers are recycled through per-size pools and
// bounded by an optional byte budget.
type CPUBackend struct {
	name     string
	maxBytes int64
	live     atomic.Int64
	pools    sync.Map // poolKey -> *sync.Pool

	mu    sync.RWMutex
	ops   map[OpType]OpCreator
	funcs map[FuncType]func() Func
}

type CPUOption func(*CPUBackend)

// WithMemoryLimit bounds the bytes held by live buffers. Zero means unbounded.
func WithMemoryLimit(bytes int64) CPUOption {
	return func(b *CPUBackend) { b.maxBytes = bytes }
}

func NewCPUBackend(opts ...CPUOption) *CPUBackend {
	b := &CPUBackend{
		name:  "CPU",
		ops:   map[OpType]OpCreator{},
		funcs: map[FuncType]func() Func{},
	}
	for _, o := range opts {
		o(b)
	}
	registerCPUOps(b)
	registerFuncs(b)
	logFeatures()
	return b
}

func logFeatures() {
	features := map[string]bool{
		"avx2":    cpu.X86.HasAVX2,
		"fma":     cpu.X86.HasFMA,
		"avx512f": cpu.X86.HasAVX512F,
		"neon":    cpu.ARM64.HasASIMD,
		"fp16":    cpu.ARM64.HasFPHP && cpu.ARM64.HasASIMDHP,
	}
	ev := log.Debug().Int("workers", numWorkers)
	for name, ok := range features {
		v := 0.0
		if ok {
			v = 1
		}
		cpuFeatures.WithLabelValues(name).Set(v)
		ev = ev.Bool(name, ok)
	}
	ev.Msg("CPU backend features")
}

func (b *CPUBackend) Name() string {
	return b.name
}

func (b *CPUBackend) pool(k poolKey) *sync.Pool {
	p, _ := b.pools.LoadOrStore(k, &sync.Pool{})
	return p.(*sync.Pool)
}

// Alloc hands out a zeroed buffer, recycling a pooled one of the same size when possible.
func (b *CPUBackend) Alloc(dtype tensor.DType, count int) (*tensor.Buffer, error) {
	bytes := int64(count * dtype.Size())
	if b.maxBytes > 0 && b.live.Load()+bytes > b.maxBytes {
		return nil, fmt.Errorf("%w: need %d bytes, %d of %d in use", tensor.ErrOutOfMemory, bytes, b.live.Load(), b.maxBytes)
	}
	b.live.Add(bytes)
	liveBytes.Add(float64(bytes))
	allocatedBytes.Add(float64(bytes))

	k := poolKey{dtype: dtype, count: count}
	if v := b.pool(k).Get(); v != nil {
		buf := v.(*tensor.Buffer)
		if buf.Resize(count) {
			poolHits.Inc()
			return buf, nil
		}
	}
	poolMisses.Inc()
	return tensor.NewBuffer(dtype, count), nil
}

// Free returns buf to its pool.
func (b *CPUBackend) Free(buf *tensor.Buffer) {
	if buf == nil {
		return
	}
	bytes := int64(buf.Bytes())
	b.live.Add(-bytes)
	liveBytes.Sub(float64(bytes))
	b.pool(poolKey{dtype: buf.DType(), count: buf.Len()}).Put(buf)
}

// LiveBytes reports the bytes currently handed out.
func (b *CPUBackend) LiveBytes() int64 {
	return b.live.Load()
}

func (b *CPUBackend) RegisterOp(t OpType, c OpCreator) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops[t] = c
}

func (b *CPUBackend) OpCreate(p OpParam, name string) (Op, error) {
	return b.opCreate(b, p, name)
}

// opCreate builds the op with self as its backend, so wrapping backends keep their identity.
func (b *CPUBackend) opCreate(self Backend, p OpParam, name string) (Op, error) {
	b.mu.RLock()
	c, ok := b.ops[p.Type]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s for %q", ErrUnknownOp, p.Type, name)
	}
	return c(p, name, self)
}

func (b *CPUBackend) FuncCreate(f FuncType) (Func, error) {
	b.mu.RLock()
	c, ok := b.funcs[f]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFunc, f)
	}
	return c(), nil
}

func registerCPUOps(b *CPUBackend) {
	b.RegisterOp(OpEmbedding, newEmbedding)
	b.RegisterOp(OpLinear, newLinear(linearRows))
	b.RegisterOp(OpRMSNorm, newRMSNorm)
	b.RegisterOp(OpLayerNorm, newLayerNorm)
	b.RegisterOp(OpRoPE, newRoPE)
	b.RegisterOp(OpKVCache, newKVCache)
	b.RegisterOp(OpMatmul, newMatmul(matmulLoop))
	b.RegisterOp(OpScale, newScale)
	b.RegisterOp(OpCausalMask, newMask(false))
	b.RegisterOp(OpSlidingWindowMask, newMask(true))
	b.RegisterOp(OpSoftmax, newSoftmax)
	b.RegisterOp(OpSiLU, newActivation(OpSiLU))
	b.RegisterOp(OpGELU, newActivation(OpGELU))
	b.RegisterOp(OpReLU, newActivation(OpReLU))
	b.RegisterOp(OpAdd, newBinary(OpAdd))
	b.RegisterOp(OpMul, newBinary(OpMul))
	b.RegisterOp(OpView, newView)
	b.RegisterOp(OpSplit, newSplit)
	b.RegisterOp(OpConcat, newConcat)
	b.RegisterOp(OpParameter, newParameter)
}

// parallelFor splits [0, n) into contiguous ranges across workers.
func parallelFor(ctx context.Context, n int, fn func(start, end int)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n < minParallelRows || numWorkers == 1 {
		fn(0, n)
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(numWorkers)
	chunk := (n + numWorkers - 1) / numWorkers
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			fn(start, end)
			return nil
		})
	}
	return g.Wait()
}
