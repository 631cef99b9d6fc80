package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/23skdu/longbow-weft/internal/device"
	"github.com/23skdu/longbow-weft/internal/graph"
	"github.com/23skdu/longbow-weft/internal/tensor"
)

var (
	ErrNoTokens  = errors.New("no input tokens")
	ErrBadOutput = errors.New("output is not a single sequence of logits")
)

var tracer = otel.Tracer("weft-engine")

// Model is authored model code: the same Forward is replayed in every pass.
type Model interface {
	Forward(g *graph.Context, tokens *tensor.Tensor) *tensor.Tensor
}

// Executor drives a Model through the graph phases. Weights are loaded on the first
// run, shapes are planned whenever the input length changes (every run once the model
// holds caches) and kernels run on every call.
type Executor struct {
	g     *graph.Context
	model Model

	loaded   bool
	planned  int
	stateful bool
}

func NewExecutor(m Model, b device.Backend, l device.Loader, opts ...graph.Option) *Executor {
	return &Executor{g: graph.New(b, l, opts...), model: m}
}

// Graph exposes the underlying context for inspection.
func (e *Executor) Graph() *graph.Context { return e.g }

// Run feeds tokens as a [1, 1, n, 1] tensor under graph.InputKey and returns the model
// output.
func (e *Executor) Run(ctx context.Context, tokens []int) (*tensor.Tensor, error) {
	ctx, span := tracer.Start(ctx, "executor.Run")
	defer span.End()
	span.SetAttributes(attribute.Int("tokens", len(tokens)))

	if len(tokens) == 0 {
		return nil, ErrNoTokens
	}
	x, err := e.g.Input(graph.InputKey, 1, 1, len(tokens), 1)
	if err != nil {
		return nil, err
	}
	for i, tok := range tokens {
		x.SetDataAt(0, 0, i, 0, float32(tok))
	}
	fn := func() *tensor.Tensor { return e.model.Forward(e.g, x) }

	if !e.loaded {
		if _, err := e.pass(ctx, graph.PhaseLoad, fn); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		e.loaded = true
	}
	if e.stateful || e.planned != len(tokens) {
		if _, err := e.pass(ctx, graph.PhasePlan, fn); err != nil {
			e.planned = 0
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		e.planned = len(tokens)
		e.stateful = e.hasState()
	}
	out, err := e.pass(ctx, graph.PhaseRun, fn)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	forwardTokens.Add(float64(len(tokens)))
	return out, nil
}

func (e *Executor) pass(ctx context.Context, phase graph.Phase, fn func() *tensor.Tensor) (*tensor.Tensor, error) {
	ctx, span := tracer.Start(ctx, "executor."+phase.String())
	defer span.End()

	start := time.Now()
	out, err := e.g.Pass(ctx, phase, fn)
	elapsed := time.Since(start)
	passDuration.WithLabelValues(phase.String()).Observe(elapsed.Seconds())

	ev := log.Debug().Str("phase", phase.String()).Dur("duration", elapsed)
	if out != nil {
		ev = ev.Stringer("output", out)
	}
	ev.Msg("graph pass")
	if err != nil {
		return nil, fmt.Errorf("%s pass: %w", phase, err)
	}
	return out, nil
}

// hasState reports whether any op keeps decode state, in which case output shapes
// change on every step.
func (e *Executor) hasState() bool {
	for _, l := range e.g.Layers() {
		if _, ok := l.Op().(device.Resetter); ok {
			return true
		}
	}
	return false
}

// Reset clears caches and positions so the next Run starts a new sequence.
func (e *Executor) Reset() {
	e.g.Reset()
	e.planned = 0
}

// Close releases all storage and weights. The executor reloads on the next Run.
func (e *Executor) Close() {
	e.g.Close()
	e.loaded = false
	e.planned = 0
}
