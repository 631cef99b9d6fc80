package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Step is one generated token together with the logits it was picked from.
type Step struct {
	Index  int
	Token  int
	Logits []float32
}

// Generate runs the prompt, then greedily decodes steps tokens one at a time.
func (e *Executor) Generate(ctx context.Context, prompt []int, steps int) ([]int, error) {
	out := make([]int, 0, steps)
	err := e.GenerateFunc(ctx, prompt, steps, func(s Step) error {
		out = append(out, s.Token)
		return nil
	})
	return out, err
}

// GenerateFunc is Generate with a callback per produced token. Returning an error from
// fn stops generation.
func (e *Executor) GenerateFunc(ctx context.Context, prompt []int, steps int, fn func(Step) error) error {
	ctx, span := tracer.Start(ctx, "engine.Generate")
	defer span.End()
	span.SetAttributes(attribute.Int("prompt_tokens", len(prompt)), attribute.Int("steps", steps))

	e.Reset()
	input := prompt
	for i := 0; i < steps; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		out, err := e.Run(ctx, input)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("step %d: %w", i, err)
		}
		logits, err := LastLogits(out)
		if err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		tok := argmax(logits)
		tokensGenerated.Inc()
		log.Debug().Int("step", i).Int("token", tok).Msg("generated")
		if err := fn(Step{Index: i, Token: tok, Logits: logits}); err != nil {
			return err
		}
		input = []int{tok}
	}
	return nil
}
