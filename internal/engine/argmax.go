package engine

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/23skdu/longbow-weft/internal/tensor"
)

// LastLogits copies the logits of the last sequence position of a [1, 1, S, V] output.
func LastLogits(t *tensor.Tensor) ([]float32, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil output", ErrBadOutput)
	}
	b, h, s, d := t.Dims()
	if b != 1 || h != 1 || s == 0 || d == 0 {
		return nil, fmt.Errorf("%w: %s", ErrBadOutput, t)
	}
	out := make([]float32, d)
	for i := range out {
		out[i] = t.DataAt(0, 0, s-1, i)
	}
	return out, nil
}

// Argmax returns the index of the largest logit at the last position.
func Argmax(t *tensor.Tensor) (int, error) {
	logits, err := LastLogits(t)
	if err != nil {
		return 0, err
	}
	return argmax(logits), nil
}

func argmax(logits []float32) int {
	vals := make([]float64, len(logits))
	for i, v := range logits {
		vals[i] = float64(v)
	}
	return floats.MaxIdx(vals)
}
