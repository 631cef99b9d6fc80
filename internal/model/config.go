package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/23skdu/longbow-weft/internal/device"
)

var ErrUnsupportedModel = errors.New("unsupported model")

// RopeType selects the rotary embedding convention and, with it, the weight names.
type RopeType int

const (
	// RopeLLaMA rotates interleaved pairs and uses the original checkpoint names.
	RopeLLaMA RopeType = iota
	// RopeHF rotates the two halves of each head and uses Hugging Face names.
	RopeHF
)

func (r RopeType) String() string {
	if r == RopeHF {
		return "hf"
	}
	return "llama"
}

func ParseRope(s string) (RopeType, error) {
	switch strings.ToLower(s) {
	case "llama", "":
		return RopeLLaMA, nil
	case "hf":
		return RopeHF, nil
	default:
		return 0, fmt.Errorf("%w: rope type %q", ErrUnsupportedModel, s)
	}
}

// Config is the shape of a LLaMA-style decoder.
type Config struct {
	Dim        int
	Heads      int
	HiddenDim  int
	Blocks     int
	Vocab      int
	TokenLimit int
	NormEps    float32
	RopeBase   float32
	Rope       RopeType
	Names      NameConfig
}

// HeadDim is the per-head width.
func (c Config) HeadDim() int { return c.Dim / c.Heads }

func (c Config) ropeMode() int {
	if c.Rope == RopeHF {
		return device.RoPEHalf
	}
	return device.RoPEInterleaved
}

// NewConfig returns the configuration of a named model size. Sizes are "7B" (or "7b")
// and the toy "tiny"; a vocab of 0 keeps the size's default.
func NewConfig(tokenLimit int, size string, rope RopeType, vocab int) (Config, error) {
	if tokenLimit <= 0 {
		return Config{}, fmt.Errorf("%w: token limit %d", ErrUnsupportedModel, tokenLimit)
	}
	var c Config
	switch size {
	case "7B", "7b":
		c = Config{Dim: 4096, Heads: 32, HiddenDim: 11008, Blocks: 32, Vocab: 32000}
	case "tiny":
		c = Config{Dim: 64, Heads: 4, HiddenDim: 128, Blocks: 2, Vocab: 256}
	default:
		return Config{}, fmt.Errorf("%w: size %q", ErrUnsupportedModel, size)
	}
	if vocab > 0 {
		c.Vocab = vocab
	}
	c.TokenLimit = tokenLimit
	c.NormEps = 1e-6
	c.RopeBase = 10000
	c.Rope = rope
	c.Names = LLaMANames()
	if rope == RopeHF {
		c.Names = HFNames()
	}
	return c, nil
}
