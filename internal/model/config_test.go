package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig(t *testing.T) {
	t.Run("7B", func(t *testing.T) {
		for _, size := range []string{"7B", "7b"} {
			c, err := NewConfig(2048, size, RopeLLaMA, 0)
			require.NoError(t, err)
			assert.Equal(t, 4096, c.Dim)
			assert.Equal(t, 32, c.Heads)
			assert.Equal(t, 11008, c.HiddenDim)
			assert.Equal(t, 32, c.Blocks)
			assert.Equal(t, 32000, c.Vocab)
			assert.Equal(t, 128, c.HeadDim())
			assert.Equal(t, 2048, c.TokenLimit)
		}
	})
	t.Run("tiny with vocab", func(t *testing.T) {
		c, err := NewConfig(16, "tiny", RopeHF, 50)
		require.NoError(t, err)
		assert.Equal(t, 64, c.Dim)
		assert.Equal(t, 2, c.Blocks)
		assert.Equal(t, 50, c.Vocab)
		assert.Equal(t, HFNames(), c.Names)
	})
	t.Run("unsupported", func(t *testing.T) {
		_, err := NewConfig(16, "13B", RopeLLaMA, 0)
		assert.ErrorIs(t, err, ErrUnsupportedModel)
		_, err = NewConfig(0, "tiny", RopeLLaMA, 0)
		assert.ErrorIs(t, err, ErrUnsupportedModel)
	})
}

func TestParseRope(t *testing.T) {
	r, err := ParseRope("HF")
	require.NoError(t, err)
	assert.Equal(t, RopeHF, r)
	assert.Equal(t, "hf", r.String())

	r, err = ParseRope("llama")
	require.NoError(t, err)
	assert.Equal(t, RopeLLaMA, r)

	_, err = ParseRope("neox")
	assert.ErrorIs(t, err, ErrUnsupportedModel)
}

func TestNames(t *testing.T) {
	assert.Equal(t, "layers.3.attention.wq", LLaMANames().At(3, LLaMANames().Query))
	assert.Equal(t, "model.layers.0.mlp.down_proj", HFNames().At(0, HFNames().Down))
	assert.Equal(t, "lm_head", HFNames().Output)
}
