package model

import "fmt"

// NameConfig maps the parts of the decoder onto checkpoint tensor names. Block is a
// format string taking the block index; the per-block parts are relative to it.
type NameConfig struct {
	Embedding string
	Norm      string
	Output    string
	Block     string

	AttentionNorm string
	Query         string
	Key           string
	Value         string
	AttnOut       string
	FFNNorm       string
	Gate          string
	Down          string
	Up            string
}

func LLaMANames() NameConfig {
	return NameConfig{
		Embedding:     "tok_embeddings",
		Norm:          "norm",
		Output:        "output",
		Block:         "layers.%d",
		AttentionNorm: "attention_norm",
		Query:         "attention.wq",
		Key:           "attention.wk",
		Value:         "attention.wv",
		AttnOut:       "attention.wo",
		FFNNorm:       "ffn_norm",
		Gate:          "feed_forward.w1",
		Down:          "feed_forward.w2",
		Up:            "feed_forward.w3",
	}
}

func HFNames() NameConfig {
	return NameConfig{
		Embedding:     "model.embed_tokens",
		Norm:          "model.norm",
		Output:        "lm_head",
		Block:         "model.layers.%d",
		AttentionNorm: "input_layernorm",
		Query:         "self_attn.q_proj",
		Key:           "self_attn.k_proj",
		Value:         "self_attn.v_proj",
		AttnOut:       "self_attn.o_proj",
		FFNNorm:       "post_attention_layernorm",
		Gate:          "mlp.gate_proj",
		Down:          "mlp.down_proj",
		Up:            "mlp.up_proj",
	}
}

// At names part inside block i, e.g. At(3, "attention.wq") is "layers.3.attention.wq".
func (n NameConfig) At(i int, part string) string {
	return fmt.Sprintf(n.Block, i) + "." + part
}
