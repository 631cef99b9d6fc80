package model

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-weft/internal/graph"
	"github.com/23skdu/longbow-weft/internal/tensor"
)

// LLaMA is a pre-norm decoder: RMSNorm, rotary multi-head attention over a KV cache,
// and a SwiGLU feed-forward, repeated per block.
type LLaMA struct {
	cfg       Config
	embedding *graph.Layer
	norm      *graph.Layer
	output    *graph.Layer
	blocks    []*block
}

type block struct {
	attnNorm, ffnNorm *graph.Layer
	wq, wk, wv, wo    *graph.Layer
	ropeQ, ropeK      *graph.Layer
	cacheK, cacheV    *graph.Layer
	scores, context   *graph.Layer
	scale, mask       *graph.Layer
	softmax           *graph.Layer
	attnAdd, ffnAdd   *graph.Layer
	w1, w2, w3        *graph.Layer
	silu, gate        *graph.Layer
}

func NewLLaMA(cfg Config) *LLaMA {
	n := cfg.Names
	m := &LLaMA{
		cfg:       cfg,
		embedding: graph.Embedding(n.Embedding, cfg.Vocab, cfg.Dim),
		norm:      graph.RMSNorm(n.Norm, cfg.Dim, cfg.NormEps),
		output:    graph.Linear(n.Output, cfg.Dim, cfg.Vocab, false),
	}
	hd := cfg.HeadDim()
	for i := 0; i < cfg.Blocks; i++ {
		at := func(part string) string { return n.At(i, part) }
		m.blocks = append(m.blocks, &block{
			attnNorm: graph.RMSNorm(at(n.AttentionNorm), cfg.Dim, cfg.NormEps),
			ffnNorm:  graph.RMSNorm(at(n.FFNNorm), cfg.Dim, cfg.NormEps),
			wq:       graph.Linear(at(n.Query), cfg.Dim, cfg.Dim, false),
			wk:       graph.Linear(at(n.Key), cfg.Dim, cfg.Dim, false),
			wv:       graph.Linear(at(n.Value), cfg.Dim, cfg.Dim, false),
			wo:       graph.Linear(at(n.AttnOut), cfg.Dim, cfg.Dim, false),
			ropeQ:    graph.RoPE(at(n.Query+"_rope"), cfg.ropeMode(), cfg.RopeBase),
			ropeK:    graph.RoPE(at(n.Key+"_rope"), cfg.ropeMode(), cfg.RopeBase),
			cacheK:   graph.KVCache(at(n.Key+"_cache"), cfg.TokenLimit),
			cacheV:   graph.KVCache(at(n.Value+"_cache"), cfg.TokenLimit),
			scores:   graph.Matmul(at("attention.scores"), true),
			scale:    graph.Scale(at("attention.scale"), float32(1/math.Sqrt(float64(hd))), 0),
			mask:     graph.CausalMask(at("attention.mask")),
			softmax:  graph.Softmax(at("attention.softmax")),
			context:  graph.Matmul(at("attention.context"), false),
			attnAdd:  graph.Add(at("attention.residual")),
			w1:       graph.Linear(at(n.Gate), cfg.Dim, cfg.HiddenDim, false),
			w2:       graph.Linear(at(n.Down), cfg.HiddenDim, cfg.Dim, false),
			w3:       graph.Linear(at(n.Up), cfg.Dim, cfg.HiddenDim, false),
			silu:     graph.SiLU(at("feed_forward.silu")),
			gate:     graph.Mul(at("feed_forward.gate")),
			ffnAdd:   graph.Add(at("feed_forward.residual")),
		})
	}
	return m
}

func (m *LLaMA) Config() Config { return m.cfg }

// Forward maps [1, 1, n, 1] token ids to [1, 1, n, vocab] logits. Each block runs as
// its own segment.
func (m *LLaMA) Forward(g *graph.Context, tokens *tensor.Tensor) *tensor.Tensor {
	h := m.embedding.Call(g, tokens)
	for i, b := range m.blocks {
		g.Segment(fmt.Sprintf("block-%d", i), func() {
			h = b.forward(g, h, m.cfg)
		})
	}
	return m.output.Call(g, m.norm.Call(g, h))
}

func (b *block) forward(g *graph.Context, h *tensor.Tensor, cfg Config) *tensor.Tensor {
	hd := cfg.HeadDim()
	x := b.attnNorm.Call(g, h)
	q := g.View(b.wq.Call(g, x), -1, cfg.Heads, -1, hd)
	k := g.View(b.wk.Call(g, x), -1, cfg.Heads, -1, hd)
	v := g.View(b.wv.Call(g, x), -1, cfg.Heads, -1, hd)

	q = b.ropeQ.Call(g, q)
	k = b.cacheK.Call(g, b.ropeK.Call(g, k))
	v = b.cacheV.Call(g, v)

	att := b.scores.Call2(g, q, k)
	att = b.mask.Call(g, b.scale.Call(g, att))
	att = b.softmax.Call(g, att)
	ctx := g.View(b.context.Call2(g, att, v), -1, 1, -1, cfg.Dim)
	h = b.attnAdd.Call2(g, h, b.wo.Call(g, ctx))

	y := b.ffnNorm.Call(g, h)
	act := b.gate.Call2(g, b.silu.Call(g, b.w1.Call(g, y)), b.w3.Call(g, y))
	return b.ffnAdd.Call2(g, h, b.w2.Call(g, act))
}
