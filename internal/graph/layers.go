package graph

import (
	"github.com/23skdu/longbow-weft/internal/device"
	"github.com/23skdu/longbow-weft/internal/tensor"
)

func flag(b bool) float32 {
	if b {
		return 1
	}
	return 0
}

func Embedding(name string, vocab, hidden int) *Layer {
	return NewLayer(name, device.NewOpParam(device.OpEmbedding).
		With("vocab", float32(vocab)).With("hidden", float32(hidden)))
}

// Linear projects the dimension axis from in to out features; weights are
// "<name>.weight" [out, in] and, with bias, "<name>.bias".
func Linear(name string, in, out int, bias bool) *Layer {
	return NewLayer(name, device.NewOpParam(device.OpLinear).
		With("in", float32(in)).With("out", float32(out)).With("bias", flag(bias)))
}

func RMSNorm(name string, dim int, eps float32) *Layer {
	return NewLayer(name, device.NewOpParam(device.OpRMSNorm).
		With("dim", float32(dim)).With("eps", eps))
}

func LayerNorm(name string, dim int, eps float32, bias bool) *Layer {
	return NewLayer(name, device.NewOpParam(device.OpLayerNorm).
		With("dim", float32(dim)).With("eps", eps).With("bias", flag(bias)))
}

// RoPE rotates pairs of the dimension axis by position; mode is device.RoPEInterleaved
// or device.RoPEHalf.
func RoPE(name string, mode int, base float32) *Layer {
	return NewLayer(name, device.NewOpParam(device.OpRoPE).
		With("mode", float32(mode)).With("base", base))
}

// KVCache appends its input along the sequence axis to a cache of limit positions.
func KVCache(name string, limit int) *Layer {
	return NewLayer(name, device.NewOpParam(device.OpKVCache).With("cache_max", float32(limit)))
}

func Matmul(name string, transposeB bool) *Layer {
	return NewLayer(name, device.NewOpParam(device.OpMatmul).With("transpose1", flag(transposeB)))
}

func Scale(name string, scale, bias float32) *Layer {
	return NewLayer(name, device.NewOpParam(device.OpScale).With("scale", scale).With("bias", bias))
}

func CausalMask(name string) *Layer {
	return NewLayer(name, device.NewOpParam(device.OpCausalMask))
}

func SlidingWindowMask(name string, window int) *Layer {
	return NewLayer(name, device.NewOpParam(device.OpSlidingWindowMask).With("window", float32(window)))
}

func Softmax(name string) *Layer {
	return NewLayer(name, device.NewOpParam(device.OpSoftmax))
}

func SiLU(name string) *Layer { return NewLayer(name, device.NewOpParam(device.OpSiLU)) }
func GELU(name string) *Layer { return NewLayer(name, device.NewOpParam(device.OpGELU)) }
func ReLU(name string) *Layer { return NewLayer(name, device.NewOpParam(device.OpReLU)) }

// Add and Mul broadcast their second input where its extent is 1.
func Add(name string) *Layer { return NewLayer(name, device.NewOpParam(device.OpAdd)) }
func Mul(name string) *Layer { return NewLayer(name, device.NewOpParam(device.OpMul)) }

// View reshapes without copying; -1 keeps an extent.
func View(name string, b, h, s, d int) *Layer {
	return NewLayer(name, device.NewOpParam(device.OpView).
		With("b", float32(b)).With("h", float32(h)).With("s", float32(s)).With("d", float32(d)))
}

func Split(name string, parts int, axis tensor.Axis) *Layer {
	return NewLayer(name, device.NewOpParam(device.OpSplit).
		With("parts", float32(parts)).With("axis", float32(axis)))
}

func Concat(name string, axis tensor.Axis) *Layer {
	return NewLayer(name, device.NewOpParam(device.OpConcat).With("axis", float32(axis)))
}

// Parameter emits the learned tensor stored under name itself.
func Parameter(name string, b, h, s, d int) *Layer {
	return NewLayer(name, device.NewOpParam(device.OpParameter).
		With("b", float32(b)).With("h", float32(h)).With("s", float32(s)).With("d", float32(d)))
}
