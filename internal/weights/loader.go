package weights

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/23skdu/longbow-weft/internal/cache"
	"github.com/23skdu/longbow-weft/internal/tensor"
)

var (
	ErrMissingWeight = errors.New("missing weight")
	ErrWeightShape   = errors.New("weight shape mismatch")
)

// StoreLoader fills tensors from a blob store, keyed by tensor name.
type StoreLoader struct {
	Store cache.Store
}

func NewStoreLoader(s cache.Store) *StoreLoader {
	return &StoreLoader{Store: s}
}

func (l *StoreLoader) Load(t *tensor.Tensor) error {
	b, ok := l.Store.Get(t.Name())
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingWeight, t.Name())
	}
	return fill(t, b)
}

func fill(t *tensor.Tensor, b cache.Blob) error {
	if len(b.Data) != t.Count() {
		return fmt.Errorf("%w: %s has %d values, tensor %s", ErrWeightShape, t.Name(), len(b.Data), t)
	}
	if len(b.Shape) > 0 && !slices.Equal(b.Shape, t.Shape()) {
		return fmt.Errorf("%w: %s stored as %v, tensor %s", ErrWeightShape, t.Name(), b.Shape, t)
	}
	if data := t.Float32s(); data != nil && t.Layout() == tensor.BSHD {
		copy(data, b.Data)
		return nil
	}
	B, H, S, D := t.Dims()
	i := 0
	for bi := 0; bi < B; bi++ {
		for s := 0; s < S; s++ {
			for h := 0; h < H; h++ {
				for d := 0; d < D; d++ {
					t.SetDataAt(bi, h, s, d, b.Data[i])
					i++
				}
			}
		}
	}
	return nil
}

// RandomLoader initializes weights deterministically from a seed: Xavier-uniform
// matrices, and ones for normalization scales. Every generated tensor is kept in the
// store, so a second load of the same name returns the same values and the store can
// be saved as a weight file.
type RandomLoader struct {
	Seed  uint64
	Store cache.Store
}

func NewRandomLoader(seed uint64) *RandomLoader {
	return &RandomLoader{Seed: seed, Store: cache.NewMapStore()}
}

func (l *RandomLoader) Load(t *tensor.Tensor) error {
	if b, ok := l.Store.Get(t.Name()); ok {
		return fill(t, b)
	}
	b := cache.Blob{Shape: t.Shape(), Data: make([]float32, t.Count())}
	if strings.Contains(t.Name(), "norm") {
		for i := range b.Data {
			b.Data[i] = 1
		}
	} else {
		h := fnv.New64a()
		h.Write([]byte(t.Name()))
		rng := rand.New(rand.NewPCG(l.Seed, h.Sum64()))
		_, _, fanOut, fanIn := t.Dims()
		limit := math.Sqrt(6 / float64(fanIn+fanOut))
		for i := range b.Data {
			b.Data[i] = float32((rng.Float64()*2 - 1) * limit)
		}
	}
	l.Store.Put(t.Name(), b)
	return fill(t, b)
}
