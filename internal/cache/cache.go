package cache

import (
	"slices"
	"sync"
)

// Blob is a named float32 array. Shape is in the tensor's storage order, as returned
// by Tensor.Shape: [B, S, H, D] for BSHD tensors, not (b, h, s, d).
type Blob struct {
	Shape []int     `cbor:"shape"`
	Data  []float32 `cbor:"data"`
}

// Store is a thread-safe name -> Blob map. Loaders read weights from it and the random
// initializer writes into it.
type Store interface {
	// Get returns a copy of the blob stored under name.
	Get(name string) (Blob, bool)
	// Put stores a copy of b under name.
	Put(name string, b Blob)
	Delete(name string)
	// Names lists stored names in sorted order.
	Names() []string
	Size() int
}

// MapStore is the in-memory Store.
type MapStore struct {
	data map[string]Blob
	mu   sync.RWMutex
}

func NewMapStore() *MapStore {
	return &MapStore{
		data: make(map[string]Blob),
	}
}

func clone(b Blob) Blob {
	return Blob{Shape: slices.Clone(b.Shape), Data: slices.Clone(b.Data)}
}

func (c *MapStore) Get(name string) (Blob, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if b, ok := c.data[name]; ok {
		return clone(b), true
	}
	return Blob{}, false
}

func (c *MapStore) Put(name string, b Blob) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[name] = clone(b)
}

func (c *MapStore) Delete(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, name)
}

func (c *MapStore) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.data))
	for k := range c.data {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

func (c *MapStore) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
