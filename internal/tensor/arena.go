package tensor

import "fmt"

// ID is a stable index into an Arena.
type ID int

// NoID marks an absent master.
const NoID ID = -1

// Arena owns every tensor of one graph. Views and aggregated tensors refer to each
// other by ID, and storage is released only through the arena's tensors.
type Arena struct {
	alloc   Allocator
	tensors []*Tensor
}

// NewArena creates an arena drawing storage from alloc.
func NewArena(alloc Allocator) *Arena {
	if alloc == nil {
		alloc = HeapAllocator{}
	}
	return &Arena{alloc: alloc}
}

// New creates an empty BSHD float32 tensor owned by the arena.
func (a *Arena) New(name string) *Tensor {
	t := &Tensor{
		id:     ID(len(a.tensors)),
		arena:  a,
		name:   name,
		layout: BSHD,
		shape:  make([]int, 4),
		master: NoID,
	}
	a.tensors = append(a.tensors, t)
	return t
}

// Get returns the tensor with the given id.
func (a *Arena) Get(id ID) *Tensor {
	if id < 0 || int(id) >= len(a.tensors) {
		panic(fmt.Sprintf("tensor id %d out of range [0, %d)", id, len(a.tensors)))
	}
	return a.tensors[id]
}

func (a *Arena) Len() int { return len(a.tensors) }

func (a *Arena) Allocator() Allocator { return a.alloc }

// Each visits tensors in creation order.
func (a *Arena) Each(fn func(t *Tensor)) {
	for _, t := range a.tensors {
		fn(t)
	}
}

// FreeAll releases every owned buffer in the arena.
func (a *Arena) FreeAll() {
	for _, t := range a.tensors {
		if t.Owns() {
			t.Free()
		}
	}
}

// New creates a standalone tensor in a private arena, used for operator weights.
func New(name string, alloc Allocator) *Tensor {
	return NewArena(alloc).New(name)
}
