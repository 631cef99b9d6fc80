package tensor

import (
	"fmt"

	"github.com/x448/float16"
)

// DType is the element type stored in a Buffer.
type DType int

const (
	F32 DType = iota
	F16
)

func (d DType) String() string {
	switch d {
	case F32:
		return "f32"
	case F16:
		return "f16"
	default:
		return fmt.Sprintf("DType(%d)", int(d))
	}
}

// Size returns the element size in bytes.
func (d DType) Size() int {
	if d == F16 {
		return 2
	}
	return 4
}

// Buffer is the storage owned by exactly one master tensor.
// F16 buffers convert on access; kernels take the Float32s fast path when available.
type Buffer struct {
	dtype DType
	f32   []float32
	f16   []float16.Float16
}

// NewBuffer creates a zeroed buffer of n elements.
func NewBuffer(dtype DType, n int) *Buffer {
	b := &Buffer{dtype: dtype}
	if dtype == F16 {
		b.f16 = make([]float16.Float16, n)
	} else {
		b.f32 = make([]float32, n)
	}
	return b
}

func (b *Buffer) DType() DType { return b.dtype }

func (b *Buffer) Len() int {
	if b.dtype == F16 {
		return len(b.f16)
	}
	return len(b.f32)
}

// Bytes is the storage size in bytes.
func (b *Buffer) Bytes() int { return b.Len() * b.dtype.Size() }

func (b *Buffer) At(i int) float32 {
	if b.dtype == F16 {
		return b.f16[i].Float32()
	}
	return b.f32[i]
}

func (b *Buffer) Set(i int, v float32) {
	if b.dtype == F16 {
		b.f16[i] = float16.Fromfloat32(v)
		return
	}
	b.f32[i] = v
}

// Float32s returns the raw slice for F32 buffers and nil otherwise.
func (b *Buffer) Float32s() []float32 {
	if b.dtype != F32 {
		return nil
	}
	return b.f32
}

// Resize reslices the buffer to n elements when it has the capacity and reports success.
// The visible elements are zeroed.
func (b *Buffer) Resize(n int) bool {
	if b.dtype == F16 {
		if cap(b.f16) < n {
			return false
		}
		b.f16 = b.f16[:n]
		clear(b.f16)
		return true
	}
	if cap(b.f32) < n {
		return false
	}
	b.f32 = b.f32[:n]
	clear(b.f32)
	return true
}

// Allocator provides and reclaims tensor storage.
type Allocator interface {
	Alloc(dtype DType, count int) (*Buffer, error)
	Free(buf *Buffer)
}

// HeapAllocator allocates straight from the Go heap.
type HeapAllocator struct{}

func (HeapAllocator) Alloc(dtype DType, count int) (*Buffer, error) {
	return NewBuffer(dtype, count), nil
}

func (HeapAllocator) Free(*Buffer) {}
