package tensor

import "errors"

var (
	// ErrUnsupportedLayout is returned (or panicked with, for addressing) when a layout
	// convention cannot serve the requested axis, offset or transposition.
	ErrUnsupportedLayout = errors.New("unsupported layout")
	ErrShapeMismatch     = errors.New("shape mismatch")
	ErrOutOfMemory       = errors.New("allocator budget exceeded")
	ErrArenaMismatch     = errors.New("tensors belong to different arenas")
)
