package device

import (
	"context"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

var _ Backend = (*BLASBackend)(nil)

// BLASBackend is the CPU backend with Linear and Matmul routed through blas32.Gemm.
// Under cgo the netlib implementation is registered (see blas_cgo.go).
type BLASBackend struct {
	*CPUBackend
}

func NewBLASBackend(opts ...CPUOption) *BLASBackend {
	b := &BLASBackend{CPUBackend: NewCPUBackend(opts...)}
	b.name = "BLAS"
	b.RegisterOp(OpLinear, newLinear(linearGemm))
	b.RegisterOp(OpMatmul, newMatmul(matmulGemm))
	return b
}

func (b *BLASBackend) OpCreate(p OpParam, name string) (Op, error) {
	return b.opCreate(b, p, name)
}

func general(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

func linearGemm(_ context.Context, x, w, y []float32, n, in, out int) error {
	if n == 0 {
		return nil
	}
	blas32.Gemm(blas.NoTrans, blas.Trans, 1, general(n, in, x), general(out, in, w), 0, general(n, out, y))
	return nil
}

func matmulGemm(a, b, c []float32, m, k, n int, transB bool) {
	if transB {
		blas32.Gemm(blas.NoTrans, blas.Trans, 1, general(m, k, a), general(n, k, b), 0, general(m, n, c))
		return
	}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, general(m, k, a), general(k, n, b), 0, general(m, n, c))
}
