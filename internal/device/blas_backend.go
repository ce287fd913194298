package device

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

var _ Backend = (*BLASBackend)(nil)

// BLASBackend delegates matmuls to the registered blas32 implementation
// (pure Go gonum by default, netlib when built with cgo).
type BLASBackend struct{}

func NewBLASBackend() *BLASBackend {
	return &BLASBackend{}
}

func (b *BLASBackend) Name() string {
	return "BLAS"
}

func (b *BLASBackend) MatMul(dst, a, bm []float32, m, k, n int, transB bool) {
	checkMatMul(dst, a, bm, m, k, n)
	if m == 0 || n == 0 {
		return
	}
	if k == 0 {
		for i := range dst {
			dst[i] = 0
		}
		return
	}
	matmulFlops.WithLabelValues(b.Name()).Add(float64(2 * m * k * n))

	ga := blas32.General{Rows: m, Cols: k, Stride: k, Data: a}
	gc := blas32.General{Rows: m, Cols: n, Stride: n, Data: dst}

	tB := blas.NoTrans
	gb := blas32.General{Rows: k, Cols: n, Stride: n, Data: bm}
	if transB {
		tB = blas.Trans
		gb = blas32.General{Rows: n, Cols: k, Stride: k, Data: bm}
	}

	blas32.Gemm(blas.NoTrans, tB, 1, ga, gb, 0, gc)
}
