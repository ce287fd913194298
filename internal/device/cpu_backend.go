package device

import (
	"runtime"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-stride/internal/simd"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)

// numWorkers defines the default parallelism for CPU operations
var numWorkers = runtime.NumCPU()

// CPUBackend runs matmuls as row-parallel dot products in pure Go.
type CPUBackend struct {
	pool bufferPool
}

func NewCPUBackend() *CPUBackend {
	return &CPUBackend{}
}

func (b *CPUBackend) Name() string {
	return "CPU"
}

func (b *CPUBackend) MatMul(dst, a, bm []float32, m, k, n int, transB bool) {
	checkMatMul(dst, a, bm, m, k, n)
	matmulFlops.WithLabelValues(b.Name()).Add(float64(2 * m * k * n))

	// With transB every column of B is already a contiguous row.
	colsB := bm
	if !transB {
		colsB = b.pool.get(n * k)
		defer b.pool.put(colsB)
		for kk := 0; kk < k; kk++ {
			row := bm[kk*n : (kk+1)*n]
			for j, v := range row {
				colsB[j*k+kk] = v
			}
		}
	}

	workers := numWorkers
	if m < workers {
		workers = m
	}
	if workers <= 1 {
		matmulRows(dst, a, colsB, 0, m, k, n)
		return
	}

	var wg sync.WaitGroup
	rowsPerWorker := (m + workers - 1) / workers
	for w := 0; w < workers; w++ {
		start := w * rowsPerWorker
		if start >= m {
			break
		}
		end := start + rowsPerWorker
		if end > m {
			end = m
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			matmulRows(dst, a, colsB, start, end, k, n)
		}(start, end)
	}
	wg.Wait()
}

func matmulRows(dst, a, colsB []float32, start, end, k, n int) {
	for i := start; i < end; i++ {
		rowA := a[i*k : (i+1)*k]
		out := dst[i*n : (i+1)*n]
		for j := range out {
			out[j] = simd.DotProduct(rowA, colsB[j*k:(j+1)*k])
		}
	}
}

func checkMatMul(dst, a, b []float32, m, k, n int) {
	if len(a) != m*k || len(b) != k*n || len(dst) != m*n {
		log.Panic().
			Int("m", m).Int("k", k).Int("n", n).
			Int("len_a", len(a)).Int("len_b", len(b)).Int("len_dst", len(dst)).
			Msg("MatMul: dimension mismatch")
	}
}

// bufferPool recycles scratch slices through a sync.Pool.
type bufferPool struct {
	pool sync.Pool
}

func (p *bufferPool) get(size int) []float32 {
	if v := p.pool.Get(); v != nil {
		buf := *(v.(*[]float32))
		if cap(buf) >= size {
			poolHits.Inc()
			buf = buf[:size]
			for i := range buf {
				buf[i] = 0
			}
			return buf
		}
	}
	poolMisses.Inc()
	return make([]float32, size)
}

func (p *bufferPool) put(buf []float32) {
	if buf == nil {
		return
	}
	p.pool.Put(&buf)
}
