package device

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getMetricValue(m prometheus.Metric) float64 {
	var metric dto.Metric
	_ = m.Write(&metric)
	if metric.Counter != nil {
		return *metric.Counter.Value
	}
	if metric.Gauge != nil {
		return *metric.Gauge.Value
	}
	return 0
}

func backends() []Backend {
	return []Backend{NewCPUBackend(), NewBLASBackend()}
}

func TestBackend_MatMul(t *testing.T) {
	for _, backend := range backends() {
		t.Run(backend.Name(), func(t *testing.T) {
			// A: 2x3, B: 3x2 -> C: 2x2
			a := []float32{
				1, 2, 3,
				4, 5, 6,
			}
			b := []float32{
				7, 8,
				9, 10,
				11, 12,
			}
			c := make([]float32, 4)
			backend.MatMul(c, a, b, 2, 3, 2, false)

			// 1*7 + 2*9 + 3*11 = 58, 1*8 + 2*10 + 3*12 = 64
			// 4*7 + 5*9 + 6*11 = 139, 4*8 + 5*10 + 6*12 = 154
			assert.Equal(t, []float32{58, 64, 139, 154}, c)
		})
	}
}

func TestBackend_MatMulTransB(t *testing.T) {
	for _, backend := range backends() {
		t.Run(backend.Name(), func(t *testing.T) {
			a := []float32{1, 2, 3, 4, 5, 6}
			// B^T stored as 2x3, i.e. B = [[7,9,11],[8,10,12]]^T
			bt := []float32{
				7, 9, 11,
				8, 10, 12,
			}
			c := make([]float32, 4)
			backend.MatMul(c, a, bt, 2, 3, 2, true)
			assert.Equal(t, []float32{58, 64, 139, 154}, c)
		})
	}
}

func TestBackend_Agree(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	m, k, n := 17, 9, 13
	a := make([]float32, m*k)
	b := make([]float32, k*n)
	for i := range a {
		a[i] = float32(rng.NormFloat64())
	}
	for i := range b {
		b[i] = float32(rng.NormFloat64())
	}

	cpu := make([]float32, m*n)
	NewCPUBackend().MatMul(cpu, a, b, m, k, n, false)
	gemm := make([]float32, m*n)
	NewBLASBackend().MatMul(gemm, a, b, m, k, n, false)

	for i := range cpu {
		if math.Abs(float64(cpu[i]-gemm[i])) > 1e-4 {
			t.Fatalf("backends disagree at %d: cpu=%f blas=%f", i, cpu[i], gemm[i])
		}
	}
}

func TestCPUBackend_MatMulUsesPool(t *testing.T) {
	backend := NewCPUBackend()
	pooled := func() float64 { return getMetricValue(poolHits) + getMetricValue(poolMisses) }

	a := []float32{1, 2, 3, 4}
	bm := []float32{5, 6, 7, 8}
	dst := make([]float32, 4)

	start := pooled()
	backend.MatMul(dst, a, bm, 2, 2, 2, false)
	assert.Equal(t, []float32{19, 22, 43, 50}, dst)
	backend.MatMul(dst, a, bm, 2, 2, 2, false)
	assert.Equal(t, []float32{19, 22, 43, 50}, dst)
	// Each untransposed matmul draws its column scratch from the pool once.
	assert.Equal(t, float64(2), pooled()-start)

	start = pooled()
	backend.MatMul(dst, a, bm, 2, 2, 2, true)
	assert.Equal(t, []float32{17, 23, 39, 53}, dst)
	assert.Equal(t, float64(0), pooled()-start)
}

func TestBufferPool(t *testing.T) {
	var p bufferPool

	startMisses := getMetricValue(poolMisses)
	buf := p.get(100)
	require.Len(t, buf, 100)
	buf[0] = 123
	p.put(buf)

	buf2 := p.get(50)
	require.Len(t, buf2, 50)
	// Recycled buffers come back zeroed
	assert.Equal(t, float32(0), buf2[0])
	assert.GreaterOrEqual(t, getMetricValue(poolMisses)-startMisses, float64(1))
}

func TestDataType(t *testing.T) {
	dt, err := ParseDataType("fp16")
	require.NoError(t, err)
	assert.Equal(t, Float16, dt)
	assert.Equal(t, float32(65500), dt.MaskValue())
	assert.Equal(t, float32(1e10), Float32.MaskValue())

	data := []float32{1.0001, 3.14159}
	Float16.Round(data)
	assert.Equal(t, float32(1), data[0])
	assert.InDelta(t, 3.140625, data[1], 1e-6)

	_, err = ParseDataType("int8")
	assert.Error(t, err)

	assert.True(t, Float32.Valid())
	assert.True(t, Float16.Valid())
	assert.False(t, DataType(7).Valid())
	assert.Equal(t, "DataType(7)", DataType(7).String())
}

func TestNewBackend(t *testing.T) {
	b, err := NewBackend("blas")
	require.NoError(t, err)
	assert.Equal(t, "BLAS", b.Name())

	_, err = NewBackend("metal")
	assert.Error(t, err)
}
