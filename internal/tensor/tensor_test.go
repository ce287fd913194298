package tensor

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-stride/internal/device"
)

func arange(shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.data {
		t.data[i] = float32(i)
	}
	return t
}

func randn(rng *rand.Rand, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.data {
		t.data[i] = float32(rng.NormFloat64())
	}
	return t
}

func TestResolveShape(t *testing.T) {
	tests := []struct {
		name    string
		shape   []int
		size    int
		want    []int
		wantErr bool
	}{
		{"static", []int{2, 3}, 6, []int{2, 3}, false},
		{"wildcard", []int{-1, 4}, 12, []int{3, 4}, false},
		{"wildcard middle", []int{2, -1, 3}, 18, []int{2, 3, 3}, false},
		{"size mismatch", []int{2, 3}, 7, nil, true},
		{"indivisible", []int{-1, 5}, 12, nil, true},
		{"two wildcards", []int{-1, -1}, 4, nil, true},
		{"negative", []int{-2, 2}, 4, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveShape(tt.shape, tt.size)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrShape)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCheckDims(t *testing.T) {
	assert.NoError(t, CheckDims([]int{1, 2, 3}))
	assert.NoError(t, CheckDims(nil))
	assert.ErrorIs(t, CheckDims([]int{2, -1}), ErrShape)
	assert.ErrorIs(t, CheckDims([]int{0}), ErrShape)
	assert.ErrorIs(t, CheckDims([]int{3, -4}), ErrShape)
}

func TestFromSlice(t *testing.T) {
	x, err := FromSlice([]float32{1, 2, 3, 4, 5, 6}, 2, -1)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, x.Shape())
	assert.Equal(t, float32(6), x.At(1, 2))

	_, err = FromSlice([]float32{1, 2, 3}, 2, 2)
	assert.ErrorIs(t, err, ErrShape)
}

func TestReshape_RowMajor(t *testing.T) {
	x := arange(2, 4, 3)
	y := x.Reshape(8, -1)
	assert.Equal(t, []int{8, 3}, y.Shape())
	// Same storage, raw row-major reinterpretation
	assert.Equal(t, x.At(1, 2, 1), y.At(6, 1))
}

func TestSplitMerge_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 7))
	for _, heads := range []int{1, 2, 3, 4, 6, 12} {
		x := randn(rng, 2, 5, 12)
		split := x.SplitLast(heads)
		assert.Equal(t, []int{2, 5, heads, 12 / heads}, split.Shape())

		// heads-first layout and back, as attention does
		swapped := split.Transpose(0, 2, 1, 3)
		back := swapped.Transpose(0, 2, 1, 3).MergeLast()
		assert.Equal(t, x.Shape(), back.Shape())
		assert.Equal(t, x.Data(), back.Data())
	}
}

func TestTranspose(t *testing.T) {
	x := arange(2, 3)
	y := x.Transpose(1, 0)
	assert.Equal(t, []int{3, 2}, y.Shape())
	assert.Equal(t, []float32{0, 3, 1, 4, 2, 5}, y.Data())

	z := arange(2, 3, 4).Transpose(2, 0, 1)
	assert.Equal(t, []int{4, 2, 3}, z.Shape())
	assert.Equal(t, float32(1*12+2*4+3), z.At(3, 1, 2))
}

func TestPadNarrow(t *testing.T) {
	x := arange(2, 3, 2)
	p := x.Pad(1, 2, 1)
	require.Equal(t, []int{2, 6, 2}, p.Shape())

	for b := 0; b < 2; b++ {
		for _, s := range []int{0, 1, 5} {
			assert.Equal(t, float32(0), p.At(b, s, 0), "padding must be zero")
		}
	}
	assert.Equal(t, x.At(1, 0, 1), p.At(1, 2, 1))

	back := p.Narrow(1, 2, 5)
	assert.Equal(t, x.Data(), back.Data())
}

func TestConcatStackUnstack(t *testing.T) {
	a := arange(2, 2)
	b := Full(9, 2, 1)
	c := Concat(1, a, b)
	assert.Equal(t, []int{2, 3}, c.Shape())
	assert.Equal(t, []float32{0, 1, 9, 2, 3, 9}, c.Data())

	s := Stack(1, a, a.Clone().Scale(10))
	assert.Equal(t, []int{2, 2, 2}, s.Shape())
	assert.Equal(t, float32(30), s.At(1, 1, 1))

	parts := s.Unstack(1)
	require.Len(t, parts, 2)
	assert.Equal(t, a.Data(), parts[0].Data())

	halves := arange(2, 6).Split(1, 3)
	require.Len(t, halves, 3)
	assert.Equal(t, []float32{2, 3, 8, 9}, halves[1].Data())
}

func TestMatMul(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	backend := device.NewBLASBackend()

	t.Run("shared weight", func(t *testing.T) {
		x := randn(rng, 2, 3, 4)
		w := randn(rng, 4, 5)
		out := MatMul(backend, x, w, false)
		require.Equal(t, []int{2, 3, 5}, out.Shape())

		var want float32
		for k := 0; k < 4; k++ {
			want += x.At(1, 2, k) * w.At(k, 3)
		}
		assert.InDelta(t, want, out.At(1, 2, 3), 1e-5)
	})

	t.Run("batched transB", func(t *testing.T) {
		q := randn(rng, 2, 2, 3, 4)
		k := randn(rng, 2, 2, 5, 4)
		out := MatMul(device.NewCPUBackend(), q, k, true)
		require.Equal(t, []int{2, 2, 3, 5}, out.Shape())

		var want float32
		for d := 0; d < 4; d++ {
			want += q.At(1, 0, 2, d) * k.At(1, 0, 4, d)
		}
		assert.InDelta(t, want, out.At(1, 0, 2, 4), 1e-5)
	})

	t.Run("mismatch panics", func(t *testing.T) {
		assert.Panics(t, func() {
			MatMul(backend, New(2, 3), New(4, 5), false)
		})
	})
}
