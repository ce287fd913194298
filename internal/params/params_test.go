package params

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-stride/internal/device"
	"github.com/23skdu/longbow-stride/internal/tensor"
)

func TestScope_Path(t *testing.T) {
	s := NewStore(1, device.Float32)
	root := s.Root()
	assert.Equal(t, "wte", root.Path("wte"))

	attn := root.In("model").In("h0").In("attn")
	assert.Equal(t, "model.h0.attn.w", attn.Path("w"))

	// Children must not alias each other's name slices
	a := root.In("model")
	b1 := a.In("h1")
	b2 := a.In("h2")
	assert.Equal(t, "model.h1.x", b1.Path("x"))
	assert.Equal(t, "model.h2.x", b2.Path("x"))
}

func TestGetOrCreate_Idempotent(t *testing.T) {
	s := NewStore(1, device.Float32)
	scope := s.Root().In("proj")

	w1, err := scope.GetOrCreate("w", []int{3, 4}, RandomNormal{Stddev: 0.02})
	require.NoError(t, err)
	w2, err := scope.GetOrCreate("w", []int{3, 4}, RandomNormal{Stddev: 0.02})
	require.NoError(t, err)

	assert.Same(t, w1, w2)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 12, s.NumParameters())

	_, err = scope.GetOrCreate("w", []int{4, 3}, Constant(0))
	assert.ErrorIs(t, err, ErrShapeConflict)
}

func TestGetOrCreate_Deterministic(t *testing.T) {
	build := func() []float32 {
		s := NewStore(42, device.Float32)
		_, err := s.Root().GetOrCreate("a", []int{8}, RandomNormal{Stddev: 1})
		require.NoError(t, err)
		b, err := s.Root().GetOrCreate("b", []int{8}, RandomNormal{Stddev: 1})
		require.NoError(t, err)
		return b.Data()
	}
	assert.Equal(t, build(), build())
}

func TestInitializers(t *testing.T) {
	s := NewStore(3, device.Float32)
	root := s.Root()

	g, err := root.GetOrCreate("g", []int{4}, Constant(1))
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 1, 1, 1}, g.Data())

	_, err = root.GetOrCreate("bad", []int{3}, RandomNormal{Stddev: -1})
	assert.Error(t, err)
	_, ok := s.Lookup("bad")
	assert.False(t, ok, "failed initialization must not register the path")

	w, err := root.GetOrCreate("w", []int{1000}, RandomNormal{Stddev: 0.02})
	require.NoError(t, err)
	var sum, sq float64
	for _, x := range w.Data() {
		sum += float64(x)
		sq += float64(x) * float64(x)
	}
	mean := sum / 1000
	std := sq/1000 - mean*mean
	assert.InDelta(t, 0, mean, 0.005)
	assert.InDelta(t, 0.0004, std, 0.0001)
}

func TestStore_Order(t *testing.T) {
	s := NewStore(1, device.Float16)
	for _, name := range []string{"c", "a", "b"} {
		_, err := s.Root().GetOrCreate(name, []int{1}, Constant(1.0001))
		require.NoError(t, err)
	}

	ps := s.Parameters()
	require.Len(t, ps, 3)
	assert.Equal(t, "c", ps[0].Path)
	assert.Equal(t, "b", ps[2].Path)
	// fp16 stores round on creation
	assert.Equal(t, float32(1), ps[0].Value.At(0))

	p, ok := s.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, "a", p.Path)
}

func TestStore_Import(t *testing.T) {
	s := NewStore(1, device.Float32)
	v, err := tensor.FromSlice([]float32{1, 2, 3}, 3)
	require.NoError(t, err)

	require.NoError(t, s.Import("model.ln_f.g", v))
	err = s.Import("model.ln_f.g", v)
	assert.ErrorIs(t, err, ErrExists)

	got, err := s.Root().In("model").In("ln_f").GetOrCreate("g", []int{3}, Constant(0))
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, got.Data())
}

func TestStore_ConcurrentGetOrCreate(t *testing.T) {
	s := NewStore(7, device.Float32)
	var wg sync.WaitGroup
	results := make([]*tensor.Tensor, 16)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := s.Root().In("shared").GetOrCreate("w", []int{4, 4}, RandomNormal{Stddev: 0.02})
			assert.NoError(t, err)
			results[i] = v
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, s.Len())
	for _, v := range results {
		assert.Same(t, results[0], v)
	}
}
