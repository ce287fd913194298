package tensor

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

func TestSoftmax_RowsSumToOne(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	x := randn(rng, 3, 4, 7).Scale(1e4)
	y := Softmax(x)

	c := y.Dim(-1)
	for i := 0; i < y.Size(); i += c {
		row := y.Data()[i : i+c]
		var sum float64
		for _, v := range row {
			require.False(t, math.IsNaN(float64(v)), "softmax produced NaN")
			sum += float64(v)
		}
		assert.InDelta(t, 1.0, sum, 1e-5)
	}
}

func TestNormalize_MeanZeroVarOne(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 9))
	x := randn(rng, 2, 3, 16).Scale(7)
	x.AddVec(func() []float32 {
		v := make([]float32, 16)
		for i := range v {
			v[i] = float32(i) * 3
		}
		return v
	}())

	y := Normalize(x, 1e-5)
	c := y.Dim(-1)
	for i := 0; i < y.Size(); i += c {
		row := make([]float64, c)
		for j, v := range y.Data()[i : i+c] {
			row[j] = float64(v)
		}
		mean := floats.Sum(row) / float64(c)
		var variance float64
		for _, v := range row {
			variance += (v - mean) * (v - mean)
		}
		variance /= float64(c)
		assert.InDelta(t, 0, mean, 1e-5)
		assert.InDelta(t, 1, variance, 1e-3)
	}
}

func TestGelu_Shape(t *testing.T) {
	x := arange(2, 3)
	y := Gelu(x)
	assert.Equal(t, x.Shape(), y.Shape())
	assert.Equal(t, float32(0), y.At(0, 0))
	assert.InDelta(t, 0.841192, y.At(0, 1), 1e-5)
}

func TestGather(t *testing.T) {
	table := arange(4, 2)
	out := Gather(table, []int{3, 0, 3})
	assert.Equal(t, []int{3, 2}, out.Shape())
	assert.Equal(t, []float32{6, 7, 0, 1, 6, 7}, out.Data())

	assert.Panics(t, func() { Gather(table, []int{4}) })
}

func TestAddMulVec(t *testing.T) {
	x := Full(2, 2, 3)
	x.MulVec([]float32{1, 2, 3}).AddVec([]float32{1, 1, 1})
	assert.Equal(t, []float32{3, 5, 7, 3, 5, 7}, x.Data())

	y := Add(x, Full(1, 2, 3))
	assert.True(t, floats.EqualApprox([]float64{4, 6, 8}, []float64{
		float64(y.At(0, 0)), float64(y.At(0, 1)), float64(y.At(0, 2)),
	}, 1e-6))
}
