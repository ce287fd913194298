package tensor

import (
	"math"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-stride/internal/simd"
)

// Add returns a + b for tensors of identical shape.
func Add(a, b *Tensor) *Tensor {
	if !SameShape(a.shape, b.shape) {
		log.Panic().Ints("a", a.shape).Ints("b", b.shape).Msg("Add: shape mismatch")
	}
	out := a.Clone()
	simd.VecAdd(out.data, b.data)
	return out
}

// AddVec adds v to every row of the last axis in place.
func (t *Tensor) AddVec(v []float32) *Tensor {
	c := t.lastRowWidth(len(v), "AddVec")
	for i := 0; i+c <= len(t.data) && c > 0; i += c {
		simd.VecAdd(t.data[i:i+c], v)
	}
	return t
}

// MulVec multiplies every row of the last axis by v elementwise in place.
func (t *Tensor) MulVec(v []float32) *Tensor {
	c := t.lastRowWidth(len(v), "MulVec")
	for i := 0; i+c <= len(t.data) && c > 0; i += c {
		row := t.data[i : i+c]
		for j := range row {
			row[j] *= v[j]
		}
	}
	return t
}

// Scale multiplies every element by s in place.
func (t *Tensor) Scale(s float32) *Tensor {
	for i := range t.data {
		t.data[i] *= s
	}
	return t
}

// Softmax returns a numerically stable softmax over the last axis.
func Softmax(t *Tensor) *Tensor {
	out := t.Clone()
	c := out.Dim(-1)
	if c == 0 {
		return out
	}
	for i := 0; i < len(out.data); i += c {
		simd.SoftmaxInPlace(out.data[i : i+c])
	}
	return out
}

// Gelu returns the tanh-approximated gelu of every element.
func Gelu(t *Tensor) *Tensor {
	out := t.Clone()
	simd.GeluInPlace(out.data)
	return out
}

// Normalize returns (x-mean)/sqrt(var+eps) computed over the last axis.
func Normalize(t *Tensor, eps float32) *Tensor {
	out := t.Clone()
	c := out.Dim(-1)
	if c == 0 {
		return out
	}
	for i := 0; i < len(out.data); i += c {
		row := out.data[i : i+c]
		mean, variance := simd.MeanVar(row)
		inv := float32(1 / math.Sqrt(float64(variance+eps)))
		for j := range row {
			row[j] = (row[j] - mean) * inv
		}
	}
	return out
}

// Gather collects rows of a rank-2 table: out[i] = table[ids[i]].
func Gather(table *Tensor, ids []int) *Tensor {
	if table.Rank() != 2 {
		log.Panic().Ints("shape", table.shape).Msg("Gather: table must be rank 2")
	}
	rows, c := table.shape[0], table.shape[1]
	out := New(len(ids), c)
	for i, id := range ids {
		if id < 0 || id >= rows {
			log.Panic().Int("index", id).Int("rows", rows).Msg("Gather: index out of bounds")
		}
		copy(out.data[i*c:(i+1)*c], table.data[id*c:(id+1)*c])
	}
	return out
}

func (t *Tensor) lastRowWidth(n int, op string) int {
	c := t.Dim(-1)
	if c != n {
		log.Panic().Int("vec", n).Ints("shape", t.shape).Msg(op + ": length mismatch with last axis")
	}
	return c
}
