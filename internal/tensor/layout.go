package tensor

import (
	"github.com/rs/zerolog/log"
)

// Reshape reinterprets the row-major data with a new shape, sharing storage.
// One dimension may be -1 and is inferred.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	resolved, err := ResolveShape(shape, len(t.data))
	if err != nil {
		log.Panic().Err(err).Ints("from", t.shape).Msg("Reshape")
	}
	return &Tensor{shape: resolved, data: t.data}
}

// SplitLast reshapes the last axis of size m into [n, m/n].
func (t *Tensor) SplitLast(n int) *Tensor {
	m := t.Dim(-1)
	if n <= 0 || m%n != 0 {
		log.Panic().Int("n", n).Ints("shape", t.shape).Msg("SplitLast: last axis not divisible")
	}
	shape := append(copyShape(t.shape[:len(t.shape)-1]), n, m/n)
	return t.Reshape(shape...)
}

// MergeLast collapses the last two axes [a, b] into one axis of size a*b.
func (t *Tensor) MergeLast() *Tensor {
	r := len(t.shape)
	if r < 2 {
		log.Panic().Ints("shape", t.shape).Msg("MergeLast: rank < 2")
	}
	shape := append(copyShape(t.shape[:r-2]), t.shape[r-2]*t.shape[r-1])
	return t.Reshape(shape...)
}

// Transpose returns a copy with axes permuted so output axis i is input axis perm[i].
func (t *Tensor) Transpose(perm ...int) *Tensor {
	rank := len(t.shape)
	if len(perm) != rank {
		log.Panic().Ints("perm", perm).Ints("shape", t.shape).Msg("Transpose: perm rank mismatch")
	}
	seen := make([]bool, rank)
	newShape := make([]int, rank)
	for i, p := range perm {
		if p < 0 || p >= rank || seen[p] {
			log.Panic().Ints("perm", perm).Msg("Transpose: not a permutation")
		}
		seen[p] = true
		newShape[i] = t.shape[p]
	}

	src := strides(t.shape)
	out := New(newShape...)
	idx := make([]int, rank)
	for i := range out.data {
		off := 0
		for d := 0; d < rank; d++ {
			off += idx[d] * src[perm[d]]
		}
		out.data[i] = t.data[off]

		for d := rank - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < newShape[d] {
				break
			}
			idx[d] = 0
		}
	}
	return out
}

// Pad returns a copy with before zeros prepended and after zeros appended along axis.
func (t *Tensor) Pad(axis, before, after int) *Tensor {
	axis = t.axis(axis)
	if before < 0 || after < 0 {
		log.Panic().Int("before", before).Int("after", after).Msg("Pad: negative padding")
	}
	outer, n, inner := t.split(axis)
	padded := n + before + after

	shape := copyShape(t.shape)
	shape[axis] = padded
	out := New(shape...)
	for o := 0; o < outer; o++ {
		src := t.data[o*n*inner : (o+1)*n*inner]
		dst := (o*padded + before) * inner
		copy(out.data[dst:dst+n*inner], src)
	}
	return out
}

// Narrow returns a copy of positions [start, end) along axis.
func (t *Tensor) Narrow(axis, start, end int) *Tensor {
	axis = t.axis(axis)
	outer, n, inner := t.split(axis)
	if start < 0 || end > n || start > end {
		log.Panic().Int("start", start).Int("end", end).Ints("shape", t.shape).Msg("Narrow: range out of bounds")
	}
	width := end - start

	shape := copyShape(t.shape)
	shape[axis] = width
	out := New(shape...)
	for o := 0; o < outer; o++ {
		src := (o*n + start) * inner
		copy(out.data[o*width*inner:(o+1)*width*inner], t.data[src:src+width*inner])
	}
	return out
}

// Concat joins tensors along axis. All other dimensions must match.
func Concat(axis int, ts ...*Tensor) *Tensor {
	if len(ts) == 0 {
		log.Panic().Msg("Concat: no tensors")
	}
	first := ts[0]
	axis = first.axis(axis)

	total := 0
	for _, x := range ts {
		if len(x.shape) != len(first.shape) {
			log.Panic().Ints("a", first.shape).Ints("b", x.shape).Msg("Concat: rank mismatch")
		}
		for d := range x.shape {
			if d != axis && x.shape[d] != first.shape[d] {
				log.Panic().Ints("a", first.shape).Ints("b", x.shape).Int("axis", axis).Msg("Concat: shape mismatch")
			}
		}
		total += x.shape[axis]
	}

	shape := copyShape(first.shape)
	shape[axis] = total
	out := New(shape...)
	outer, _, inner := out.split(axis)

	pos := 0
	for o := 0; o < outer; o++ {
		for _, x := range ts {
			chunk := x.shape[axis] * inner
			copy(out.data[pos:pos+chunk], x.data[o*chunk:(o+1)*chunk])
			pos += chunk
		}
	}
	return out
}

// Stack joins equally shaped tensors along a new axis.
func Stack(axis int, ts ...*Tensor) *Tensor {
	if len(ts) == 0 {
		log.Panic().Msg("Stack: no tensors")
	}
	rank := len(ts[0].shape) + 1
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		log.Panic().Int("axis", axis).Msg("Stack: axis out of range")
	}

	expanded := make([]*Tensor, len(ts))
	for i, x := range ts {
		if !SameShape(x.shape, ts[0].shape) {
			log.Panic().Ints("a", ts[0].shape).Ints("b", x.shape).Msg("Stack: shape mismatch")
		}
		shape := make([]int, 0, rank)
		shape = append(shape, x.shape[:axis]...)
		shape = append(shape, 1)
		shape = append(shape, x.shape[axis:]...)
		expanded[i] = x.Reshape(shape...)
	}
	return Concat(axis, expanded...)
}

// Unstack splits along axis into Dim(axis) tensors with that axis removed.
func (t *Tensor) Unstack(axis int) []*Tensor {
	axis = t.axis(axis)
	n := t.shape[axis]
	shape := make([]int, 0, len(t.shape)-1)
	shape = append(shape, t.shape[:axis]...)
	shape = append(shape, t.shape[axis+1:]...)

	out := make([]*Tensor, n)
	for i := 0; i < n; i++ {
		out[i] = t.Narrow(axis, i, i+1).Reshape(shape...)
	}
	return out
}

// Split divides axis into n equal parts.
func (t *Tensor) Split(axis, n int) []*Tensor {
	axis = t.axis(axis)
	size := t.shape[axis]
	if n <= 0 || size%n != 0 {
		log.Panic().Int("n", n).Ints("shape", t.shape).Msg("Split: axis not divisible")
	}
	width := size / n
	out := make([]*Tensor, n)
	for i := 0; i < n; i++ {
		out[i] = t.Narrow(axis, i*width, (i+1)*width)
	}
	return out
}
