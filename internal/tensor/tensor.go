// Package tensor provides a row-major N-D float32 tensor and the layout and
// arithmetic operations the transformer forward pass is built from.
//
// Layout operations panic on shape misuse; callers validate user input first.
package tensor

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-stride/internal/device"
)

// ErrShape reports a shape that cannot be resolved against a tensor's size.
var ErrShape = errors.New("tensor: invalid shape")

// Tensor is a dense row-major array of float32 values.
type Tensor struct {
	shape []int
	data  []float32
}

// New creates a zero-filled tensor with the given shape.
func New(shape ...int) *Tensor {
	size := 1
	for _, d := range shape {
		if d < 0 {
			log.Panic().Ints("shape", shape).Msg("New: negative dimension")
		}
		size *= d
	}
	return &Tensor{shape: copyShape(shape), data: make([]float32, size)}
}

// Full creates a tensor with every element set to v.
func Full(v float32, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.data {
		t.data[i] = v
	}
	return t
}

// FromSlice creates a tensor from a copy of data.
// Returns an error if data size doesn't match the shape.
func FromSlice(data []float32, shape ...int) (*Tensor, error) {
	resolved, err := ResolveShape(shape, len(data))
	if err != nil {
		return nil, err
	}
	buf := make([]float32, len(data))
	copy(buf, data)
	return &Tensor{shape: resolved, data: buf}, nil
}

// Shape returns a copy of the tensor dimensions.
func (t *Tensor) Shape() []int { return copyShape(t.shape) }

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.shape) }

// Size returns the total number of elements.
func (t *Tensor) Size() int { return len(t.data) }

// Data returns the underlying storage. Mutating it mutates the tensor.
func (t *Tensor) Data() []float32 { return t.data }

// Dim returns the size of axis i. Negative i counts from the end.
func (t *Tensor) Dim(i int) int {
	return t.shape[t.axis(i)]
}

// At returns the element at the given index.
func (t *Tensor) At(idx ...int) float32 {
	return t.data[t.offset(idx)]
}

// Set sets the element at the given index.
func (t *Tensor) Set(v float32, idx ...int) {
	t.data[t.offset(idx)] = v
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.data))
	copy(data, t.data)
	return &Tensor{shape: copyShape(t.shape), data: data}
}

// RoundTo rounds all elements to the precision of dt in place.
func (t *Tensor) RoundTo(dt device.DataType) *Tensor {
	dt.Round(t.data)
	return t
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.shape)
}

// ResolveShape resolves at most one -1 wildcard in shape so the product of
// dimensions equals size, the way execution-time dimensions fill in a
// partially known shape.
func ResolveShape(shape []int, size int) ([]int, error) {
	out := copyShape(shape)
	wildcard := -1
	known := 1
	for i, d := range shape {
		switch {
		case d == -1:
			if wildcard >= 0 {
				return nil, fmt.Errorf("%w: more than one -1 in %v", ErrShape, shape)
			}
			wildcard = i
		case d < 0:
			return nil, fmt.Errorf("%w: negative dimension in %v", ErrShape, shape)
		default:
			known *= d
		}
	}

	if wildcard >= 0 {
		if known == 0 || size%known != 0 {
			return nil, fmt.Errorf("%w: cannot infer -1 in %v for %d elements", ErrShape, shape, size)
		}
		out[wildcard] = size / known
		return out, nil
	}
	if known != size {
		return nil, fmt.Errorf("%w: %v holds %d elements, have %d", ErrShape, shape, known, size)
	}
	return out, nil
}

// CheckDims rejects shapes with wildcard, zero or negative dimensions.
// Shapes read from checkpoints or the wire must be fully known.
func CheckDims(shape []int) error {
	for _, d := range shape {
		if d <= 0 {
			return fmt.Errorf("%w: non-positive dimension in %v", ErrShape, shape)
		}
	}
	return nil
}

// SameShape reports whether a and b have identical dimensions.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (t *Tensor) axis(i int) int {
	r := len(t.shape)
	if i < 0 {
		i += r
	}
	if i < 0 || i >= r {
		log.Panic().Int("axis", i).Ints("shape", t.shape).Msg("axis out of range")
	}
	return i
}

func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.shape) {
		log.Panic().Ints("index", idx).Ints("shape", t.shape).Msg("index rank mismatch")
	}
	off := 0
	for i, v := range idx {
		if v < 0 || v >= t.shape[i] {
			log.Panic().Ints("index", idx).Ints("shape", t.shape).Msg("index out of range")
		}
		off = off*t.shape[i] + v
	}
	return off
}

// split decomposes the shape around axis into (outer, n, inner) extents.
func (t *Tensor) split(axis int) (outer, n, inner int) {
	outer, inner = 1, 1
	for i := 0; i < axis; i++ {
		outer *= t.shape[i]
	}
	for i := axis + 1; i < len(t.shape); i++ {
		inner *= t.shape[i]
	}
	return outer, t.shape[axis], inner
}

func strides(shape []int) []int {
	s := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = stride
		stride *= shape[i]
	}
	return s
}

func product(shape []int) int {
	p := 1
	for _, d := range shape {
		p *= d
	}
	return p
}

func copyShape(shape []int) []int {
	out := make([]int, len(shape))
	copy(out, shape)
	return out
}
