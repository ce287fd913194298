package device

import (
	"fmt"
	"strings"
)

// DataType selects the numeric element type a model computes in.
// Storage is always float32; narrower types are emulated by rounding.
type DataType int

const (
	Float32 DataType = iota
	Float16
)

func (d DataType) String() string {
	switch d {
	case Float32:
		return "fp32"
	case Float16:
		return "fp16"
	default:
		return fmt.Sprintf("DataType(%d)", int(d))
	}
}

// Valid reports whether d is one of the defined element types.
func (d DataType) Valid() bool {
	return d == Float32 || d == Float16
}

// ParseDataType maps "fp32"/"float32" and "fp16"/"float16" to a DataType.
func ParseDataType(s string) (DataType, error) {
	switch strings.ToLower(s) {
	case "", "fp32", "float32":
		return Float32, nil
	case "fp16", "float16":
		return Float16, nil
	}
	return Float32, fmt.Errorf("unknown data type %q", s)
}

// Backend executes the dense kernels of a forward pass.
type Backend interface {
	Name() string

	// MatMul computes dst = a * b for row-major matrices.
	// a is m x k, b is k x n, dst is m x n and is overwritten.
	// With transB, b is stored as n x k and used transposed.
	MatMul(dst, a, b []float32, m, k, n int, transB bool)
}

// NewBackend returns the backend registered under name ("cpu" or "blas").
func NewBackend(name string) (Backend, error) {
	switch strings.ToLower(name) {
	case "", "cpu":
		return NewCPUBackend(), nil
	case "blas":
		return NewBLASBackend(), nil
	}
	return nil, fmt.Errorf("unknown backend %q", name)
}
