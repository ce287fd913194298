package model

import (
	"fmt"
	"time"

	"github.com/23skdu/longbow-stride/internal/params"
	"github.com/23skdu/longbow-stride/internal/tensor"
)

const (
	// DefaultInitStddev is the weight initializer stddev of projections
	DefaultInitStddev = 0.02

	normEpsilon = 1e-5
)

// ProjectOption configures Project.
type ProjectOption func(*projectConfig)

type projectConfig struct {
	stddev float64
}

// WithInitStddev overrides the weight initializer stddev.
func WithInitStddev(stddev float64) ProjectOption {
	return func(p *projectConfig) { p.stddev = stddev }
}

// Project applies an affine map to the last axis of x:
// out[..., j] = sum_i x[..., i] * w[i, j] + b[j].
// It owns parameters name.w [nx, nf] and name.b [nf].
func Project(c *Context, x *tensor.Tensor, name string, nf int, opts ...ProjectOption) (*tensor.Tensor, error) {
	cfg := projectConfig{stddev: DefaultInitStddev}
	for _, opt := range opts {
		opt(&cfg)
	}
	if x.Rank() < 1 {
		return nil, fmt.Errorf("%w: project %s: input must have at least one axis", ErrRank, name)
	}

	scope := c.In(name)
	nx := x.Dim(-1)
	w, err := scope.param("w", []int{nx, nf}, params.RandomNormal{Stddev: cfg.stddev})
	if err != nil {
		return nil, fmt.Errorf("project %s: %w", name, err)
	}
	b, err := scope.param("b", []int{nf}, params.Constant(0))
	if err != nil {
		return nil, fmt.Errorf("project %s: %w", name, err)
	}

	outShape := x.Shape()
	outShape[len(outShape)-1] = nf
	if x.Size() == 0 {
		return tensor.New(outShape...), nil
	}
	flat := x.Reshape(-1, nx)
	return tensor.MatMul(c.backend, flat, w, false).AddVec(b.Data()).Reshape(outShape...), nil
}

// Norm normalizes the last axis to zero mean and unit variance and applies
// a learned gain name.g and bias name.b.
func Norm(c *Context, x *tensor.Tensor, name string) (*tensor.Tensor, error) {
	if x.Rank() < 1 {
		return nil, fmt.Errorf("%w: norm %s: input must have at least one axis", ErrRank, name)
	}
	start := time.Now()
	defer c.observe("norm", start)

	scope := c.In(name)
	n := x.Dim(-1)
	g, err := scope.param("g", []int{n}, params.Constant(1))
	if err != nil {
		return nil, fmt.Errorf("norm %s: %w", name, err)
	}
	b, err := scope.param("b", []int{n}, params.Constant(0))
	if err != nil {
		return nil, fmt.Errorf("norm %s: %w", name, err)
	}
	return tensor.Normalize(x, normEpsilon).MulVec(g.Data()).AddVec(b.Data()), nil
}

// Dropout zeroes each element with probability rate and scales survivors
// by 1/(1-rate). A zero rate returns x unchanged.
func Dropout(c *Context, x *tensor.Tensor, rate float32) *tensor.Tensor {
	if rate <= 0 {
		return x
	}
	out := x.Clone()
	keep := 1 / (1 - rate)
	data := out.Data()
	for i := range data {
		if c.rng.Float32() < rate {
			data[i] = 0
		} else {
			data[i] *= keep
		}
	}
	return out
}
