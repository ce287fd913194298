package model

import (
	"math/rand/v2"

	"github.com/23skdu/longbow-stride/internal/device"
	"github.com/23skdu/longbow-stride/internal/params"
	"github.com/23skdu/longbow-stride/internal/tensor"
)

// Context threads the parameter scope, compute backend and dropout source
// through one forward pass.
type Context struct {
	scope   *params.Scope
	backend device.Backend
	cfg     Config
	rng     *rand.Rand
}

// NewContext creates a context rooted at scope. seed drives dropout masks.
func NewContext(scope *params.Scope, backend device.Backend, cfg Config, seed uint64) *Context {
	return &Context{
		scope:   scope,
		backend: backend,
		cfg:     cfg,
		rng:     rand.New(rand.NewPCG(seed, ^seed)),
	}
}

// In returns a context whose parameters live in the child scope name.
func (c *Context) In(name string) *Context {
	child := *c
	child.scope = c.scope.In(name)
	return &child
}

// Config returns the model configuration.
func (c *Context) Config() Config { return c.cfg }

func (c *Context) param(name string, shape []int, init params.Initializer) (*tensor.Tensor, error) {
	return c.scope.GetOrCreate(name, shape, init)
}
