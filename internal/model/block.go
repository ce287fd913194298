package model

import (
	"fmt"
	"time"

	"github.com/23skdu/longbow-stride/internal/tensor"
)

// MLP applies gelu(x·W_fc + b_fc)·W_proj + b_proj followed by residual
// dropout. nState is the hidden width; the output width matches x.
func MLP(c *Context, x *tensor.Tensor, name string, nState int) (*tensor.Tensor, error) {
	start := time.Now()
	defer c.observe("mlp", start)

	scope := c.In(name)
	nx := x.Dim(-1)
	h, err := Project(scope, x, "c_fc", nState)
	if err != nil {
		return nil, fmt.Errorf("mlp %s: %w", name, err)
	}
	h2, err := Project(scope, tensor.Gelu(h), "c_proj", nx)
	if err != nil {
		return nil, fmt.Errorf("mlp %s: %w", name, err)
	}
	return Dropout(scope, h2, scope.cfg.ResidualDropout), nil
}

// Block is one pre-norm decoder layer:
//
//	x = x + attn(ln_1(x))
//	x = x + mlp(ln_2(x))
//
// It returns the new hidden state and the attention cache.
func Block(c *Context, x *tensor.Tensor, name string, past Past, opts AttentionOptions) (*tensor.Tensor, *tensor.Tensor, error) {
	if x.Rank() != 3 {
		return nil, nil, fmt.Errorf("block %s: %w: input must be [batch, seq, features], got %v", name, ErrRank, x.Shape())
	}
	start := time.Now()
	defer c.observe("block", start)

	scope := c.In(name)
	nx := x.Dim(-1)

	h, err := Norm(scope, x, "ln_1")
	if err != nil {
		return nil, nil, err
	}
	a, present, err := Attention(scope, h, "attn", nx, past, opts)
	if err != nil {
		return nil, nil, err
	}
	x = tensor.Add(x, a)

	h, err = Norm(scope, x, "ln_2")
	if err != nil {
		return nil, nil, err
	}
	m, err := MLP(scope, h, "mlp", 4*nx)
	if err != nil {
		return nil, nil, err
	}
	return tensor.Add(x, m), present, nil
}
