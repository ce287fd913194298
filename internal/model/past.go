package model

import "github.com/23skdu/longbow-stride/internal/tensor"

// Past is an optional key/value cache: either absent or one tensor.
// For a layer the tensor is [batch, 2, heads, past_seq, head_dim]; for the
// whole stack it is [batch, layers, 2, heads, past_seq, head_dim].
type Past struct {
	kv *tensor.Tensor
}

// NoPast is the absent cache.
func NoPast() Past { return Past{} }

// PastOf wraps a cache tensor. A nil tensor yields NoPast.
func PastOf(kv *tensor.Tensor) Past { return Past{kv: kv} }

// Get returns the tensor and whether one is present.
func (p Past) Get() (*tensor.Tensor, bool) {
	return p.kv, p.kv != nil
}

// Present reports whether a cache tensor is held.
func (p Past) Present() bool { return p.kv != nil }

// Len returns the cached sequence length, zero when absent.
func (p Past) Len() int {
	if p.kv == nil {
		return 0
	}
	return p.kv.Dim(-2)
}

// layer extracts layer l from a stacked cache.
func (p Past) layer(l int) Past {
	if p.kv == nil {
		return NoPast()
	}
	shape := p.kv.Shape()
	layerShape := append([]int{shape[0]}, shape[2:]...)
	return PastOf(p.kv.Narrow(1, l, l+1).Reshape(layerShape...))
}
