// Package model implements a decoder-only transformer whose self-attention
// runs over fixed-size windows with per-layer staggered offsets.
//
// Key features:
//   - Pre-normalization residual blocks (ln_1 -> attn, ln_2 -> mlp)
//   - Windowed causal attention with a zero placeholder cache
//   - Dense causal attention with a real key/value cache for incremental decoding
//   - Tied input/output embeddings
package model

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-stride/internal/device"
)

var (
	ErrInvalidConfig   = errors.New("invalid config")
	ErrRank            = errors.New("rank mismatch")
	ErrHeads           = errors.New("feature width not divisible by head count")
	ErrWindowedPast    = errors.New("windowed attention cannot consume a past cache")
	ErrBlockOffset     = errors.New("block offset out of range")
	ErrPastShape       = errors.New("past cache shape mismatch")
	ErrTokenRange      = errors.New("token id out of range")
	ErrContextOverflow = errors.New("sequence exceeds context length")
)

// Config holds the model hyperparameters. It is read-only once a
// Transformer has been built from it.
type Config struct {
	// VocabSize is the number of token ids (n_vocab)
	VocabSize int

	// ContextLength is the number of learned positions (n_ctx)
	ContextLength int

	// EmbeddingDim is the hidden width (n_embd)
	EmbeddingDim int

	NumHeads  int
	NumLayers int

	// ResidualDropout and AttentionDropout are applied whenever nonzero.
	// Set them to zero for inference; there is no separate training switch.
	ResidualDropout  float32
	AttentionDropout float32

	// BlockSize is the fixed window length of windowed attention
	BlockSize int

	// LayerOffset staggers window boundaries: layer l is shifted by
	// (l * LayerOffset) mod BlockSize positions.
	LayerOffset int

	DType device.DataType
}

// DefaultConfig returns the reference hyperparameters.
func DefaultConfig() Config {
	return Config{
		VocabSize:        50257,
		ContextLength:    2048,
		EmbeddingDim:     768,
		NumHeads:         12,
		NumLayers:        12,
		ResidualDropout:  0,
		AttentionDropout: 0,
		BlockSize:        128,
		LayerOffset:      16,
		DType:            device.Float32,
	}
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	switch {
	case c.VocabSize <= 0:
		return fmt.Errorf("%w: vocab size must be positive, got %d", ErrInvalidConfig, c.VocabSize)
	case c.ContextLength <= 0:
		return fmt.Errorf("%w: context length must be positive, got %d", ErrInvalidConfig, c.ContextLength)
	case c.EmbeddingDim <= 0:
		return fmt.Errorf("%w: embedding dim must be positive, got %d", ErrInvalidConfig, c.EmbeddingDim)
	case c.NumHeads <= 0:
		return fmt.Errorf("%w: head count must be positive, got %d", ErrInvalidConfig, c.NumHeads)
	case c.NumLayers <= 0:
		return fmt.Errorf("%w: layer count must be positive, got %d", ErrInvalidConfig, c.NumLayers)
	case c.BlockSize <= 0:
		return fmt.Errorf("%w: block size must be positive, got %d", ErrInvalidConfig, c.BlockSize)
	case c.LayerOffset < 0:
		return fmt.Errorf("%w: layer offset must be non-negative, got %d", ErrInvalidConfig, c.LayerOffset)
	case c.ResidualDropout < 0 || c.ResidualDropout >= 1:
		return fmt.Errorf("%w: residual dropout must be in [0, 1), got %f", ErrInvalidConfig, c.ResidualDropout)
	case c.AttentionDropout < 0 || c.AttentionDropout >= 1:
		return fmt.Errorf("%w: attention dropout must be in [0, 1), got %f", ErrInvalidConfig, c.AttentionDropout)
	case !c.DType.Valid():
		return fmt.Errorf("%w: unknown data type %s", ErrInvalidConfig, c.DType)
	}
	if c.EmbeddingDim%c.NumHeads != 0 {
		return fmt.Errorf("%w: %w: embedding dim %d, heads %d", ErrInvalidConfig, ErrHeads, c.EmbeddingDim, c.NumHeads)
	}
	return nil
}

// HeadDim returns the width of one attention head.
func (c Config) HeadDim() int {
	return c.EmbeddingDim / c.NumHeads
}

// BlockOffset returns the window offset of the given layer.
func (c Config) BlockOffset(layer int) int {
	return (layer * c.LayerOffset) % c.BlockSize
}

// PastShape returns the shape of a stacked cache for batch and sequence
// lengths. Unknown dimensions may be passed as -1.
func PastShape(c Config, batch, sequence int) []int {
	return []int{batch, c.NumLayers, 2, c.NumHeads, sequence, c.HeadDim()}
}
