package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-stride/internal/device"
)

func tinyConfig() Config {
	return Config{
		VocabSize:     10,
		ContextLength: 16,
		EmbeddingDim:  4,
		NumHeads:      2,
		NumLayers:     1,
		BlockSize:     4,
		LayerOffset:   1,
		DType:         device.Float32,
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 50257, cfg.VocabSize)
	assert.Equal(t, 2048, cfg.ContextLength)
	assert.Equal(t, 768, cfg.EmbeddingDim)
	assert.Equal(t, 12, cfg.NumHeads)
	assert.Equal(t, 12, cfg.NumLayers)
	assert.Equal(t, 128, cfg.BlockSize)
	assert.Equal(t, 16, cfg.LayerOffset)
	assert.Equal(t, 64, cfg.HeadDim())
	assert.Equal(t, device.Float32, cfg.DType)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		err    error
	}{
		{"zero vocab", func(c *Config) { c.VocabSize = 0 }, ErrInvalidConfig},
		{"zero context", func(c *Config) { c.ContextLength = 0 }, ErrInvalidConfig},
		{"zero heads", func(c *Config) { c.NumHeads = 0 }, ErrInvalidConfig},
		{"zero layers", func(c *Config) { c.NumLayers = 0 }, ErrInvalidConfig},
		{"zero block", func(c *Config) { c.BlockSize = 0 }, ErrInvalidConfig},
		{"negative offset", func(c *Config) { c.LayerOffset = -1 }, ErrInvalidConfig},
		{"dropout one", func(c *Config) { c.ResidualDropout = 1 }, ErrInvalidConfig},
		{"negative attn dropout", func(c *Config) { c.AttentionDropout = -0.1 }, ErrInvalidConfig},
		{"indivisible heads", func(c *Config) { c.NumHeads = 3 }, ErrHeads},
		{"unknown dtype", func(c *Config) { c.DType = device.DataType(7) }, ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tinyConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), tt.err)
		})
	}
}

func TestConfig_BlockOffset(t *testing.T) {
	cfg := DefaultConfig()
	want := []int{0, 16, 32, 48, 64, 80, 96, 112, 0, 16, 32, 48}
	for l, w := range want {
		assert.Equal(t, w, cfg.BlockOffset(l), "layer %d", l)
	}
}

func TestPastShape(t *testing.T) {
	cfg := tinyConfig()
	assert.Equal(t, []int{3, 1, 2, 2, -1, 2}, PastShape(cfg, 3, -1))
	assert.Equal(t, []int{1, 12, 2, 12, 5, 64}, PastShape(DefaultConfig(), 1, 5))
}
