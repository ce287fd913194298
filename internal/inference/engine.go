// Package inference drives repeated forward passes over a transformer:
// warm-up, batching, result caching and throughput accounting.
package inference

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/23skdu/longbow-stride/internal/cache"
	"github.com/23skdu/longbow-stride/internal/model"
	"github.com/23skdu/longbow-stride/internal/tensor"
)

const (
	defaultBatchSize      = 32
	defaultMaxBatchTokens = 4096
)

var tracer = otel.Tracer("github.com/23skdu/longbow-stride/internal/inference")

// Engine manages model inference for concurrent callers.
type Engine struct {
	model          *model.Transformer
	cache          cache.ResultCache
	namespace      string
	batchSize      int
	maxBatchTokens int

	warmOnce sync.Once
	warmErr  error
}

// Option configures an Engine.
type Option func(*Engine)

// WithCache memoizes per-sequence results. Caching is bypassed when a past
// cache is supplied or dropout is active.
func WithCache(c cache.ResultCache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithBatchSize caps the number of sequences per forward pass.
func WithBatchSize(n int) Option {
	return func(e *Engine) { e.batchSize = n }
}

// WithMaxBatchTokens caps sequences*length per forward pass. A single
// sequence longer than the cap still runs alone.
func WithMaxBatchTokens(n int) Option {
	return func(e *Engine) { e.maxBatchTokens = n }
}

// NewEngine creates an engine over m.
func NewEngine(m *model.Transformer, opts ...Option) *Engine {
	e := &Engine{
		model:          m,
		batchSize:      defaultBatchSize,
		maxBatchTokens: defaultMaxBatchTokens,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.batchSize <= 0 {
		e.batchSize = defaultBatchSize
	}
	if e.maxBatchTokens <= 0 {
		e.maxBatchTokens = defaultMaxBatchTokens
	}

	cfg := m.Config()
	mode := "dense"
	if m.Windowed() {
		mode = "windowed"
	}
	e.namespace = fmt.Sprintf("%s/%s/v%d/c%d/e%d/h%d/l%d/b%d/o%d",
		mode, cfg.DType, cfg.VocabSize, cfg.ContextLength, cfg.EmbeddingDim,
		cfg.NumHeads, cfg.NumLayers, cfg.BlockSize, cfg.LayerOffset)
	return e
}

// Model returns the underlying transformer.
func (e *Engine) Model() *model.Transformer { return e.model }

// Config returns the model configuration.
func (e *Engine) Config() model.Config { return e.model.Config() }

// Warmup materializes every parameter with a single-token pass. Parameters
// are created in a fixed order under one writer, so random initialization
// does not depend on which request arrives first. It runs once; later calls
// return the first result.
func (e *Engine) Warmup(ctx context.Context) error {
	e.warmOnce.Do(func() {
		start := time.Now()
		_, e.warmErr = e.model.Forward(ctx, [][]int{{0}}, model.NoPast())
		store := e.model.Store()
		log.Info().
			Int("tensors", store.Len()).
			Int("parameters", store.NumParameters()).
			Dur("elapsed", time.Since(start)).
			Err(e.warmErr).
			Msg("Engine warm-up complete")
	})
	return e.warmErr
}

// Forward computes logits and caches for tokens [batch][seq]. Sequences are
// split into sub-batches; the context is checked between them.
func (e *Engine) Forward(ctx context.Context, tokens [][]int, past model.Past) (*model.Output, error) {
	ctx, span := tracer.Start(ctx, "Engine.Forward")
	defer span.End()
	span.SetAttributes(attribute.Int("sequences", len(tokens)))

	if err := e.Warmup(ctx); err != nil {
		return nil, fmt.Errorf("warm-up: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if past.Present() {
		return e.run(ctx, tokens, past)
	}
	if len(tokens) == 0 || len(tokens[0]) == 0 {
		// Let the model report the shape error.
		return e.model.Forward(ctx, tokens, past)
	}

	cfg := e.model.Config()
	seq := len(tokens[0])
	logits := make([]*tensor.Tensor, len(tokens))
	presents := make([]*tensor.Tensor, len(tokens))
	presentShape := e.presentShape(seq)

	var misses []int
	for i, row := range tokens {
		if len(row) != seq {
			return e.model.Forward(ctx, tokens, past)
		}
		if e.cacheable() {
			if entry, ok := e.cache.Get(cache.Key(e.namespace, row)); ok {
				l, err := tensor.FromSlice(entry.Logits, seq, cfg.VocabSize)
				if err == nil {
					p, perr := tensor.FromSlice(entry.Present, presentShape...)
					if perr == nil {
						logits[i], presents[i] = l, p
						cacheHits.Inc()
						continue
					}
				}
			}
			cacheMisses.Inc()
		}
		misses = append(misses, i)
	}
	span.SetAttributes(attribute.Int("cache_hits", len(tokens)-len(misses)))

	for _, b := range planBatches(len(misses), seq, e.batchSize, e.maxBatchTokens) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		idx := misses[b.start:b.end]
		batch := make([][]int, len(idx))
		for j, i := range idx {
			batch[j] = tokens[i]
		}

		out, err := e.run(ctx, batch, model.NoPast())
		if err != nil {
			return nil, err
		}
		rowLogits, rowPresents := out.Logits.Unstack(0), out.Present.Unstack(0)
		for j, i := range idx {
			logits[i], presents[i] = rowLogits[j], rowPresents[j]
			if e.cacheable() {
				e.cache.Put(cache.Key(e.namespace, tokens[i]), cache.Entry{
					Logits:  logits[i].Data(),
					Present: presents[i].Data(),
				})
			}
		}
	}

	return &model.Output{
		Logits:  tensor.Stack(0, logits...),
		Present: tensor.Stack(0, presents...),
	}, nil
}

func (e *Engine) run(ctx context.Context, tokens [][]int, past model.Past) (*model.Output, error) {
	start := time.Now()
	out, err := e.model.Forward(ctx, tokens, past)
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start).Seconds()
	backend := e.model.Backend().Name()
	batchTime.WithLabelValues(backend).Set(elapsed)
	batchCount.WithLabelValues(backend).Inc()
	sequencesProcessed.WithLabelValues(backend).Add(float64(len(tokens)))
	if elapsed > 0 {
		throughput.WithLabelValues(backend).Set(float64(len(tokens)) / elapsed)
	}
	return out, nil
}

func (e *Engine) cacheable() bool {
	cfg := e.model.Config()
	return e.cache != nil && cfg.ResidualDropout == 0 && cfg.AttentionDropout == 0
}

// presentShape is the per-sequence cache shape [n_layer, 2, n_head, seq_out, head_dim].
func (e *Engine) presentShape(seq int) []int {
	seqOut := seq
	if e.model.Windowed() {
		seqOut = 1
	}
	return model.PastShape(e.model.Config(), 1, seqOut)[1:]
}

type batchRange struct {
	start, end int
}

// planBatches splits n sequences of length seq into contiguous ranges of
// at most maxRows sequences and maxTokens tokens. A range always holds at
// least one sequence.
func planBatches(n, seq, maxRows, maxTokens int) []batchRange {
	rows := maxRows
	if seq > 0 && maxTokens/seq < rows {
		rows = maxTokens / seq
	}
	if rows < 1 {
		rows = 1
	}
	var out []batchRange
	for start := 0; start < n; start += rows {
		end := start + rows
		if end > n {
			end = n
		}
		out = append(out, batchRange{start: start, end: end})
	}
	return out
}
