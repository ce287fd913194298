package inference

import (
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/23skdu/longbow-stride/internal/cache"
	"github.com/23skdu/longbow-stride/internal/device"
	"github.com/23skdu/longbow-stride/internal/model"
	"github.com/23skdu/longbow-stride/internal/params"
)

func getMetricValue(m prometheus.Metric) float64 {
	var metric dto.Metric
	_ = m.Write(&metric)
	if metric.Counter != nil {
		return *metric.Counter.Value
	}
	if metric.Gauge != nil {
		return *metric.Gauge.Value
	}
	return 0
}

func tinyModel(t *testing.T, opts ...model.Option) *model.Transformer {
	t.Helper()
	cfg := model.Config{
		VocabSize:     10,
		ContextLength: 16,
		EmbeddingDim:  4,
		NumHeads:      2,
		NumLayers:     2,
		BlockSize:     4,
		LayerOffset:   1,
		DType:         device.Float32,
	}
	m, err := model.New(cfg, params.NewStore(11, cfg.DType), opts...)
	require.NoError(t, err)
	return m
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func TestEngine_Warmup(t *testing.T) {
	m := tinyModel(t)
	e := NewEngine(m)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, e.Warmup(context.Background()))
		}()
	}
	wg.Wait()
	assert.Equal(t, 28, m.Store().Len())
}

func TestEngine_MatchesModel(t *testing.T) {
	m := tinyModel(t)
	e := NewEngine(m, WithBatchSize(1))
	ctx := context.Background()
	tokens := [][]int{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}}

	backend := m.Backend().Name()
	batchesBefore := getMetricValue(batchCount.WithLabelValues(backend))

	got, err := e.Forward(ctx, tokens, model.NoPast())
	require.NoError(t, err)
	want, err := m.Forward(ctx, tokens, model.NoPast())
	require.NoError(t, err)

	assert.Equal(t, want.Logits.Shape(), got.Logits.Shape())
	assert.Equal(t, want.Present.Shape(), got.Present.Shape())
	assert.True(t, floats.EqualApprox(toFloat64(want.Logits.Data()), toFloat64(got.Logits.Data()), 1e-5))
	assert.Equal(t, batchesBefore+3, getMetricValue(batchCount.WithLabelValues(backend)))
}

func TestEngine_MaxBatchTokens(t *testing.T) {
	m := tinyModel(t, model.WithWindowedAttention(false))
	e := NewEngine(m, WithMaxBatchTokens(6))
	ctx := context.Background()
	tokens := [][]int{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}, {0, 1, 2}, {3, 4, 5}}

	backend := m.Backend().Name()
	batchesBefore := getMetricValue(batchCount.WithLabelValues(backend))

	got, err := e.Forward(ctx, tokens, model.NoPast())
	require.NoError(t, err)
	want, err := m.Forward(ctx, tokens, model.NoPast())
	require.NoError(t, err)

	// Two sequences of three tokens fit the budget, so five rows take three passes.
	assert.Equal(t, batchesBefore+3, getMetricValue(batchCount.WithLabelValues(backend)))
	assert.Equal(t, want.Present.Shape(), got.Present.Shape())
	assert.True(t, floats.EqualApprox(toFloat64(want.Logits.Data()), toFloat64(got.Logits.Data()), 1e-5))
	assert.True(t, floats.EqualApprox(toFloat64(want.Present.Data()), toFloat64(got.Present.Data()), 1e-5))
}

func TestEngine_Caching(t *testing.T) {
	c := cache.NewMapCache(0)
	e := NewEngine(tinyModel(t), WithCache(c))
	ctx := context.Background()

	startHits := getMetricValue(cacheHits)
	startMisses := getMetricValue(cacheMisses)

	first, err := e.Forward(ctx, [][]int{{1, 2}}, model.NoPast())
	require.NoError(t, err)
	assert.Equal(t, 1.0, getMetricValue(cacheMisses)-startMisses)
	assert.Equal(t, 1, c.Size())

	second, err := e.Forward(ctx, [][]int{{1, 2}, {3, 4}}, model.NoPast())
	require.NoError(t, err)
	assert.Equal(t, 1.0, getMetricValue(cacheHits)-startHits)
	assert.Equal(t, 2.0, getMetricValue(cacheMisses)-startMisses)
	assert.Equal(t, 2, c.Size())

	assert.Equal(t, []int{2, 2, 10}, second.Logits.Shape())
	assert.Equal(t, first.Logits.Data(), second.Logits.Narrow(0, 0, 1).Data())
	assert.Equal(t, []int{2, 2, 2, 2, 1, 2}, second.Present.Shape())
}

func TestEngine_CacheBypassedWithPast(t *testing.T) {
	c := cache.NewMapCache(0)
	e := NewEngine(tinyModel(t, model.WithWindowedAttention(false)), WithCache(c))
	ctx := context.Background()

	prefix, err := e.Forward(ctx, [][]int{{1, 2}}, model.NoPast())
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 2, 2, 2, 2}, prefix.Present.Shape())
	size := c.Size()

	step, err := e.Forward(ctx, [][]int{{3}}, model.PastOf(prefix.Present))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 2, 2, 3, 2}, step.Present.Shape())
	assert.Equal(t, size, c.Size())
}

func TestEngine_Cancellation(t *testing.T) {
	e := NewEngine(tinyModel(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Forward(ctx, [][]int{{1}}, model.NoPast())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEngine_Errors(t *testing.T) {
	e := NewEngine(tinyModel(t), WithCache(cache.NewMapCache(0)))
	ctx := context.Background()

	_, err := e.Forward(ctx, nil, model.NoPast())
	assert.ErrorIs(t, err, model.ErrRank)
	_, err = e.Forward(ctx, [][]int{{1, 2}, {3}}, model.NoPast())
	assert.ErrorIs(t, err, model.ErrRank)
	_, err = e.Forward(ctx, [][]int{{42}}, model.NoPast())
	assert.ErrorIs(t, err, model.ErrTokenRange)
}

func TestPlanBatches(t *testing.T) {
	tests := []struct {
		name                       string
		n, seq, maxRows, maxTokens int
		want                       []batchRange
	}{
		{"empty", 0, 4, 2, 100, nil},
		{"rows bound", 5, 1, 2, 100, []batchRange{{0, 2}, {2, 4}, {4, 5}}},
		{"token bound", 4, 10, 8, 25, []batchRange{{0, 2}, {2, 4}}},
		{"oversized sequence", 2, 100, 8, 25, []batchRange{{0, 1}, {1, 2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, planBatches(tt.n, tt.seq, tt.maxRows, tt.maxTokens))
		})
	}
}
