package model

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/longbow-stride/internal/device"
	"github.com/23skdu/longbow-stride/internal/params"
	"github.com/23skdu/longbow-stride/internal/tensor"
)

// DefaultHookLayer is the layer whose output is reported to an activation
// hook when no layer is given.
const DefaultHookLayer = 10

var tracer = otel.Tracer("github.com/23skdu/longbow-stride/internal/model")

// ActivationHook receives the hidden state [batch, seq, n_embd] after a layer.
// The tensor must not be modified.
type ActivationHook func(layer int, h *tensor.Tensor)

// Output is the result of a forward pass.
type Output struct {
	// Logits is [batch, seq, n_vocab]
	Logits *tensor.Tensor

	// Present is [batch, n_layer, 2, n_head, seq_out, head_dim]. Under
	// windowed attention it is all zeros with seq_out = 1 and must not be
	// fed back as a past cache.
	Present *tensor.Tensor
}

// Option configures a Transformer.
type Option func(*Transformer)

// WithBackend selects the compute backend. The default is the CPU backend.
func WithBackend(b device.Backend) Option {
	return func(m *Transformer) { m.backend = b }
}

// WithWindowedAttention toggles windowed attention. It is on by default;
// turning it off enables real key/value caches.
func WithWindowedAttention(on bool) Option {
	return func(m *Transformer) { m.windowed = on }
}

// WithActivationHook registers fn to observe the output of layer.
func WithActivationHook(layer int, fn ActivationHook) Option {
	return func(m *Transformer) {
		m.hookLayer = layer
		m.hook = fn
	}
}

// WithDropoutSeed seeds dropout masks. Each forward pass derives its own
// stream from this seed.
func WithDropoutSeed(seed uint64) Option {
	return func(m *Transformer) { m.dropoutSeed = seed }
}

// Transformer is the full decoder stack. Parameters live in the store and
// are created on first use, so the first forward pass materializes them.
type Transformer struct {
	cfg         Config
	store       *params.Store
	backend     device.Backend
	windowed    bool
	hookLayer   int
	hook        ActivationHook
	dropoutSeed uint64
	calls       atomic.Uint64
}

// New builds a transformer over store.
func New(cfg Config, store *params.Store, opts ...Option) (*Transformer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store.DataType() != cfg.DType {
		return nil, fmt.Errorf("%w: store holds %s parameters, config wants %s", ErrInvalidConfig, store.DataType(), cfg.DType)
	}
	m := &Transformer{
		cfg:       cfg,
		store:     store,
		backend:   device.NewCPUBackend(),
		windowed:  true,
		hookLayer: DefaultHookLayer,
	}
	for _, opt := range opts {
		opt(m)
	}
	log.Debug().
		Str("backend", m.backend.Name()).
		Bool("windowed", m.windowed).
		Int("layers", cfg.NumLayers).
		Int("n_embd", cfg.EmbeddingDim).
		Msg("Transformer created")
	return m, nil
}

// Config returns the model configuration.
func (m *Transformer) Config() Config { return m.cfg }

// Store returns the parameter store.
func (m *Transformer) Store() *params.Store { return m.store }

// Windowed reports whether windowed attention is active.
func (m *Transformer) Windowed() bool { return m.windowed }

// Backend returns the compute backend.
func (m *Transformer) Backend() device.Backend { return m.backend }

func (m *Transformer) mode() string {
	if m.windowed {
		return "windowed"
	}
	return "dense"
}

// Forward computes logits for tokens [batch][seq]. past, when present, is
// a stacked cache from an earlier dense-mode call.
func (m *Transformer) Forward(ctx context.Context, tokens [][]int, past Past) (*Output, error) {
	_, span := tracer.Start(ctx, "Transformer.Forward", trace.WithAttributes(
		attribute.Int("batch", len(tokens)),
		attribute.String("mode", m.mode()),
		attribute.Int("past_len", past.Len()),
	))
	defer span.End()

	out, err := m.forward(tokens, past)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		forwardTotal.WithLabelValues(m.mode(), "error").Inc()
		return nil, err
	}
	forwardTotal.WithLabelValues(m.mode(), "ok").Inc()
	return out, nil
}

func (m *Transformer) forward(tokens [][]int, past Past) (*Output, error) {
	batch, seq, err := m.checkInputs(tokens, past)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	c := NewContext(m.store.Root().In("model"), m.backend, m.cfg, m.dropoutSeed+m.calls.Add(1))
	defer c.observe("forward", start)

	f := m.cfg.EmbeddingDim
	wpe, err := c.param("wpe", []int{m.cfg.ContextLength, f}, params.RandomNormal{Stddev: 0.01})
	if err != nil {
		return nil, err
	}
	wte, err := c.param("wte", []int{m.cfg.VocabSize, f}, params.RandomNormal{Stddev: 0.02})
	if err != nil {
		return nil, err
	}

	ids := make([]int, 0, batch*seq)
	for _, row := range tokens {
		ids = append(ids, row...)
	}
	positions := positionsFor(batch, seq, past.Len())
	h := tensor.Add(
		tensor.Gather(wte, ids).Reshape(batch, seq, f),
		tensor.Gather(wpe, positions).Reshape(batch, seq, f),
	).RoundTo(m.cfg.DType)

	presents := make([]*tensor.Tensor, m.cfg.NumLayers)
	for l := range presents {
		opts := AttentionOptions{Windowed: m.windowed, BlockOffset: m.cfg.BlockOffset(l)}
		var present *tensor.Tensor
		h, present, err = Block(c, h, "h"+strconv.Itoa(l), past.layer(l), opts)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", l, err)
		}
		h.RoundTo(m.cfg.DType)
		presents[l] = present
		if m.hook != nil && l == m.hookLayer {
			m.hook(l, h)
		}
	}

	h, err = Norm(c, h, "ln_f")
	if err != nil {
		return nil, err
	}
	logits := tensor.MatMul(m.backend, h.Reshape(batch*seq, f), wte, true).
		Reshape(batch, seq, m.cfg.VocabSize).
		RoundTo(m.cfg.DType)

	tokensTotal.Add(float64(batch * seq))
	return &Output{Logits: logits, Present: tensor.Stack(1, presents...)}, nil
}

// checkInputs validates the token batch and past cache before any
// parameter is touched.
func (m *Transformer) checkInputs(tokens [][]int, past Past) (batch, seq int, err error) {
	batch = len(tokens)
	if batch == 0 || len(tokens[0]) == 0 {
		return 0, 0, fmt.Errorf("%w: tokens must be a non-empty [batch, seq] matrix", ErrRank)
	}
	seq = len(tokens[0])
	for b, row := range tokens {
		if len(row) != seq {
			return 0, 0, fmt.Errorf("%w: row %d has %d tokens, want %d", ErrRank, b, len(row), seq)
		}
		for i, id := range row {
			if id < 0 || id >= m.cfg.VocabSize {
				return 0, 0, fmt.Errorf("%w: tokens[%d][%d] = %d, vocab %d", ErrTokenRange, b, i, id, m.cfg.VocabSize)
			}
		}
	}

	if kv, ok := past.Get(); ok {
		if m.windowed {
			return 0, 0, ErrWindowedPast
		}
		if kv.Rank() != 6 {
			return 0, 0, fmt.Errorf("%w: past must be rank 6, got %v", ErrRank, kv.Shape())
		}
		want := PastShape(m.cfg, batch, kv.Dim(4))
		if !tensor.SameShape(kv.Shape(), want) {
			return 0, 0, fmt.Errorf("%w: got %v, want %v", ErrPastShape, kv.Shape(), want)
		}
	}
	if n := past.Len() + seq; n > m.cfg.ContextLength {
		return 0, 0, fmt.Errorf("%w: %d positions, context %d", ErrContextOverflow, n, m.cfg.ContextLength)
	}
	return batch, seq, nil
}

// positionsFor returns pastLen + [0, seq) for every batch row, flattened.
func positionsFor(batch, seq, pastLen int) []int {
	out := make([]int, 0, batch*seq)
	for b := 0; b < batch; b++ {
		for i := 0; i < seq; i++ {
			out = append(out, pastLen+i)
		}
	}
	return out
}
