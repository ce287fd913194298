package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-stride/internal/client"
	"github.com/23skdu/longbow-stride/internal/model"
	"github.com/23skdu/longbow-stride/internal/params"
	"github.com/23skdu/longbow-stride/internal/tensor"
)

const arrowStreamType = "application/vnd.apache.arrow.stream"

var (
	tokensServed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stride_tokens_served_total",
		Help: "The total number of tokens answered over HTTP",
	})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stride_request_duration_seconds",
		Help:    "Time spent processing forward requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)

// ForwardEngine computes forward passes for the server.
type ForwardEngine interface {
	Forward(ctx context.Context, tokens [][]int, past model.Past) (*model.Output, error)
	Config() model.Config
}

// wireTensor is the CBOR form of a tensor.
type wireTensor struct {
	Shape []int     `cbor:"shape"`
	Data  []float32 `cbor:"data"`
}

// toTensor rebuilds the tensor. Every dimension must be given explicitly.
func (wt *wireTensor) toTensor() (*tensor.Tensor, error) {
	if err := tensor.CheckDims(wt.Shape); err != nil {
		return nil, err
	}
	return tensor.FromSlice(wt.Data, wt.Shape...)
}

type forwardRequest struct {
	Tokens [][]int     `cbor:"tokens"`
	Past   *wireTensor `cbor:"past,omitempty"`
}

type forwardResponse struct {
	Logits  wireTensor `cbor:"logits"`
	Present wireTensor `cbor:"present"`
}

type Server struct {
	engine  ForwardEngine
	alloc   memory.Allocator
	builder *client.RecordBatchBuilder
	sem     *semaphore.Weighted
	maxLoad int64
}

// NewServer creates a server admitting at most maxConcurrent tokens at once.
func NewServer(engine ForwardEngine, maxConcurrent int) *Server {
	alloc := memory.NewGoAllocator()
	return &Server{
		engine:  engine,
		alloc:   alloc,
		builder: client.NewRecordBatchBuilder(alloc),
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		maxLoad: int64(maxConcurrent),
	}
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/forward", s.handleForward)
	mux.HandleFunc("/forward/arrow", s.handleForwardArrow)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func startServer(addr string, engine ForwardEngine, maxConcurrent int) {
	srv := NewServer(engine, maxConcurrent)

	log.Info().Str("addr", addr).Msg("Starting Stride Server")
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

var tracer = otel.Tracer("stride-server")

func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleForward")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("forward").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req forwardRequest
	if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}

	past := model.NoPast()
	if req.Past != nil {
		t, err := req.Past.toTensor()
		if err != nil {
			http.Error(w, fmt.Sprintf("Bad Request (past): %v", err), http.StatusBadRequest)
			return
		}
		past = model.PastOf(t)
	}
	span.SetAttributes(
		attribute.Int("sequence_count", len(req.Tokens)),
		attribute.Bool("has_past", past.Present()),
	)

	out, status, err := s.forward(ctx, req.Tokens, past)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		http.Error(w, err.Error(), status)
		return
	}

	resp := forwardResponse{
		Logits:  wireTensor{Shape: out.Logits.Shape(), Data: out.Logits.Data()},
		Present: wireTensor{Shape: out.Present.Shape(), Data: out.Present.Data()},
	}
	w.Header().Set("Content-Type", "application/cbor")
	if err := cbor.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("Failed to write CBOR response")
	}
}

func (s *Server) handleForwardArrow(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleForwardArrow")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("forward_arrow").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	reader, err := ipc.NewReader(r.Body, ipc.WithAllocator(s.alloc))
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to create IPC reader: %v", err), http.StatusBadRequest)
		return
	}
	defer reader.Release()

	cfg := s.engine.Config()
	var writer *ipc.Writer
	totalProcessed := 0

	for reader.Next() {
		rec := reader.Record()
		if rec.NumRows() == 0 {
			continue
		}
		tokens, err := client.DecodeTokens(rec)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		out, status, err := s.forward(ctx, tokens, model.NoPast())
		if err != nil {
			span.RecordError(err)
			if writer == nil {
				http.Error(w, err.Error(), status)
			} else {
				log.Error().Err(err).Msg("Forward failed mid-stream")
			}
			break
		}

		result, err := s.builder.BuildOutput(cfg, out)
		if err != nil {
			log.Error().Err(err).Msg("Failed to build output record")
			break
		}
		if writer == nil {
			w.Header().Set("Content-Type", arrowStreamType)
			writer = ipc.NewWriter(w, ipc.WithSchema(result.Schema()), ipc.WithAllocator(s.alloc))
		}
		err = writer.Write(result)
		result.Release()
		if err != nil {
			log.Error().Err(err).Msg("Failed to write Arrow record")
			break
		}
		totalProcessed += len(tokens)
	}

	if writer != nil {
		if err := writer.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close Arrow stream")
		}
	}
	span.SetAttributes(attribute.Int("sequence_count", totalProcessed))

	if err := reader.Err(); err != nil {
		log.Error().Err(err).Msg("Error reading Arrow stream")
		if writer == nil {
			http.Error(w, "Stream error", http.StatusBadRequest)
		}
		return
	}
	if writer == nil && totalProcessed == 0 {
		w.WriteHeader(http.StatusNoContent)
	}
}

// forward runs one admitted forward pass and maps errors to HTTP statuses.
func (s *Server) forward(ctx context.Context, tokens [][]int, past model.Past) (*model.Output, int, error) {
	weight := int64(0)
	for _, row := range tokens {
		weight += int64(len(row))
	}
	if weight > s.maxLoad {
		return nil, http.StatusRequestEntityTooLarge, fmt.Errorf("request has %d tokens, limit %d", weight, s.maxLoad)
	}
	if weight > 0 {
		// Admission Control
		if err := s.sem.Acquire(ctx, weight); err != nil {
			log.Error().Err(err).Msg("Failed to acquire semaphore")
			return nil, http.StatusServiceUnavailable, fmt.Errorf("server busy: %w", err)
		}
		defer s.sem.Release(weight)
	}

	out, err := s.engine.Forward(ctx, tokens, past)
	if err != nil {
		return nil, statusFor(err), err
	}
	tokensServed.Add(float64(weight))
	return out, http.StatusOK, nil
}

func statusFor(err error) int {
	for _, target := range []error{
		model.ErrRank, model.ErrHeads, model.ErrWindowedPast, model.ErrBlockOffset,
		model.ErrPastShape, model.ErrTokenRange, model.ErrContextOverflow, params.ErrShapeConflict,
	} {
		if errors.Is(err, target) {
			return http.StatusBadRequest
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, client.ErrCircuitOpen) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
