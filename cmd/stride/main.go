package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"runtime/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-stride/internal/cache"
	"github.com/23skdu/longbow-stride/internal/client"
	"github.com/23skdu/longbow-stride/internal/device"
	"github.com/23skdu/longbow-stride/internal/inference"
	"github.com/23skdu/longbow-stride/internal/model"
	"github.com/23skdu/longbow-stride/internal/params"
	"github.com/23skdu/longbow-stride/internal/tensor"
	"github.com/23skdu/longbow-stride/internal/weights"
)

var (
	defaults = model.DefaultConfig()

	vocabSize    = flag.Int("vocab", defaults.VocabSize, "Vocabulary size (n_vocab)")
	contextLen   = flag.Int("ctx", defaults.ContextLength, "Context length (n_ctx)")
	embeddingDim = flag.Int("embd", defaults.EmbeddingDim, "Hidden width (n_embd)")
	numHeads     = flag.Int("heads", defaults.NumHeads, "Attention heads (n_head)")
	numLayers    = flag.Int("layers", defaults.NumLayers, "Decoder layers (n_layer)")
	blockSize    = flag.Int("block", defaults.BlockSize, "Windowed attention block size")
	layerOffset  = flag.Int("layer-offset", defaults.LayerOffset, "Per-layer window offset stride")
	seed         = flag.Uint64("seed", 1, "Seed for parameter initialization")
	backendName  = flag.String("backend", "cpu", "Compute backend (cpu, blas)")
	dtypeName    = flag.String("dtype", "fp32", "Numeric type (fp32, fp16)")
	dense        = flag.Bool("dense", false, "Disable windowed attention and return real key/value caches")

	tokenList      = flag.String("tokens", "0,1,2", "Token ids, comma separated; sequences separated by ';'")
	outPath        = flag.String("out", "", "Write the result as an Arrow IPC stream to this file")
	checkpoint     = flag.String("checkpoint", "", "Load parameters from an Arrow checkpoint")
	saveCheckpoint = flag.String("save-checkpoint", "", "Write parameters to an Arrow checkpoint after warm-up")
	cacheSize      = flag.Int("cache-size", 4096, "Result cache entries (0 disables caching)")
	batchSize      = flag.Int("batch-size", 32, "Maximum sequences per forward pass")
	maxBatchTokens = flag.Int("max-batch-tokens", 4096, "Maximum tokens (sequences*length) per forward pass")

	listenAddr    = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr    = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	remoteAddr    = flag.String("remote", "", "Run forward passes on a remote Flight server (e.g. localhost:9090)")
	maxConcurrent = flag.Int("max-concurrent", 16384, "Maximum number of tokens in flight")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	cpuProfile    = flag.String("cpuprofile", "", "Write cpu profile to file")
	duration      = flag.Duration("duration", 0, "Run soak test for specified duration (e.g. 10s, 20m)")
)

func main() {
	// Initialize logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	cfg, err := configFromFlags()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	var engine ForwardEngine
	if *remoteAddr != "" {
		fc, err := client.NewFlightClient(*remoteAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create flight client")
		}
		defer fc.Close()
		log.Info().Str("addr", *remoteAddr).Msg("Forwarding to remote Flight server")
		engine = &remoteEngine{client: fc, cfg: cfg}
	} else {
		local, err := newLocalEngine(cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create engine")
		}
		engine = local
	}

	// Server Mode
	if *listenAddr != "" {
		go startServer(*listenAddr, engine, *maxConcurrent)
		if *flightAddr == "" {
			select {}
		}
	}

	if *flightAddr != "" {
		if err := StartFlightServer(*flightAddr, engine); err != nil {
			log.Fatal().Err(err).Msg("Flight server failed")
		}
		return
	}

	tokens, err := parseTokens(*tokenList)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid -tokens")
	}

	if *duration > 0 {
		soak(engine, tokens, *duration)
		return
	}

	start := time.Now()
	out, err := engine.Forward(context.Background(), tokens, model.NoPast())
	if err != nil {
		log.Fatal().Err(err).Msg("Forward failed")
	}
	elapsed := time.Since(start)

	log.Info().
		Ints("logits", out.Logits.Shape()).
		Ints("present", out.Present.Shape()).
		Dur("elapsed", elapsed).
		Float64("tps", float64(len(tokens)*len(tokens[0]))/elapsed.Seconds()).
		Msg("Forward complete")
	for b, row := range argmaxRows(out) {
		log.Info().Int("sequence", b).Ints("next", row).Msg("Most likely next tokens")
	}

	if *outPath != "" {
		if err := writeArrowFile(*outPath, cfg, out); err != nil {
			log.Fatal().Err(err).Msg("Failed to write Arrow output")
		}
	}
}

func configFromFlags() (model.Config, error) {
	dt, err := device.ParseDataType(*dtypeName)
	if err != nil {
		return model.Config{}, err
	}
	cfg := defaults
	cfg.VocabSize = *vocabSize
	cfg.ContextLength = *contextLen
	cfg.EmbeddingDim = *embeddingDim
	cfg.NumHeads = *numHeads
	cfg.NumLayers = *numLayers
	cfg.BlockSize = *blockSize
	cfg.LayerOffset = *layerOffset
	cfg.DType = dt
	return cfg, cfg.Validate()
}

func newLocalEngine(cfg model.Config) (*inference.Engine, error) {
	backend, err := device.NewBackend(*backendName)
	if err != nil {
		return nil, err
	}
	store := params.NewStore(*seed, cfg.DType)
	if *checkpoint != "" {
		n, err := weights.NewLoader(store, nil).LoadFile(*checkpoint)
		if err != nil {
			return nil, fmt.Errorf("load checkpoint: %w", err)
		}
		log.Info().Str("path", *checkpoint).Int("tensors", n).Msg("Loaded checkpoint")
	}

	m, err := model.New(cfg, store,
		model.WithBackend(backend),
		model.WithWindowedAttention(!*dense),
		model.WithActivationHook(model.DefaultHookLayer, func(layer int, h *tensor.Tensor) {
			log.Debug().Int("layer", layer).Ints("shape", h.Shape()).Msg("Activation checkpoint")
		}),
	)
	if err != nil {
		return nil, err
	}

	opts := []inference.Option{
		inference.WithBatchSize(*batchSize),
		inference.WithMaxBatchTokens(*maxBatchTokens),
	}
	if *cacheSize > 0 {
		opts = append(opts, inference.WithCache(cache.NewMapCache(*cacheSize)))
	}
	engine := inference.NewEngine(m, opts...)
	if err := engine.Warmup(context.Background()); err != nil {
		return nil, err
	}

	if *saveCheckpoint != "" {
		if err := weights.NewLoader(store, nil).SaveFile(*saveCheckpoint); err != nil {
			return nil, fmt.Errorf("save checkpoint: %w", err)
		}
		log.Info().Str("path", *saveCheckpoint).Msg("Saved checkpoint")
	}
	return engine, nil
}

// remoteEngine runs forward passes on a Flight server.
type remoteEngine struct {
	client *client.FlightClient
	cfg    model.Config
}

func (r *remoteEngine) Forward(ctx context.Context, tokens [][]int, past model.Past) (*model.Output, error) {
	if past.Present() {
		return nil, errors.New("remote forward does not accept a past cache")
	}
	out, err := r.client.Forward(ctx, tokens)
	if err != nil {
		log.Warn().Err(err).Str("breaker", r.client.Breaker().State().String()).Msg("Remote forward failed")
	}
	return out, err
}

func (r *remoteEngine) Config() model.Config { return r.cfg }

// parseTokens parses "1,2,3;4,5,6" into [][]int.
func parseTokens(s string) ([][]int, error) {
	var out [][]int
	for _, seq := range strings.Split(s, ";") {
		seq = strings.TrimSpace(seq)
		if seq == "" {
			continue
		}
		var row []int
		for _, field := range strings.Split(seq, ",") {
			id, err := strconv.Atoi(strings.TrimSpace(field))
			if err != nil {
				return nil, fmt.Errorf("token %q: %w", field, err)
			}
			row = append(row, id)
		}
		out = append(out, row)
	}
	if len(out) == 0 {
		return nil, errors.New("no tokens")
	}
	return out, nil
}

// argmaxRows returns the highest scoring vocabulary id at every position.
func argmaxRows(out *model.Output) [][]int {
	shape := out.Logits.Shape()
	batch, seq, vocab := shape[0], shape[1], shape[2]
	data := out.Logits.Data()
	res := make([][]int, batch)
	for b := range res {
		res[b] = make([]int, seq)
		for i := 0; i < seq; i++ {
			row := data[(b*seq+i)*vocab : (b*seq+i+1)*vocab]
			best := 0
			for j, v := range row {
				if v > row[best] {
					best = j
				}
			}
			res[b][i] = best
		}
	}
	return res
}

func soak(engine ForwardEngine, tokens [][]int, d time.Duration) {
	log.Info().Str("duration", d.String()).Msg("Starting soak test")

	startTime := time.Now()
	endTime := startTime.Add(d)
	var totalSequences int64
	var iter int

	for time.Now().Before(endTime) {
		if _, err := engine.Forward(context.Background(), tokens, model.NoPast()); err != nil {
			log.Fatal().Err(err).Msg("Forward failed during soak")
		}
		totalSequences += int64(len(tokens))
		iter++

		if iter%10 == 0 {
			elapsed := time.Since(startTime)
			log.Info().
				Str("elapsed", elapsed.Round(time.Second).String()).
				Int("iter", iter).
				Int64("total_sequences", totalSequences).
				Float64("sps", float64(totalSequences)/elapsed.Seconds()).
				Msg("Soak test progress")
		}
	}

	totalElapsed := time.Since(startTime)
	log.Info().
		Int64("total_sequences", totalSequences).
		Dur("total_time", totalElapsed).
		Float64("avg_sps", float64(totalSequences)/totalElapsed.Seconds()).
		Msg("Soak test complete")
}

func writeArrowFile(path string, cfg model.Config, out *model.Output) error {
	rec, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildOutput(cfg, out)
	if err != nil {
		return err
	}
	defer rec.Release()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	writer := ipc.NewWriter(f, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		_ = f.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("stride"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
