package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-weft/internal/client"
	"github.com/23skdu/longbow-weft/internal/device"
	"github.com/23skdu/longbow-weft/internal/engine"
	"github.com/23skdu/longbow-weft/internal/graph"
	"github.com/23skdu/longbow-weft/internal/model"
	"github.com/23skdu/longbow-weft/internal/tokenizer"
	"github.com/23skdu/longbow-weft/internal/weights"
)

var (
	modelSize     = flag.String("model", "tiny", "Model size (tiny, 7B)")
	ropeType      = flag.String("rope", "llama", "Weight naming and RoPE layout (llama, hf)")
	vocabSize     = flag.Int("vocab-size", 0, "Vocabulary size (0 uses the tokenizer's or the model default)")
	weightsPath   = flag.String("weights", "", "CBOR weight file (empty uses deterministic random weights)")
	seed          = flag.Uint64("seed", 42, "Seed for random weights")
	cacheLimit    = flag.Int("cache-limit", 512, "Maximum tokens held by the KV cache")
	prompt        = flag.String("prompt", "Hello world", "Prompt text")
	vocabPath     = flag.String("vocab", "", "WordPiece vocab file (empty uses the byte tokenizer)")
	tokenList     = flag.String("tokens", "", "Comma-separated prompt token ids, overrides -prompt")
	steps         = flag.Int("steps", 16, "Tokens to generate")
	backendName   = flag.String("backend", "cpu", "Compute backend (cpu, blas)")
	freeSegments  = flag.Bool("free-segments", false, "Release per-block weights and activations after each block")
	maxMemory     = flag.String("max-memory", "0", "Byte budget for tensor storage (e.g. 4GB, 512MB, 0 for none)")
	dumpGraph     = flag.String("dump-graph", "", "Write a CBOR snapshot of the graph to this file")
	printGraph    = flag.Bool("print-graph", false, "Print the tensor registry as a table")
	saveWeights   = flag.String("save-weights", "", "Write the random weights used to this CBOR file")
	listenAddr    = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr    = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	serverAddr    = flag.String("server", "", "Longbow server address to forward generations to (e.g., localhost:3000)")
	datasetName   = flag.String("dataset", "weft_generations", "Target dataset name on server")
	maxConcurrent = flag.Int("max-concurrent", 4, "Maximum number of concurrent generations")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	cpuProfile    = flag.String("cpuprofile", "", "Write cpu profile to file")
	logLevel      = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
)

func parseBytes(s string) int64 {
	// 4GB, 100MB, 1024
	if s == "" || s == "0" {
		return 0
	}
	var val int64
	var unit string
	_, _ = fmt.Sscanf(s, "%d%s", &val, &unit)

	switch strings.ToUpper(unit) {
	case "GB", "G":
		return val * 1024 * 1024 * 1024
	case "MB", "M":
		return val * 1024 * 1024
	case "KB", "K":
		return val * 1024
	default:
		return val
	}
}

func parseTokens(s string) ([]int, error) {
	var out []int
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("token %q: %w", f, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func newBackend(name string, maxBytes int64) (device.Backend, error) {
	switch strings.ToLower(name) {
	case "cpu":
		return device.NewCPUBackend(device.WithMemoryLimit(maxBytes)), nil
	case "blas":
		return device.NewBLASBackend(device.WithMemoryLimit(maxBytes)), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}

func newTokenizer(path string) (tokenizer.Tokenizer, error) {
	if path == "" {
		return tokenizer.Bytes{}, nil
	}
	return tokenizer.NewWordPieceFile(path)
}

// app bundles everything built from flags.
type app struct {
	cfg     model.Config
	backend device.Backend
	loader  device.Loader
	random  *weights.RandomLoader
	tok     tokenizer.Tokenizer
}

func (r *app) newExecutor() (*engine.Executor, error) {
	return engine.NewExecutor(model.NewLLaMA(r.cfg), r.backend, r.loader, graph.WithSegmentFreeing(*freeSegments)), nil
}

func setup() (*app, error) {
	tok, err := newTokenizer(*vocabPath)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: %w", err)
	}
	rope, err := model.ParseRope(*ropeType)
	if err != nil {
		return nil, err
	}
	vocab := *vocabSize
	if vocab == 0 && *vocabPath != "" {
		vocab = tok.VocabSize()
	}
	cfg, err := model.NewConfig(*cacheLimit, *modelSize, rope, vocab)
	if err != nil {
		return nil, err
	}
	if cfg.Vocab < tok.VocabSize() {
		log.Warn().Int("model_vocab", cfg.Vocab).Int("tokenizer_vocab", tok.VocabSize()).Msg("Tokenizer can produce ids outside the model vocabulary")
	}

	maxBytes := parseBytes(*maxMemory)
	b, err := newBackend(*backendName, maxBytes)
	if err != nil {
		return nil, err
	}

	r := &app{cfg: cfg, backend: b, tok: tok}
	if *weightsPath != "" {
		store, err := weights.LoadFile(*weightsPath)
		if err != nil {
			return nil, err
		}
		r.loader = weights.NewStoreLoader(store)
	} else {
		r.random = weights.NewRandomLoader(*seed)
		r.loader = r.random
	}

	log.Info().
		Str("model", *modelSize).
		Str("rope", rope.String()).
		Int("dim", cfg.Dim).
		Int("blocks", cfg.Blocks).
		Int("vocab", cfg.Vocab).
		Str("backend", b.Name()).
		Int64("max_memory", maxBytes).
		Bool("free_segments", *freeSegments).
		Msg("Model configured")
	return r, nil
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		log.Warn().Str("level", level).Msg("Unknown log level, using info")
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func main() {
	flag.Parse()
	setupLogging(*logLevel)

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

	rt, err := setup()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up model")
	}

	var fc *client.FlightClient
	if *serverAddr != "" {
		fc, err = client.NewFlightClient(*serverAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create flight client")
		}
		defer func() {
			if err := fc.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()
		log.Info().Str("addr", *serverAddr).Msg("Forwarding generations to Longbow")
	}

	if *listenAddr != "" || *flightAddr != "" {
		serve(rt, fc)
		return
	}

	if err := generateOnce(rt, fc, os.Stdout); err != nil {
		log.Fatal().Err(err).Msg("Generation failed")
	}
}

func serve(rt *app, fc *client.FlightClient) {
	pool := engine.NewPool(*maxConcurrent, rt.newExecutor)
	var fwd Forwarder
	if fc != nil {
		fwd = fc
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if *flightAddr != "" {
		fs := NewWeftFlightServer(pool, fwd, *datasetName, *steps)
		go StartFlightServer(*flightAddr, fs)
	}
	if *listenAddr != "" {
		srv := NewServer(pool, rt.tok, fwd, *datasetName, *maxConcurrent, rt.cfg.TokenLimit)
		go startServer(*listenAddr, srv, rt.backend)
	}
	<-ctx.Done()
	log.Info().Msg("Shutting down")
}

func generateOnce(rt *app, fc *client.FlightClient, out io.Writer) error {
	var ids []int
	if *tokenList != "" {
		var err error
		if ids, err = parseTokens(*tokenList); err != nil {
			return err
		}
	} else {
		ids = rt.tok.Encode(*prompt)
	}

	e, err := rt.newExecutor()
	if err != nil {
		return err
	}
	defer e.Close()

	ctx := context.Background()
	start := time.Now()
	var got []engine.Step
	err = e.GenerateFunc(ctx, ids, *steps, func(s engine.Step) error {
		got = append(got, s)
		return nil
	})
	elapsed := time.Since(start)
	if err != nil {
		return err
	}

	tokens := make([]int, len(got))
	for i, s := range got {
		tokens[i] = s.Token
	}
	log.Info().
		Int("prompt_tokens", len(ids)).
		Ints("tokens", tokens).
		Str("text", rt.tok.Decode(tokens)).
		Dur("elapsed", elapsed).
		Float64("tps", float64(len(tokens))/elapsed.Seconds()).
		Msg("Generated")

	if err := writeGraph(e.Graph()); err != nil {
		return err
	}
	if *saveWeights != "" {
		if rt.random == nil {
			log.Warn().Msg("-save-weights ignored: weights were loaded from a file")
		} else if err := weights.SaveFile(*saveWeights, rt.random.Store); err != nil {
			return err
		}
	}

	id := uuid.NewString()
	if fc != nil {
		fctx, cancel := context.WithTimeout(ctx, 60*time.Second)
		defer cancel()
		return fc.Forward(fctx, *datasetName, id, got)
	}

	rec, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildGeneration(id, got, true)
	if err != nil || rec == nil {
		return err
	}
	defer rec.Release()
	return writeArrowStream(out, rec)
}

func writeGraph(g *graph.Context) error {
	if *dumpGraph == "" && !*printGraph {
		return nil
	}
	snap := g.Snapshot()
	if *printGraph {
		snap.WriteTable(os.Stderr)
	}
	if *dumpGraph == "" {
		return nil
	}
	f, err := os.Create(*dumpGraph)
	if err != nil {
		return err
	}
	if err := snap.Encode(f); err != nil {
		_ = f.Close()
		return err
	}
	log.Info().Str("path", *dumpGraph).Int("tensors", len(snap.Tensors)).Msg("Graph snapshot written")
	return f.Close()
}

func writeArrowStream(w io.Writer, rec arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
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
			semconv.ServiceNameKey.String("weft"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
