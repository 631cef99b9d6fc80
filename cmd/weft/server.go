package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-weft/internal/client"
	"github.com/23skdu/longbow-weft/internal/device"
	"github.com/23skdu/longbow-weft/internal/engine"
	"github.com/23skdu/longbow-weft/internal/tokenizer"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "weft_requests_total",
		Help: "HTTP generate requests by handler and status code",
	}, []string{"handler", "code"})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "weft_request_duration_seconds",
		Help:    "Time spent processing generate requests",
		Buckets: prometheus.DefBuckets,
	})
)

var errBadRequest = errors.New("bad request")

// Forwarder ships the steps of one request to a Longbow dataset.
type Forwarder interface {
	Forward(ctx context.Context, datasetName, requestID string, steps []engine.Step) error
	Close() error
}

// GenerateRequest is the CBOR body of /generate and /generate/arrow. Tokens wins over
// Prompt when both are set.
type GenerateRequest struct {
	Tokens []int  `cbor:"tokens,omitempty"`
	Prompt string `cbor:"prompt,omitempty"`
	Steps  int    `cbor:"steps"`
}

type GenerateResponse struct {
	ID     string `cbor:"id"`
	Tokens []int  `cbor:"tokens"`
	Text   string `cbor:"text,omitempty"`
}

type Server struct {
	pool        *engine.Pool
	tok         tokenizer.Tokenizer
	forwarder   Forwarder
	datasetName string
	alloc       memory.Allocator
	sem         *semaphore.Weighted
	tokenLimit  int
}

func NewServer(pool *engine.Pool, tok tokenizer.Tokenizer, fwd Forwarder, dataset string, maxConcurrent, tokenLimit int) *Server {
	return &Server{
		pool:        pool,
		tok:         tok,
		forwarder:   fwd,
		datasetName: dataset,
		alloc:       memory.NewGoAllocator(),
		sem:         semaphore.NewWeighted(int64(maxConcurrent)),
		tokenLimit:  tokenLimit,
	}
}

// liveBytes is implemented by the CPU and BLAS backends.
type liveBytes interface {
	LiveBytes() int64
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/generate", s.handleGenerate)
	mux.HandleFunc("/generate/arrow", s.handleGenerateArrow)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func startServer(addr string, srv *Server, b device.Backend) {
	if lb, ok := b.(liveBytes); ok {
		prometheus.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "weft_backend_live_bytes",
				Help: "Bytes currently held by backend buffers",
			},
			func() float64 { return float64(lb.LiveBytes()) },
		))
	}

	log.Info().Str("addr", addr).Msg("Starting Weft Server")
	if srv.forwarder != nil {
		log.Info().Str("dataset", srv.datasetName).Msg("Forwarding to Longbow at specified server address")
	}
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

var tracer = otel.Tracer("weft-server")

func (s *Server) decode(r *http.Request) (GenerateRequest, []int, error) {
	var req GenerateRequest
	if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, nil, fmt.Errorf("%w: cbor decode: %v", errBadRequest, err)
	}
	ids := req.Tokens
	if len(ids) == 0 && req.Prompt != "" {
		ids = s.tok.Encode(req.Prompt)
	}
	switch {
	case len(ids) == 0:
		return req, nil, fmt.Errorf("%w: empty prompt", errBadRequest)
	case req.Steps <= 0:
		return req, nil, fmt.Errorf("%w: steps must be positive", errBadRequest)
	case len(ids)+req.Steps > s.tokenLimit+1:
		return req, nil, fmt.Errorf("%w: %d prompt tokens and %d steps exceed the cache limit of %d", errBadRequest, len(ids), req.Steps, s.tokenLimit)
	}
	return req, ids, nil
}

// generate runs one request on a pooled executor and forwards the result when a
// forwarder is configured. Forwarding failures are logged, not returned.
func (s *Server) generate(ctx context.Context, id string, ids []int, steps int) ([]engine.Step, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	e, err := s.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(e)

	var out []engine.Step
	err = e.GenerateFunc(ctx, ids, steps, func(st engine.Step) error {
		out = append(out, st)
		return nil
	})
	if err != nil {
		if errors.Is(err, device.ErrBadToken) || errors.Is(err, device.ErrCacheFull) {
			err = fmt.Errorf("%w: %v", errBadRequest, err)
		}
		return nil, err
	}

	if s.forwarder != nil {
		if err := s.forwarder.Forward(ctx, s.datasetName, id, out); err != nil {
			log.Error().Err(err).Str("request_id", id).Msg("Error forwarding to Longbow")
		}
	}
	return out, nil
}

func (s *Server) fail(w http.ResponseWriter, handler string, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, errBadRequest):
		code = http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = http.StatusServiceUnavailable
	}
	requestsTotal.WithLabelValues(handler, strconv.Itoa(code)).Inc()
	http.Error(w, err.Error(), code)
}

func (s *Server) serveGenerate(w http.ResponseWriter, r *http.Request, handler string) (string, []engine.Step, bool) {
	ctx, span := tracer.Start(r.Context(), handler)
	defer span.End()

	if r.Method != http.MethodPost {
		requestsTotal.WithLabelValues(handler, strconv.Itoa(http.StatusMethodNotAllowed)).Inc()
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return "", nil, false
	}

	id := uuid.NewString()
	span.SetAttributes(attribute.String("request_id", id))

	req, ids, err := s.decode(r)
	if err != nil {
		span.RecordError(err)
		s.fail(w, handler, err)
		return "", nil, false
	}
	span.SetAttributes(attribute.Int("prompt_tokens", len(ids)), attribute.Int("steps", req.Steps))

	steps, err := s.generate(ctx, id, ids, req.Steps)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error().Err(err).Str("request_id", id).Msg("Generation failed")
		s.fail(w, handler, err)
		return "", nil, false
	}
	return id, steps, true
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	id, steps, ok := s.serveGenerate(w, r, "handleGenerate")
	if !ok {
		return
	}
	resp := GenerateResponse{ID: id, Tokens: make([]int, len(steps))}
	for i, st := range steps {
		resp.Tokens[i] = st.Token
	}
	resp.Text = decodeText(s.tok, resp.Tokens)

	data, err := cbor.Marshal(resp)
	if err != nil {
		s.fail(w, "handleGenerate", err)
		return
	}
	requestsTotal.WithLabelValues("handleGenerate", "200").Inc()
	w.Header().Set("Content-Type", "application/cbor")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// decodeText renders ids for a CBOR text string, which must be valid UTF-8. The byte
// tokenizer can stop in the middle of a multi-byte sequence.
func decodeText(tok tokenizer.Tokenizer, ids []int) string {
	return strings.ToValidUTF8(tok.Decode(ids), "\uFFFD")
}

func (s *Server) handleGenerateArrow(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	id, steps, ok := s.serveGenerate(w, r, "handleGenerateArrow")
	if !ok {
		return
	}
	rec, err := client.NewRecordBatchBuilder(s.alloc).BuildGeneration(id, steps, true)
	if err != nil {
		s.fail(w, "handleGenerateArrow", err)
		return
	}
	defer rec.Release()

	requestsTotal.WithLabelValues("handleGenerateArrow", "200").Inc()
	w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
	w.WriteHeader(http.StatusOK)
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(s.alloc))
	if err := writer.Write(rec); err != nil {
		log.Error().Err(err).Str("request_id", id).Msg("Error writing Arrow stream")
	}
	if err := writer.Close(); err != nil {
		log.Error().Err(err).Str("request_id", id).Msg("Error closing Arrow stream")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
