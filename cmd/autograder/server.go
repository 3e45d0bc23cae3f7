package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
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
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-autograder/internal/client"
	"github.com/23skdu/longbow-autograder/internal/scoring"
)

var (
	examplesScored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autograder_examples_scored_total",
		Help: "The total number of examples scored",
	})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "autograder_request_duration_seconds",
		Help:    "Time spent processing score requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
)

var tracer = otel.Tracer("autograder-server")

// ExporterInterface forwards prediction batches, typically over Flight.
type ExporterInterface interface {
	Export(ctx context.Context, record arrow.RecordBatch) error
}

type Server struct {
	scorer   ScorerInterface
	exporter ExporterInterface
	alloc    memory.Allocator
	builder  *client.RecordBatchBuilder
	sem      *semaphore.Weighted
	maxBatch int
}

// NewServer admits at most maxConcurrent examples at a time. exporter may be nil.
func NewServer(scorer ScorerInterface, exporter ExporterInterface, maxConcurrent int) *Server {
	alloc := memory.NewGoAllocator()
	return &Server{
		scorer:   scorer,
		exporter: exporter,
		alloc:    alloc,
		builder:  client.NewRecordBatchBuilder(alloc),
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		maxBatch: maxConcurrent,
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/score", s.handleScore)
	mux.HandleFunc("/score/arrow", s.handleScoreArrow)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func startServer(ctx context.Context, addr string, srv *Server) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("Starting autograder HTTP server")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleScore")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("score").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ScoreRequest
	if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, span, fmt.Errorf("bad request (CBOR decode): %w", err), http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.Int("example_count", req.Len()))

	res, status, err := s.score(ctx, req)
	if err != nil {
		fail(w, span, err, status)
		return
	}

	s.forward(ctx, res)

	body, err := cbor.Marshal(NewResponse(res))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	_, _ = w.Write(body)
}

// score runs one request under admission control and maps errors to status codes.
func (s *Server) score(ctx context.Context, req ScoreRequest) (*scoring.Result, int, error) {
	weight := int64(req.Len())
	if weight == 0 {
		return nil, http.StatusBadRequest, errors.New("empty request")
	}
	if int(weight) > s.maxBatch {
		return nil, http.StatusRequestEntityTooLarge,
			fmt.Errorf("batch of %d exceeds limit %d", weight, s.maxBatch)
	}
	if err := s.sem.Acquire(ctx, weight); err != nil {
		log.Error().Err(err).Msg("Failed to acquire semaphore")
		return nil, http.StatusServiceUnavailable, errors.New("server busy")
	}
	defer s.sem.Release(weight)

	res, err := s.scorer.Score(ctx, req)
	if err != nil {
		if isClientError(err) {
			return nil, http.StatusBadRequest, err
		}
		log.Error().Err(err).Msg("Scoring failed")
		return nil, http.StatusInternalServerError, err
	}
	examplesScored.Add(float64(weight))
	return res, http.StatusOK, nil
}

func (s *Server) forward(ctx context.Context, res *scoring.Result) {
	forwardResult(ctx, s.builder, s.exporter, res)
}

// forwardResult exports predictions when an exporter is configured. Failures
// are logged and do not fail the request.
func forwardResult(ctx context.Context, b *client.RecordBatchBuilder, exporter ExporterInterface, res *scoring.Result) {
	if exporter == nil {
		return
	}
	rec, err := b.BuildRecordBatch(res)
	if err != nil {
		log.Error().Err(err).Msg("Failed to build prediction batch")
		return
	}
	if rec == nil {
		return
	}
	defer rec.Release()
	if err := exporter.Export(ctx, rec); err != nil {
		log.Error().Err(err).Msg("Error forwarding predictions")
	}
}

// handleScoreArrow reads an Arrow IPC stream of input batches (see
// requestFromRecord) and answers with an IPC stream of prediction batches,
// one per input batch.
func (s *Server) handleScoreArrow(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleScoreArrow")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("score_arrow").Observe(time.Since(start).Seconds())
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

	var outputs []arrow.RecordBatch
	defer func() {
		for _, rec := range outputs {
			rec.Release()
		}
	}()

	for reader.Next() {
		sreq, err := requestFromRecord(reader.Record())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if sreq.Len() == 0 {
			continue
		}
		res, status, err := s.score(ctx, sreq)
		if err != nil {
			fail(w, span, err, status)
			return
		}
		s.forward(ctx, res)

		rec, err := s.builder.BuildRecordBatch(res)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		outputs = append(outputs, rec)
	}
	if err := reader.Err(); err != nil {
		log.Error().Err(err).Msg("Error reading Arrow stream")
		http.Error(w, "Stream error", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
	if err := client.WriteIPC(w, outputs...); err != nil {
		log.Error().Err(err).Msg("Failed to write Arrow response")
	}
}

// Input columns understood by requestFromRecord.
const (
	textField           = "text"
	waveformField       = "waveform"
	pairedTextField     = "paired_text"
	pairedWaveformField = "paired_waveform"
	overallLabelField   = "overall"
	wordLabelField      = "word"
	phonemeLabelField   = "phoneme"
)

// requestFromRecord maps an input batch onto a ScoreRequest. The primary input
// is a list<float> "waveform" column when present and the text column
// otherwise. Optional "paired_text" or "paired_waveform" columns carry the
// siamese comparison input; "overall", "word" and "phoneme" list<float>
// columns carry labels.
func requestFromRecord(rec arrow.RecordBatch) (ScoreRequest, error) {
	var req ScoreRequest
	var err error
	if col := namedColumn(rec, waveformField); col != nil {
		if req.Waveforms, err = listRows[float32](col, waveformField); err != nil {
			return ScoreRequest{}, err
		}
	} else if req.Texts, err = textColumn(rec); err != nil {
		return ScoreRequest{}, err
	}

	if col := namedColumn(rec, pairedTextField); col != nil {
		if req.PairedTexts, err = stringRows(col, pairedTextField); err != nil {
			return ScoreRequest{}, err
		}
	}
	if col := namedColumn(rec, pairedWaveformField); col != nil {
		if req.PairedWaveforms, err = listRows[float32](col, pairedWaveformField); err != nil {
			return ScoreRequest{}, err
		}
	}
	for _, label := range []struct {
		name string
		dst  *[][]float64
	}{
		{overallLabelField, &req.Overall},
		{wordLabelField, &req.Word},
		{phonemeLabelField, &req.Phoneme},
	} {
		if col := namedColumn(rec, label.name); col != nil {
			if *label.dst, err = listRows[float64](col, label.name); err != nil {
				return ScoreRequest{}, err
			}
		}
	}
	return req, nil
}

func namedColumn(rec arrow.RecordBatch, name string) arrow.Array {
	if indices := rec.Schema().FieldIndices(name); len(indices) > 0 {
		return rec.Column(indices[0])
	}
	return nil
}

// listRows reads a list<float32> or list<float64> column, one slice per row.
func listRows[T float32 | float64](col arrow.Array, name string) ([][]T, error) {
	list, ok := col.(*array.List)
	if !ok {
		return nil, fmt.Errorf("%w: %s column has type %s, want list<float>", errBadRequest, name, col.DataType())
	}
	var at func(int) T
	switch values := list.ListValues().(type) {
	case *array.Float32:
		at = func(i int) T { return T(values.Value(i)) }
	case *array.Float64:
		at = func(i int) T { return T(values.Value(i)) }
	default:
		return nil, fmt.Errorf("%w: %s column has type %s, want list<float>", errBadRequest, name, col.DataType())
	}

	offsets := list.Offsets()
	rows := make([][]T, list.Len())
	for i := range rows {
		row := make([]T, 0, offsets[i+1]-offsets[i])
		for j := offsets[i]; j < offsets[i+1]; j++ {
			row = append(row, at(int(j)))
		}
		rows[i] = row
	}
	return rows, nil
}

// textColumn extracts the "text" column, or the first column when none is
// named "text".
func textColumn(rec arrow.RecordBatch) ([]string, error) {
	if rec.NumCols() == 0 {
		return nil, nil
	}
	col := rec.Column(0)
	if named := namedColumn(rec, textField); named != nil {
		col = named
	}
	return stringRows(col, textField)
}

func stringRows(col arrow.Array, name string) ([]string, error) {
	texts := make([]string, col.Len())
	switch arr := col.(type) {
	case *array.String:
		for i := range texts {
			texts[i] = arr.Value(i)
		}
	case *array.LargeString:
		for i := range texts {
			texts[i] = arr.Value(i)
		}
	case *array.Binary:
		for i := range texts {
			texts[i] = string(arr.Value(i))
		}
	default:
		return nil, fmt.Errorf("%w: %s column has type %s, want string or binary", errBadRequest, name, col.DataType())
	}
	return texts, nil
}

// fail records err on the span and writes it as the response.
func fail(w http.ResponseWriter, span trace.Span, err error, status int) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	http.Error(w, err.Error(), status)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
