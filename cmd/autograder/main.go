package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/pprof"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-autograder/internal/checkpoint"
	"github.com/23skdu/longbow-autograder/internal/client"
	"github.com/23skdu/longbow-autograder/internal/config"
	"github.com/23skdu/longbow-autograder/internal/device"
	"github.com/23skdu/longbow-autograder/internal/evaluation"
	"github.com/23skdu/longbow-autograder/internal/scoring"
)

var (
	configPath     = flag.String("config", "autograder.toml", "Path to TOML config file")
	initConfig     = flag.String("init-config", "", "Write a sample config to this path and exit")
	inputPath      = flag.String("input", "", "File with one text per line ('-' for stdin)")
	requestPath    = flag.String("request", "", "CBOR score request to run in batch mode (waveforms, labels, paired inputs); overrides -input")
	labelsPath     = flag.String("labels", "", "File with one whitespace-separated label row per input; enables evaluation")
	outPath        = flag.String("out", "-", "Arrow IPC output path ('-' for stdout, empty to skip)")
	batchSize      = flag.Int("batch", 32, "Examples per forward call in batch mode")
	saveCheckpoint = flag.String("save-checkpoint", "", "Save model parameters to this path after loading")
	cpuProfile     = flag.String("cpuprofile", "", "Write cpu profile to file")
	serverAddr     = flag.String("server", "", "Flight server to export predictions to (e.g., localhost:3000)")
	datasetName    = flag.String("dataset", "autograder_predictions", "Target dataset name on the export server")
	listenAddr     = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr     = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	maxConcurrent  = flag.Int("max-concurrent", 1024, "Maximum number of examples scored concurrently")
	enableOTel     = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	logLevel       = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid log level")
	}
	zerolog.SetGlobalLevel(level)

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("autograder failed")
	}
}

func run() error {
	if *initConfig != "" {
		if err := config.CreateSample(*initConfig); err != nil {
			return err
		}
		log.Info().Str("path", *initConfig).Msg("Wrote sample config")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			return fmt.Errorf("initialize tracer: %w", err)
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			return fmt.Errorf("create cpu profile: %w", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			return fmt.Errorf("start cpu profile: %w", err)
		}
		defer pprof.StopCPUProfile()
	}

	cfg, exists, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if !exists {
		log.Info().Str("path", *configPath).Msg("No config file, using defaults")
	}

	backend := device.NewCPUBackend()
	scorer, err := buildScorer(cfg, backend)
	if err != nil {
		return err
	}
	log.Info().Str("kind", scorer.Model.Config().Kind.String()).
		Int("parameters", len(scorer.Model.Parameters())).Msg("Model ready")

	if *saveCheckpoint != "" {
		precision, err := checkpoint.ParsePrecision(cfg.Checkpoint.Precision)
		if err != nil {
			return err
		}
		if err := checkpoint.SaveFile(*saveCheckpoint, scorer.Model.Parameters(), precision); err != nil {
			return err
		}
		log.Info().Str("path", *saveCheckpoint).Str("precision", string(precision)).Msg("Saved checkpoint")
	}

	var exporter *client.Exporter
	if *serverAddr != "" {
		fc, err := client.NewFlightClient(*serverAddr)
		if err != nil {
			return fmt.Errorf("create flight client: %w", err)
		}
		defer func() {
			if err := fc.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()
		exporter = client.NewExporter(fc, *datasetName)
		log.Info().Str("addr", *serverAddr).Str("dataset", *datasetName).Msg("Exporting predictions over Flight")
	}

	if *listenAddr != "" || *flightAddr != "" {
		return serve(ctx, scorer, exporter)
	}
	return batchMode(ctx, scorer, exporter)
}

// serve runs the HTTP and Flight front ends until ctx is cancelled.
func serve(ctx context.Context, scorer *Scorer, exporter *client.Exporter) error {
	var exp ExporterInterface
	if exporter != nil {
		exp = exporter
	}

	g, ctx := errgroup.WithContext(ctx)
	if *listenAddr != "" {
		srv := NewServer(scorer, exp, *maxConcurrent)
		g.Go(func() error {
			return startServer(ctx, *listenAddr, srv)
		})
	}
	if *flightAddr != "" {
		fs, err := newFlightServer(*flightAddr, NewAutograderFlightServer(scorer, exp))
		if err != nil {
			return err
		}
		g.Go(func() error {
			log.Info().Str("addr", fs.Addr().String()).Msg("Starting autograder Flight server")
			return fs.Serve()
		})
		g.Go(func() error {
			<-ctx.Done()
			fs.Shutdown()
			return nil
		})
	}
	return g.Wait()
}

// batchMode scores a -request file, or texts from -input or the command line,
// optionally evaluates against labels, and writes or exports the predictions.
func batchMode(ctx context.Context, scorer *Scorer, exporter *client.Exporter) error {
	req, err := batchRequest()
	if err != nil {
		return err
	}
	n := req.Len()
	if n == 0 {
		return errors.New("no input: pass texts as arguments, or use -input or -request")
	}
	if err := req.check(); err != nil {
		return err
	}
	if *batchSize < 1 {
		return fmt.Errorf("batch size must be positive, got %d", *batchSize)
	}

	builder := client.NewRecordBatchBuilder(memory.NewGoAllocator())
	var records []arrow.RecordBatch
	defer func() {
		for _, rec := range records {
			rec.Release()
		}
	}()

	var predictions []float64
	cols := 0
	start := time.Now()
	for lo := 0; lo < n; lo += *batchSize {
		hi := min(lo+*batchSize, n)
		res, err := scorer.Score(ctx, req.Slice(lo, hi))
		if err != nil {
			return fmt.Errorf("score examples %d-%d: %w", lo, hi-1, err)
		}
		if res.Loss != nil {
			log.Info().Int("first", lo).Int("last", hi-1).Float64("loss", res.Loss.Total).Msg("Batch loss")
		}
		rows, c := res.Output.Dims()
		cols = c
		for i := 0; i < rows; i++ {
			predictions = append(predictions, res.Output.RawRowView(i)...)
		}

		rec, err := builder.BuildRecordBatch(res)
		if err != nil {
			return err
		}
		records = append(records, rec)
	}
	elapsed := time.Since(start)
	log.Info().
		Int("count", n).
		Dur("elapsed", elapsed).
		Float64("eps", float64(n)/elapsed.Seconds()).
		Msg("Scored examples")

	labels, err := batchLabels(req)
	if err != nil {
		return err
	}
	if labels != nil {
		if err := evaluate(predictions, n, cols, labels); err != nil {
			return err
		}
	}

	if exporter != nil {
		for _, rec := range records {
			if err := exporter.Export(ctx, rec); err != nil {
				return err
			}
		}
		log.Info().Int("batches", len(records)).Msg("Exported predictions")
		return nil
	}

	switch *outPath {
	case "":
		return nil
	case "-":
		return client.WriteIPC(os.Stdout, records...)
	default:
		f, err := os.Create(*outPath)
		if err != nil {
			return err
		}
		if err := client.WriteIPC(f, records...); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	}
}

func evaluate(predictions []float64, rows, cols int, labels *mat.Dense) error {
	pred := mat.NewDense(rows, cols, predictions)
	metrics, err := evaluation.EvaluateColumns(pred, labels, scoring.MissingScore)
	if err != nil {
		return err
	}
	for j, m := range metrics {
		log.Info().Int("column", j).Int("n", m.N).
			Float64("rmse", m.RMSE).Float64("pearson", m.Pearson).
			Msg("Evaluation")
	}
	return nil
}

// batchRequest reads the -request file, falling back to texts.
func batchRequest() (ScoreRequest, error) {
	if *requestPath != "" {
		return readRequest(*requestPath)
	}
	texts, err := readTexts()
	if err != nil {
		return ScoreRequest{}, err
	}
	return ScoreRequest{Texts: texts}, nil
}

func readRequest(path string) (ScoreRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ScoreRequest{}, err
	}
	var req ScoreRequest
	if err := cbor.Unmarshal(data, &req); err != nil {
		return ScoreRequest{}, fmt.Errorf("decode request %s: %w", path, err)
	}
	return req, nil
}

// batchLabels prefers -labels and falls back to the request's overall labels.
func batchLabels(req ScoreRequest) (*mat.Dense, error) {
	if *labelsPath != "" {
		return readLabels(*labelsPath)
	}
	if len(req.Overall) > 0 {
		return labelMatrix(req.Overall)
	}
	return nil, nil
}

func readTexts() ([]string, error) {
	if *inputPath == "" {
		return flag.Args(), nil
	}
	var r io.Reader = os.Stdin
	if *inputPath != "-" {
		f, err := os.Open(*inputPath)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var texts []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			texts = append(texts, line)
		}
	}
	return texts, scanner.Err()
}

// readLabels parses one whitespace-separated row of floats per line.
func readLabels(path string) (*mat.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseLabels(f)
}

func parseLabels(r io.Reader) (*mat.Dense, error) {
	var flat []float64
	rows, cols := 0, 0
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if rows == 0 {
			cols = len(fields)
		} else if len(fields) != cols {
			return nil, fmt.Errorf("label line %d has %d values, want %d", rows+1, len(fields), cols)
		}
		for _, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("label line %d: %w", rows+1, err)
			}
			flat = append(flat, v)
		}
		rows++
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, errors.New("no labels")
	}
	return mat.NewDense(rows, cols, flat), nil
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
			semconv.ServiceNameKey.String("longbow-autograder"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
