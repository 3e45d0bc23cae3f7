package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var exportTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "autograder_export_records_total",
		Help: "Prediction record batches sent over Flight, by result",
	},
	[]string{"result"},
)

// FlightClient sends prediction batches to a Flight server.
type FlightClient struct {
	client flight.Client
	conn   *grpc.ClientConn
}

// NewFlightClient creates a new Flight client connected to the given address.
func NewFlightClient(addr string) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	return &FlightClient{
		client: flight.NewClientFromConn(conn, nil),
		conn:   conn,
	}, nil
}

// DoPut sends a RecordBatch to the given dataset path.
func (c *FlightClient) DoPut(ctx context.Context, dataset string, record arrow.RecordBatch) error {
	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return err
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(record.Schema()))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{dataset},
	})

	if err := writer.Write(record); err != nil {
		writer.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	// Drain the server's put results so errors surface here.
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// Close closes the client connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}

// Putter is the subset of FlightClient the exporter needs.
type Putter interface {
	DoPut(ctx context.Context, dataset string, record arrow.RecordBatch) error
}

// Exporter guards a Putter with a circuit breaker and a per-call timeout.
type Exporter struct {
	Putter  Putter
	Breaker *CircuitBreaker
	Dataset string
	Timeout time.Duration
}

// NewExporter opens the breaker after 5 consecutive failures for 30s.
func NewExporter(p Putter, dataset string) *Exporter {
	return &Exporter{
		Putter:  p,
		Breaker: NewCircuitBreaker(5, 30*time.Second),
		Dataset: dataset,
		Timeout: 10 * time.Second,
	}
}

// Export sends record unless the breaker is open.
func (e *Exporter) Export(ctx context.Context, record arrow.RecordBatch) error {
	if !e.Breaker.Allow() {
		exportTotal.WithLabelValues("rejected").Inc()
		return ErrCircuitOpen
	}
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	if err := e.Putter.DoPut(ctx, e.Dataset, record); err != nil {
		e.Breaker.Failure()
		exportTotal.WithLabelValues("error").Inc()
		log.Warn().Err(err).Str("dataset", e.Dataset).Str("breaker", e.Breaker.State().String()).
			Msg("Prediction export failed")
		return fmt.Errorf("export to %s: %w", e.Dataset, err)
	}
	e.Breaker.Success()
	exportTotal.WithLabelValues("ok").Inc()
	return nil
}
