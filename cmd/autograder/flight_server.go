package main

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-autograder/internal/client"
)

// AutograderFlightServer scores batches arriving over Flight; input columns
// follow requestFromRecord.
// DoExchange answers each input batch with a prediction batch; DoPut scores
// and forwards to the exporter when one is configured.
type AutograderFlightServer struct {
	flight.BaseFlightServer
	scorer   ScorerInterface
	exporter ExporterInterface
	alloc    memory.Allocator
	builder  *client.RecordBatchBuilder
}

func NewAutograderFlightServer(scorer ScorerInterface, exporter ExporterInterface) *AutograderFlightServer {
	alloc := memory.NewGoAllocator()
	return &AutograderFlightServer{
		scorer:   scorer,
		exporter: exporter,
		alloc:    alloc,
		builder:  client.NewRecordBatchBuilder(alloc),
	}
}

func (s *AutograderFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	ctx := stream.Context()
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	var writer *flight.Writer
	defer func() {
		if writer != nil {
			_ = writer.Close()
		}
	}()

	for reader.Next() {
		req, err := requestFromRecord(reader.Record())
		if err != nil {
			return err
		}
		if req.Len() == 0 {
			continue
		}
		res, err := s.scorer.Score(ctx, req)
		if err != nil {
			return fmt.Errorf("score batch: %w", err)
		}
		examplesScored.Add(float64(req.Len()))

		rec, err := s.builder.BuildRecordBatch(res)
		if err != nil {
			return err
		}
		if writer == nil {
			writer = flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
		}
		err = writer.Write(rec)
		rec.Release()
		if err != nil {
			return err
		}
	}
	return reader.Err()
}

func (s *AutograderFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	ctx := stream.Context()
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	for reader.Next() {
		req, err := requestFromRecord(reader.Record())
		if err != nil {
			return err
		}
		if req.Len() == 0 {
			continue
		}
		res, err := s.scorer.Score(ctx, req)
		if err != nil {
			return fmt.Errorf("score batch: %w", err)
		}
		examplesScored.Add(float64(req.Len()))
		log.Info().Int("rows", req.Len()).Msg("DoPut scored batch")

		forwardResult(ctx, s.builder, s.exporter, res)
	}
	return reader.Err()
}

// newFlightServer registers the scoring service and binds addr.
func newFlightServer(addr string, svc *AutograderFlightServer) (flight.Server, error) {
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(svc)
	if err := server.Init(addr); err != nil {
		return nil, fmt.Errorf("init flight server: %w", err)
	}
	return server, nil
}
