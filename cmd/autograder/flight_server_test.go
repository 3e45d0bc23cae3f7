package main

import (
	"context"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func startTestFlight(t *testing.T, svc *AutograderFlightServer) flight.Client {
	t.Helper()
	server, err := newFlightServer("localhost:0", svc)
	require.NoError(t, err)
	go func() {
		_ = server.Serve()
	}()
	t.Cleanup(server.Shutdown)

	conn, err := grpc.NewClient(server.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return flight.NewClientFromConn(conn, nil)
}

func TestFlightServer_DoExchange(t *testing.T) {
	fc := startTestFlight(t, NewAutograderFlightServer(newTestScorer(t), nil))
	mem := memory.NewGoAllocator()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := fc.DoExchange(ctx)
	require.NoError(t, err)

	rec := textRecord(t, mem, "good essay", "very bad")
	defer rec.Release()

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	require.NoError(t, writer.Write(rec))
	require.NoError(t, writer.Close())
	require.NoError(t, stream.CloseSend())

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(mem))
	require.NoError(t, err)
	defer reader.Release()

	require.True(t, reader.Next())
	out := reader.Record()
	assert.Equal(t, int64(2), out.NumRows())
	assert.Equal(t, "overall", out.ColumnName(1))
	assert.False(t, reader.Next())
}

func TestFlightServer_DoPutForwards(t *testing.T) {
	exp := &mockExporter{}
	exp.On("Export", mock.Anything, mock.Anything).Return(nil).Once()
	fc := startTestFlight(t, NewAutograderFlightServer(newTestScorer(t), exp))
	mem := memory.NewGoAllocator()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := fc.DoPut(ctx)
	require.NoError(t, err)

	rec := textRecord(t, mem, "good")
	defer rec.Release()

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{"essays"}})
	require.NoError(t, writer.Write(rec))
	require.NoError(t, writer.Close())
	require.NoError(t, stream.CloseSend())

	// Wait for the server to finish the put.
	for {
		if _, err := stream.Recv(); err != nil {
			break
		}
	}
	exp.AssertExpectations(t)
}
