package client

import (
	"context"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-stride/internal/model"
	"github.com/23skdu/longbow-stride/internal/params"
)

type testForwardServer struct {
	flight.BaseFlightServer
	model *model.Transformer
	paths []string
}

func (s *testForwardServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer reader.Release()
	if d := reader.LatestFlightDescriptor(); d != nil {
		s.paths = append(s.paths, d.Path...)
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(OutputSchema(s.model.Config())))
	defer writer.Close()
	builder := NewRecordBatchBuilder(memory.NewGoAllocator())

	for reader.Next() {
		tokens, err := DecodeTokens(reader.Record())
		if err != nil {
			return err
		}
		out, err := s.model.Forward(stream.Context(), tokens, model.NoPast())
		if err != nil {
			return err
		}
		rec, err := builder.BuildOutput(s.model.Config(), out)
		if err != nil {
			return err
		}
		err = writer.Write(rec)
		rec.Release()
		if err != nil {
			return err
		}
	}
	return reader.Err()
}

func startServer(t *testing.T) (*testForwardServer, string) {
	t.Helper()
	cfg := tinyConfig()
	m, err := model.New(cfg, params.NewStore(2, cfg.DType))
	require.NoError(t, err)

	svc := &testForwardServer{model: m}
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(svc)
	require.NoError(t, server.Init("localhost:0"))
	go func() {
		_ = server.Serve()
	}()
	t.Cleanup(server.Shutdown)
	return svc, server.Addr().String()
}

func TestFlightClient_Forward(t *testing.T) {
	svc, addr := startServer(t)

	client, err := NewFlightClient(addr)
	require.NoError(t, err)
	defer client.Close()

	out, err := client.Forward(context.Background(), [][]int{{1, 2, 3}})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 10}, out.Logits.Shape())
	assert.Equal(t, []int{1, 1, 2, 2, 1, 2}, out.Present.Shape())
	assert.Equal(t, []string{ForwardPath}, svc.paths)

	want, err := svc.model.Forward(context.Background(), [][]int{{1, 2, 3}}, model.NoPast())
	require.NoError(t, err)
	assert.Equal(t, want.Logits.Data(), out.Logits.Data())
	assert.Equal(t, StateClosed, client.Breaker().State())
}

func TestFlightClient_RemoteErrorTripsBreaker(t *testing.T) {
	_, addr := startServer(t)

	client, err := NewFlightClient(addr)
	require.NoError(t, err)
	defer client.Close()

	for i := 0; i < 5; i++ {
		_, err := client.Forward(context.Background(), [][]int{{99}})
		assert.Error(t, err)
	}
	assert.Equal(t, StateOpen, client.Breaker().State())

	_, err = client.Forward(context.Background(), [][]int{{1}})
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestFlightClient_EmptyBatch(t *testing.T) {
	client, err := NewFlightClient("localhost:1")
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Forward(context.Background(), nil)
	assert.ErrorIs(t, err, model.ErrRank)
	assert.Equal(t, StateClosed, client.Breaker().State())
}
