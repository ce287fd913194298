package main

import (
	"fmt"
	"net/http"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-stride/internal/client"
	"github.com/23skdu/longbow-stride/internal/model"
)

type StrideFlightServer struct {
	flight.BaseFlightServer
	engine ForwardEngine
	alloc  memory.Allocator
}

func NewStrideFlightServer(engine ForwardEngine) *StrideFlightServer {
	return &StrideFlightServer{
		engine: engine,
		alloc:  memory.NewGoAllocator(),
	}
}

// DoExchange answers every token record of the stream with an output record.
func (s *StrideFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	if d := reader.LatestFlightDescriptor(); d != nil && (len(d.Path) != 1 || d.Path[0] != client.ForwardPath) {
		return status.Errorf(codes.InvalidArgument, "unknown exchange path %v", d.Path)
	}

	cfg := s.engine.Config()
	builder := client.NewRecordBatchBuilder(s.alloc)
	writer := flight.NewRecordWriter(stream, ipc.WithSchema(client.OutputSchema(cfg)), ipc.WithAllocator(s.alloc))
	defer writer.Close()

	for reader.Next() {
		tokens, err := client.DecodeTokens(reader.Record())
		if err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		out, err := s.engine.Forward(stream.Context(), tokens, model.NoPast())
		if err != nil {
			return status.Error(grpcCode(err), err.Error())
		}
		rec, err := builder.BuildOutput(cfg, out)
		if err != nil {
			return err
		}
		err = writer.Write(rec)
		rec.Release()
		if err != nil {
			return err
		}
		log.Debug().Int("sequences", len(tokens)).Msg("DoExchange answered batch")
	}
	return reader.Err()
}

func grpcCode(err error) codes.Code {
	switch statusFor(err) {
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusServiceUnavailable:
		return codes.Unavailable
	}
	return codes.Internal
}

func StartFlightServer(addr string, engine ForwardEngine) error {
	// Create the generic Flight Server which manages the GRPC lifecycle
	server := flight.NewFlightServer()
	server.RegisterFlightService(NewStrideFlightServer(engine))

	if err := server.Init(addr); err != nil {
		return fmt.Errorf("init Flight server: %w", err)
	}

	log.Info().Str("addr", addr).Msg("Starting Stride Flight Server")
	return server.Serve()
}
