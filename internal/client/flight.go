package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-stride/internal/model"
)

// ForwardPath is the descriptor path of forward exchanges.
const ForwardPath = "forward"

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("client: circuit open")

// FlightClient runs forward passes on a remote stride server via Apache Flight.
type FlightClient struct {
	client  flight.Client
	conn    *grpc.ClientConn
	mem     memory.Allocator
	builder *RecordBatchBuilder
	breaker *CircuitBreaker
}

// NewFlightClient creates a new Flight client connected to the given address.
// After five consecutive failures calls are rejected for thirty seconds.
func NewFlightClient(addr string) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	mem := memory.NewGoAllocator()
	client := flight.NewClientFromConn(conn, nil)
	return &FlightClient{
		client:  client,
		conn:    conn,
		mem:     mem,
		builder: NewRecordBatchBuilder(mem),
		breaker: NewCircuitBreaker(5, 30*time.Second),
	}, nil
}

// Breaker exposes the circuit breaker guarding remote calls.
func (c *FlightClient) Breaker() *CircuitBreaker { return c.breaker }

// Forward sends tokens [batch][seq] and returns the remote result.
func (c *FlightClient) Forward(ctx context.Context, tokens [][]int) (*model.Output, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: no sequences", model.ErrRank)
	}
	if !c.breaker.Allow() {
		return nil, ErrCircuitOpen
	}
	out, err := c.exchange(ctx, tokens)
	if err != nil {
		c.breaker.Failure()
		return nil, err
	}
	c.breaker.Success()
	return out, nil
}

func (c *FlightClient) exchange(ctx context.Context, tokens [][]int) (*model.Output, error) {
	rec, err := c.builder.BuildTokens(tokens)
	if err != nil {
		return nil, err
	}
	defer rec.Release()

	stream, err := c.client.DoExchange(ctx)
	if err != nil {
		return nil, err
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(c.mem))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{ForwardPath},
	})
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(c.mem))
	if err != nil {
		return nil, err
	}
	defer reader.Release()

	if !reader.Next() {
		if err := reader.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: empty response", ErrSchema)
	}
	return DecodeOutput(reader.Record())
}

// Close closes the client connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}
