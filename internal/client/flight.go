package client

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-weft/internal/engine"
)

// FlightClient ships record batches to a Flight server, either a Longbow store
// receiving generation records or a weft server receiving prompts.
type FlightClient struct {
	client  flight.Client
	conn    *grpc.ClientConn
	breaker *CircuitBreaker
	builder *RecordBatchBuilder
}

// NewFlightClient connects to addr without TLS. Forwarding trips after 5 consecutive
// failures and probes again after 30s.
func NewFlightClient(addr string) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	return &FlightClient{
		client:  flight.NewClientFromConn(conn, nil),
		conn:    conn,
		breaker: NewCircuitBreaker(5, 30*time.Second),
		builder: NewRecordBatchBuilder(memory.DefaultAllocator),
	}, nil
}

// DoPut sends a record batch to the given dataset.
func (c *FlightClient) DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	desc := &flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{datasetName},
	}

	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return err
	}

	writer := flight.NewRecordWriter(stream)
	writer.SetFlightDescriptor(desc)

	if err := writer.Write(record); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	// drain acks so the server sees a completed call
	for {
		if _, err := stream.Recv(); err != nil {
			return nil
		}
	}
}

// Forward sends the steps of one request as generation records, guarded by the
// circuit breaker.
func (c *FlightClient) Forward(ctx context.Context, datasetName, requestID string, steps []engine.Step) error {
	rec, err := c.builder.BuildGeneration(requestID, steps, true)
	if err != nil || rec == nil {
		return err
	}
	defer rec.Release()

	err = c.breaker.Do(func() error { return c.DoPut(ctx, datasetName, rec) })
	if err != nil {
		log.Warn().Err(err).Str("request_id", requestID).Str("breaker", c.breaker.State().String()).Msg("forward failed")
		return fmt.Errorf("forward %s: %w", requestID, err)
	}
	log.Debug().Str("request_id", requestID).Int("rows", len(steps)).Msg("forwarded")
	return nil
}

// PutPrompts sends token prompts to a weft Flight server.
func (c *FlightClient) PutPrompts(ctx context.Context, datasetName string, prompts [][]int) error {
	rec, err := c.builder.BuildPrompts(prompts)
	if err != nil || rec == nil {
		return err
	}
	defer rec.Release()
	return c.DoPut(ctx, datasetName, rec)
}

func (c *FlightClient) Breaker() *CircuitBreaker { return c.breaker }

func (c *FlightClient) Close() error {
	return c.conn.Close()
}
