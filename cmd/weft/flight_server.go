package main

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-weft/internal/client"
	"github.com/23skdu/longbow-weft/internal/engine"
)

// PutResult is the CBOR app metadata sent back for each prompt batch.
type PutResult struct {
	IDs    []string `cbor:"ids"`
	Tokens [][]int  `cbor:"tokens"`
}

// WeftFlightServer accepts prompt batches over DoPut and generates for every row.
type WeftFlightServer struct {
	flight.BaseFlightServer
	pool      *engine.Pool
	forwarder Forwarder
	dataset   string
	steps     int
	alloc     memory.Allocator
}

func NewWeftFlightServer(pool *engine.Pool, fwd Forwarder, dataset string, steps int) *WeftFlightServer {
	return &WeftFlightServer{
		pool:      pool,
		forwarder: fwd,
		dataset:   dataset,
		steps:     steps,
		alloc:     memory.NewGoAllocator(),
	}
}

func (s *WeftFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	return fmt.Errorf("DoExchange not implemented")
}

func (s *WeftFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	ctx := stream.Context()
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	for reader.Next() {
		rec := reader.Record()
		prompts, err := client.Prompts(rec)
		if err != nil {
			return err
		}
		log.Info().Int64("rows", rec.NumRows()).Msg("DoPut received batch")

		res := PutResult{IDs: make([]string, len(prompts)), Tokens: make([][]int, len(prompts))}
		for i, p := range prompts {
			id := uuid.NewString()
			res.IDs[i] = id
			if len(p) == 0 {
				continue
			}
			toks, err := s.generate(stream, id, p)
			if err != nil {
				log.Error().Err(err).Str("request_id", id).Msg("Generation failed")
				return err
			}
			res.Tokens[i] = toks
			log.Info().Str("request_id", id).Ints("tokens", toks).Msg("Generated")
		}

		meta, err := cbor.Marshal(res)
		if err != nil {
			return err
		}
		if err := stream.Send(&flight.PutResult{AppMetadata: meta}); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return reader.Err()
}

func (s *WeftFlightServer) generate(stream flight.FlightService_DoPutServer, id string, prompt []int) ([]int, error) {
	ctx := stream.Context()
	e, err := s.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(e)

	var steps []engine.Step
	err = e.GenerateFunc(ctx, prompt, s.steps, func(st engine.Step) error {
		steps = append(steps, st)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.forwarder != nil {
		if err := s.forwarder.Forward(ctx, s.dataset, id, steps); err != nil {
			log.Error().Err(err).Str("request_id", id).Msg("Error forwarding to Longbow")
		}
	}
	toks := make([]int, len(steps))
	for i, st := range steps {
		toks[i] = st.Token
	}
	return toks, nil
}

func StartFlightServer(addr string, fs *WeftFlightServer) {
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(fs)

	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", addr).Msg("Starting Weft Flight Server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
