package target

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/ackarapazar/target-stitch/pkg/gate"
	"github.com/ackarapazar/target-stitch/pkg/telemetry"
)

// StitchSink delivers batches to the Gate through the shared runtime.
// Each flush serializes into one or more request bodies; the state
// snapshot rides only on the final body, so it cannot be acknowledged
// until the whole flush has landed.
type StitchSink struct {
	runtime    *gate.Runtime
	tele       *telemetry.Provider
	logger     zerolog.Logger
	maxBytes   int
	maxRecords int
}

// StitchSinkConfig configures a StitchSink.
type StitchSinkConfig struct {
	Runtime    *gate.Runtime
	Telemetry  *telemetry.Provider
	Logger     *zerolog.Logger
	MaxBytes   int
	MaxRecords int
}

// NewStitchSink creates the HTTP delivery sink.
func NewStitchSink(cfg StitchSinkConfig) *StitchSink {
	tele := cfg.Telemetry
	if tele == nil {
		tele = telemetry.Noop()
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &StitchSink{
		runtime:    cfg.Runtime,
		tele:       tele,
		logger:     logger,
		maxBytes:   cfg.MaxBytes,
		maxRecords: cfg.MaxRecords,
	}
}

// HandleBatch serializes the batch and submits every body. Submission
// is non-blocking; completion ordering is handled by the runtime's
// pending queue.
func (s *StitchSink) HandleBatch(ctx context.Context, batch Batch) error {
	// Refuse new work once a delivery has failed, so the consume
	// loop stops instead of buffering against a dead Gate.
	if err := s.runtime.Err(); err != nil {
		return err
	}

	s.logger.Info().
		Int("messages", len(batch.Messages)).
		Str("table", batch.Stream()).
		Str("url", s.runtime.Client().URL()).
		Msg("Sending batch to Stitch")

	flushCtx, flushSpan := s.tele.StartFlush(ctx, batch.Stream(), len(batch.Messages))
	defer flushSpan.End()

	serializeCtx, serializeSpan := s.tele.StartSerialize(flushCtx, len(batch.Messages))
	bodies, err := gate.Serialize(batch.Messages, batch.Schema, batch.KeyNames, batch.BookmarkNames, s.maxBytes, s.maxRecords)
	serializeSpan.End()
	if err != nil {
		telemetry.RecordError(flushSpan, err)
		return err
	}

	s.logger.Debug().Int("requests", len(bodies)).Msg("Split batch into requests")

	for i, body := range bodies {
		var state []byte
		if i+1 == len(bodies) {
			state = batch.State
		}

		_, postSpan := s.tele.StartPost(serializeCtx, len(body))
		err := s.runtime.Submit(ctx, body, state)
		postSpan.End()
		if err != nil {
			telemetry.RecordError(flushSpan, err)
			return err
		}
	}
	return nil
}
