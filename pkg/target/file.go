package target

import (
	"context"
	"io"

	"github.com/rs/zerolog"

	"github.com/ackarapazar/target-stitch/pkg/gate"
)

// FileSink writes serialized request bodies to a local stream instead
// of posting them. Bodies are produced by the same serializer as the
// HTTP path, so the output file holds the exact requests that would
// have been sent.
type FileSink struct {
	out        io.Writer
	name       string
	logger     zerolog.Logger
	maxBytes   int
	maxRecords int
}

// NewFileSink creates a sink writing bodies to out. name is used only
// for logging.
func NewFileSink(out io.Writer, name string, logger *zerolog.Logger, maxBytes, maxRecords int) *FileSink {
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}
	return &FileSink{
		out:        out,
		name:       name,
		logger:     l,
		maxBytes:   maxBytes,
		maxRecords: maxRecords,
	}
}

// HandleBatch serializes the batch and writes each body followed by a
// newline. State is ignored; the file path does not acknowledge
// anything.
func (s *FileSink) HandleBatch(_ context.Context, batch Batch) error {
	s.logger.Info().
		Int("messages", len(batch.Messages)).
		Str("table", batch.Stream()).
		Str("file", s.name).
		Msg("Saving batch")

	bodies, err := gate.Serialize(batch.Messages, batch.Schema, batch.KeyNames, batch.BookmarkNames, s.maxBytes, s.maxRecords)
	if err != nil {
		return err
	}

	for i, body := range bodies {
		s.logger.Debug().Int("request", i).Int("bytes", len(body)).Msg("Request body")
		if _, err := s.out.Write(body); err != nil {
			return err
		}
		if _, err := s.out.Write([]byte{'\n'}); err != nil {
			return err
		}
	}
	return nil
}
