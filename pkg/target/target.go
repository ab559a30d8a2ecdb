package target

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/ackarapazar/target-stitch/pkg/metrics"
	"github.com/ackarapazar/target-stitch/pkg/singer"
)

// Scanner limits for protocol lines. A single record already has to
// fit the Gate's request limit, so lines past this are misconfigured
// input rather than data.
const (
	scannerInitialBytes = 64 * 1024
	scannerMaxBytes     = 64 * 1024 * 1024
)

// Config configures a Target.
type Config struct {
	Sinks           []Sink
	MaxBatchBytes   int
	MaxBatchRecords int
	BatchDelay      time.Duration
	Logger          *zerolog.Logger
	Metrics         *metrics.Metrics
}

// Target consumes parsed protocol messages, maintains the per-stream
// buffer and the current state snapshot, and flushes to every sink when
// a byte, record, or time threshold is reached.
//
// The buffer invariant: every buffered message shares the stream and
// table version of the first one. A SCHEMA for any stream, or a message
// for a different stream or version, forces a flush first.
type Target struct {
	sinks           []Sink
	maxBatchBytes   int
	maxBatchRecords int
	batchDelay      time.Duration
	logger          zerolog.Logger
	metrics         *metrics.Metrics

	messages      []singer.Message
	bufferBytes   int
	state         []byte
	streamMeta    map[string]StreamMeta
	lastBatchTime time.Time
}

// New creates a Target.
func New(cfg Config) *Target {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Target{
		sinks:           cfg.Sinks,
		maxBatchBytes:   cfg.MaxBatchBytes,
		maxBatchRecords: cfg.MaxBatchRecords,
		batchDelay:      cfg.BatchDelay,
		logger:          logger,
		metrics:         cfg.Metrics,
		streamMeta:      make(map[string]StreamMeta),
		lastBatchTime:   time.Now(),
	}
}

// Handle processes one parsed message. lineBytes is the raw input line
// length, which is what the byte threshold counts.
func (t *Target) Handle(ctx context.Context, message singer.Message, lineBytes int) error {
	switch msg := message.(type) {
	case *singer.SchemaMessage:
		// The new schema may differ from the one the buffer was
		// built against.
		if err := t.Flush(ctx); err != nil {
			return err
		}
		t.streamMeta[msg.Stream] = StreamMeta{
			Schema:             msg.Schema,
			KeyProperties:      msg.KeyProperties,
			BookmarkProperties: msg.BookmarkProperties,
		}

	case *singer.RecordMessage, *singer.ActivateVersionMessage:
		if len(t.messages) > 0 {
			head := t.messages[0]
			if singer.BatchStream(message) != singer.BatchStream(head) ||
				!singer.SameVersion(singer.BatchVersion(message), singer.BatchVersion(head)) {
				if err := t.Flush(ctx); err != nil {
					return err
				}
			}
		}
		t.messages = append(t.messages, message)
		t.bufferBytes += lineBytes

		numBytes := t.bufferBytes
		numMessages := len(t.messages)
		elapsed := time.Since(t.lastBatchTime)

		enoughBytes := numBytes >= t.maxBatchBytes
		enoughMessages := numMessages >= t.maxBatchRecords
		enoughTime := elapsed >= t.batchDelay
		if enoughBytes || enoughMessages || enoughTime {
			t.logger.Debug().
				Int("bytes", numBytes).
				Int("messages", numMessages).
				Dur("elapsed", elapsed).
				Msg("Flushing batch")
			if err := t.Flush(ctx); err != nil {
				return err
			}
		}

	case *singer.StateMessage:
		t.state = msg.Value

		// A state message adds nothing to the buffer, so only the
		// time threshold applies.
		if elapsed := time.Since(t.lastBatchTime); elapsed >= t.batchDelay {
			t.logger.Debug().
				Int("bytes", t.bufferBytes).
				Int("messages", len(t.messages)).
				Dur("elapsed", elapsed).
				Msg("Flushing batch")
			if err := t.Flush(ctx); err != nil {
				return err
			}
		}

	default:
		return fmt.Errorf("unhandled message type %T", message)
	}
	return nil
}

// Flush hands the buffered messages to every sink in order and resets
// the buffer. The current state snapshot rides along but is not
// cleared: the next flush attaches the freshest state again, and a
// newer checkpoint downstream implicitly acknowledges every older one.
func (t *Target) Flush(ctx context.Context) error {
	if len(t.messages) == 0 {
		return nil
	}

	stream := singer.BatchStream(t.messages[0])
	meta, ok := t.streamMeta[stream]
	if !ok {
		return fmt.Errorf("a record for stream %q arrived before its SCHEMA", stream)
	}

	batch := Batch{
		Messages:      t.messages,
		Schema:        meta.Schema,
		KeyNames:      meta.KeyProperties,
		BookmarkNames: meta.BookmarkProperties,
		State:         t.state,
	}
	for _, sink := range t.sinks {
		if err := sink.HandleBatch(ctx, batch); err != nil {
			return err
		}
	}

	if t.metrics != nil {
		t.metrics.RecordBatch(len(t.messages))
	}

	t.lastBatchTime = time.Now()
	t.messages = nil
	t.bufferBytes = 0
	return nil
}

// Consume reads protocol lines until EOF, handling each one, and
// flushes whatever remains buffered.
func (t *Target) Consume(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, scannerInitialBytes), scannerMaxBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		message, err := singer.ParseMessage(line)
		if err != nil {
			return err
		}
		if err := t.Handle(ctx, message, len(line)); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	return t.Flush(ctx)
}
