// Package target buffers protocol messages into per-stream batches and
// fans each flush out to the configured sinks.
package target

import (
	"context"
	"encoding/json"

	"github.com/ackarapazar/target-stitch/pkg/singer"
)

// StreamMeta is the schema and key configuration for one stream,
// replaced whenever a new SCHEMA message arrives.
type StreamMeta struct {
	Schema             json.RawMessage
	KeyProperties      []string
	BookmarkProperties []string
}

// Batch is one flushed buffer plus the stream metadata and the latest
// state snapshot observed when the flush was triggered. State may be
// nil when no STATE message preceded the flush.
type Batch struct {
	Messages      []singer.Message
	Schema        json.RawMessage
	KeyNames      []string
	BookmarkNames []string
	State         json.RawMessage
}

// Stream returns the stream every message of the batch belongs to.
func (b Batch) Stream() string {
	return singer.BatchStream(b.Messages[0])
}

// Sink handles one flushed batch. Implementations must treat the batch
// as read-only; the batcher hands the same slice to every sink.
type Sink interface {
	HandleBatch(ctx context.Context, batch Batch) error
}
