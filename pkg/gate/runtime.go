package gate

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ackarapazar/target-stitch/pkg/metrics"
)

// drainInterval is how often Drain re-checks the pending queue.
const drainInterval = time.Second

// flusher is implemented by buffered state writers.
type flusher interface {
	Flush() error
}

// pendingEntry is one in-flight request. State is attached only to the
// final request of a flush.
type pendingEntry struct {
	done  bool
	err   error
	state []byte
}

// Runtime owns the shared delivery state: the Gate client, the ordered
// pending queue, the first-failure cell, and the state output stream.
//
// Submission order into the queue equals the order the batcher flushed.
// A state snapshot is written only once every request ahead of it has
// succeeded, so the stdout checkpoint log never runs ahead of the Gate.
// Once any request fails, no further state is ever emitted — even for a
// queue head that already succeeded.
type Runtime struct {
	client      *Client
	stateWriter io.Writer
	logger      zerolog.Logger
	metrics     *metrics.Metrics

	mu           sync.Mutex
	pending      []*pendingEntry
	firstFailure error
}

// RuntimeConfig configures a Runtime.
type RuntimeConfig struct {
	Client      *Client
	StateWriter io.Writer
	Logger      *zerolog.Logger
	Metrics     *metrics.Metrics
}

// NewRuntime creates the delivery runtime.
func NewRuntime(cfg RuntimeConfig) *Runtime {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Runtime{
		client:      cfg.Client,
		stateWriter: cfg.StateWriter,
		logger:      logger,
		metrics:     cfg.Metrics,
	}
}

// Client returns the Gate client the runtime posts through.
func (r *Runtime) Client() *Client { return r.client }

// Err returns the first asynchronous failure, or nil.
func (r *Runtime) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.firstFailure
}

// Submit queues one request body for delivery. The state snapshot, when
// non-nil, is written to the state stream once this request and every
// request before it have succeeded.
//
// Submit refuses new work after a failure has been recorded, returning
// that failure so the consume loop can stop promptly.
func (r *Runtime) Submit(ctx context.Context, body []byte, state []byte) error {
	entry := &pendingEntry{state: state}

	r.mu.Lock()
	if r.firstFailure != nil {
		err := r.firstFailure
		r.mu.Unlock()
		return err
	}
	r.pending = append(r.pending, entry)
	pending := len(r.pending)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.PendingRequests.Set(float64(pending))
	}

	go func() {
		err := r.client.Send(ctx, body)
		r.complete(entry, err)
	}()
	return nil
}

// complete records a request outcome and walks the queue head-first,
// emitting the state of every finished predecessor. It stops at the
// first request still in flight; responses that complete out of order
// wait their turn.
func (r *Runtime) complete(entry *pendingEntry, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry.done = true
	entry.err = err

	if r.firstFailure == nil && err != nil {
		r.firstFailure = err
	}
	if r.firstFailure != nil {
		r.logger.Debug().Err(r.firstFailure).Msg("skipping state flush after send failure")
		return
	}

	for len(r.pending) > 0 && r.pending[0].done {
		head := r.pending[0]
		if head.state != nil {
			if err := r.writeState(head.state); err != nil {
				r.firstFailure = err
				return
			}
		}
		r.pending = r.pending[1:]
	}

	if r.metrics != nil {
		r.metrics.PendingRequests.Set(float64(len(r.pending)))
	}
}

// writeState emits one checkpoint line and flushes the stream so a
// crash right after cannot lose an acknowledged checkpoint.
func (r *Runtime) writeState(state []byte) error {
	line := make([]byte, 0, len(state)+1)
	line = append(line, state...)
	line = append(line, '\n')
	if _, err := r.stateWriter.Write(line); err != nil {
		return err
	}
	if f, ok := r.stateWriter.(flusher); ok {
		if err := f.Flush(); err != nil {
			return err
		}
	}
	if r.metrics != nil {
		r.metrics.StatesEmitted.Inc()
	}
	return nil
}

// Drain blocks until every pending request has completed, polling the
// queue once a second. It returns the first failure if one was
// recorded, checking before each sleep so an error surfaces promptly.
func (r *Runtime) Drain(ctx context.Context) error {
	for {
		r.mu.Lock()
		failure := r.firstFailure
		remaining := len(r.pending)
		r.mu.Unlock()

		if failure != nil {
			return failure
		}
		if remaining == 0 {
			return nil
		}

		r.logger.Info().Int("requests", remaining).Msg("Finishing requests")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(drainInterval):
		}
	}
}
