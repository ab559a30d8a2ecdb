package gate

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"
)

// safeBuffer is a goroutine-safe state writer for tests.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// gateStep scripts the response for one request. When release is
// non-nil the handler blocks until it is closed, which lets tests force
// out-of-order completions.
type gateStep struct {
	status  int
	release chan struct{}
}

// newScriptedGate serves requests whose body is the decimal index into
// the plan.
func newScriptedGate(t *testing.T, plan []gateStep) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		if _, err := body.ReadFrom(r.Body); err != nil {
			t.Errorf("reading request body: %v", err)
		}
		idx, err := strconv.Atoi(body.String())
		if err != nil || idx < 0 || idx >= len(plan) {
			t.Errorf("unexpected request body %q", body.String())
			w.WriteHeader(http.StatusTeapot)
			return
		}
		step := plan[idx]
		if step.release != nil {
			<-step.release
		}
		w.WriteHeader(step.status)
	}))
}

func newTestRuntime(t *testing.T, server *httptest.Server, out *safeBuffer) *Runtime {
	t.Helper()
	client := NewClient(ClientConfig{
		URL:        server.URL,
		Token:      "test-token",
		HTTPClient: server.Client(),
	})
	return NewRuntime(RuntimeConfig{Client: client, StateWriter: out})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (r *Runtime) pendingLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func TestRuntimeEmitsStateInSubmissionOrder(t *testing.T) {
	releases := []chan struct{}{make(chan struct{}), make(chan struct{}), make(chan struct{})}
	server := newScriptedGate(t, []gateStep{
		{status: 200, release: releases[0]},
		{status: 200, release: releases[1]},
		{status: 200, release: releases[2]},
	})
	defer server.Close()

	out := &safeBuffer{}
	rt := newTestRuntime(t, server, out)
	ctx := context.Background()

	mustSubmit(t, rt, ctx, "0", []byte(`{"id":0}`))
	mustSubmit(t, rt, ctx, "1", nil)
	mustSubmit(t, rt, ctx, "2", []byte(`{"id":2}`))

	// Completing the tail first must not emit anything: the head is
	// still in flight.
	close(releases[2])
	waitFor(t, "tail completion", func() bool { return rt.pendingLen() == 3 && tailDone(rt) })
	if got := out.String(); got != "" {
		t.Fatalf("state emitted before head completed: %q", got)
	}

	close(releases[0])
	waitFor(t, "head state", func() bool { return out.String() == "{\"id\":0}\n" })

	close(releases[1])
	if err := rt.Drain(ctx); err != nil {
		t.Fatalf("unexpected drain error: %v", err)
	}
	if got := out.String(); got != "{\"id\":0}\n{\"id\":2}\n" {
		t.Fatalf("unexpected state output: %q", got)
	}
}

func tailDone(r *Runtime) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending) == 3 && r.pending[2].done
}

func mustSubmit(t *testing.T, r *Runtime, ctx context.Context, body string, state []byte) {
	t.Helper()
	if err := r.Submit(ctx, []byte(body), state); err != nil {
		t.Fatalf("submit %q: %v", body, err)
	}
}

func TestRuntimeHeadStateEmittedBeforeLaterFailure(t *testing.T) {
	releases := []chan struct{}{make(chan struct{}), make(chan struct{})}
	server := newScriptedGate(t, []gateStep{
		{status: 200, release: releases[0]},
		{status: 400, release: releases[1]},
	})
	defer server.Close()

	out := &safeBuffer{}
	rt := newTestRuntime(t, server, out)
	ctx := context.Background()

	mustSubmit(t, rt, ctx, "0", []byte(`{"id":1}`))
	mustSubmit(t, rt, ctx, "1", []byte(`{"id":3}`))

	close(releases[0])
	waitFor(t, "head state", func() bool { return out.String() == "{\"id\":1}\n" })

	close(releases[1])
	err := rt.Drain(ctx)
	var respErr *ResponseError
	if !errors.As(err, &respErr) || respErr.Status != 400 {
		t.Fatalf("expected 400 ResponseError from drain, got %v", err)
	}
	if got := out.String(); got != "{\"id\":1}\n" {
		t.Fatalf("only the head state should be emitted, got %q", got)
	}
}

func TestRuntimeFailureSuppressesLaterHeadSuccess(t *testing.T) {
	releases := []chan struct{}{make(chan struct{}), make(chan struct{})}
	server := newScriptedGate(t, []gateStep{
		{status: 200, release: releases[0]},
		{status: 400, release: releases[1]},
	})
	defer server.Close()

	out := &safeBuffer{}
	rt := newTestRuntime(t, server, out)
	ctx := context.Background()

	mustSubmit(t, rt, ctx, "0", []byte(`{"id":1}`))
	mustSubmit(t, rt, ctx, "1", []byte(`{"id":3}`))

	// The later flush fails first. Once the failure is recorded, the
	// head's success must not emit its state.
	close(releases[1])
	waitFor(t, "failure recorded", func() bool { return rt.Err() != nil })

	close(releases[0])
	err := rt.Drain(ctx)
	var respErr *ResponseError
	if !errors.As(err, &respErr) || respErr.Status != 400 {
		t.Fatalf("expected 400 ResponseError from drain, got %v", err)
	}
	if got := out.String(); got != "" {
		t.Fatalf("no state should be emitted after a failure, got %q", got)
	}
}

func TestRuntimeFailedHeadBlocksEverything(t *testing.T) {
	releases := []chan struct{}{make(chan struct{}), make(chan struct{})}
	server := newScriptedGate(t, []gateStep{
		{status: 400, release: releases[0]},
		{status: 200, release: releases[1]},
	})
	defer server.Close()

	out := &safeBuffer{}
	rt := newTestRuntime(t, server, out)
	ctx := context.Background()

	mustSubmit(t, rt, ctx, "0", []byte(`{"id":1}`))
	mustSubmit(t, rt, ctx, "1", []byte(`{"id":3}`))

	close(releases[1])
	close(releases[0])

	err := rt.Drain(ctx)
	var respErr *ResponseError
	if !errors.As(err, &respErr) || respErr.Status != 400 {
		t.Fatalf("expected 400 ResponseError from drain, got %v", err)
	}
	if got := out.String(); got != "" {
		t.Fatalf("no state should be emitted when the head fails, got %q", got)
	}
}

func TestRuntimeSubmitRefusedAfterFailure(t *testing.T) {
	server := newScriptedGate(t, []gateStep{{status: 400}})
	defer server.Close()

	out := &safeBuffer{}
	rt := newTestRuntime(t, server, out)
	ctx := context.Background()

	mustSubmit(t, rt, ctx, "0", nil)
	waitFor(t, "failure recorded", func() bool { return rt.Err() != nil })

	if err := rt.Submit(ctx, []byte("0"), nil); err == nil {
		t.Fatal("submit should surface the recorded failure")
	}
}

func TestRuntimeDrainWithNothingPending(t *testing.T) {
	server := newScriptedGate(t, nil)
	defer server.Close()

	rt := newTestRuntime(t, server, &safeBuffer{})
	if err := rt.Drain(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
