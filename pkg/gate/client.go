// Package gate delivers serialized batches to the Stitch import API
// and emits acknowledged state checkpoints in input order.
//
// It is split into three pieces: the Serializer (request bodies under a
// byte limit), the Client (one shared HTTP client with retry), and the
// Runtime (the pending queue that orders state emission).
package gate

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/ackarapazar/target-stitch/pkg/metrics"
)

const (
	// requestTimeout bounds one POST attempt end to end.
	requestTimeout = 60 * time.Second

	// maxAttempts is the total number of tries for a retryable
	// response status.
	maxAttempts = 5

	// maxErrorBodyBytes caps how much of an error response is kept
	// for the user-facing message.
	maxErrorBodyBytes = 64 * 1024

	// SSLVerifyEnv disables TLS certificate verification when set to
	// "false". Used against test gates with self-signed certs.
	SSLVerifyEnv = "TARGET_STITCH_SSL_VERIFY"
)

// ClientConfig configures a Gate client.
type ClientConfig struct {
	// URL is the full import URL, already rewritten to /import/batch.
	URL string

	// Token is the Stitch API token sent as a Bearer credential.
	Token string

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client

	// Logger defaults to a no-op logger.
	Logger *zerolog.Logger

	// Metrics is optional instrumentation.
	Metrics *metrics.Metrics
}

// Client posts request bodies to the Gate under the retry policy: up to
// five attempts with exponential backoff on any non-2xx response other
// than a 4xx, no retry on 4xx or transport failures.
type Client struct {
	url        string
	token      string
	httpClient *http.Client
	logger     zerolog.Logger
	metrics    *metrics.Metrics

	// newBackOff builds the retry policy for one Send. Replaced in
	// tests to avoid real sleeps.
	newBackOff func() backoff.BackOff
}

// NewClient creates a Gate client with one shared HTTP client. TLS
// verification is on unless TARGET_STITCH_SSL_VERIFY=false.
func NewClient(cfg ClientConfig) *Client {
	if cfg.HTTPClient == nil {
		transport := &http.Transport{}
		if os.Getenv(SSLVerifyEnv) == "false" {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		cfg.HTTPClient = &http.Client{
			Timeout:   requestTimeout,
			Transport: transport,
		}
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Client{
		url:        cfg.URL,
		token:      cfg.Token,
		httpClient: cfg.HTTPClient,
		logger:     logger,
		metrics:    cfg.Metrics,
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}
}

// URL returns the import URL this client posts to.
func (c *Client) URL() string { return c.url }

// Send posts one body, retrying retryable response errors with
// exponential backoff. The returned error is one of the taxonomy types
// (ResponseError, ConnectError, TimeoutError).
func (c *Client) Send(ctx context.Context, body []byte) error {
	operation := func() error {
		err := c.post(ctx, body)
		if err == nil {
			return nil
		}
		var respErr *ResponseError
		if errors.As(err, &respErr) && respErr.Retryable() {
			return err
		}
		return backoff.Permanent(err)
	}

	notify := func(err error, wait time.Duration) {
		if c.metrics != nil {
			c.metrics.Retries.Inc()
		}
		c.logger.Info().
			Dur("wait", wait).
			Err(err).
			Msg("Error sending data to Stitch. Sleeping before trying again")
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(c.newBackOff(), maxAttempts-1),
		ctx)

	err := backoff.RetryNotify(operation, policy, notify)
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Unwrap()
	}
	return err
}

// post performs a single POST attempt and classifies the outcome.
func (c *Client) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return &ConnectError{Cause: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return &TimeoutError{Cause: err}
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return &TimeoutError{Cause: err}
		}
		return &ConnectError{Cause: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

	if c.metrics != nil {
		c.metrics.RecordRequest(resp.StatusCode, len(body), time.Since(start))
	}
	c.logger.Debug().
		Int("status", resp.StatusCode).
		Int("bytes", len(body)).
		Msg("POST response")

	if resp.StatusCode/100 != 2 {
		return &ResponseError{Status: resp.StatusCode, Body: string(bytes.TrimSpace(respBody))}
	}
	return nil
}
