package gate

import (
	"errors"
	"fmt"
)

// ResponseError is a non-2xx answer from the Gate, either a 4xx on the
// first attempt or any other status after the retry budget is spent.
type ResponseError struct {
	Status int
	Body   string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%d: %s", e.Status, e.Body)
}

// Retryable reports whether the dispatcher may try this response again.
// Client errors are never retried.
func (e *ResponseError) Retryable() bool {
	return e.Status < 400 || e.Status >= 500
}

// ConnectError is a transport-level failure: DNS, TCP or TLS. These
// surface on the first attempt without retrying.
type ConnectError struct {
	Cause error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connection to Stitch failed: %v", e.Cause)
}

func (e *ConnectError) Unwrap() error { return e.Cause }

// TimeoutError means the per-request timeout elapsed before the Gate
// answered.
type TimeoutError struct {
	Cause error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout sending to Stitch: %v", e.Cause)
}

func (e *TimeoutError) Unwrap() error { return e.Cause }

// BatchTooLargeError means a single message serializes past the request
// size limit, so no amount of splitting can help.
type BatchTooLargeError struct {
	MaxBytes int
}

func (e *BatchTooLargeError) Error() string {
	return fmt.Sprintf("A single record is larger than the Stitch API limit of %d Mb", e.MaxBytes/1000000)
}

// UserMessage translates a delivery failure into the single line shown
// to the user at exit.
func UserMessage(err error) string {
	var respErr *ResponseError
	var connErr *ConnectError
	var timeoutErr *TimeoutError
	switch {
	case errors.As(err, &respErr):
		return fmt.Sprintf("Error persisting data to Stitch: %d: %s", respErr.Status, respErr.Body)
	case errors.As(err, &connErr):
		return "Error connecting to Stitch"
	case errors.As(err, &timeoutErr):
		return "Timeout sending to Stitch"
	default:
		return err.Error()
	}
}
