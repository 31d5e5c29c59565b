// Package errors defines the error taxonomy shared by the transport, client
// and resilience layers. Every remote-call failure surfaces as exactly one of
// the typed errors below so that callers can branch on failure class with
// errors.As instead of string matching.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Category classifies an error for retry policy and reporting.
type Category string

const (
	CategoryFraming    Category = "framing"
	CategoryConnection Category = "connection"
	CategoryProtocol   Category = "protocol"
	CategoryTimeout    Category = "timeout"
	CategoryBreaker    Category = "breaker"
	CategoryRetry      Category = "retry"
)

// Sentinel framing conditions. Framing errors are fatal to the connection and
// are never retried by the transport itself.
var (
	// ErrBufferOverflow is raised when unconsumed receive-buffer bytes exceed
	// the configured maximum before a frame boundary is found.
	ErrBufferOverflow = errors.New("receive buffer size exceeded")

	// ErrMessageTooLarge is raised when a single declared or accumulated
	// frame exceeds the configured maximum message size.
	ErrMessageTooLarge = errors.New("message size exceeded")

	// ErrConnectionClosed fails pending calls when their transport closes.
	ErrConnectionClosed = errors.New("connection closed")
)

// FramingError reports a fatal wire-framing failure. The connection it
// occurred on must be recreated by the caller.
type FramingError struct {
	Transport string
	Reason    string
	Err       error
}

func (e *FramingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s framing error: %s: %v", e.Transport, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s framing error: %s", e.Transport, e.Reason)
}

func (e *FramingError) Unwrap() error      { return e.Err }
func (e *FramingError) Category() Category { return CategoryFraming }

// Framing builds a FramingError.
func Framing(transport, reason string, cause error) *FramingError {
	return &FramingError{Transport: transport, Reason: reason, Err: cause}
}

// ConnectionError reports a failure to reach or keep talking to the peer.
// StatusCode carries the HTTP status for request/response transports and is
// zero otherwise. RetryAfter, when non-zero, is a server-declared backoff
// hint that overrides computed retry delays.
type ConnectionError struct {
	Transport  string
	Op         string
	Endpoint   string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *ConnectionError) Error() string {
	msg := fmt.Sprintf("%s connection error", e.Transport)
	if e.Op != "" {
		msg = fmt.Sprintf("%s during %s", msg, e.Op)
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ConnectionError) Unwrap() error      { return e.Err }
func (e *ConnectionError) Category() Category { return CategoryConnection }

// Connection builds a ConnectionError.
func Connection(transport, op string, cause error) *ConnectionError {
	return &ConnectionError{Transport: transport, Op: op, Err: cause}
}

// ConnectionStatus builds a ConnectionError carrying an HTTP status code.
func ConnectionStatus(transport, op string, status int) *ConnectionError {
	return &ConnectionError{Transport: transport, Op: op, StatusCode: status}
}

// ProtocolError represents a JSON-RPC error object returned by the peer.
// Code, Message and Data are preserved verbatim; these are never swallowed.
type ProtocolError struct {
	Code    int
	Message string
	Data    []byte
	Method  string
}

func (e *ProtocolError) Error() string {
	if e.Method != "" {
		return fmt.Sprintf("%s: JSON-RPC error %d: %s", e.Method, e.Code, e.Message)
	}
	return fmt.Sprintf("JSON-RPC error %d: %s", e.Code, e.Message)
}

func (e *ProtocolError) Category() Category { return CategoryProtocol }

// Protocol builds a ProtocolError from a response error object.
func Protocol(method string, code int, message string, data []byte) *ProtocolError {
	return &ProtocolError{Method: method, Code: code, Message: message, Data: data}
}

// TimeoutError reports that an operation exhausted its time budget. It is a
// distinct type from protocol and connection errors so callers can retry
// timeouts without retrying permanent failures.
type TimeoutError struct {
	Op     string
	Budget time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Budget)
}

func (e *TimeoutError) Category() Category { return CategoryTimeout }

// Timeout builds a TimeoutError naming the operation and its elapsed budget.
func Timeout(op string, budget time.Duration) *TimeoutError {
	return &TimeoutError{Op: op, Budget: budget}
}

// BreakerOpenError signals the call was rejected locally by an open circuit
// breaker without attempting the network.
type BreakerOpenError struct {
	Name string
}

func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open", e.Name)
}

func (e *BreakerOpenError) Category() Category { return CategoryBreaker }

// BreakerOpen builds a BreakerOpenError for the named breaker.
func BreakerOpen(name string) *BreakerOpenError {
	return &BreakerOpenError{Name: name}
}

// RetryExhaustedError wraps the final failure after all retry attempts.
// Callers never receive the bare last error in this case.
type RetryExhaustedError struct {
	Op       string
	Attempts int
	Elapsed  time.Duration
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts in %s: %v", e.Op, e.Attempts, e.Elapsed.Round(time.Millisecond), e.Err)
}

func (e *RetryExhaustedError) Unwrap() error      { return e.Err }
func (e *RetryExhaustedError) Category() Category { return CategoryRetry }

// RetryExhausted wraps the last error with the attempt count and elapsed time.
func RetryExhausted(op string, attempts int, elapsed time.Duration, last error) *RetryExhaustedError {
	return &RetryExhaustedError{Op: op, Attempts: attempts, Elapsed: elapsed, Err: last}
}

// categorized is implemented by every typed error in this package.
type categorized interface {
	Category() Category
}

// CategoryOf reports the category of err, walking the wrap chain. Unknown
// errors report an empty category.
func CategoryOf(err error) Category {
	for err != nil {
		if c, ok := err.(categorized); ok {
			return c.Category()
		}
		err = errors.Unwrap(err)
	}
	return ""
}

// IsTimeout reports whether err is (or wraps) a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsBreakerOpen reports whether err is (or wraps) a BreakerOpenError.
func IsBreakerOpen(err error) bool {
	var be *BreakerOpenError
	return errors.As(err, &be)
}

// RetryAfterOf extracts a server-declared retry-after hint from err, if any.
func RetryAfterOf(err error) (time.Duration, bool) {
	var ce *ConnectionError
	if errors.As(err, &ce) && ce.RetryAfter > 0 {
		return ce.RetryAfter, true
	}
	return 0, false
}
