// Package transport provides the wire-level transports used to talk to MCP
// tool servers: a pipe transport for spawned processes, an SSE transport for
// event-stream servers and a plain HTTP request/response transport.
//
// All transports expose the same contract: Connect, Send, Close plus the
// three lifecycle events message, error and close. Retry policy is never
// applied inside a transport; that is the caller's decision via the
// resilience package.
package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/mcpprobe/mcpprobe/pkg/framing"
	"github.com/mcpprobe/mcpprobe/pkg/logging"
	"github.com/mcpprobe/mcpprobe/pkg/protocol"
)

// SessionHeader is the HTTP header carrying the MCP session identifier.
const SessionHeader = "Mcp-Session-Id"

// Kind identifies the transport implementation.
type Kind string

const (
	KindPipe Kind = "pipe"
	KindSSE  Kind = "sse"
	KindHTTP Kind = "http"
)

// ErrUnsupportedKind is returned by New for an unknown transport kind.
var ErrUnsupportedKind = errors.New("unsupported transport kind")

// MessageHandler receives every inbound message.
type MessageHandler func(*protocol.Message)

// ErrorHandler receives transport errors.
type ErrorHandler func(error)

// CloseHandler is invoked once per connection when it closes.
type CloseHandler func()

// Transport is the uniform connection contract. Implementations own their
// socket/process/stream handle and receive buffer exclusively; callers
// interact only through this interface and the three lifecycle events.
type Transport interface {
	// Connect establishes the connection. Calling Connect while already
	// connected is a no-op; calling it again after Close must succeed.
	Connect(ctx context.Context) error

	// Send writes one message to the wire. Sends preserve caller-issue
	// order.
	Send(ctx context.Context, msg *protocol.Message) error

	SetMessageHandler(MessageHandler)
	SetErrorHandler(ErrorHandler)
	SetCloseHandler(CloseHandler)

	// Close tears the connection down and fails anything still waiting on
	// it. No inbound message is dispatched after Close returns.
	Close() error
}

// Config is the per-variant immutable construction-time configuration.
// A transport never mutates its config; build a new transport to change it.
type Config struct {
	Kind Kind

	// Endpoint is the base URL for the SSE and HTTP transports.
	Endpoint string
	// MessageEndpoint is the outbound POST target for the SSE transport.
	// Empty means the peer announces it via an "endpoint" event, falling
	// back to Endpoint.
	MessageEndpoint string
	// Headers are attached to every outbound HTTP request.
	Headers map[string]string
	// RequestTimeout bounds individual HTTP round trips.
	RequestTimeout time.Duration
	// SessionID seeds the session identifier for HTTP/SSE transports.
	SessionID string
	Debug     bool
	Logger    logging.Logger

	// Pipe transport: either a command to spawn or an injected stream pair.
	Command []string
	Reader  io.Reader
	Writer  io.Writer
	// UseNewlineDelimited selects newline framing; false selects
	// Content-Length framing.
	UseNewlineDelimited bool
	MaxBufferSize       int
	MaxMessageSize      int

	// SSE transport reconnect policy.
	ReconnectDelay       time.Duration
	MaxBackoffDelay      time.Duration
	MaxReconnectAttempts int
}

// DefaultConfig returns a configuration with sensible defaults for the given
// transport kind.
func DefaultConfig(kind Kind) Config {
	return Config{
		Kind:                 kind,
		RequestTimeout:       30 * time.Second,
		UseNewlineDelimited:  true,
		MaxBufferSize:        framing.DefaultMaxBufferSize,
		MaxMessageSize:       framing.DefaultMaxMessageSize,
		ReconnectDelay:       time.Second,
		MaxBackoffDelay:      30 * time.Second,
		MaxReconnectAttempts: 5,
	}
}

// New creates a transport for the configured kind.
func New(cfg Config) (Transport, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case KindPipe:
		return NewPipeTransport(cfg), nil
	case KindSSE:
		return NewSSETransport(cfg), nil
	case KindHTTP:
		return NewHTTPTransport(cfg), nil
	default:
		return nil, ErrUnsupportedKind
	}
}

func validateConfig(cfg Config) error {
	switch cfg.Kind {
	case KindPipe:
		if len(cfg.Command) == 0 && (cfg.Reader == nil || cfg.Writer == nil) {
			return errors.New("pipe transport requires a command or a reader/writer pair")
		}
		return nil
	case KindSSE, KindHTTP:
		if cfg.Endpoint == "" {
			return errors.New("endpoint is required for HTTP transports")
		}
		return nil
	default:
		return ErrUnsupportedKind
	}
}

func (c Config) logger() logging.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logging.Nop()
}

func (c Config) codec() framing.Codec {
	if c.UseNewlineDelimited {
		return framing.NewlineCodec{}
	}
	return framing.ContentLengthCodec{}
}

func (c Config) limits() framing.Limits {
	return framing.Limits{
		MaxBufferSize:  c.MaxBufferSize,
		MaxMessageSize: c.MaxMessageSize,
	}
}

func (c Config) requestTimeout() time.Duration {
	if c.RequestTimeout > 0 {
		return c.RequestTimeout
	}
	return 30 * time.Second
}

// handlers holds the three lifecycle callbacks behind a lock. Embedded by
// every transport implementation.
type handlers struct {
	mu        sync.RWMutex
	onMessage MessageHandler
	onError   ErrorHandler
	onClose   CloseHandler
}

func (h *handlers) SetMessageHandler(fn MessageHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onMessage = fn
}

func (h *handlers) SetErrorHandler(fn ErrorHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onError = fn
}

func (h *handlers) SetCloseHandler(fn CloseHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onClose = fn
}

func (h *handlers) dispatchMessage(msg *protocol.Message) {
	h.mu.RLock()
	fn := h.onMessage
	h.mu.RUnlock()
	if fn != nil {
		fn(msg)
	}
}

func (h *handlers) dispatchError(err error) {
	h.mu.RLock()
	fn := h.onError
	h.mu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

func (h *handlers) dispatchClose() {
	h.mu.RLock()
	fn := h.onClose
	h.mu.RUnlock()
	if fn != nil {
		fn()
	}
}
