package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	mcperrors "github.com/mcpprobe/mcpprobe/pkg/errors"
	"github.com/mcpprobe/mcpprobe/pkg/logging"
	"github.com/mcpprobe/mcpprobe/pkg/protocol"
)

// HTTPTransport exchanges messages as individual POST round-trips. Responses
// arrive in the POST reply body, so there is no persistent read loop;
// notifications from the server are only seen when it chooses to answer a
// POST with one.
//
// The transport captures the Mcp-Session-Id header from any reply and
// attaches it to every subsequent request.
type HTTPTransport struct {
	handlers
	cfg        Config
	httpClient *http.Client
	logger     logging.Logger

	mu        sync.Mutex
	connected bool
	sessionID string
}

// NewHTTPTransport creates an HTTP transport from config.
func NewHTTPTransport(cfg Config) *HTTPTransport {
	return &HTTPTransport{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.requestTimeout()},
		logger:     cfg.logger().WithFields(logging.String("transport", "http")),
		sessionID:  cfg.SessionID,
	}
}

// Connect marks the transport ready. HTTP is connectionless, so nothing
// touches the network here.
func (t *HTTPTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	return nil
}

// Send posts one message. Any reply body carrying a protocol message is
// delivered through the message handler.
func (t *HTTPTransport) Send(ctx context.Context, msg *protocol.Message) error {
	reply, err := t.roundTrip(ctx, msg)
	if err != nil {
		return err
	}
	if reply != nil {
		t.dispatchMessage(reply)
	}
	return nil
}

// SendRequest posts a request and returns the decoded reply directly,
// bypassing the handler. Callers that want strict request/response pairing
// without a correlation table use this.
func (t *HTTPTransport) SendRequest(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	reply, err := t.roundTrip(ctx, msg)
	if err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, mcperrors.Connection("http", "send", io.ErrUnexpectedEOF)
	}
	return reply, nil
}

// SessionID returns the current session identifier, if any.
func (t *HTTPTransport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// SetSessionID overrides the session identifier attached to requests.
func (t *HTTPTransport) SetSessionID(id string) {
	t.mu.Lock()
	t.sessionID = id
	t.mu.Unlock()
}

// Close marks the transport closed and fires the close handler.
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = false
	t.mu.Unlock()

	t.dispatchClose()
	return nil
}

// parseRetryAfter handles both forms the header allows: delay seconds and
// an HTTP date.
func parseRetryAfter(value string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func (t *HTTPTransport) roundTrip(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	t.mu.Lock()
	connected := t.connected
	session := t.sessionID
	t.mu.Unlock()
	if !connected {
		return nil, mcperrors.Connection("http", "send", mcperrors.ErrConnectionClosed)
	}

	body, err := protocol.Encode(msg)
	if err != nil {
		return nil, err
	}
	if t.cfg.Debug {
		t.logger.Debug("send", logging.String("payload", string(body)))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, mcperrors.Connection("http", "send", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}
	if session != "" {
		req.Header.Set(SessionHeader, session)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, mcperrors.Connection("http", "send", err)
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get(SessionHeader); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}

	if resp.StatusCode >= 300 {
		cerr := mcperrors.ConnectionStatus("http", "send", resp.StatusCode)
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			cerr.RetryAfter = parseRetryAfter(ra)
		}
		return nil, cerr
	}

	limit := int64(t.cfg.limits().MaxMessageSize)
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, mcperrors.Connection("http", "recv", err)
	}
	if int64(len(data)) > limit {
		return nil, mcperrors.Connection("http", "recv", mcperrors.ErrMessageTooLarge)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		// Accepted notifications commonly come back as 202 with no body.
		return nil, nil
	}
	if ct := resp.Header.Get("Content-Type"); strings.Contains(ct, "text/event-stream") {
		return nil, mcperrors.Connection("http", "recv",
			mcperrors.Framing("http", "streamed reply on plain HTTP transport", nil))
	}

	reply, err := protocol.Parse(data)
	if err != nil {
		return nil, mcperrors.Connection("http", "decode", err)
	}
	if t.cfg.Debug {
		t.logger.Debug("recv", logging.String("payload", string(data)))
	}
	return reply, nil
}
