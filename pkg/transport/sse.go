package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"

	mcperrors "github.com/mcpprobe/mcpprobe/pkg/errors"
	"github.com/mcpprobe/mcpprobe/pkg/logging"
	"github.com/mcpprobe/mcpprobe/pkg/protocol"
)

// SSETransport receives messages over a server-sent-event stream and sends
// them with HTTP POST to a companion message endpoint. The peer may announce
// the message endpoint with an "endpoint" event; otherwise the configured
// MessageEndpoint (or the stream endpoint itself) is used.
//
// On stream failure the transport reconnects with exponential backoff:
// ReconnectDelay doubled per attempt, capped at MaxBackoffDelay, for at most
// MaxReconnectAttempts attempts. Close cancels any pending reconnect timer;
// no attempt fires after an explicit close.
type SSETransport struct {
	handlers
	cfg        Config
	httpClient *http.Client
	logger     logging.Logger

	mu             sync.Mutex
	connected      bool
	closed         bool
	closeEmitted   bool
	done           chan struct{}
	reconnectTimer *time.Timer
	attempts       int
	messageURL     string
	sessionID      string
}

// NewSSETransport creates an SSE transport from config. The stream is not
// opened until Connect.
func NewSSETransport(cfg Config) *SSETransport {
	return &SSETransport{
		cfg:        cfg,
		httpClient: &http.Client{},
		logger:     cfg.logger().WithFields(logging.String("transport", "sse")),
		messageURL: cfg.MessageEndpoint,
		sessionID:  cfg.SessionID,
	}
}

// Connect opens the event stream. Connecting while connected is a no-op;
// connecting after Close resets the lifecycle and succeeds.
func (t *SSETransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.closed = false
	t.closeEmitted = false
	t.attempts = 0
	done := make(chan struct{})
	t.done = done
	t.mu.Unlock()

	body, err := t.subscribe(ctx)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = body.Close()
		return mcperrors.Connection("sse", "connect", mcperrors.ErrConnectionClosed)
	}
	t.connected = true
	t.mu.Unlock()

	go t.readLoop(body, done)
	return nil
}

// Send posts one message to the message endpoint.
func (t *SSETransport) Send(ctx context.Context, msg *protocol.Message) error {
	body, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if t.cfg.Debug {
		t.logger.Debug("send", logging.String("payload", string(body)))
	}

	t.mu.Lock()
	target := t.messageURL
	session := t.sessionID
	closed := t.closed
	t.mu.Unlock()

	if closed {
		return mcperrors.Connection("sse", "send", mcperrors.ErrConnectionClosed)
	}
	if target == "" {
		target = t.cfg.Endpoint
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.requestTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return mcperrors.Connection("sse", "send", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}
	if session != "" {
		req.Header.Set(SessionHeader, session)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return mcperrors.Connection("sse", "send", err)
	}
	defer resp.Body.Close()

	// Session ids are captured from any reply, POST acks included.
	if sid := resp.Header.Get(SessionHeader); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}

	if resp.StatusCode >= 300 {
		return mcperrors.ConnectionStatus("sse", "send", resp.StatusCode)
	}
	return nil
}

// Close shuts the stream down and cancels any pending reconnect attempt.
func (t *SSETransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.connected = false
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
	if t.done != nil {
		close(t.done)
		t.done = nil
	}
	emit := !t.closeEmitted
	t.closeEmitted = true
	t.mu.Unlock()

	if emit {
		t.dispatchClose()
	}
	return nil
}

// subscribe opens the GET stream and validates it is an event stream.
// Servers without SSE support fail fast here with a descriptive error
// instead of hanging.
func (t *SSETransport) subscribe(ctx context.Context) (io.ReadCloser, error) {
	if _, err := url.Parse(t.cfg.Endpoint); err != nil {
		return nil, mcperrors.Connection("sse", "connect", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.cfg.Endpoint, nil)
	if err != nil {
		return nil, mcperrors.Connection("sse", "connect", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}
	t.mu.Lock()
	if t.sessionID != "" {
		req.Header.Set(SessionHeader, t.sessionID)
	}
	t.mu.Unlock()

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, mcperrors.Connection("sse", "connect", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, mcperrors.ConnectionStatus("sse", "connect", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		_ = resp.Body.Close()
		return nil, mcperrors.Connection("sse", "connect",
			fmt.Errorf("event streams unavailable: server returned Content-Type %q", ct))
	}
	if sid := resp.Header.Get(SessionHeader); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}
	return resp.Body, nil
}

func (t *SSETransport) readLoop(body io.ReadCloser, done chan struct{}) {
	defer body.Close()

	var readCfg *sse.ReadConfig
	if t.cfg.MaxMessageSize > 0 {
		readCfg = &sse.ReadConfig{MaxEventSize: t.cfg.MaxMessageSize}
	}

	for ev, err := range sse.Read(body, readCfg) {
		if closedChan(done) {
			return
		}
		if err != nil {
			t.onStreamError(mcperrors.Connection("sse", "stream", err))
			return
		}

		switch ev.Type {
		case "endpoint":
			u, err := url.Parse(strings.TrimSpace(ev.Data))
			if err != nil || u.String() == "" {
				t.dispatchError(mcperrors.Connection("sse", "endpoint event",
					fmt.Errorf("invalid message endpoint %q", ev.Data)))
				continue
			}
			target := u.String()
			if !u.IsAbs() {
				if base, berr := url.Parse(t.cfg.Endpoint); berr == nil {
					target = base.ResolveReference(u).String()
				}
			}
			t.mu.Lock()
			t.messageURL = target
			t.mu.Unlock()
			t.logger.Debug("message endpoint announced", logging.String("url", target))
		case "message", "":
			msg, err := protocol.Parse([]byte(ev.Data))
			if err != nil {
				t.dispatchError(mcperrors.Connection("sse", "decode", err))
				continue
			}
			if t.cfg.Debug {
				t.logger.Debug("recv", logging.String("payload", ev.Data))
			}
			t.dispatchMessage(msg)
		default:
			t.logger.Debug("ignoring event", logging.String("type", ev.Type))
		}
	}

	// Iterator drained without error: the server ended the stream.
	if !closedChan(done) {
		t.onStreamError(mcperrors.Connection("sse", "stream", io.EOF))
	}
}

// onStreamError schedules a reconnect attempt, or gives up once the attempt
// budget is spent.
func (t *SSETransport) onStreamError(cause error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.connected = false
	t.attempts++
	attempt := t.attempts

	if attempt > t.cfg.MaxReconnectAttempts {
		emit := !t.closeEmitted
		t.closeEmitted = true
		t.closed = true
		if t.done != nil {
			close(t.done)
			t.done = nil
		}
		t.mu.Unlock()

		t.dispatchError(mcperrors.Connection("sse", "reconnect",
			fmt.Errorf("gave up after %d reconnect attempts: %w", t.cfg.MaxReconnectAttempts, cause)))
		if emit {
			t.dispatchClose()
		}
		return
	}

	delay := reconnectBackoff(t.cfg.ReconnectDelay, t.cfg.MaxBackoffDelay, attempt)
	t.logger.Debug("scheduling reconnect",
		logging.Int("attempt", attempt),
		logging.Duration("delay", delay),
		logging.ErrorField(cause))
	t.reconnectTimer = time.AfterFunc(delay, t.reconnect)
	t.mu.Unlock()

	t.dispatchError(cause)
}

func (t *SSETransport) reconnect() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.reconnectTimer = nil
	done := t.done
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.requestTimeout())
	defer cancel()

	body, err := t.subscribe(ctx)
	if err != nil {
		t.onStreamError(err)
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = body.Close()
		return
	}
	t.connected = true
	t.attempts = 0
	t.mu.Unlock()

	t.logger.Debug("reconnected")
	go t.readLoop(body, done)
}

// reconnectBackoff doubles the base delay per attempt, capped at max.
func reconnectBackoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
