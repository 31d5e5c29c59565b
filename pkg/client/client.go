// Package client implements the request/response layer on top of a
// transport: request id allocation, response correlation, timeouts and the
// MCP operations a probe needs (initialize, listings, tool calls, ping).
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	mcperrors "github.com/mcpprobe/mcpprobe/pkg/errors"
	"github.com/mcpprobe/mcpprobe/pkg/logging"
	"github.com/mcpprobe/mcpprobe/pkg/protocol"
	"github.com/mcpprobe/mcpprobe/pkg/transport"
)

// NotificationHandler receives server-initiated notifications.
type NotificationHandler func(method string, params json.RawMessage)

// Option configures a Client during creation.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithRequestTimeout sets the default per-call timeout used when the caller's
// context carries no deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.requestTimeout = d }
}

// WithClientInfo sets the name and version reported during initialize.
func WithClientInfo(name, version string) Option {
	return func(c *Client) {
		c.info.Name = name
		c.info.Version = version
	}
}

// pendingCall is one in-flight request. Exactly one outcome is ever
// delivered on ch: a response, or nothing before the waiter gives up.
type pendingCall struct {
	id     string
	method string
	ch     chan *protocol.Message
}

// Client correlates requests with responses over any Transport. It registers
// itself as the transport's message handler; a transport carries at most one
// Client.
type Client struct {
	transport      transport.Transport
	logger         logging.Logger
	requestTimeout time.Duration
	info           protocol.Implementation

	idPrefix string
	mu       sync.Mutex
	nextSeq  uint64
	pending  map[string]*pendingCall
	// order preserves registration order so a connection loss fails
	// waiters oldest first.
	order  []*pendingCall
	closed bool

	notifyMu sync.RWMutex
	onNotify NotificationHandler

	initMu     sync.RWMutex
	serverInfo *protocol.Implementation
	serverCaps map[string]any
}

// New creates a client bound to the given transport and installs its
// message, error and close handlers.
func New(t transport.Transport, opts ...Option) *Client {
	c := &Client{
		transport:      t,
		logger:         logging.Nop(),
		requestTimeout: 30 * time.Second,
		info:           protocol.Implementation{Name: "mcpprobe", Version: "dev"},
		idPrefix:       strings.SplitN(uuid.NewString(), "-", 2)[0],
		pending:        map[string]*pendingCall{},
	}
	for _, opt := range opts {
		opt(c)
	}

	t.SetMessageHandler(c.handleMessage)
	t.SetErrorHandler(func(err error) {
		c.logger.Debug("transport error", logging.ErrorField(err))
	})
	t.SetCloseHandler(c.handleClose)
	return c
}

// Connect establishes the underlying transport connection.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.closed = false
	c.mu.Unlock()
	return c.transport.Connect(ctx)
}

// Close tears down the transport. Pending calls fail with
// ErrConnectionClosed via the transport's close event.
func (c *Client) Close() error {
	return c.transport.Close()
}

// nextID allocates a request id. Ids are unique per client instance and
// carry a short random prefix so replies from a previous connection cannot
// collide with the current one.
func (c *Client) nextID() string {
	c.mu.Lock()
	c.nextSeq++
	n := c.nextSeq
	c.mu.Unlock()
	return fmt.Sprintf("%s-%d", c.idPrefix, n)
}

// SetNotificationHandler installs the handler for server notifications.
func (c *Client) SetNotificationHandler(fn NotificationHandler) {
	c.notifyMu.Lock()
	c.onNotify = fn
	c.notifyMu.Unlock()
}

// Call sends a request and waits for its response, the context deadline or
// connection loss, whichever comes first. A JSON-RPC error response is
// returned as a *ProtocolError.
func (c *Client) Call(ctx context.Context, method string, params any, result any) error {
	id := c.nextID()
	msg, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return err
	}

	call := &pendingCall{id: id, method: method, ch: make(chan *protocol.Message, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return mcperrors.ErrConnectionClosed
	}
	c.pending[id] = call
	c.order = append(c.order, call)
	c.mu.Unlock()

	if _, has := ctx.Deadline(); !has {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}
	budget := c.requestTimeout
	if dl, ok := ctx.Deadline(); ok {
		budget = time.Until(dl)
	}

	if err := c.transport.Send(ctx, msg); err != nil {
		c.unregister(id)
		return err
	}

	select {
	case reply := <-call.ch:
		if reply == nil {
			return mcperrors.ErrConnectionClosed
		}
		if reply.Error != nil {
			return mcperrors.Protocol(method, int(reply.Error.Code), reply.Error.Message, reply.Error.Data)
		}
		if result != nil && len(reply.Result) > 0 {
			if err := json.Unmarshal(reply.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.unregister(id)
		if ctx.Err() == context.DeadlineExceeded {
			return mcperrors.Timeout(method, budget)
		}
		return ctx.Err()
	}
}

// Notify sends a notification. There is nothing to wait for.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	msg, err := protocol.NewNotification(method, params)
	if err != nil {
		return err
	}
	return c.transport.Send(ctx, msg)
}

func (c *Client) unregister(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(id)
}

func (c *Client) removeLocked(id string) *pendingCall {
	call, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	for i, pc := range c.order {
		if pc == call {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return call
}

// handleMessage routes an inbound message: responses settle their pending
// call, notifications go to the notification handler, anything else is
// logged and dropped. Responses with an unknown id are stale replies from
// abandoned calls and are dropped.
func (c *Client) handleMessage(msg *protocol.Message) {
	switch {
	case msg.IsResponse():
		id := msg.IDString()
		c.mu.Lock()
		call := c.removeLocked(id)
		c.mu.Unlock()
		if call == nil {
			c.logger.Debug("dropping response for unknown id", logging.String("id", id))
			return
		}
		call.ch <- msg
	case msg.IsNotification():
		c.notifyMu.RLock()
		fn := c.onNotify
		c.notifyMu.RUnlock()
		if fn != nil {
			fn(msg.Method, msg.Params)
		}
	case msg.IsRequest():
		// A probe never serves requests; answer with method-not-found so
		// well-behaved servers stop asking.
		c.logger.Debug("rejecting server request", logging.String("method", msg.Method))
		reply, err := protocol.NewErrorResponse(msg.ID, protocol.MethodNotFound,
			fmt.Sprintf("method %q not handled", msg.Method), nil)
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.transport.Send(ctx, reply); err != nil {
			c.logger.Debug("failed to reject request", logging.ErrorField(err))
		}
	}
}

// handleClose fails every pending call in registration order.
func (c *Client) handleClose() {
	c.mu.Lock()
	c.closed = true
	calls := c.order
	c.order = nil
	c.pending = map[string]*pendingCall{}
	c.mu.Unlock()

	for _, call := range calls {
		// nil means connection closed before a response arrived.
		call.ch <- nil
	}
}
