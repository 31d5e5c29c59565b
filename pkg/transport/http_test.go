package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcperrors "github.com/mcpprobe/mcpprobe/pkg/errors"
	"github.com/mcpprobe/mcpprobe/pkg/protocol"
)

func newTestHTTP(t *testing.T, handler http.Handler) *HTTPTransport {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig(KindHTTP)
	cfg.Endpoint = srv.URL
	tr := NewHTTPTransport(cfg)
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func echoResult(w http.ResponseWriter, id any, result string) {
	w.Header().Set("Content-Type", "application/json")
	raw, _ := json.Marshal(id)
	_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(raw) + `,"result":` + result + `}`))
}

func TestHTTPSendRequestRoundTrip(t *testing.T) {
	tr := newTestHTTP(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var msg protocol.Message
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		assert.Equal(t, protocol.MethodPing, msg.Method)
		echoResult(w, msg.ID, `{}`)
	}))

	req, err := protocol.NewRequest(1, protocol.MethodPing, nil)
	require.NoError(t, err)
	reply, err := tr.SendRequest(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "1", reply.IDString())
	assert.True(t, reply.IsResponse())
}

func TestHTTPSessionPropagation(t *testing.T) {
	var mu sync.Mutex
	var seenSessions []string
	tr := newTestHTTP(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seenSessions = append(seenSessions, r.Header.Get(SessionHeader))
		first := len(seenSessions) == 1
		mu.Unlock()
		if first {
			w.Header().Set(SessionHeader, "abc")
		}
		var msg protocol.Message
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		echoResult(w, msg.ID, `{}`)
	}))

	for i := 1; i <= 2; i++ {
		req, err := protocol.NewRequest(i, protocol.MethodPing, nil)
		require.NoError(t, err)
		_, err = tr.SendRequest(context.Background(), req)
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seenSessions, 2)
	assert.Empty(t, seenSessions[0])
	assert.Equal(t, "abc", seenSessions[1])
	assert.Equal(t, "abc", tr.SessionID())
}

func TestHTTPRetryAfterSurfaces(t *testing.T) {
	tr := newTestHTTP(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	req, err := protocol.NewRequest(1, protocol.MethodPing, nil)
	require.NoError(t, err)
	_, err = tr.SendRequest(context.Background(), req)
	require.Error(t, err)

	var cerr *mcperrors.ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 7*time.Second, cerr.RetryAfter)
	hint, ok := mcperrors.RetryAfterOf(err)
	assert.True(t, ok)
	assert.Equal(t, 7*time.Second, hint)
}

func TestHTTPEmptyBodyIsAccepted(t *testing.T) {
	tr := newTestHTTP(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	note, err := protocol.NewNotification(protocol.MethodInitialized, nil)
	require.NoError(t, err)
	assert.NoError(t, tr.Send(context.Background(), note))
}

func TestHTTPSendDispatchesReply(t *testing.T) {
	tr := newTestHTTP(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg protocol.Message
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		echoResult(w, msg.ID, `{"tools":[]}`)
	}))

	received := make(chan *protocol.Message, 1)
	tr.SetMessageHandler(func(msg *protocol.Message) { received <- msg })

	req, err := protocol.NewRequest(4, protocol.MethodListTools, nil)
	require.NoError(t, err)
	require.NoError(t, tr.Send(context.Background(), req))

	select {
	case msg := <-received:
		assert.Equal(t, "4", msg.IDString())
	default:
		t.Fatal("reply was not dispatched")
	}
}

func TestHTTPCustomHeaders(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	cfg := DefaultConfig(KindHTTP)
	cfg.Endpoint = srv.URL
	cfg.Headers = map[string]string{"Authorization": "Bearer tok"}
	tr := NewHTTPTransport(cfg)
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Close()

	note, err := protocol.NewNotification(protocol.MethodInitialized, nil)
	require.NoError(t, err)
	require.NoError(t, tr.Send(context.Background(), note))
	assert.Equal(t, "Bearer tok", got)
}

func TestHTTPSendAfterClose(t *testing.T) {
	tr := newTestHTTP(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	require.NoError(t, tr.Close())

	req, err := protocol.NewRequest(1, protocol.MethodPing, nil)
	require.NoError(t, err)
	err = tr.Send(context.Background(), req)
	assert.ErrorIs(t, err, mcperrors.ErrConnectionClosed)
}

func TestHTTPOversizedReplyRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"` + string(make([]byte, 200)) + `"}`))
	}))
	defer srv.Close()

	cfg := DefaultConfig(KindHTTP)
	cfg.Endpoint = srv.URL
	cfg.MaxMessageSize = 64
	tr := NewHTTPTransport(cfg)
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Close()

	req, err := protocol.NewRequest(1, protocol.MethodPing, nil)
	require.NoError(t, err)
	_, err = tr.SendRequest(context.Background(), req)
	assert.ErrorIs(t, err, mcperrors.ErrMessageTooLarge)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 12*time.Second, parseRetryAfter("12"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("garbage"))

	future := time.Now().Add(30 * time.Second).UTC().Format(http.TimeFormat)
	d := parseRetryAfter(future)
	assert.Greater(t, d, 25*time.Second)
	assert.LessOrEqual(t, d, 30*time.Second)
}
