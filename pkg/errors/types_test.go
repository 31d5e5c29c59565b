package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategoryOfWalksWrapChain(t *testing.T) {
	base := Connection("http", "send", ErrConnectionClosed)
	wrapped := fmt.Errorf("probing target: %w", base)
	assert.Equal(t, CategoryConnection, CategoryOf(wrapped))
	assert.Equal(t, Category(""), CategoryOf(errors.New("plain")))
	assert.Equal(t, Category(""), CategoryOf(nil))
}

func TestFramingErrorPreservesCause(t *testing.T) {
	err := Framing("pipe", "content-length decode", ErrMessageTooLarge)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
	assert.Contains(t, err.Error(), "pipe framing error")
	assert.Equal(t, CategoryFraming, CategoryOf(err))
}

func TestConnectionStatusCarriesCode(t *testing.T) {
	err := ConnectionStatus("sse", "connect", 503)
	assert.Contains(t, err.Error(), "status 503")
	assert.Equal(t, 503, err.StatusCode)
}

func TestProtocolErrorVerbatim(t *testing.T) {
	err := Protocol("tools/call", -32601, "Method not found", []byte(`{"hint":"x"}`))
	assert.Equal(t, -32601, err.Code)
	assert.Equal(t, "Method not found", err.Message)
	assert.Equal(t, []byte(`{"hint":"x"}`), err.Data)
	assert.Contains(t, err.Error(), "tools/call")
	assert.Contains(t, err.Error(), "-32601")
}

func TestIsTimeout(t *testing.T) {
	err := Timeout("initialize", 5*time.Second)
	assert.True(t, IsTimeout(err))
	assert.True(t, IsTimeout(fmt.Errorf("wrapped: %w", err)))
	assert.False(t, IsTimeout(errors.New("nope")))
	assert.Contains(t, err.Error(), "initialize timed out after 5s")
}

func TestIsBreakerOpen(t *testing.T) {
	err := BreakerOpen("weather")
	assert.True(t, IsBreakerOpen(err))
	assert.Contains(t, err.Error(), `"weather"`)
	assert.False(t, IsBreakerOpen(Timeout("x", time.Second)))
}

func TestRetryExhaustedWrapsLastError(t *testing.T) {
	cause := Connection("http", "send", errors.New("refused"))
	err := RetryExhausted("tools/list", 3, 1500*time.Millisecond, cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, CategoryRetry, CategoryOf(err))
	assert.Contains(t, err.Error(), "after 3 attempts")

	// The original category is still reachable through the chain.
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "http", ce.Transport)
}

func TestRetryAfterOf(t *testing.T) {
	plain := Connection("http", "send", nil)
	_, ok := RetryAfterOf(plain)
	assert.False(t, ok)

	hinted := ConnectionStatus("http", "send", 429)
	hinted.RetryAfter = 30 * time.Second
	d, ok := RetryAfterOf(fmt.Errorf("wrapped: %w", hinted))
	assert.True(t, ok)
	assert.Equal(t, 30*time.Second, d)
}
