// Package framing turns a continuous byte stream into discrete JSON-RPC
// frames and the reverse. Two codecs are provided: newline-delimited JSON and
// LSP-style Content-Length framing. The codec is selected at transport
// construction; decoders tolerate arbitrary chunk boundaries and enforce
// buffer and message size caps before any parse attempt.
package framing

import "io"

const (
	// DefaultMaxBufferSize caps total unconsumed bytes waiting for a frame
	// boundary.
	DefaultMaxBufferSize = 4 << 20
	// DefaultMaxMessageSize caps the size of a single frame.
	DefaultMaxMessageSize = 1 << 20
)

// Limits are the two independent size caps enforced by every decoder.
// Exceeding either is fatal to the connection.
type Limits struct {
	MaxBufferSize  int
	MaxMessageSize int
}

// DefaultLimits returns the default size caps.
func DefaultLimits() Limits {
	return Limits{
		MaxBufferSize:  DefaultMaxBufferSize,
		MaxMessageSize: DefaultMaxMessageSize,
	}
}

func (l Limits) withDefaults() Limits {
	if l.MaxBufferSize <= 0 {
		l.MaxBufferSize = DefaultMaxBufferSize
	}
	if l.MaxMessageSize <= 0 {
		l.MaxMessageSize = DefaultMaxMessageSize
	}
	return l
}

// Codec is the framing strategy shared by the stream transports.
type Codec interface {
	// Name identifies the codec in errors and logs.
	Name() string

	// Encode writes one framed message body to w.
	Encode(w io.Writer, body []byte) error

	// NewDecoder creates a streaming decoder enforcing the given limits.
	NewDecoder(limits Limits) Decoder
}

// Decoder accumulates stream chunks and yields complete frames. A decoder
// that has returned an error is poisoned: every later Push returns the same
// error and the connection must be recreated.
type Decoder interface {
	// Push appends chunk to the internal buffer and returns the bodies of
	// all frames completed by it, in wire order.
	Push(chunk []byte) ([][]byte, error)

	// Buffered reports the number of unconsumed bytes held.
	Buffered() int

	// Skipped reports how many unparseable frames were silently discarded.
	// Only the newline codec ever skips; see its documentation.
	Skipped() int
}
