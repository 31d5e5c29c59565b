package framing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	mcperrors "github.com/mcpprobe/mcpprobe/pkg/errors"
)

const headerSeparator = "\r\n\r\n"

// ContentLengthCodec frames each message as an LSP-style header block
// "Content-Length: <n>\r\n\r\n" followed by exactly n bytes of JSON. Unlike
// the newline codec, a declared-length body that fails JSON parsing is a hard
// error: the frame boundary was explicit, so bad JSON inside it means real
// corruption rather than stray peer output.
type ContentLengthCodec struct{}

// Name implements Codec.
func (ContentLengthCodec) Name() string { return "content-length" }

// Encode implements Codec.
func (ContentLengthCodec) Encode(w io.Writer, body []byte) error {
	if _, err := fmt.Fprintf(w, "Content-Length: %d%s", len(body), headerSeparator); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// NewDecoder implements Codec.
func (ContentLengthCodec) NewDecoder(limits Limits) Decoder {
	return &contentLengthDecoder{limits: limits.withDefaults(), need: -1}
}

type contentLengthDecoder struct {
	limits Limits
	buf    []byte
	need   int // declared body length; -1 while scanning for a header
	err    error
}

func (d *contentLengthDecoder) Push(chunk []byte) ([][]byte, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.buf = append(d.buf, chunk...)

	var frames [][]byte
	for {
		if d.need < 0 {
			idx := bytes.Index(d.buf, []byte(headerSeparator))
			if idx < 0 {
				if len(d.buf) > d.limits.MaxBufferSize {
					d.err = fmt.Errorf("%w: %d bytes buffered without header terminator, limit %d",
						mcperrors.ErrBufferOverflow, len(d.buf), d.limits.MaxBufferSize)
					return nil, d.err
				}
				return frames, nil
			}

			n, err := parseContentLength(d.buf[:idx])
			if err != nil {
				d.err = err
				return nil, d.err
			}
			if n > d.limits.MaxMessageSize {
				d.err = fmt.Errorf("%w: declared length %d exceeds limit %d",
					mcperrors.ErrMessageTooLarge, n, d.limits.MaxMessageSize)
				return nil, d.err
			}

			d.buf = d.buf[idx+len(headerSeparator):]
			d.need = n
		}

		// Body bytes may arrive in separate chunks; wait until the declared
		// length has been buffered before parsing.
		if len(d.buf) < d.need {
			if len(d.buf) > d.limits.MaxBufferSize {
				d.err = fmt.Errorf("%w: %d bytes buffered for %d byte body, limit %d",
					mcperrors.ErrBufferOverflow, len(d.buf), d.need, d.limits.MaxBufferSize)
				return nil, d.err
			}
			return frames, nil
		}

		body := d.buf[:d.need]
		d.buf = d.buf[d.need:]
		d.need = -1

		if !json.Valid(body) {
			d.err = fmt.Errorf("Invalid JSON in Content-Length framed body (%d bytes)", len(body))
			return nil, d.err
		}

		frame := make([]byte, len(body))
		copy(frame, body)
		frames = append(frames, frame)
	}
}

func (d *contentLengthDecoder) Buffered() int { return len(d.buf) }
func (d *contentLengthDecoder) Skipped() int  { return 0 }

func parseContentLength(header []byte) (int, error) {
	for _, line := range bytes.Split(header, []byte("\r\n")) {
		name, value, ok := bytes.Cut(line, []byte(":"))
		if !ok {
			continue
		}
		if !bytes.EqualFold(bytes.TrimSpace(name), []byte("Content-Length")) {
			continue
		}
		n, err := strconv.Atoi(string(bytes.TrimSpace(value)))
		if err != nil || n < 0 {
			return 0, fmt.Errorf("malformed Content-Length value %q", bytes.TrimSpace(value))
		}
		return n, nil
	}
	return 0, fmt.Errorf("header block missing Content-Length")
}
