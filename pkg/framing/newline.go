package framing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	mcperrors "github.com/mcpprobe/mcpprobe/pkg/errors"
)

// NewlineCodec frames each message as one line of compact JSON terminated by
// '\n'. A line that is not valid JSON is silently discarded rather than
// surfaced as an error: peers spawned as child processes routinely write
// stray diagnostics to stdout, and treating that noise as fatal would make
// the transport unusable against real servers. Empty lines are ignored.
type NewlineCodec struct{}

// Name implements Codec.
func (NewlineCodec) Name() string { return "newline" }

// Encode implements Codec.
func (NewlineCodec) Encode(w io.Writer, body []byte) error {
	if _, err := w.Write(body); err != nil {
		return err
	}
	_, err := w.Write([]byte{'\n'})
	return err
}

// NewDecoder implements Codec.
func (NewlineCodec) NewDecoder(limits Limits) Decoder {
	return &newlineDecoder{limits: limits.withDefaults()}
}

type newlineDecoder struct {
	limits  Limits
	buf     []byte
	skipped int
	err     error
}

func (d *newlineDecoder) Push(chunk []byte) ([][]byte, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.buf = append(d.buf, chunk...)

	var frames [][]byte
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			// Caps apply to the unterminated remainder: it is both the
			// unconsumed buffer and the frame being accumulated.
			if len(d.buf) > d.limits.MaxMessageSize {
				d.err = fmt.Errorf("%w: partial line of %d bytes exceeds limit %d",
					mcperrors.ErrMessageTooLarge, len(d.buf), d.limits.MaxMessageSize)
				return nil, d.err
			}
			if len(d.buf) > d.limits.MaxBufferSize {
				d.err = fmt.Errorf("%w: %d bytes buffered without frame boundary, limit %d",
					mcperrors.ErrBufferOverflow, len(d.buf), d.limits.MaxBufferSize)
				return nil, d.err
			}
			return frames, nil
		}

		line := d.buf[:i]
		d.buf = d.buf[i+1:]

		if len(line) > d.limits.MaxMessageSize {
			d.err = fmt.Errorf("%w: line of %d bytes exceeds limit %d",
				mcperrors.ErrMessageTooLarge, len(line), d.limits.MaxMessageSize)
			return nil, d.err
		}

		line = bytes.TrimSuffix(line, []byte{'\r'})
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			d.skipped++
			continue
		}

		frame := make([]byte, len(line))
		copy(frame, line)
		frames = append(frames, frame)
	}
}

func (d *newlineDecoder) Buffered() int { return len(d.buf) }
func (d *newlineDecoder) Skipped() int  { return d.skipped }
