package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"io/fs"
	"os/exec"
	"sync"

	"golang.org/x/sync/errgroup"

	mcperrors "github.com/mcpprobe/mcpprobe/pkg/errors"
	"github.com/mcpprobe/mcpprobe/pkg/framing"
	"github.com/mcpprobe/mcpprobe/pkg/logging"
	"github.com/mcpprobe/mcpprobe/pkg/protocol"
)

// PipeTransport speaks framed JSON-RPC over a byte-stream pair, typically
// the stdin/stdout of a spawned server process. The framing codec (newline
// or Content-Length) is fixed at construction.
type PipeTransport struct {
	handlers
	cfg    Config
	codec  framing.Codec
	logger logging.Logger

	mu           sync.Mutex
	connected    bool
	closeEmitted bool
	done         chan struct{}
	stopReading  func()
	source       io.Reader
	sink         *bufio.Writer
	cmd          *exec.Cmd
}

// NewPipeTransport creates a pipe transport from config. The connection is
// not established until Connect.
func NewPipeTransport(cfg Config) *PipeTransport {
	return &PipeTransport{
		cfg:    cfg,
		codec:  cfg.codec(),
		logger: cfg.logger().WithFields(logging.String("transport", "pipe")),
	}
}

// Connect spawns the configured command (or adopts the injected stream pair)
// and starts the read loop. Connect on an already-connected transport is a
// no-op; Connect after Close builds a fresh connection.
func (t *PipeTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}

	var stderr io.Reader
	if len(t.cfg.Command) > 0 {
		cmd := exec.Command(t.cfg.Command[0], t.cfg.Command[1:]...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return mcperrors.Connection("pipe", "spawn", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return mcperrors.Connection("pipe", "spawn", err)
		}
		stderrPipe, err := cmd.StderrPipe()
		if err != nil {
			return mcperrors.Connection("pipe", "spawn", err)
		}
		if err := cmd.Start(); err != nil {
			return mcperrors.Connection("pipe", "spawn", err)
		}
		t.cmd = cmd
		t.source = stdout
		t.sink = bufio.NewWriter(stdin)
		stderr = stderrPipe
	} else {
		t.source = t.cfg.Reader
		t.sink = bufio.NewWriter(t.cfg.Writer)
	}

	done := make(chan struct{})
	t.done = done
	t.stopReading = sync.OnceFunc(func() { close(done) })
	t.connected = true
	t.closeEmitted = false

	decoder := t.codec.NewDecoder(t.cfg.limits())
	source := t.source

	g := new(errgroup.Group)
	g.Go(func() error {
		return t.readLoop(source, decoder, done)
	})
	if stderr != nil {
		g.Go(func() error {
			t.drainStderr(stderr)
			return nil
		})
	}
	cmd := t.cmd
	go func() {
		if err := g.Wait(); err != nil {
			t.logger.Debug("pipe read loop terminated", logging.ErrorField(err))
		}
		if cmd != nil {
			// Wait only after the read loop has drained stdout.
			if err := cmd.Wait(); err != nil {
				t.logger.Debug("server process exited", logging.ErrorField(err))
			}
		}
	}()

	return nil
}

// Send frames and writes one message. Writes are serialized so concurrent
// callers' messages hit the wire in Send-call order.
func (t *PipeTransport) Send(_ context.Context, msg *protocol.Message) error {
	body, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if t.cfg.Debug {
		t.logger.Debug("send", logging.String("payload", string(body)))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return mcperrors.Connection("pipe", "send", mcperrors.ErrConnectionClosed)
	}

	if err := t.codec.Encode(t.sink, body); err != nil {
		return mcperrors.Connection("pipe", "write", err)
	}
	if err := t.sink.Flush(); err != nil {
		return mcperrors.Connection("pipe", "flush", err)
	}
	return nil
}

// Close tears down the connection. Messages still buffered but not yet
// dispatched are dropped: nothing is delivered after Close returns.
func (t *PipeTransport) Close() error {
	t.teardown()
	return nil
}

func (t *PipeTransport) readLoop(source io.Reader, decoder framing.Decoder, done chan struct{}) error {
	buf := make([]byte, 8192)
	for {
		n, readErr := source.Read(buf)
		if n > 0 {
			frames, err := decoder.Push(buf[:n])
			if err != nil {
				// Fatal framing error; no recovery is attempted. The
				// caller must recreate the transport.
				t.dispatchError(mcperrors.Framing("pipe", t.codec.Name()+" decode", err))
				t.teardown()
				return err
			}
			for _, frame := range frames {
				select {
				case <-done:
					return nil
				default:
				}
				msg, err := protocol.Parse(frame)
				if err != nil {
					if t.cfg.UseNewlineDelimited {
						// Expected peer noise in newline mode, logged only.
						t.logger.Debug("skipping unparseable line", logging.ErrorField(err))
						continue
					}
					t.dispatchError(mcperrors.Framing("pipe", "malformed envelope", err))
					continue
				}
				if t.cfg.Debug {
					t.logger.Debug("recv", logging.String("payload", string(frame)))
				}
				t.dispatchMessage(msg)
			}
		}
		if readErr != nil {
			if !isBenignReadError(readErr) && !closedChan(done) {
				t.dispatchError(mcperrors.Connection("pipe", "read", readErr))
			}
			t.teardown()
			return nil
		}
	}
}

func (t *PipeTransport) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		t.logger.Debug("server stderr", logging.String("line", scanner.Text()))
	}
}

func (t *PipeTransport) teardown() {
	t.mu.Lock()
	stop := t.stopReading
	cmd := t.cmd
	source := t.source
	emit := t.connected && !t.closeEmitted
	if emit {
		t.closeEmitted = true
	}
	t.connected = false
	t.cmd = nil
	t.mu.Unlock()

	if stop != nil {
		stop()
	}
	if closer, ok := source.(io.Closer); ok {
		_ = closer.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	if emit {
		t.dispatchClose()
	}
}

func isBenignReadError(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, fs.ErrClosed)
}

func closedChan(done chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}
