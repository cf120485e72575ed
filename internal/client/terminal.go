package client

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/GriffinCanCode/termrelay/internal/protocol"
	"github.com/GriffinCanCode/termrelay/internal/transport"
	"go.uber.org/zap"
)

const (
	// DefaultResizeWindow is how long a burst of geometry changes is
	// collected before the latest size is sent.
	DefaultResizeWindow = 50 * time.Millisecond
	// DefaultGraceDelay holds back the first resize after connecting so it
	// does not race the backend's line discipline setup.
	DefaultGraceDelay = 500 * time.Millisecond
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("terminal closed")

// TerminalOptions tunes a Terminal. Negative durations disable the delay.
type TerminalOptions struct {
	ResizeWindow time.Duration
	GraceDelay   time.Duration
	Logger       *zap.Logger
}

func (o TerminalOptions) withDefaults() TerminalOptions {
	if o.ResizeWindow == 0 {
		o.ResizeWindow = DefaultResizeWindow
	}
	if o.GraceDelay == 0 {
		o.GraceDelay = DefaultGraceDelay
	}
	if o.ResizeWindow < 0 {
		o.ResizeWindow = 0
	}
	if o.GraceDelay < 0 {
		o.GraceDelay = 0
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

type size struct{ columns, rows int }

// Terminal encodes local input and geometry onto a ready connection and
// decodes backend frames.
type Terminal struct {
	conn    transport.Conn
	opts    TerminalOptions
	log     *zap.Logger
	readyAt time.Time

	writeMu sync.Mutex

	mu      sync.Mutex
	pending *size
	last    *size
	timer   *time.Timer
	closed  bool
}

// NewTerminal wraps conn, which must already be connected. The grace delay
// starts now.
func NewTerminal(conn transport.Conn, opts TerminalOptions) *Terminal {
	opts = opts.withDefaults()
	return &Terminal{
		conn:    conn,
		opts:    opts,
		log:     opts.Logger.Named("terminal"),
		readyAt: time.Now().Add(opts.GraceDelay),
	}
}

// Write sends p as one Input frame.
func (t *Terminal) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := t.send(protocol.Input(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Resize records a new terminal size. Changes arriving within the resize
// window are coalesced into a single frame carrying the latest size.
func (t *Terminal) Resize(columns, rows int) error {
	if !protocol.ValidSize(columns, rows) {
		return fmt.Errorf("%w: got %dx%d", protocol.ErrInvalidSize, columns, rows)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	t.pending = &size{columns: columns, rows: rows}
	if t.timer != nil {
		return nil
	}

	delay := t.opts.ResizeWindow
	if untilReady := time.Until(t.readyAt); untilReady > delay {
		delay = untilReady
	}
	t.timer = time.AfterFunc(delay, t.flushResize)
	return nil
}

func (t *Terminal) flushResize() {
	t.mu.Lock()
	next := t.pending
	t.pending = nil
	t.timer = nil
	if t.closed || next == nil || (t.last != nil && *t.last == *next) {
		t.mu.Unlock()
		return
	}
	t.last = next
	t.mu.Unlock()

	if err := t.send(protocol.Resize(next.columns, next.rows)); err != nil {
		t.log.Debug("Resize not sent", zap.Error(err))
	}
}

// ReadFrame returns the next frame from the backend. Text messages are
// treated as output.
func (t *Terminal) ReadFrame() (protocol.Frame, error) {
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			return protocol.Frame{}, err
		}
		if kind == transport.TextMessage {
			return protocol.Output(data), nil
		}

		frame, err := protocol.DecodeServer(data)
		if err != nil {
			t.log.Debug("Dropping undecodable frame", zap.Error(err))
			continue
		}
		return frame, nil
	}
}

// Pump copies backend output to out until the connection ends. onTitle, if
// set, receives window title changes. An orderly close returns nil.
func (t *Terminal) Pump(out io.Writer, onTitle func(string)) error {
	for {
		frame, err := t.ReadFrame()
		if err != nil {
			if transport.IsNormalClose(err) {
				return nil
			}
			return err
		}

		switch frame.Type {
		case protocol.TypeOutput:
			if _, err := out.Write(frame.Payload); err != nil {
				return fmt.Errorf("write output: %w", err)
			}
		case protocol.TypeSetTitle:
			if onTitle != nil {
				onTitle(string(frame.Payload))
			}
		default:
		}
	}
}

// Close cancels any pending resize and closes the connection.
func (t *Terminal) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()

	return t.conn.Close()
}

func (t *Terminal) send(f protocol.Frame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(transport.BinaryMessage, protocol.Encode(f))
}
