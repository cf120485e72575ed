package bridge

import (
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/GriffinCanCode/termrelay/internal/protocol"
	"github.com/GriffinCanCode/termrelay/internal/shared/paths"
	"github.com/GriffinCanCode/termrelay/internal/transport"
	"github.com/creack/pty"
	"go.uber.org/zap"
)

var (
	// ErrSpawn marks a shell that could not be started.
	ErrSpawn = errors.New("spawn shell")
	// ErrClosed is returned by Serve after Close.
	ErrClosed = errors.New("bridge closed")
)

const (
	defaultColumns   = 80
	defaultRows      = 24
	defaultTerm      = "xterm-256color"
	defaultStopGrace = 2 * time.Second

	outputBufferSize = 32 * 1024
	// drainTimeout bounds how long trailing output is awaited after the
	// shell exits; background jobs may keep the pty open indefinitely.
	drainTimeout = 500 * time.Millisecond

	exitNotice = "\r\n[session ended: shell exited]\r\n"
)

// inheritedEnv lists the gateway variables a shell may see. Everything else,
// in particular the gateway's own secrets, is withheld.
var inheritedEnv = []string{"PATH", "LANG", "LC_ALL", "LC_CTYPE", "TZ", "USER", "LOGNAME"}

const fallbackPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// Options tunes a Bridge.
type Options struct {
	Shell      string // default /bin/bash, or /bin/sh when bash is absent
	RuntimeDir string // default paths.DefaultRuntimeDir()
	Term       string
	StopGrace  time.Duration // between SIGHUP and SIGKILL
	Logger     *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Shell == "" {
		o.Shell = "/bin/bash"
		if _, err := os.Stat(o.Shell); err != nil {
			o.Shell = "/bin/sh"
		}
	}
	if o.RuntimeDir == "" {
		o.RuntimeDir = paths.DefaultRuntimeDir()
	}
	if o.Term == "" {
		o.Term = defaultTerm
	}
	if o.StopGrace <= 0 {
		o.StopGrace = defaultStopGrace
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Bridge owns the shell of one session and translates between its
// pseudo-terminal and protocol frames. At most one shell is alive at a time.
type Bridge struct {
	cfg  SessionConfig
	opts Options
	log  *zap.Logger

	mu      sync.Mutex
	layout  *paths.Session
	current *shell
	closed  bool
}

// shell is one spawned process and its pty master.
type shell struct {
	cmd    *exec.Cmd
	ptmx   *os.File
	exited chan struct{}
	err    error // set before exited is closed

	stopOnce  sync.Once
	closeOnce sync.Once
}

// New validates cfg and returns an idle bridge. The bridge takes ownership of
// cfg; nothing is spawned until the first connection.
func New(cfg SessionConfig, opts Options) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	return &Bridge{
		cfg:  cfg,
		opts: opts,
		log:  opts.Logger.Named("bridge").With(zap.String("session_id", cfg.SessionID)),
	}, nil
}

// SessionID returns the id of the session this bridge serves.
func (b *Bridge) SessionID() string { return b.cfg.SessionID }

// Serve attaches conn to a freshly spawned shell and blocks until either side
// ends. A previous shell, if any, is terminated first.
func (b *Bridge) Serve(conn transport.Conn) error {
	sh, err := b.activate()
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer b.release(sh)

	var writeMu sync.Mutex
	send := func(f protocol.Frame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(transport.BinaryMessage, protocol.Encode(f))
	}

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		b.pumpOutput(sh, send)
	}()

	readDone := make(chan error, 1)
	go func() {
		readDone <- b.readLoop(conn, sh)
	}()

	select {
	case <-sh.exited:
		b.finishExited(sh, conn, send, pumpDone)
		<-readDone
		return nil
	case err := <-readDone:
		if errors.Is(err, errShellGone) {
			<-sh.exited
			b.finishExited(sh, conn, send, pumpDone)
			return nil
		}
		b.log.Debug("Connection ended, terminating shell", zap.Error(err))
		b.terminate(sh)
		sh.closePTY()
		_ = conn.Close()
		if transport.IsNormalClose(err) {
			return nil
		}
		return err
	}
}

// finishExited flushes trailing output, announces the disconnect and closes
// the connection.
func (b *Bridge) finishExited(sh *shell, conn transport.Conn, send func(protocol.Frame) error, pumpDone <-chan struct{}) {
	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()
	select {
	case <-pumpDone:
	case <-timer.C:
		// the pump exits on its own once the pty is closed
		sh.closePTY()
	}

	b.log.Info("Shell exited", zap.Error(sh.err))
	if err := send(protocol.Output([]byte(exitNotice))); err != nil {
		b.log.Debug("Exit notice not delivered", zap.Error(err))
	}
	_ = conn.Close()
}

// errShellGone means the pty refused input because the shell is gone.
var errShellGone = errors.New("shell gone")

func (b *Bridge) readLoop(conn transport.Conn, sh *shell) error {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		frame, err := protocol.DecodeClient(msg)
		if err != nil {
			b.log.Warn("Dropping undecodable frame", zap.Error(err))
			continue
		}

		switch frame.Type {
		case protocol.TypeInput:
			if _, err := sh.ptmx.Write(frame.Payload); err != nil {
				select {
				case <-sh.exited:
					return errShellGone
				default:
					return fmt.Errorf("write pty: %w", err)
				}
			}
		case protocol.TypeResize:
			if err := sh.resize(frame.Columns, frame.Rows); err != nil {
				b.log.Warn("Ignoring resize", zap.Int("columns", frame.Columns), zap.Int("rows", frame.Rows), zap.Error(err))
			}
		default:
			b.log.Debug("Ignoring frame", zap.Stringer("type", frame.Type), zap.Uint8("tag", frame.Tag))
		}
	}
}

func (b *Bridge) pumpOutput(sh *shell, send func(protocol.Frame) error) {
	buf := make([]byte, outputBufferSize)
	for {
		n, err := sh.ptmx.Read(buf)
		if n > 0 {
			if werr := send(protocol.Output(buf[:n])); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// activate takes over the session: terminates the previous shell, makes
// sure the runtime context exists and spawns a new shell.
func (b *Bridge) activate() (*shell, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	if prev := b.current; prev != nil {
		b.log.Info("New connection takes over session")
		b.terminate(prev)
		b.current = nil
	}

	if b.layout == nil {
		layout, err := prepareRuntime(b.opts.RuntimeDir, b.cfg)
		if err != nil {
			return nil, fmt.Errorf("%w: runtime context: %v", ErrSpawn, err)
		}
		b.layout = &layout
	}

	sh, err := b.spawn(*b.layout)
	if err != nil {
		return nil, err
	}
	b.current = sh
	return sh, nil
}

func (b *Bridge) spawn(layout paths.Session) (*shell, error) {
	cmd := exec.Command(b.opts.Shell)
	cmd.Dir = layout.Workspace()
	cmd.Env = b.environ(layout)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: defaultColumns, Rows: defaultRows})
	if err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrSpawn, b.opts.Shell, err)
	}

	sh := &shell{cmd: cmd, ptmx: ptmx, exited: make(chan struct{})}
	go func() {
		sh.err = cmd.Wait()
		close(sh.exited)
	}()

	b.log.Info("Shell started", zap.String("shell", b.opts.Shell), zap.Int("pid", cmd.Process.Pid))
	return sh, nil
}

// environ builds the shell environment from an allowlist of inherited
// variables plus the session's own.
func (b *Bridge) environ(layout paths.Session) []string {
	env := make([]string, 0, len(inheritedEnv)+8)
	hasPath := false
	for _, key := range inheritedEnv {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
			hasPath = hasPath || key == "PATH"
		}
	}
	if !hasPath {
		env = append(env, "PATH="+fallbackPath)
	}

	env = append(env,
		"HOME="+layout.Root(),
		"SHELL="+b.opts.Shell,
		"TERM="+b.opts.Term,
		"TERMRELAY_SESSION_ID="+b.cfg.SessionID,
		"TERMRELAY_SESSION_FILE="+layout.Config(),
	)
	return append(env, b.cfg.Environ()...)
}

// release forgets sh if it is still current and frees its pty.
func (b *Bridge) release(sh *shell) {
	b.terminate(sh)
	sh.closePTY()

	b.mu.Lock()
	if b.current == sh {
		b.current = nil
	}
	b.mu.Unlock()
}

// terminate hangs up the shell's process group, escalating to SIGKILL after
// the grace period. It returns once the shell has been reaped.
func (b *Bridge) terminate(sh *shell) {
	sh.stopOnce.Do(func() {
		select {
		case <-sh.exited:
			return
		default:
		}

		if err := hangup(sh.cmd); err != nil {
			b.log.Warn("Hangup failed", zap.Error(err))
		}

		timer := time.NewTimer(b.opts.StopGrace)
		defer timer.Stop()
		select {
		case <-sh.exited:
		case <-timer.C:
			b.log.Warn("Shell ignored hangup, killing", zap.Duration("grace", b.opts.StopGrace))
			if err := kill(sh.cmd); err != nil {
				b.log.Warn("Kill failed", zap.Error(err))
			}
		}
	})
	<-sh.exited
}

// Close terminates the shell and removes the runtime context. Serve returns
// ErrClosed afterwards.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	if b.current != nil {
		b.terminate(b.current)
		b.current = nil
	}
	if b.layout != nil {
		if err := os.RemoveAll(b.layout.Root()); err != nil {
			return fmt.Errorf("remove runtime context: %w", err)
		}
	}
	return nil
}

// Running reports whether a shell is currently attached.
func (b *Bridge) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current != nil
}

func (sh *shell) resize(columns, rows int) error {
	if !protocol.ValidSize(columns, rows) || columns > math.MaxUint16 || rows > math.MaxUint16 {
		return fmt.Errorf("%w: got %dx%d", protocol.ErrInvalidSize, columns, rows)
	}
	return pty.Setsize(sh.ptmx, &pty.Winsize{Cols: uint16(columns), Rows: uint16(rows)})
}

func (sh *shell) closePTY() {
	sh.closeOnce.Do(func() {
		_ = sh.ptmx.Close()
	})
}
