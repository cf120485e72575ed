package provision

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/GriffinCanCode/termrelay/internal/bridge"
	"github.com/GriffinCanCode/termrelay/internal/shared/id"
	"go.uber.org/zap"
)

// listenFD is where the child finds its inherited listener: ExtraFiles
// start after stdin, stdout and stderr.
const listenFD = 3

// ErrExited is returned when a backend process dies before it is ready.
var ErrExited = errors.New("backend process exited")

// ExecOptions configures the Exec provisioner.
type ExecOptions struct {
	Binary     string // path to ptyd
	RuntimeDir string
	Shell      string
	StopGrace  time.Duration
	LogLevel   string
	Logger     *zap.Logger
}

// Exec runs each backend as a separate ptyd process. The gateway binds the
// listener and hands it to the child, so the address is known before the
// child starts and no port is ever raced for.
type Exec struct {
	opts   ExecOptions
	prober *Prober
	log    *zap.Logger

	mu       sync.Mutex
	backends map[string]*execBackend
}

type execBackend struct {
	handle *Backend
	cmd    *exec.Cmd
	exited chan struct{}
	err    error // set before exited is closed
}

// NewExec creates an Exec provisioner.
func NewExec(opts ExecOptions) *Exec {
	if opts.StopGrace <= 0 {
		opts.StopGrace = 2 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Exec{
		opts:     opts,
		prober:   NewProber(),
		log:      log.Named("provision.exec"),
		backends: make(map[string]*execBackend),
	}
}

// Provision implements Provisioner.
func (e *Exec) Provision(ctx context.Context, cfg bridge.SessionConfig) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ln, err := listenLoopback()
	if err != nil {
		return nil, err
	}
	file, err := ln.(*net.TCPListener).File()
	addr := ln.Addr()
	_ = ln.Close()
	if err != nil {
		return nil, fmt.Errorf("listener file: %w", err)
	}
	defer file.Close()

	cmd := exec.Command(e.opts.Binary)
	cmd.ExtraFiles = []*os.File{file}
	cmd.Env = e.environ(cfg)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", bridge.ErrSpawn, e.opts.Binary, err)
	}

	eb := &execBackend{cmd: cmd, exited: make(chan struct{})}
	go func() {
		eb.err = cmd.Wait()
		close(eb.exited)
	}()

	terminal, health := endpoints(addr)
	eb.handle = &Backend{
		ID:        id.NewBackendID().String(),
		Addr:      terminal,
		HealthURL: health,
		StartedAt: time.Now(),
		exited:    eb.exited,
	}
	log := e.log.With(zap.String("session_id", cfg.SessionID), zap.String("backend_id", eb.handle.ID), zap.Int("pid", cmd.Process.Pid))

	// an early exit ends the wait instead of the startup timeout
	readyCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-eb.exited:
			cancel()
		case <-readyCtx.Done():
		}
	}()

	if err := e.prober.WaitReady(readyCtx, health); err != nil {
		select {
		case <-eb.exited:
			log.Warn("Backend exited during startup", zap.Error(eb.err))
			return nil, fmt.Errorf("session %s: %w: %v", cfg.SessionID, ErrExited, eb.err)
		default:
		}
		e.terminate(eb)
		return nil, fmt.Errorf("session %s: %w", cfg.SessionID, err)
	}

	e.mu.Lock()
	e.backends[eb.handle.ID] = eb
	e.mu.Unlock()

	log.Info("Backend ready", zap.String("addr", terminal))
	return eb.handle, nil
}

// environ passes everything through the child's environment: session
// configuration, including secrets, never appears in argv.
func (e *Exec) environ(cfg bridge.SessionConfig) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"PTYD_LISTEN_FD=" + strconv.Itoa(listenFD),
		"PTYD_SESSION_ID=" + cfg.SessionID,
		"PTYD_STOP_GRACE=" + e.opts.StopGrace.String(),
	}
	if e.opts.RuntimeDir != "" {
		env = append(env, "PTYD_RUNTIME_DIR="+e.opts.RuntimeDir)
	}
	if e.opts.Shell != "" {
		env = append(env, "PTYD_SHELL="+e.opts.Shell)
	}
	if e.opts.LogLevel != "" {
		env = append(env, "PTYD_LOG_LEVEL="+e.opts.LogLevel)
	}
	for _, key := range []string{"LANG", "LC_ALL", "TZ", "USER", "LOGNAME", "HOME"} {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return append(env, bridge.ExportEnv(cfg)...)
}

// Alive implements Provisioner.
func (e *Exec) Alive(ctx context.Context, b *Backend) bool {
	e.mu.Lock()
	eb, ok := e.backends[b.ID]
	e.mu.Unlock()
	if !ok || eb.handle != b {
		return false
	}

	select {
	case <-eb.exited:
		return false
	default:
	}
	return e.prober.Healthy(ctx, b.HealthURL)
}

// Stop implements Provisioner. The child gets SIGTERM, which makes ptyd hang
// up its shell and exit; SIGKILL follows if it does not.
func (e *Exec) Stop(ctx context.Context, b *Backend) error {
	e.mu.Lock()
	eb, ok := e.backends[b.ID]
	if ok && eb.handle == b {
		delete(e.backends, b.ID)
	}
	e.mu.Unlock()
	if !ok || eb.handle != b {
		return nil
	}

	e.log.Info("Stopping backend", zap.String("backend_id", b.ID))
	if err := eb.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		e.log.Warn("Signal failed", zap.String("backend_id", b.ID), zap.Error(err))
	}

	// ptyd needs its own grace period to hang up the shell
	timer := time.NewTimer(2*e.opts.StopGrace + time.Second)
	defer timer.Stop()
	select {
	case <-eb.exited:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	e.terminate(eb)
	return nil
}

func (e *Exec) terminate(eb *execBackend) {
	if err := eb.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		e.log.Warn("Kill failed", zap.Error(err))
	}
	<-eb.exited
}
