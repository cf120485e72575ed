package provision

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/GriffinCanCode/termrelay/internal/bridge"
	"github.com/GriffinCanCode/termrelay/internal/shared/id"
	"go.uber.org/zap"
)

// Local runs backends inside the gateway process, each on its own loopback
// listener. It keeps the gateway self-contained for development and tests.
type Local struct {
	opts   bridge.Options
	prober *Prober
	log    *zap.Logger

	mu       sync.Mutex
	backends map[string]*localBackend
}

type localBackend struct {
	handle *Backend
	server *bridge.Server
	done   chan struct{}
}

// NewLocal creates a Local provisioner; opts configure every bridge.
func NewLocal(opts bridge.Options) *Local {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Local{
		opts:     opts,
		prober:   NewProber(),
		log:      log.Named("provision.local"),
		backends: make(map[string]*localBackend),
	}
}

// Provision implements Provisioner.
func (l *Local) Provision(ctx context.Context, cfg bridge.SessionConfig) (*Backend, error) {
	b, err := bridge.New(cfg, l.opts)
	if err != nil {
		return nil, err
	}

	ln, err := listenLoopback()
	if err != nil {
		return nil, err
	}

	srv := bridge.NewServer(b)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil {
			l.log.Warn("Backend server failed", zap.String("session_id", cfg.SessionID), zap.Error(err))
		}
	}()

	terminal, health := endpoints(ln.Addr())
	handle := &Backend{
		ID:        id.NewBackendID().String(),
		Addr:      terminal,
		HealthURL: health,
		StartedAt: time.Now(),
		exited:    done,
	}
	lb := &localBackend{handle: handle, server: srv, done: done}

	if err := l.prober.WaitReady(ctx, health); err != nil {
		l.shutdown(lb)
		return nil, fmt.Errorf("session %s: %w", cfg.SessionID, err)
	}

	l.mu.Lock()
	l.backends[handle.ID] = lb
	l.mu.Unlock()

	l.log.Info("Backend ready", zap.String("session_id", cfg.SessionID), zap.String("backend_id", handle.ID), zap.String("addr", terminal))
	return handle, nil
}

// Alive implements Provisioner.
func (l *Local) Alive(ctx context.Context, b *Backend) bool {
	l.mu.Lock()
	lb, ok := l.backends[b.ID]
	l.mu.Unlock()
	if !ok || lb.handle != b {
		return false
	}

	select {
	case <-lb.done:
		return false
	default:
	}
	return l.prober.Healthy(ctx, b.HealthURL)
}

// Stop implements Provisioner.
func (l *Local) Stop(ctx context.Context, b *Backend) error {
	l.mu.Lock()
	lb, ok := l.backends[b.ID]
	if ok && lb.handle == b {
		delete(l.backends, b.ID)
	}
	l.mu.Unlock()
	if !ok || lb.handle != b {
		return nil
	}

	l.log.Info("Stopping backend", zap.String("backend_id", b.ID))
	return l.shutdownContext(ctx, lb)
}

func (l *Local) shutdown(lb *localBackend) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.shutdownContext(ctx, lb); err != nil {
		l.log.Warn("Backend shutdown failed", zap.String("backend_id", lb.handle.ID), zap.Error(err))
	}
}

func (l *Local) shutdownContext(ctx context.Context, lb *localBackend) error {
	if err := lb.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("stop backend %s: %w", lb.handle.ID, err)
	}
	return nil
}
