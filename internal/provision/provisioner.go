package provision

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/GriffinCanCode/termrelay/internal/bridge"
)

// ErrNotReady is returned when a backend never became healthy.
var ErrNotReady = errors.New("backend not ready")

// Backend is the handle of a running backend.
type Backend struct {
	ID        string
	Addr      string // WebSocket URL of the terminal route
	HealthURL string
	StartedAt time.Time

	exited <-chan struct{}
}

// NewBackend builds a handle for a backend started outside this package.
// exited must be closed when the backend goes away.
func NewBackend(backendID, addr, healthURL string, exited <-chan struct{}) *Backend {
	return &Backend{ID: backendID, Addr: addr, HealthURL: healthURL, StartedAt: time.Now(), exited: exited}
}

// Exited is closed when the backend goes away on its own.
func (b *Backend) Exited() <-chan struct{} { return b.exited }

// Provisioner creates and destroys backends.
type Provisioner interface {
	// Provision starts a backend for cfg and blocks until it is ready or
	// ctx is done.
	Provision(ctx context.Context, cfg bridge.SessionConfig) (*Backend, error)
	// Alive reports whether b is still running and healthy.
	Alive(ctx context.Context, b *Backend) bool
	// Stop tears b down. Stopping an unknown or stopped backend is not an
	// error.
	Stop(ctx context.Context, b *Backend) error
}

// endpoints derives the backend URLs from a listener address.
func endpoints(addr net.Addr) (terminal, health string) {
	host := addr.String()
	terminal = (&url.URL{Scheme: "ws", Host: host, Path: bridge.PathTerminal}).String()
	health = (&url.URL{Scheme: "http", Host: host, Path: bridge.PathHealth}).String()
	return terminal, health
}

func listenLoopback() (net.Listener, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	return ln, nil
}
