package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/GriffinCanCode/termrelay/internal/shared/id"
	"github.com/GriffinCanCode/termrelay/internal/transport"
	"go.uber.org/zap"
)

// Direction names one half of a relay.
type Direction string

const (
	// Upstream flows from the client to the backend.
	Upstream Direction = "upstream"
	// Downstream flows from the backend to the client.
	Downstream Direction = "downstream"
)

// Options configures a Relay.
type Options struct {
	Logger *zap.Logger
	// Observe, if set, is called after every forwarded message.
	Observe func(dir Direction, size int)
	// OnStateChange, if set, is called after every transition.
	OnStateChange func(from, to State)
}

// Relay forwards messages between a client and a backend connection.
type Relay struct {
	id        id.ConnID
	sessionID string
	opts      Options
	log       *zap.Logger

	mu      sync.Mutex
	state   State
	client  transport.Conn
	backend transport.Conn

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a relay in the Connecting state.
func New(sessionID string, opts Options) *Relay {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	connID := id.NewConnID()
	return &Relay{
		id:        connID,
		sessionID: sessionID,
		opts:      opts,
		log:       opts.Logger.Named("relay").With(zap.String("session_id", sessionID), zap.String("conn_id", connID.String())),
		state:     StateConnecting,
		done:      make(chan struct{}),
	}
}

// ID returns the relay's connection id.
func (r *Relay) ID() string { return r.id.String() }

// SessionID returns the session the relay serves.
func (r *Relay) SessionID() string { return r.sessionID }

// State returns the current state.
func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Done is closed when the relay reaches Closed.
func (r *Relay) Done() <-chan struct{} { return r.done }

// Attach sets the two connections. It is only valid while Connecting.
func (r *Relay) Attach(client, backend transport.Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateConnecting {
		return fmt.Errorf("%w: attach in state %s", ErrInvalidTransition, r.state)
	}
	r.client, r.backend = client, backend
	return nil
}

// Run forwards in both directions until either side ends or ctx is done,
// then closes both sides. It returns the first transport error; an orderly
// close from either side is not an error.
func (r *Relay) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.client == nil || r.backend == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: run without both connections", ErrInvalidTransition)
	}
	if err := r.setStateLocked(StateRelaying); err != nil {
		r.mu.Unlock()
		return err
	}
	client, backend := r.client, r.backend
	r.mu.Unlock()

	r.log.Debug("Relay started")

	// buffered so neither pump blocks on exit
	errs := make(chan error, 2)
	go func() { errs <- r.pump(Upstream, client, backend) }()
	go func() { errs <- r.pump(Downstream, backend, client) }()

	var first error
	pending := 2
	select {
	case first = <-errs:
		pending--
	case <-ctx.Done():
	}

	// the remaining pump fails on connections beginClosing shut itself
	r.beginClosing()
	for ; pending > 0; pending-- {
		<-errs
	}

	r.mu.Lock()
	_ = r.setStateLocked(StateClosed)
	r.mu.Unlock()
	close(r.done)

	if transport.IsNormalClose(first) {
		r.log.Debug("Relay closed")
		return nil
	}
	r.log.Info("Relay closed by transport error", zap.Error(first))
	return first
}

// pump copies messages from src to dst one at a time, so a slow reader on
// dst holds back reads on src.
func (r *Relay) pump(dir Direction, src, dst transport.Conn) error {
	for {
		kind, data, err := src.ReadMessage()
		if err != nil {
			return fmt.Errorf("%s read: %w", dir, err)
		}
		if err := dst.WriteMessage(kind, data); err != nil {
			return fmt.Errorf("%s write: %w", dir, err)
		}
		if r.opts.Observe != nil {
			r.opts.Observe(dir, len(data))
		}
	}
}

// Close shuts a running relay down; Run returns once both pumps have
// stopped. A relay that never ran is aborted instead.
func (r *Relay) Close() error {
	if r.State() == StateConnecting {
		if err := r.Abort(); err == nil {
			return nil
		}
	}
	r.beginClosing()
	return nil
}

// Abort closes a relay that has not started running.
func (r *Relay) Abort() error {
	r.mu.Lock()
	if err := r.setStateLocked(StateClosed); err != nil {
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()

	r.closeConns()
	close(r.done)
	r.log.Debug("Relay aborted")
	return nil
}

// beginClosing moves a relaying relay to Closing and closes both sides.
func (r *Relay) beginClosing() {
	r.mu.Lock()
	if r.state == StateRelaying {
		_ = r.setStateLocked(StateClosing)
	}
	r.mu.Unlock()
	r.closeConns()
}

func (r *Relay) closeConns() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		client, backend := r.client, r.backend
		r.mu.Unlock()

		if client != nil {
			if err := client.Close(); err != nil {
				r.log.Debug("Client close failed", zap.Error(err))
			}
		}
		if backend != nil {
			if err := backend.Close(); err != nil {
				r.log.Debug("Backend close failed", zap.Error(err))
			}
		}
	})
}

func (r *Relay) setStateLocked(to State) error {
	from := r.state
	if !CanTransition(from, to) {
		return transitionError(from, to)
	}
	r.state = to
	if r.opts.OnStateChange != nil {
		r.opts.OnStateChange(from, to)
	}
	return nil
}
