package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/GriffinCanCode/termrelay/internal/bridge"
	"github.com/GriffinCanCode/termrelay/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/termrelay/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/termrelay/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/termrelay/internal/provision"
	"github.com/GriffinCanCode/termrelay/internal/shared/id"
	"github.com/GriffinCanCode/termrelay/internal/shared/utils"
	"go.uber.org/zap"
)

const (
	DefaultStartupTimeout = 30 * time.Second
	DefaultIdleTimeout    = 2 * time.Minute

	breakerName = "provision"
)

// Recorder receives every lifecycle transition. Errors are logged and
// otherwise ignored.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

// Options configures a Registry. Zero fields take defaults.
type Options struct {
	Policy         Policy
	StartupTimeout time.Duration
	IdleTimeout    time.Duration

	BreakerFailures uint32
	BreakerCooldown time.Duration

	Logger   *zap.Logger
	Metrics  *monitoring.Metrics
	Tracer   *tracing.Tracer
	Recorder Recorder
}

// Registry maps session ids to backends.
type Registry struct {
	prov     provision.Provisioner
	opts     Options
	breaker  *resilience.Breaker
	log      *zap.Logger
	metrics  *monitoring.Metrics
	tracer   *tracing.Tracer
	recorder Recorder
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
	done    chan struct{}
}

// entry is one id. op serializes create and stop for the id; the remaining
// fields are guarded by Registry.mu.
type entry struct {
	op sync.Mutex

	session Session
}

// NewRegistry creates a registry that provisions through prov.
func NewRegistry(prov provision.Provisioner, opts Options) *Registry {
	if opts.Policy == "" {
		opts.Policy = PolicyLenient
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = DefaultStartupTimeout
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	r := &Registry{
		prov:     prov,
		opts:     opts,
		log:      opts.Logger.Named("session"),
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		recorder: opts.Recorder,
		now:      time.Now,
		entries:  make(map[string]*entry),
		done:     make(chan struct{}),
	}

	failures := opts.BreakerFailures
	r.breaker = resilience.New(breakerName, resilience.Settings{
		Cooldown: opts.BreakerCooldown,
		Trip: func(c resilience.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		// a client hanging up says nothing about the provisioner
		Ignore: func(err error) bool {
			return errors.Is(err, context.Canceled) || errors.Is(err, bridge.ErrValidation)
		},
		OnStateChange: func(name string, from, to resilience.State) {
			r.log.Warn("Provisioning breaker changed state",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
			if r.metrics != nil {
				r.metrics.SetBreakerState(name, int(to))
			}
		},
	})
	return r
}

// Policy returns the reconnect policy in effect.
func (r *Registry) Policy() Policy { return r.opts.Policy }

// GetOrCreate resolves id to a running backend. An empty id mints a fresh
// one. cfg is only validated, and only used, when a backend has to be
// provisioned; its SessionID is overwritten with the resolved id.
func (r *Registry) GetOrCreate(ctx context.Context, sessionID string, cfg bridge.SessionConfig) (Session, error) {
	requested := sessionID != ""
	if !requested {
		sessionID = id.NewSessionID().String()
	} else if err := utils.ValidateID(sessionID, "sessionId", true); err != nil {
		return Session{}, fmt.Errorf("%w: %v", bridge.ErrValidation, err)
	}

	e, err := r.lockEntry(sessionID)
	if err != nil {
		return Session{}, err
	}
	defer e.op.Unlock()
	defer r.dropIfUnused(sessionID, e)

	log := r.log.With(zap.String("session_id", sessionID))

	r.mu.Lock()
	current := e.session
	r.mu.Unlock()

	if requested {
		if current.Status == StatusRunning {
			if r.prov.Alive(ctx, current.Backend) {
				r.mu.Lock()
				e.session.LastActive = r.now()
				current = e.session
				r.mu.Unlock()

				r.recordReconnect("reused")
				log.Debug("Reusing running backend", zap.String("backend_id", current.Backend.ID))
				return current, nil
			}

			log.Warn("Backend no longer alive", zap.String("backend_id", current.Backend.ID))
			_ = r.retire(ctx, e, current.Backend, "backend unhealthy")
			current.Status = StatusStopped
		}

		if r.opts.Policy == PolicyStrict {
			if current.Status == "" {
				current.Status = StatusUnknown
			}
			r.recordReconnect("rejected")
			return Session{}, &NotRunningError{ID: sessionID, Status: current.Status}
		}
		r.recordReconnect("recreated")
	}

	return r.provision(ctx, e, sessionID, cfg)
}

// provision starts a backend for the locked entry e.
func (r *Registry) provision(ctx context.Context, e *entry, sessionID string, cfg bridge.SessionConfig) (_ Session, err error) {
	cfg.SessionID = sessionID
	if err = cfg.Validate(); err != nil {
		return Session{}, err
	}

	if r.tracer != nil {
		var span *tracing.Span
		span, ctx = r.tracer.StartSpan(ctx, "session.provision")
		span.SetTag("session_id", sessionID)
		defer func() {
			span.SetError(err)
			r.tracer.Submit(span)
		}()
	}

	now := r.now()
	r.mu.Lock()
	e.session = Session{ID: sessionID, Status: StatusStarting, CreatedAt: now, LastActive: now}
	r.mu.Unlock()
	r.transition(ctx, sessionID, StatusStarting, "", "provision")

	startCtx, cancel := context.WithTimeout(ctx, r.opts.StartupTimeout)
	defer cancel()

	var timer *monitoring.Timer
	if r.metrics != nil {
		timer = monitoring.NewTimer(r.metrics)
	}

	backend, err := resilience.Execute(r.breaker, func() (*provision.Backend, error) {
		return r.prov.Provision(startCtx, cfg)
	})
	if err != nil {
		r.mu.Lock()
		e.session.Status = StatusStopped
		e.session.LastActive = r.now()
		r.mu.Unlock()
		r.transition(ctx, sessionID, StatusStopped, "", "start failed")

		if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, resilience.ErrTooManyRequests) {
			if timer != nil {
				timer.Stop("rejected")
			}
			r.log.Warn("Provisioning rejected", zap.String("session_id", sessionID), zap.Error(err))
			return Session{}, fmt.Errorf("session %s: %w", sessionID, err)
		}
		if timer != nil {
			timer.Stop("failure")
		}
		r.log.Error("Backend failed to start", zap.String("session_id", sessionID), zap.Error(err))
		return Session{}, &StartError{ID: sessionID, Err: err}
	}
	if timer != nil {
		timer.Stop("success")
	}

	r.mu.Lock()
	e.session.Status = StatusRunning
	e.session.Backend = backend
	e.session.LastActive = r.now()
	running := e.session
	r.mu.Unlock()
	r.transition(ctx, sessionID, StatusRunning, backend.ID, "ready")

	go r.watch(e, backend)

	r.log.Info("Session running", zap.String("session_id", sessionID), zap.String("backend_id", backend.ID))
	return running, nil
}

// watch marks the session stopped when its backend exits on its own.
func (r *Registry) watch(e *entry, backend *provision.Backend) {
	select {
	case <-backend.Exited():
	case <-r.done:
		return
	}

	r.mu.Lock()
	if e.session.Backend != backend {
		r.mu.Unlock()
		return
	}
	sessionID := e.session.ID
	e.session.Status = StatusStopped
	e.session.Backend = nil
	e.session.LastActive = r.now()
	r.mu.Unlock()

	r.log.Info("Backend exited", zap.String("session_id", sessionID), zap.String("backend_id", backend.ID))
	r.transition(context.Background(), sessionID, StatusStopped, backend.ID, "backend exited")
}

// Stop stops the session's backend. Unknown and stopped ids are not errors.
func (r *Registry) Stop(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	e.op.Lock()
	defer e.op.Unlock()

	r.mu.Lock()
	backend := e.session.Backend
	r.mu.Unlock()
	if backend == nil {
		return nil
	}
	return r.retire(ctx, e, backend, "stopped")
}

// retire marks e stopped and tears backend down. The caller holds e.op.
func (r *Registry) retire(ctx context.Context, e *entry, backend *provision.Backend, reason string) error {
	r.mu.Lock()
	sessionID := e.session.ID
	changed := e.session.Backend == backend
	if changed {
		e.session.Status = StatusStopped
		e.session.Backend = nil
		e.session.LastActive = r.now()
	}
	r.mu.Unlock()

	if changed {
		r.transition(ctx, sessionID, StatusStopped, backend.ID, reason)
	}

	if err := r.prov.Stop(ctx, backend); err != nil {
		r.log.Warn("Backend stop failed", zap.String("session_id", sessionID), zap.String("backend_id", backend.ID), zap.Error(err))
		return fmt.Errorf("stop session %s: %w", sessionID, err)
	}
	r.log.Info("Session stopped", zap.String("session_id", sessionID), zap.String("reason", reason))
	return nil
}

// Lookup returns a snapshot of the session.
func (r *Registry) Lookup(sessionID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[sessionID]
	if !ok || e.session.Status == "" {
		return Session{}, false
	}
	return e.session, true
}

// List returns all known sessions, oldest first.
func (r *Registry) List() []Session {
	r.mu.Lock()
	sessions := make([]Session, 0, len(r.entries))
	for _, e := range r.entries {
		if e.session.Status != "" {
			sessions = append(sessions, e.session)
		}
	}
	r.mu.Unlock()

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions
}

// Attach registers an open relay on a running session and returns its
// snapshot. An attached session is never reaped.
func (r *Registry) Attach(sessionID string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[sessionID]
	if !ok || e.session.Status == "" {
		return Session{}, &NotRunningError{ID: sessionID, Status: StatusUnknown}
	}
	if e.session.Status != StatusRunning {
		return Session{}, &NotRunningError{ID: sessionID, Status: e.session.Status}
	}
	e.session.Attached++
	e.session.LastActive = r.now()
	return e.session, nil
}

// Detach releases a relay registered with Attach.
func (r *Registry) Detach(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[sessionID]; ok {
		if e.session.Attached > 0 {
			e.session.Attached--
		}
		e.session.LastActive = r.now()
	}
}

// Touch records activity on a session.
func (r *Registry) Touch(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[sessionID]; ok {
		e.session.LastActive = r.now()
	}
}

// dropIfUnused forgets an entry that never got a session, such as one
// created for a rejected request. The caller holds e.op.
func (r *Registry) dropIfUnused(sessionID string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e.session.Status == "" && r.entries[sessionID] == e {
		delete(r.entries, sessionID)
	}
}

// lockEntry returns the entry for sessionID with its op mutex held, creating
// it if needed. It retries when the entry is pruned while waiting.
func (r *Registry) lockEntry(sessionID string) (*entry, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrClosed
		}
		e, ok := r.entries[sessionID]
		if !ok {
			e = &entry{}
			r.entries[sessionID] = e
		}
		r.mu.Unlock()

		e.op.Lock()

		r.mu.Lock()
		current := r.entries[sessionID] == e
		r.mu.Unlock()
		if current {
			return e, nil
		}
		e.op.Unlock()
	}
}

// transition publishes a status change to metrics and the recorder.
func (r *Registry) transition(ctx context.Context, sessionID string, status Status, backendID, reason string) {
	if r.metrics != nil {
		r.metrics.RecordTransition(string(status))
		r.publishCounts()
	}
	if r.recorder == nil {
		return
	}

	ev := Event{SessionID: sessionID, Status: status, BackendID: backendID, Reason: reason, At: r.now()}
	// the ledger must not fail with the request that caused the transition
	if err := r.recorder.Record(context.WithoutCancel(ctx), ev); err != nil {
		r.log.Warn("Failed to record session event", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (r *Registry) publishCounts() {
	counts := map[Status]int{StatusStarting: 0, StatusRunning: 0, StatusStopped: 0}
	r.mu.Lock()
	for _, e := range r.entries {
		if e.session.Status != "" {
			counts[e.session.Status]++
		}
	}
	r.mu.Unlock()

	for status, n := range counts {
		r.metrics.SetSessions(string(status), n)
	}
}

func (r *Registry) recordReconnect(outcome string) {
	if r.metrics != nil {
		r.metrics.RecordReconnect(outcome)
	}
}
