package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Reap stops running sessions that have had no attached relay for longer
// than the idle timeout, and forgets stopped sessions older than that. It
// returns the number of sessions stopped.
func (r *Registry) Reap(ctx context.Context) int {
	now := r.now()
	idle := r.opts.IdleTimeout

	var expired []string
	r.mu.Lock()
	for sessionID, e := range r.entries {
		s := e.session
		switch {
		case s.Status == StatusRunning && s.Attached == 0 && now.Sub(s.LastActive) > idle:
			expired = append(expired, sessionID)
		case s.Status == StatusStopped && now.Sub(s.LastActive) > idle:
			// a locked entry is busy; lockEntry notices the removal
			if e.op.TryLock() {
				delete(r.entries, sessionID)
				e.op.Unlock()
			}
		}
	}
	r.mu.Unlock()

	stopped := 0
	for _, sessionID := range expired {
		if r.reapOne(ctx, sessionID, now) {
			stopped++
		}
	}
	return stopped
}

// reapOne re-checks the idle condition under the entry lock, since a relay
// may have attached in the meantime.
func (r *Registry) reapOne(ctx context.Context, sessionID string, now time.Time) bool {
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	r.mu.Unlock()
	if !ok {
		return false
	}

	e.op.Lock()
	defer e.op.Unlock()

	r.mu.Lock()
	s := e.session
	r.mu.Unlock()
	if s.Status != StatusRunning || s.Attached > 0 || now.Sub(s.LastActive) <= r.opts.IdleTimeout {
		return false
	}

	r.log.Info("Stopping idle session", zap.String("session_id", sessionID), zap.Duration("idle", now.Sub(s.LastActive)))
	if err := r.retire(ctx, e, s.Backend, "idle"); err != nil {
		r.log.Warn("Idle stop failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	return true
}

// RunReaper calls Reap every interval until ctx is done or the registry is
// closed.
func (r *Registry) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			if n := r.Reap(ctx); n > 0 {
				r.log.Debug("Reaped idle sessions", zap.Int("count", n))
			}
		}
	}
}

// Close stops every running session and rejects further GetOrCreate calls.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.done)
	ids := make([]string, 0, len(r.entries))
	for sessionID := range r.entries {
		ids = append(ids, sessionID)
	}
	r.mu.Unlock()

	var errs []error
	for _, sessionID := range ids {
		if err := r.Stop(ctx, sessionID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
