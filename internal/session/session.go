package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/GriffinCanCode/termrelay/internal/provision"
)

// Policy decides what Connect does with an id whose backend is gone.
type Policy string

const (
	// PolicyStrict rejects the request with a NotRunningError.
	PolicyStrict Policy = "strict"
	// PolicyLenient provisions a fresh backend under the same id.
	PolicyLenient Policy = "lenient"
)

// ParsePolicy accepts strict or lenient in any case.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyStrict, PolicyLenient:
		return p, nil
	default:
		return "", fmt.Errorf("unknown reconnect policy %q", s)
	}
}

// Status is the lifecycle position of a session.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	// StatusUnknown names an id the registry has never seen.
	StatusUnknown Status = "unknown"
)

// Session is a snapshot of one registry entry.
type Session struct {
	ID         string
	Status     Status
	CreatedAt  time.Time
	LastActive time.Time
	Backend    *provision.Backend // nil unless running
	Attached   int                // open relays
}

var (
	// ErrSessionNotRunning matches every NotRunningError.
	ErrSessionNotRunning = errors.New("session not running")
	// ErrBackendStartTimeout matches every StartError.
	ErrBackendStartTimeout = errors.New("backend start timeout")
	// ErrClosed is returned once the registry is shut down.
	ErrClosed = errors.New("session registry closed")
)

// NotRunningError rejects a request for a session that has no live backend.
type NotRunningError struct {
	ID     string
	Status Status
}

func (e *NotRunningError) Error() string {
	return fmt.Sprintf("session %s is not running (status: %s)", e.ID, e.Status)
}

func (e *NotRunningError) Is(target error) bool { return target == ErrSessionNotRunning }

// StartError reports a backend that did not become ready. The session is
// left stopped; the client retries with a new request.
type StartError struct {
	ID  string
	Err error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("session %s: backend did not start: %v", e.ID, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

func (e *StartError) Is(target error) bool { return target == ErrBackendStartTimeout }

// Event is one lifecycle transition, as handed to a Recorder.
type Event struct {
	SessionID string
	Status    Status
	BackendID string
	Reason    string
	At        time.Time
}
