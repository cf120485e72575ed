package http

import (
	"time"

	"github.com/GriffinCanCode/termrelay/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/termrelay/internal/relay"
	"golang.org/x/time/rate"
)

// touchInterval bounds how often relay traffic refreshes a session's
// activity stamp.
const touchInterval = time.Second

// HandlerMetrics wraps relay handling with metrics tracking. A nil metrics
// set is allowed and records nothing.
type HandlerMetrics struct {
	metrics *monitoring.Metrics
}

// NewHandlerMetrics creates a metrics wrapper
func NewHandlerMetrics(metrics *monitoring.Metrics) *HandlerMetrics {
	return &HandlerMetrics{metrics: metrics}
}

// TrackRelay counts an open relay; call the returned func when it ends.
func (hm *HandlerMetrics) TrackRelay() func() {
	if hm.metrics == nil {
		return func() {}
	}
	hm.metrics.IncRelays()
	return hm.metrics.DecRelays
}

// Observer returns a relay observer that counts messages and calls touch
// at most once per touchInterval.
func (hm *HandlerMetrics) Observer(touch func()) func(relay.Direction, int) {
	touches := &rate.Sometimes{Interval: touchInterval}
	return func(dir relay.Direction, size int) {
		if hm.metrics != nil {
			hm.metrics.RecordRelayMessage(string(dir), size)
		}
		touches.Do(touch)
	}
}
