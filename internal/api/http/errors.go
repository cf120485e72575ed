package http

import (
	"errors"
	"net/http"

	"github.com/GriffinCanCode/termrelay/internal/bridge"
	"github.com/GriffinCanCode/termrelay/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/termrelay/internal/session"
	"github.com/gin-gonic/gin"
)

// ErrTransportUpgrade is reported when the gateway cannot open the backend
// side of a terminal connection.
var ErrTransportUpgrade = errors.New("backend transport upgrade failed")

// statusFor maps an error chain to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, bridge.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrSessionNotRunning):
		return http.StatusConflict
	case errors.Is(err, resilience.ErrCircuitOpen),
		errors.Is(err, resilience.ErrTooManyRequests),
		errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrBackendStartTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrTransportUpgrade):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// abort writes err with the given status and records it on the context so
// the tracing middleware sees it.
func abort(c *gin.Context, status int, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
