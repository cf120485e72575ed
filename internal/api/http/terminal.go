package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/GriffinCanCode/termrelay/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/termrelay/internal/provision"
	"github.com/GriffinCanCode/termrelay/internal/relay"
	"github.com/GriffinCanCode/termrelay/internal/session"
	"github.com/GriffinCanCode/termrelay/internal/transport"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Terminal upgrades the request and relays it to the session's backend
// until either side closes.
func (h *Handlers) Terminal(c *gin.Context) {
	sessionID := c.Param("sessionId")
	log := h.log.With(zap.String("session_id", sessionID))

	sess, err := h.registry.Attach(sessionID)
	if err != nil {
		status := statusFor(err)
		if errors.Is(err, session.ErrSessionNotRunning) {
			status = http.StatusNotFound
		}
		abort(c, status, err)
		return
	}
	defer h.registry.Detach(sessionID)

	// dial before upgrading; an unreachable backend is a 502, not a socket
	// that closes at once
	backend, err := h.dialBackend(c.Request.Context(), sess.Backend)
	if err != nil {
		log.Warn("Backend dial failed", zap.String("backend_id", sess.Backend.ID), zap.Error(err))
		abort(c, http.StatusBadGateway, err)
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader has already written the response
		log.Warn("WebSocket upgrade failed", zap.Error(err))
		_ = backend.Close()
		return
	}
	client := transport.NewWebSocket(ws)

	r := relay.New(sessionID, relay.Options{
		Logger:  h.log,
		Observe: h.metrics.Observer(func() { h.registry.Touch(sessionID) }),
	})
	if err := r.Attach(client, backend); err != nil {
		log.Error("Relay attach failed", zap.Error(err))
		_ = client.Close()
		_ = backend.Close()
		return
	}

	release := h.metrics.TrackRelay()
	defer release()

	log.Info("Terminal attached", zap.String("conn_id", r.ID()), zap.Stringer("remote", client.RemoteAddr()))
	if err := r.Run(c.Request.Context()); err != nil {
		log.Info("Terminal closed", zap.String("conn_id", r.ID()), zap.Error(err))
		return
	}
	log.Info("Terminal closed", zap.String("conn_id", r.ID()))
}

func (h *Handlers) dialBackend(ctx context.Context, backend *provision.Backend) (*transport.WebSocket, error) {
	header := http.Header{}
	tracing.Inject(ctx, header)

	conn, resp, err := h.dialer.DialContext(ctx, backend.Addr, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportUpgrade, err)
	}
	return transport.NewWebSocket(conn), nil
}
