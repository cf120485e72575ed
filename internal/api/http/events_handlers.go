package http

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/GriffinCanCode/termrelay/internal/bridge"
	"github.com/GriffinCanCode/termrelay/internal/shared/utils"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

// EventView is the public rendering of a lifecycle transition.
type EventView struct {
	Status    string    `json:"status"`
	BackendID string    `json:"backendId,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// SessionEvents returns the recorded transitions of one session, oldest
// first. ?limit bounds the count to the most recent events.
func (h *Handlers) SessionEvents(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if err := utils.ValidateID(sessionID, "sessionId", true); err != nil {
		abort(c, http.StatusBadRequest, fmt.Errorf("%w: %v", bridge.ErrValidation, err))
		return
	}

	limit := defaultEventLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxEventLimit {
			abort(c, http.StatusBadRequest, fmt.Errorf("%w: limit must be between 1 and %d", bridge.ErrValidation, maxEventLimit))
			return
		}
		limit = n
	}

	events, err := h.events.History(c.Request.Context(), sessionID, limit)
	if err != nil {
		h.log.Error("Event history failed", zap.String("session_id", sessionID), zap.Error(err))
		abort(c, http.StatusInternalServerError, err)
		return
	}

	views := make([]EventView, 0, len(events))
	for _, ev := range events {
		views = append(views, EventView{
			Status:    string(ev.Status),
			BackendID: ev.BackendID,
			Reason:    ev.Reason,
			At:        ev.At,
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": sessionID, "events": views})
}
