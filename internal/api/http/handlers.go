package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/GriffinCanCode/termrelay/internal/bridge"
	"github.com/GriffinCanCode/termrelay/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/termrelay/internal/session"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// TerminalPath prefixes the WebSocket route; the session id follows.
const TerminalPath = "/api/terminal/"

// EventSource reads recorded lifecycle transitions.
type EventSource interface {
	History(ctx context.Context, sessionID string, limit int) ([]session.Event, error)
}

// Options configures the handler set.
type Options struct {
	Registry *session.Registry
	Events   EventSource // optional
	Metrics  *monitoring.Metrics
	Logger   *zap.Logger
	// PublicURL replaces the scheme and host of returned terminal URLs.
	PublicURL      string
	AllowedOrigins []string
}

// Handlers contains all HTTP handlers
type Handlers struct {
	registry  *session.Registry
	events    EventSource
	metrics   *HandlerMetrics
	log       *zap.Logger
	publicURL *url.URL
	upgrader  websocket.Upgrader
	dialer    *websocket.Dialer
}

// NewHandlers creates a new handler set
func NewHandlers(opts Options) (*Handlers, error) {
	if opts.Registry == nil {
		return nil, errors.New("handlers: registry is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	h := &Handlers{
		registry: opts.Registry,
		events:   opts.Events,
		metrics:  NewHandlerMetrics(opts.Metrics),
		log:      opts.Logger.Named("api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     originChecker(opts.AllowedOrigins),
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   32 * 1024,
			WriteBufferSize:  32 * 1024,
		},
	}

	if opts.PublicURL != "" {
		u, err := url.Parse(opts.PublicURL)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("handlers: invalid public URL %q", opts.PublicURL)
		}
		h.publicURL = u
	}
	return h, nil
}

// Register mounts the routes. api middleware applies to the /api group only.
func (h *Handlers) Register(router gin.IRouter, api ...gin.HandlerFunc) {
	router.GET("/health", h.Health)

	group := router.Group("/api", api...)
	group.POST("/connect", h.Connect)
	group.POST("/disconnect", h.Disconnect)
	group.GET("/sessions", h.Sessions)
	if h.events != nil {
		group.GET("/sessions/:sessionId/events", h.SessionEvents)
	}
	group.GET("/terminal/:sessionId", h.Terminal)
}

// Health handles liveness checks
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ConnectRequest is the body of POST /api/connect.
type ConnectRequest struct {
	Instance  string            `json:"instance"`
	Username  string            `json:"username"`
	Password  string            `json:"password"`
	APIKey    string            `json:"anthropicApiKey"`
	SessionID string            `json:"sessionId"`
	Env       map[string]string `json:"env,omitempty"`
}

func (r ConnectRequest) sessionConfig() bridge.SessionConfig {
	return bridge.SessionConfig{
		Target:   strings.TrimSpace(r.Instance),
		Username: strings.TrimSpace(r.Username),
		Password: r.Password,
		APIKey:   r.APIKey,
		Env:      r.Env,
	}
}

// ConnectResponse is the body of a successful connect.
type ConnectResponse struct {
	SessionID string `json:"sessionId"`
	WSURL     string `json:"wsUrl"`
}

// Connect resolves the requested session, starting a backend if needed,
// and returns where to open the terminal.
func (h *Handlers) Connect(c *gin.Context) {
	var req ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, fmt.Errorf("%w: malformed request body", bridge.ErrValidation))
		return
	}

	sess, err := h.registry.GetOrCreate(c.Request.Context(), strings.TrimSpace(req.SessionID), req.sessionConfig())
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.log.Warn("Connect failed", zap.String("session_id", req.SessionID), zap.Error(err))
		}
		abort(c, status, err)
		return
	}

	h.log.Info("Session connected", zap.String("session_id", sess.ID), zap.String("backend_id", sess.Backend.ID))
	c.JSON(http.StatusOK, ConnectResponse{
		SessionID: sess.ID,
		WSURL:     h.terminalURL(c.Request, sess.ID),
	})
}

type disconnectRequest struct {
	SessionID string `json:"sessionId"`
}

// Disconnect stops a session. Unknown or stopped sessions succeed.
func (h *Handlers) Disconnect(c *gin.Context) {
	var req disconnectRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.SessionID) == "" {
		abort(c, http.StatusBadRequest, fmt.Errorf("%w: sessionId is required", bridge.ErrValidation))
		return
	}

	if err := h.registry.Stop(c.Request.Context(), strings.TrimSpace(req.SessionID)); err != nil {
		h.log.Warn("Disconnect failed", zap.String("session_id", req.SessionID), zap.Error(err))
		abort(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// SessionView is the public rendering of a session.
type SessionView struct {
	ID         string    `json:"sessionId"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
	LastActive time.Time `json:"lastActive"`
	Attached   int       `json:"attached"`
}

// Sessions lists known sessions, oldest first.
func (h *Handlers) Sessions(c *gin.Context) {
	list := h.registry.List()
	views := make([]SessionView, 0, len(list))
	for _, s := range list {
		views = append(views, SessionView{
			ID:         s.ID,
			Status:     string(s.Status),
			CreatedAt:  s.CreatedAt,
			LastActive: s.LastActive,
			Attached:   s.Attached,
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": views})
}

// terminalURL builds the WebSocket URL for sessionID as seen by the caller.
func (h *Handlers) terminalURL(r *http.Request, sessionID string) string {
	u := url.URL{Scheme: "ws", Host: r.Host, Path: TerminalPath + sessionID}

	switch {
	case h.publicURL != nil:
		u.Host = h.publicURL.Host
		u.Path = path.Join("/", h.publicURL.Path, u.Path)
		if h.publicURL.Scheme == "https" || h.publicURL.Scheme == "wss" {
			u.Scheme = "wss"
		}
	case r.TLS != nil:
		u.Scheme = "wss"
	case strings.EqualFold(forwardedProto(r), "https"):
		u.Scheme = "wss"
	}
	return u.String()
}

func forwardedProto(r *http.Request) string {
	proto := r.Header.Get("X-Forwarded-Proto")
	// proxies may append: "https, http"
	if i := strings.IndexByte(proto, ','); i >= 0 {
		proto = proto[:i]
	}
	return strings.TrimSpace(proto)
}

// originChecker allows requests without an Origin (non-browser clients)
// and browser requests from an allowed origin. "*" allows everything.
func originChecker(origins []string) func(*http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[strings.TrimRight(o, "/")] = true
	}
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[origin]
	}
}
