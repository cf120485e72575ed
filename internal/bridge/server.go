package bridge

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/GriffinCanCode/termrelay/internal/transport"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Routes served by a backend.
const (
	PathTerminal = "/ws"
	PathHealth   = "/healthz"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  outputBufferSize,
	WriteBufferSize: outputBufferSize,
	// only the gateway reaches a backend; it does not send a browser origin
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server exposes one Bridge over HTTP.
type Server struct {
	bridge  *Bridge
	router  *gin.Engine
	log     *zap.Logger
	started time.Time

	mu  sync.Mutex
	srv *http.Server
}

// NewServer creates a backend server for b.
func NewServer(b *Bridge) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		bridge:  b,
		router:  router,
		log:     b.log.Named("server"),
		started: time.Now(),
	}
	router.GET(PathTerminal, s.handleTerminal)
	router.GET(PathHealth, s.handleHealth)
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.srv == nil {
		s.srv = &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	}
	srv := s.srv
	s.mu.Unlock()

	s.log.Info("Backend listening", zap.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections, terminates the shell and removes the
// runtime context.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()

	var shutdownErr error
	if srv != nil {
		shutdownErr = srv.Shutdown(ctx)
	}
	// hijacked websocket connections are not tracked by http.Server
	return errors.Join(shutdownErr, s.bridge.Close())
}

func (s *Server) handleTerminal(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	conn := transport.NewWebSocket(ws)
	s.log.Info("Terminal attached", zap.Stringer("remote", conn.RemoteAddr()))

	if err := s.bridge.Serve(conn); err != nil {
		s.log.Warn("Terminal ended with error", zap.Error(err))
		return
	}
	s.log.Info("Terminal detached", zap.Stringer("remote", conn.RemoteAddr()))
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"session_id": s.bridge.SessionID(),
		"attached":   s.bridge.Running(),
		"uptime":     time.Since(s.started).String(),
	})
}
