package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GriffinCanCode/termrelay/internal/bridge"
	"github.com/GriffinCanCode/termrelay/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/termrelay/internal/provision"
	"github.com/GriffinCanCode/termrelay/internal/session"
	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoBackend is a WebSocket server that echoes every message.
func echoBackend(t *testing.T) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			kind, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(kind, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// stubProvisioner hands out backends that all point at one address.
type stubProvisioner struct {
	addr   string
	spawns atomic.Int64
	fail   atomic.Bool

	mu      sync.Mutex
	lastCfg bridge.SessionConfig
}

func (p *stubProvisioner) Provision(_ context.Context, cfg bridge.SessionConfig) (*provision.Backend, error) {
	p.spawns.Add(1)
	p.mu.Lock()
	p.lastCfg = cfg
	p.mu.Unlock()

	if p.fail.Load() {
		return nil, fmt.Errorf("%w: health probe timed out", provision.ErrNotReady)
	}
	return provision.NewBackend(fmt.Sprintf("bk_%d", p.spawns.Load()), p.addr, "", make(chan struct{})), nil
}

func (p *stubProvisioner) Alive(context.Context, *provision.Backend) bool { return true }

func (p *stubProvisioner) Stop(context.Context, *provision.Backend) error { return nil }

type fakeEvents struct {
	events []session.Event
	err    error
	limit  int
}

func (f *fakeEvents) History(_ context.Context, _ string, limit int) ([]session.Event, error) {
	f.limit = limit
	return f.events, f.err
}

type testEnv struct {
	router   *gin.Engine
	registry *session.Registry
	prov     *stubProvisioner
}

func newTestEnv(t *testing.T, policy session.Policy, mutate func(*Options)) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	prov := &stubProvisioner{addr: "ws://127.0.0.1:1/ws"}
	registry := session.NewRegistry(prov, session.Options{
		Policy:          policy,
		StartupTimeout:  2 * time.Second,
		BreakerFailures: 2,
		BreakerCooldown: time.Minute,
	})
	t.Cleanup(func() { _ = registry.Close(context.Background()) })

	opts := Options{Registry: registry}
	if mutate != nil {
		mutate(&opts)
	}
	h, err := NewHandlers(opts)
	require.NoError(t, err)

	router := gin.New()
	h.Register(router)
	return &testEnv{router: router, registry: registry, prov: prov}
}

func (e *testEnv) do(method, path string, body any, header ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		data, _ := sonic.Marshal(body)
		buf.Write(data)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func validConnect() ConnectRequest {
	return ConnectRequest{
		Instance: "dev1.example.com",
		Username: "admin",
		Password: "hunter2",
		APIKey:   "sk-secret",
	}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &v), "body: %s", w.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, session.PolicyLenient, nil)

	w := env.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestConnectNewSession(t *testing.T) {
	env := newTestEnv(t, session.PolicyLenient, nil)

	w := env.do(http.MethodPost, "/api/connect", validConnect())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[ConnectResponse](t, w)
	assert.True(t, strings.HasPrefix(resp.SessionID, "sess_"))
	assert.Equal(t, "ws://example.com/api/terminal/"+resp.SessionID, resp.WSURL)

	env.prov.mu.Lock()
	cfg := env.prov.lastCfg
	env.prov.mu.Unlock()
	assert.Equal(t, resp.SessionID, cfg.SessionID)
	assert.Equal(t, "dev1.example.com", cfg.Target)
	assert.Equal(t, "sk-secret", cfg.APIKey)
}

func TestConnectTerminalURL(t *testing.T) {
	t.Run("forwarded https", func(t *testing.T) {
		env := newTestEnv(t, session.PolicyLenient, nil)
		w := env.do(http.MethodPost, "/api/connect", validConnect(), "X-Forwarded-Proto", "https, http")
		require.Equal(t, http.StatusOK, w.Code)
		assert.True(t, strings.HasPrefix(decode[ConnectResponse](t, w).WSURL, "wss://example.com/api/terminal/"))
	})

	t.Run("public url", func(t *testing.T) {
		env := newTestEnv(t, session.PolicyLenient, func(o *Options) { o.PublicURL = "https://relay.example.org/gw" })
		w := env.do(http.MethodPost, "/api/connect", validConnect())
		require.Equal(t, http.StatusOK, w.Code)
		resp := decode[ConnectResponse](t, w)
		assert.Equal(t, "wss://relay.example.org/gw/api/terminal/"+resp.SessionID, resp.WSURL)
	})

	t.Run("bad public url", func(t *testing.T) {
		_, err := NewHandlers(Options{Registry: session.NewRegistry(&stubProvisioner{}, session.Options{}), PublicURL: "not a url"})
		assert.Error(t, err)
	})
}

func TestConnectValidation(t *testing.T) {
	env := newTestEnv(t, session.PolicyLenient, nil)

	req := validConnect()
	req.Password = ""
	w := env.do(http.MethodPost, "/api/connect", req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	body := decode[map[string]string](t, w)
	assert.Contains(t, body["error"], "password is required")
	assert.NotContains(t, w.Body.String(), "sk-secret")
	assert.Zero(t, env.prov.spawns.Load(), "no backend work before validation")
}

func TestConnectMalformedBody(t *testing.T) {
	env := newTestEnv(t, session.PolicyLenient, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/connect", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestConnectReusesRunningSession(t *testing.T) {
	for _, policy := range []session.Policy{session.PolicyLenient, session.PolicyStrict} {
		t.Run(string(policy), func(t *testing.T) {
			env := newTestEnv(t, policy, nil)

			first := decode[ConnectResponse](t, env.do(http.MethodPost, "/api/connect", validConnect()))

			// reconnect without credentials
			w := env.do(http.MethodPost, "/api/connect", ConnectRequest{SessionID: first.SessionID})
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			assert.Equal(t, first.SessionID, decode[ConnectResponse](t, w).SessionID)
			assert.Equal(t, int64(1), env.prov.spawns.Load())
		})
	}
}

func TestConnectErrors(t *testing.T) {
	t.Run("strict reconnect to unknown session", func(t *testing.T) {
		env := newTestEnv(t, session.PolicyStrict, nil)
		req := validConnect()
		req.SessionID = "sess_gone"
		w := env.do(http.MethodPost, "/api/connect", req)
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Zero(t, env.prov.spawns.Load())
	})

	t.Run("invalid session id", func(t *testing.T) {
		env := newTestEnv(t, session.PolicyLenient, nil)
		req := validConnect()
		req.SessionID = "../etc"
		assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/api/connect", req).Code)
	})

	t.Run("startup failure then open breaker", func(t *testing.T) {
		env := newTestEnv(t, session.PolicyLenient, nil)
		env.prov.fail.Store(true)

		assert.Equal(t, http.StatusGatewayTimeout, env.do(http.MethodPost, "/api/connect", validConnect()).Code)
		assert.Equal(t, http.StatusGatewayTimeout, env.do(http.MethodPost, "/api/connect", validConnect()).Code)

		w := env.do(http.MethodPost, "/api/connect", validConnect())
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, int64(2), env.prov.spawns.Load())
	})
}

func TestDisconnect(t *testing.T) {
	env := newTestEnv(t, session.PolicyLenient, nil)

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/api/disconnect", map[string]string{}).Code)

	sess := decode[ConnectResponse](t, env.do(http.MethodPost, "/api/connect", validConnect()))

	for i := 0; i < 2; i++ {
		w := env.do(http.MethodPost, "/api/disconnect", map[string]string{"sessionId": sess.SessionID})
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"success":true}`, w.Body.String())
	}

	got, ok := env.registry.Lookup(sess.SessionID)
	require.True(t, ok)
	assert.Equal(t, session.StatusStopped, got.Status)

	w := env.do(http.MethodPost, "/api/disconnect", map[string]string{"sessionId": "sess_never"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSessions(t *testing.T) {
	env := newTestEnv(t, session.PolicyLenient, nil)

	first := decode[ConnectResponse](t, env.do(http.MethodPost, "/api/connect", validConnect()))
	second := decode[ConnectResponse](t, env.do(http.MethodPost, "/api/connect", validConnect()))

	w := env.do(http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode[struct {
		Sessions []SessionView `json:"sessions"`
	}](t, w)
	require.Len(t, body.Sessions, 2)
	assert.Equal(t, first.SessionID, body.Sessions[0].ID)
	assert.Equal(t, second.SessionID, body.Sessions[1].ID)
	assert.Equal(t, "running", body.Sessions[0].Status)
	assert.NotContains(t, w.Body.String(), "hunter2")
}

func TestSessionEvents(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := &fakeEvents{events: []session.Event{
		{SessionID: "sess_a", Status: session.StatusStarting, At: at},
		{SessionID: "sess_a", Status: session.StatusRunning, BackendID: "bk_1", At: at.Add(time.Second)},
	}}
	env := newTestEnv(t, session.PolicyLenient, func(o *Options) { o.Events = events })

	w := env.do(http.MethodGet, "/api/sessions/sess_a/events?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 10, events.limit)

	body := decode[struct {
		SessionID string      `json:"sessionId"`
		Events    []EventView `json:"events"`
	}](t, w)
	assert.Equal(t, "sess_a", body.SessionID)
	require.Len(t, body.Events, 2)
	assert.Equal(t, "running", body.Events[1].Status)
	assert.Equal(t, "bk_1", body.Events[1].BackendID)

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/api/sessions/sess_a/events?limit=0", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/api/sessions/sess_a/events?limit=x", nil).Code)

	events.err = errors.New("disk I/O error")
	assert.Equal(t, http.StatusInternalServerError, env.do(http.MethodGet, "/api/sessions/sess_a/events", nil).Code)
	assert.Equal(t, defaultEventLimit, events.limit)
}

func TestSessionEventsWithoutLedger(t *testing.T) {
	env := newTestEnv(t, session.PolicyLenient, nil)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/api/sessions/sess_a/events", nil).Code)
}

func TestTerminalUnknownSession(t *testing.T) {
	env := newTestEnv(t, session.PolicyLenient, nil)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+TerminalPath+"sess_nope", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTerminalBackendUnreachable(t *testing.T) {
	env := newTestEnv(t, session.PolicyLenient, nil)
	sess := decode[ConnectResponse](t, env.do(http.MethodPost, "/api/connect", validConnect()))

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+TerminalPath+sess.SessionID, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	got, _ := env.registry.Lookup(sess.SessionID)
	assert.Zero(t, got.Attached)
}

func TestTerminalRelaysToBackend(t *testing.T) {
	env := newTestEnv(t, session.PolicyLenient, nil)
	backend := echoBackend(t)
	env.prov.addr = "ws" + strings.TrimPrefix(backend.URL, "http")

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	sess := decode[ConnectResponse](t, env.do(http.MethodPost, "/api/connect", validConnect()))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + TerminalPath + sess.SessionID

	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, _ := env.registry.Lookup(sess.SessionID)
		return got.Attached == 1
	}, 2*time.Second, 10*time.Millisecond)

	payload := []byte{'0', 'l', 's', '\n', 0xff}
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, payload))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	assert.Equal(t, payload, data)

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool {
		got, _ := env.registry.Lookup(sess.SessionID)
		return got.Attached == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", fmt.Errorf("%w: instance is required", bridge.ErrValidation), http.StatusBadRequest},
		{"not running", &session.NotRunningError{ID: "s", Status: session.StatusStopped}, http.StatusConflict},
		{"breaker open", resilience.ErrCircuitOpen, http.StatusServiceUnavailable},
		{"breaker probing", resilience.ErrTooManyRequests, http.StatusServiceUnavailable},
		{"registry closed", session.ErrClosed, http.StatusServiceUnavailable},
		{"start timeout", &session.StartError{ID: "s", Err: provision.ErrNotReady}, http.StatusGatewayTimeout},
		{"transport", fmt.Errorf("%w: refused", ErrTransportUpgrade), http.StatusBadGateway},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestOriginChecker(t *testing.T) {
	withOrigin := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	assert.True(t, originChecker(nil)(withOrigin("https://anything.example")))
	assert.True(t, originChecker([]string{"*"})(withOrigin("https://anything.example")))

	check := originChecker([]string{"https://console.example.com/"})
	assert.True(t, check(withOrigin("https://console.example.com")))
	assert.True(t, check(withOrigin("")))
	assert.False(t, check(withOrigin("https://evil.example.com")))
}
