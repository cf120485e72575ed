package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/GriffinCanCode/termrelay/internal/infrastructure/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Logging.Level = "error"
	cfg.Backend.RuntimeDir = t.TempDir()
	cfg.Store.Path = filepath.Join(t.TempDir(), "ledger.db")
	return cfg
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServerServesAndShutsDown(t *testing.T) {
	srv, err := NewServer(testConfig(t))
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	base := "http://" + ln.Addr().String()

	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	status, body := get(t, base+"/health")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"ok"}`, body)

	status, body = get(t, base+"/api/sessions")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"sessions":[]}`, body)

	// the ledger is configured, so the history route exists
	status, _ = get(t, base+"/api/sessions/sess_x/events")
	assert.Equal(t, http.StatusOK, status)

	status, body = get(t, base+"/metrics")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "termrelay_http_requests_total")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
}

func TestNewServerRejectsBadConfig(t *testing.T) {
	t.Run("provisioner", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Backend.Provisioner = "docker"
		_, err := NewServer(cfg)
		assert.Error(t, err)
	})

	t.Run("public url", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Server.PublicURL = "::nope"
		_, err := NewServer(cfg)
		assert.Error(t, err)
	})
}
