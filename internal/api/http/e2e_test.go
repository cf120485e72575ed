//go:build unix

package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/GriffinCanCode/termrelay/internal/bridge"
	"github.com/GriffinCanCode/termrelay/internal/client"
	"github.com/GriffinCanCode/termrelay/internal/protocol"
	"github.com/GriffinCanCode/termrelay/internal/provision"
	"github.com/GriffinCanCode/termrelay/internal/session"
	"github.com/GriffinCanCode/termrelay/internal/transport"
	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// screen accumulates terminal output until a marker shows up.
func waitFor(t *testing.T, term *client.Terminal, marker string) string {
	t.Helper()

	var screen strings.Builder
	deadline := time.Now().Add(10 * time.Second)
	for !strings.Contains(screen.String(), marker) {
		require.True(t, time.Now().Before(deadline), "screen so far: %q", screen.String())
		frame, err := term.ReadFrame()
		require.NoError(t, err, "screen so far: %q", screen.String())
		if frame.Type == protocol.TypeOutput {
			screen.Write(frame.Payload)
		}
	}
	return screen.String()
}

func TestEndToEndThroughGateway(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping end-to-end test in short mode")
	}
	gin.SetMode(gin.TestMode)

	local := provision.NewLocal(bridge.Options{
		Shell:      "/bin/sh",
		RuntimeDir: t.TempDir(),
		StopGrace:  200 * time.Millisecond,
	})
	registry := session.NewRegistry(local, session.Options{StartupTimeout: 10 * time.Second})
	t.Cleanup(func() { _ = registry.Close(context.Background()) })

	h, err := NewHandlers(Options{Registry: registry})
	require.NoError(t, err)
	router := gin.New()
	h.Register(router)
	srv := httptest.NewServer(router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	api := client.NewAPI(srv.URL)
	resp, err := api.Connect(ctx, client.ConnectRequest{
		Instance: "dev1.example.com",
		Username: "admin",
		Password: "hunter2",
		APIKey:   "sk-test",
	})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(resp.WSURL, "ws://"))

	conn, err := client.Dial(ctx, resp.WSURL)
	require.NoError(t, err)

	// a malformed resize is dropped without closing the connection
	require.NoError(t, conn.WriteMessage(transport.BinaryMessage, []byte("1{not json")))

	term := client.NewTerminal(conn, client.TerminalOptions{GraceDelay: -1, ResizeWindow: 10 * time.Millisecond})
	require.NoError(t, term.Resize(120, 40))
	time.Sleep(100 * time.Millisecond)

	_, err = term.Write([]byte("stty size; echo \"$SERVICENOW_INSTANCE\" relay-$((1+1))\n"))
	require.NoError(t, err)
	screen := waitFor(t, term, "relay-2")
	assert.Contains(t, screen, "40 120")
	assert.Contains(t, screen, "dev1.example.com relay-2")
	require.NoError(t, term.Close())

	// closing the terminal ends the shell but not the backend
	running, ok := registry.Lookup(resp.SessionID)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		health, err := http.Get(running.Backend.HealthURL)
		if err != nil {
			return false
		}
		defer health.Body.Close()
		var body struct {
			Attached bool `json:"attached"`
		}
		return sonic.ConfigDefault.NewDecoder(health.Body).Decode(&body) == nil && !body.Attached
	}, 5*time.Second, 50*time.Millisecond)

	// reconnecting needs no credentials and keeps the backend
	again, err := api.Connect(ctx, client.ConnectRequest{SessionID: resp.SessionID})
	require.NoError(t, err)
	assert.Equal(t, resp.SessionID, again.SessionID)

	require.Eventually(t, func() bool {
		got, _ := registry.Lookup(resp.SessionID)
		return got.Attached == 0
	}, 5*time.Second, 20*time.Millisecond)

	conn, err = client.Dial(ctx, again.WSURL)
	require.NoError(t, err)
	term = client.NewTerminal(conn, client.TerminalOptions{GraceDelay: -1})
	_, err = term.Write([]byte("echo second-$((2+2))\n"))
	require.NoError(t, err)
	waitFor(t, term, "second-4")
	require.NoError(t, term.Close())

	require.NoError(t, api.Disconnect(ctx, resp.SessionID))
	sessions, err := api.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "stopped", sessions[0].Status)

	_, err = client.Dial(ctx, again.WSURL)
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}
