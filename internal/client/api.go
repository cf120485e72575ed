package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/GriffinCanCode/termrelay/internal/transport"
	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
)

// connectTimeout covers backend provisioning on the gateway.
const connectTimeout = 90 * time.Second

// ConnectRequest is the body of POST /api/connect.
type ConnectRequest struct {
	Instance  string `json:"instance"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	APIKey    string `json:"anthropicApiKey"`
	SessionID string `json:"sessionId,omitempty"`
}

// ConnectResponse names the session and where to attach to it.
type ConnectResponse struct {
	SessionID string `json:"sessionId"`
	WSURL     string `json:"wsUrl"`
}

// SessionInfo is one entry of GET /api/sessions.
type SessionInfo struct {
	ID         string    `json:"sessionId"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
	LastActive time.Time `json:"lastActive"`
	Attached   int       `json:"attached"`
}

// APIError is a non-2xx answer from the gateway.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway returned %d", e.StatusCode)
	}
	return fmt.Sprintf("gateway returned %d: %s", e.StatusCode, e.Message)
}

type errorBody struct {
	Error string `json:"error"`
}

// API is a client for the gateway HTTP API. It never retries on its own:
// every retry is a new request by the caller.
type API struct {
	http *resty.Client
}

// NewAPI creates a client for the gateway at baseURL.
func NewAPI(baseURL string) *API {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(connectTimeout).
		SetHeader("User-Agent", "termctl/1.0").
		SetJSONMarshaler(sonic.Marshal).
		SetJSONUnmarshaler(sonic.Unmarshal)
	return &API{http: c}
}

// Connect creates or resumes a session.
func (a *API) Connect(ctx context.Context, req ConnectRequest) (ConnectResponse, error) {
	var out ConnectResponse
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		SetError(&errorBody{}).
		Post("/api/connect")
	if err := check(resp, err); err != nil {
		return ConnectResponse{}, fmt.Errorf("connect: %w", err)
	}
	return out, nil
}

// Disconnect stops a session. Unknown sessions are not an error.
func (a *API) Disconnect(ctx context.Context, sessionID string) error {
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"sessionId": sessionID}).
		SetError(&errorBody{}).
		Post("/api/disconnect")
	if err := check(resp, err); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	return nil
}

// Sessions lists the sessions known to the gateway.
func (a *API) Sessions(ctx context.Context) ([]SessionInfo, error) {
	var out struct {
		Sessions []SessionInfo `json:"sessions"`
	}
	resp, err := a.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&errorBody{}).
		Get("/api/sessions")
	if err := check(resp, err); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out.Sessions, nil
}

func check(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if !resp.IsError() {
		return nil
	}
	apiErr := &APIError{StatusCode: resp.StatusCode()}
	if body, ok := resp.Error().(*errorBody); ok && body != nil {
		apiErr.Message = body.Error
	}
	return apiErr
}

// Dial opens the terminal connection returned by Connect.
func Dial(ctx context.Context, wsURL string) (*transport.WebSocket, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if errors.Is(err, websocket.ErrBadHandshake) {
				return nil, &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
			}
		}
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	return transport.NewWebSocket(conn), nil
}
