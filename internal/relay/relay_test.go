package relay

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GriffinCanCode/termrelay/internal/transport"
	"github.com/gorilla/websocket"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// harness wires a relay between two in-memory pipes. The test drives the
// client and backend peers.
type harness struct {
	relay  *Relay
	client transport.Conn // the remote client's end
	server transport.Conn // the backend's end
	result chan error
}

func startRelay(t *testing.T, opts Options) *harness {
	t.Helper()

	clientPeer, clientEnd := transport.Pipe()
	backendEnd, backendPeer := transport.Pipe()

	r := New("sess_test", opts)
	require.NoError(t, r.Attach(clientEnd, backendEnd))

	h := &harness{relay: r, client: clientPeer, server: backendPeer, result: make(chan error, 1)}
	go func() { h.result <- r.Run(context.Background()) }()
	t.Cleanup(func() {
		_ = clientPeer.Close()
		_ = backendPeer.Close()
	})
	return h
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.result:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not finish")
		return nil
	}
}

// forward writes chunks into src and collects them from dst.
func forward(t *testing.T, src, dst transport.Conn, chunks [][]byte) []byte {
	t.Helper()

	go func() {
		for _, c := range chunks {
			if err := src.WriteMessage(transport.BinaryMessage, c); err != nil {
				return
			}
		}
	}()

	total := 0
	for _, c := range chunks {
		total += len(c)
	}

	var got bytes.Buffer
	for got.Len() < total {
		kind, data, err := dst.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, transport.BinaryMessage, kind)
		got.Write(data)
	}
	return got.Bytes()
}

func split(rng *rand.Rand, payload []byte, maxChunk int) [][]byte {
	var chunks [][]byte
	for len(payload) > 0 {
		n := 1 + rng.Intn(maxChunk)
		if n > len(payload) {
			n = len(payload)
		}
		chunks = append(chunks, payload[:n])
		payload = payload[n:]
	}
	return chunks
}

func TestRelayForwardsMegabyteUnmodified(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	payload := make([]byte, 1<<20)
	rng.Read(payload)

	h := startRelay(t, Options{})

	t.Run("upstream", func(t *testing.T) {
		got := forward(t, h.client, h.server, split(rng, payload, 16*1024))
		assert.True(t, bytes.Equal(payload, got), "upstream stream corrupted")
	})
	t.Run("downstream", func(t *testing.T) {
		got := forward(t, h.server, h.client, split(rng, payload, 4*1024))
		assert.True(t, bytes.Equal(payload, got), "downstream stream corrupted")
	})

	assert.Equal(t, StateRelaying, h.relay.State())
}

func TestRelayPreservesMessageTypes(t *testing.T) {
	h := startRelay(t, Options{})

	require.NoError(t, h.client.WriteMessage(transport.TextMessage, []byte("0ls\n")))
	require.NoError(t, h.client.WriteMessage(transport.BinaryMessage, []byte{'1', 0x00}))

	kind, data, err := h.server.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, transport.TextMessage, kind)
	assert.Equal(t, []byte("0ls\n"), data)

	kind, data, err = h.server.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, transport.BinaryMessage, kind)
	assert.Equal(t, []byte{'1', 0x00}, data)
}

func TestRelayProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("any message sequence arrives unchanged and in order", prop.ForAll(
		func(msgs [][]byte) bool {
			clientPeer, clientEnd := transport.Pipe()
			backendEnd, backendPeer := transport.Pipe()
			defer clientPeer.Close()
			defer backendPeer.Close()

			r := New("sess_prop", Options{})
			if r.Attach(clientEnd, backendEnd) != nil {
				return false
			}
			go func() { _ = r.Run(context.Background()) }()

			go func() {
				for _, m := range msgs {
					_ = clientPeer.WriteMessage(transport.BinaryMessage, m)
				}
			}()
			for _, want := range msgs {
				_, got, err := backendPeer.ReadMessage()
				if err != nil || !bytes.Equal(got, want) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.SliceOf(gen.UInt8())),
	))

	properties.TestingRun(t)
}

func TestClosingOneSideClosesTheOther(t *testing.T) {
	tests := []struct {
		name   string
		closer func(h *harness) transport.Conn
		other  func(h *harness) transport.Conn
	}{
		{"client hangs up", func(h *harness) transport.Conn { return h.client }, func(h *harness) transport.Conn { return h.server }},
		{"backend hangs up", func(h *harness) transport.Conn { return h.server }, func(h *harness) transport.Conn { return h.client }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := startRelay(t, Options{})
			require.NoError(t, tt.closer(h).Close())

			read := make(chan error, 1)
			go func() {
				_, _, err := tt.other(h).ReadMessage()
				read <- err
			}()

			select {
			case err := <-read:
				assert.ErrorIs(t, err, transport.ErrClosed)
			case <-time.After(time.Second):
				t.Fatal("other side still open")
			}

			assert.NoError(t, h.wait(t), "an orderly close is not an error")
			assert.Equal(t, StateClosed, h.relay.State())
		})
	}
}

// failingConn fails its first read.
type failingConn struct {
	err    error
	closed atomic.Bool
}

func (f *failingConn) ReadMessage() (int, []byte, error) { return 0, nil, f.err }
func (f *failingConn) WriteMessage(int, []byte) error    { return f.err }
func (f *failingConn) Close() error {
	f.closed.Store(true)
	return nil
}

func TestTransportErrorClosesBothSides(t *testing.T) {
	boom := errors.New("connection reset by peer")
	backend := &failingConn{err: boom}
	clientPeer, clientEnd := transport.Pipe()
	defer clientPeer.Close()

	r := New("sess_err", Options{})
	require.NoError(t, r.Attach(clientEnd, backend))

	err := r.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), string(Downstream))

	assert.True(t, backend.closed.Load())
	_, _, err = clientPeer.ReadMessage()
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestSlowReaderAppliesBackpressure(t *testing.T) {
	h := startRelay(t, Options{})

	var sent atomic.Int32
	go func() {
		for i := 0; i < 200; i++ {
			if err := h.client.WriteMessage(transport.BinaryMessage, []byte{byte(i)}); err != nil {
				return
			}
			sent.Add(1)
		}
	}()

	time.Sleep(200 * time.Millisecond)
	assert.Less(t, sent.Load(), int32(200), "writer must block while nobody reads")

	for i := 0; i < 200; i++ {
		_, data, err := h.server.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, []byte{byte(i)}, data)
	}
}

func TestObserverCountsMessages(t *testing.T) {
	var mu sync.Mutex
	counts := map[Direction]int{}
	sizes := map[Direction]int{}

	h := startRelay(t, Options{Observe: func(dir Direction, size int) {
		mu.Lock()
		defer mu.Unlock()
		counts[dir]++
		sizes[dir] += size
	}})

	require.NoError(t, h.client.WriteMessage(transport.BinaryMessage, []byte("0abc")))
	_, _, err := h.server.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, h.server.WriteMessage(transport.BinaryMessage, []byte{0, 'x'}))
	_, _, err = h.client.ReadMessage()
	require.NoError(t, err)

	require.NoError(t, h.client.Close())
	h.wait(t)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, counts[Upstream])
	assert.Equal(t, 4, sizes[Upstream])
	assert.Equal(t, 1, counts[Downstream])
	assert.Equal(t, 2, sizes[Downstream])
}

func TestStateMachine(t *testing.T) {
	t.Run("transition table", func(t *testing.T) {
		assert.True(t, CanTransition(StateConnecting, StateRelaying))
		assert.True(t, CanTransition(StateConnecting, StateClosed))
		assert.True(t, CanTransition(StateRelaying, StateClosing))
		assert.True(t, CanTransition(StateClosing, StateClosed))

		assert.False(t, CanTransition(StateRelaying, StateConnecting))
		assert.False(t, CanTransition(StateRelaying, StateClosed))
		assert.False(t, CanTransition(StateClosed, StateRelaying))
		assert.False(t, CanTransition(StateClosing, StateRelaying))
	})

	t.Run("run requires both sides", func(t *testing.T) {
		r := New("sess_sm", Options{})
		assert.ErrorIs(t, r.Run(context.Background()), ErrInvalidTransition)
		assert.Equal(t, StateConnecting, r.State())
	})

	t.Run("abort from connecting", func(t *testing.T) {
		clientPeer, clientEnd := transport.Pipe()
		backendEnd, _ := transport.Pipe()

		r := New("sess_sm", Options{})
		require.NoError(t, r.Attach(clientEnd, backendEnd))
		require.NoError(t, r.Abort())
		assert.Equal(t, StateClosed, r.State())

		_, _, err := clientPeer.ReadMessage()
		assert.ErrorIs(t, err, transport.ErrClosed)
		<-r.Done()

		assert.ErrorIs(t, r.Abort(), ErrInvalidTransition)
		assert.ErrorIs(t, r.Attach(clientEnd, backendEnd), ErrInvalidTransition)
		assert.ErrorIs(t, r.Run(context.Background()), ErrInvalidTransition)
	})

	t.Run("observed transitions", func(t *testing.T) {
		var mu sync.Mutex
		var seen []State
		h := startRelay(t, Options{OnStateChange: func(_, to State) {
			mu.Lock()
			seen = append(seen, to)
			mu.Unlock()
		}})

		require.Eventually(t, func() bool { return h.relay.State() == StateRelaying }, time.Second, 5*time.Millisecond)
		require.NoError(t, h.relay.Close())
		require.NoError(t, h.wait(t))

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []State{StateRelaying, StateClosing, StateClosed}, seen)
	})
}

func TestContextCancellationStopsRelay(t *testing.T) {
	clientPeer, clientEnd := transport.Pipe()
	backendEnd, backendPeer := transport.Pipe()
	defer clientPeer.Close()
	defer backendPeer.Close()

	r := New("sess_ctx", Options{})
	require.NoError(t, r.Attach(clientEnd, backendEnd))

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- r.Run(ctx) }()

	cancel()
	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay ignored cancellation")
	}

	_, _, err := backendPeer.ReadMessage()
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// floodBackend writes output frames until its socket fails.
func floodBackend(t *testing.T) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		chunk := append([]byte{0}, bytes.Repeat([]byte("x"), 512)...)
		for {
			if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClientNormalCloseOverWebSocket(t *testing.T) {
	backend := floodBackend(t)
	up := websocket.Upgrader{}
	results := make(chan error, 1)

	front := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backendConn, _, err := websocket.DefaultDialer.Dial(wsURL(backend), nil)
		if err != nil {
			results <- err
			return
		}
		clientConn, err := up.Upgrade(w, r, nil)
		if err != nil {
			_ = backendConn.Close()
			results <- err
			return
		}
		rl := New("sess_ws", Options{})
		if err := rl.Attach(transport.NewWebSocket(clientConn), transport.NewWebSocket(backendConn)); err != nil {
			results <- err
			return
		}
		results <- rl.Run(context.Background())
	}))
	defer front.Close()

	for i := 0; i < 20; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL(front), nil)
		require.NoError(t, err)

		for n := 0; n < 5; n++ {
			_, _, err := conn.ReadMessage()
			require.NoError(t, err)
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		require.NoError(t, conn.WriteMessage(websocket.CloseMessage, msg))

		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		_ = conn.Close()

		select {
		case err := <-results:
			assert.NoError(t, err, "run %d: a normal close is not a transport error", i)
		case <-time.After(2 * time.Second):
			t.Fatalf("run %d: relay did not finish", i)
		}
	}
}
