package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/avatar-relay/avatar-relay/pkg/relay/events"
)

var upgrader = websocket.Upgrader{}

// testConfig keeps reconnect timing short enough for tests.
func testConfig() Config {
	return Config{
		MaxReconnectAttempts: 2,
		ReconnectBaseDelay:   10 * time.Millisecond,
		HeartbeatInterval:    time.Hour,
		HandshakeTimeout:     time.Second,
	}
}

// wsServer runs handler for every accepted control-channel connection and
// counts dials.
type wsServer struct {
	srv   *httptest.Server
	dials atomic.Int32
}

func newWSServer(t *testing.T, handler func(conn *websocket.Conn)) *wsServer {
	t.Helper()
	ws := &wsServer{}
	ws.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ws.dials.Add(1)
		handler(conn)
	}))
	t.Cleanup(ws.srv.Close)
	return ws
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestConnectDispatchesEvents(t *testing.T) {
	var headerMu sync.Mutex
	var gotAuth, gotClient string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headerMu.Lock()
		gotAuth = r.Header.Get("Authorization")
		gotClient = r.Header.Get("X-API-Client")
		headerMu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"agent.speak_started","event_id":"123_abcdefg"}`))
		// Hold the connection open until the client leaves.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	var mu sync.Mutex
	var specific, catchAll []events.ProviderEventType

	c := New("sess_test", "ws"+strings.TrimPrefix(srv.URL, "http"), "tok_secret", testConfig())
	c.On(events.ProviderEventTypeSpeakStarted, func(e *events.ProviderEvent) {
		mu.Lock()
		specific = append(specific, e.Type)
		mu.Unlock()
	})
	c.OnAny(func(e *events.ProviderEvent) {
		mu.Lock()
		catchAll = append(catchAll, e.Type)
		mu.Unlock()
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer c.Disconnect()

	if !c.IsOpen() {
		t.Fatal("expected channel open after connect")
	}
	headerMu.Lock()
	if gotAuth != "Bearer tok_secret" {
		t.Errorf("unexpected Authorization header %q", gotAuth)
	}
	if gotClient != clientID {
		t.Errorf("unexpected X-API-Client header %q", gotClient)
	}
	headerMu.Unlock()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(specific) == 1 && len(catchAll) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if specific[0] != events.ProviderEventTypeSpeakStarted {
		t.Errorf("unexpected event %s", specific[0])
	}
}

func TestMalformedEventDropped(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"missing":"type"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"agent.idle_started"}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	var count atomic.Int32
	c := New("sess_test", srv.url(), "tok", testConfig())
	c.OnAny(func(e *events.ProviderEvent) {
		count.Add(1)
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer c.Disconnect()

	waitFor(t, func() bool { return count.Load() == 1 })

	// The malformed frames never reach handlers and the connection survives.
	time.Sleep(20 * time.Millisecond)
	if got := count.Load(); got != 1 {
		t.Errorf("expected exactly one dispatched event, got %d", got)
	}
	if !c.IsOpen() {
		t.Error("expected connection to survive malformed frames")
	}
}

func TestCommandsCarryEventIDs(t *testing.T) {
	type frame struct {
		Type    string `json:"type"`
		EventID string `json:"event_id"`
		Audio   string `json:"audio"`
	}
	frames := make(chan frame, 8)
	srv := newWSServer(t, func(conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f frame
			if err := json.Unmarshal(data, &f); err == nil {
				frames <- f
			}
		}
	})

	c := New("sess_test", srv.url(), "tok", testConfig())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer c.Disconnect()

	id := c.Speak("QUJD")
	if id == "" {
		t.Fatal("expected event ID from Speak")
	}

	select {
	case f := <-frames:
		if f.Type != string(events.CommandTypeSpeak) {
			t.Errorf("unexpected command type %q", f.Type)
		}
		if f.EventID != id {
			t.Errorf("wire event_id %q does not match returned ID %q", f.EventID, id)
		}
		if f.Audio != "QUJD" {
			t.Errorf("unexpected audio %q", f.Audio)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("speak command never reached server")
	}
}

func TestCommandWhileDisconnectedStillReturnsID(t *testing.T) {
	c := New("sess_test", "ws://127.0.0.1:1/ws", "tok", testConfig())

	if id := c.Interrupt(); id == "" {
		t.Error("expected event ID even while disconnected")
	}
	if id := c.Speak("QUJD"); id == "" {
		t.Error("expected event ID even while disconnected")
	}
}

func TestReconnectAfterAbnormalClose(t *testing.T) {
	// First connection drops immediately without a close handshake; later
	// connections stay up.
	var first atomic.Bool
	first.Store(true)
	srv := newWSServer(t, func(conn *websocket.Conn) {
		if first.Swap(false) {
			conn.UnderlyingConn().Close()
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c := New("sess_test", srv.url(), "tok", testConfig())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer c.Disconnect()

	waitFor(t, func() bool { return srv.dials.Load() >= 2 && c.IsOpen() })
}

func TestReconnectAttemptsBounded(t *testing.T) {
	// The first connection drops abruptly; every later dial is rejected, so
	// the channel burns through its attempt budget and stays down.
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) > 1 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.UnderlyingConn().Close()
	}))
	defer srv.Close()

	cfg := testConfig()
	c := New("sess_test", "ws"+strings.TrimPrefix(srv.URL, "http"), "tok", cfg)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	// 1 initial dial + MaxReconnectAttempts failed retries, then it stays down.
	waitFor(t, func() bool {
		return attempts.Load() >= int32(1+cfg.MaxReconnectAttempts)
	})
	time.Sleep(100 * time.Millisecond)
	if got := attempts.Load(); got != int32(1+cfg.MaxReconnectAttempts) {
		t.Errorf("expected %d dials, got %d", 1+cfg.MaxReconnectAttempts, got)
	}
	if c.IsOpen() {
		t.Error("expected channel to stay down after exhausting attempts")
	}
}

func TestNoReconnectAfterNormalClose(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
		conn.ReadMessage()
		conn.Close()
	})

	var closed atomic.Bool
	c := New("sess_test", srv.url(), "tok", testConfig())
	c.OnDisconnected(func(code int, reason string) {
		if code == websocket.CloseNormalClosure {
			closed.Store(true)
		}
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	waitFor(t, func() bool { return closed.Load() })
	time.Sleep(100 * time.Millisecond)
	if got := srv.dials.Load(); got != 1 {
		t.Errorf("normal closure must not trigger reconnect, got %d dials", got)
	}
}

func TestDisconnectSuppressesReconnect(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c := New("sess_test", srv.url(), "tok", testConfig())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	c.Disconnect()
	c.Disconnect() // idempotent

	time.Sleep(100 * time.Millisecond)
	if got := srv.dials.Load(); got != 1 {
		t.Errorf("deliberate disconnect must not trigger reconnect, got %d dials", got)
	}
	if c.State() != StateDisconnected {
		t.Errorf("expected disconnected state, got %s", c.State())
	}
}

func TestStaleReconnectTimerCannotReviveChannel(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c := New("sess_test", srv.url(), "tok", testConfig())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	// A reconnect timer armed against the live connection whose Stop lost the
	// race with Disconnect must not dial again.
	c.mu.Lock()
	staleEpoch := c.epoch
	c.mu.Unlock()

	c.Disconnect()
	c.reconnect(staleEpoch)

	time.Sleep(50 * time.Millisecond)
	if got := srv.dials.Load(); got != 1 {
		t.Errorf("stale reconnect must not dial, got %d dials", got)
	}
	if c.IsOpen() {
		t.Error("expected channel to stay down")
	}
	if c.State() != StateDisconnected {
		t.Errorf("expected disconnected state, got %s", c.State())
	}
}

func TestDisconnectDuringDialLeavesChannelDown(t *testing.T) {
	dialStarted := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(dialStarted)
		<-release
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	var connected atomic.Int32
	c := New("sess_test", "ws"+strings.TrimPrefix(srv.URL, "http"), "tok", testConfig())
	c.OnConnected(func() {
		connected.Add(1)
	})

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()

	// Disconnect while the handshake is stalled, then let the dial land.
	<-dialStarted
	c.Disconnect()
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("superseded connect should resolve cleanly, got %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if c.IsOpen() {
		t.Error("late open must not revive a deliberately disconnected channel")
	}
	if c.State() != StateDisconnected {
		t.Errorf("expected disconnected state, got %s", c.State())
	}
	if got := connected.Load(); got != 0 {
		t.Errorf("expected no connected notification, got %d", got)
	}
}

func TestHeartbeat(t *testing.T) {
	keepAlives := make(chan struct{}, 8)
	srv := newWSServer(t, func(conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cmd struct {
				Type string `json:"type"`
			}
			if json.Unmarshal(data, &cmd) == nil && cmd.Type == string(events.CommandTypeKeepAlive) {
				keepAlives <- struct{}{}
			}
		}
	})

	cfg := testConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	c := New("sess_test", srv.url(), "tok", cfg)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer c.Disconnect()

	for i := 0; i < 2; i++ {
		select {
		case <-keepAlives:
		case <-time.After(2 * time.Second):
			t.Fatal("keep-alive never arrived")
		}
	}
}

func TestReconnectDelayLinear(t *testing.T) {
	c := New("sess_test", "ws://example/ws", "tok", DefaultConfig())

	for attempt := 1; attempt <= 5; attempt++ {
		want := time.Duration(attempt) * time.Second
		if got := c.reconnectDelay(attempt); got != want {
			t.Errorf("attempt %d: expected %s, got %s", attempt, want, got)
		}
	}
}

func TestConnectIdempotentWhileConnected(t *testing.T) {
	srv := newWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	var connected atomic.Int32
	c := New("sess_test", srv.url(), "tok", testConfig())
	c.OnConnected(func() {
		connected.Add(1)
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect on an open channel should be a no-op, got %v", err)
	}
	if got := srv.dials.Load(); got != 1 {
		t.Errorf("expected a single dial, got %d", got)
	}
	if got := connected.Load(); got != 1 {
		t.Errorf("expected exactly one connected notification, got %d", got)
	}
}
