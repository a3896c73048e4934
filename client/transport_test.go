package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dipu67/socialApp-sub000/wire"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// relayStub accepts connections like the relay does: token required, frames
// recorded, with hooks to push frames and drop connections.
type relayStub struct {
	mu       sync.Mutex
	conns    []*websocket.Conn
	received []wire.Envelope
	accepts  int
}

func (s *relayStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("access_token") == "" {
			http.Error(w, "Missing token", http.StatusUnauthorized)
			return
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.accepts++
		s.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env wire.Envelope
			if json.Unmarshal(data, &env) == nil {
				s.mu.Lock()
				s.received = append(s.received, env)
				s.mu.Unlock()
			}
		}
	}
}

func (s *relayStub) push(t *testing.T, event string, payload interface{}) {
	t.Helper()
	data, err := wire.Marshal(event, payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		t.Fatalf("no connection to push to")
	}
	if err := s.conns[len(s.conns)-1].WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("push: %v", err)
	}
}

func (s *relayStub) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func (s *relayStub) events() []wire.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]wire.Envelope{}, s.received...)
}

func (s *relayStub) acceptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepts
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConnectWithoutSessionFailsClosed(t *testing.T) {
	tr := NewTransport("ws://localhost:0/ws", "")
	if err := tr.Connect(); err != ErrNoSession {
		t.Fatalf("Connect = %v, want ErrNoSession", err)
	}
	if tr.State() != StateDisconnected {
		t.Fatalf("state = %q after failed-closed connect", tr.State())
	}
}

func TestConnectAndDispatch(t *testing.T) {
	stub := &relayStub{}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	tr := NewTransport(wsURL(srv), "tok")
	tr.retryWait = 10 * time.Millisecond
	defer tr.Close()

	got := make(chan wire.Presence, 1)
	tr.On(wire.EventPresence, func(_ string, data json.RawMessage) {
		var p wire.Presence
		if json.Unmarshal(data, &p) == nil {
			got <- p
		}
	})

	if err := tr.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if tr.State() != StateConnected {
		t.Fatalf("state = %q, want connected", tr.State())
	}

	stub.push(t, wire.EventPresence, wire.Presence{UserID: 5, Username: "bob", Status: "online"})
	select {
	case p := <-got:
		if p.UserID != 5 || p.Status != "online" {
			t.Errorf("dispatched payload = %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("event never dispatched")
	}
}

func TestJoinBeforeConnectIsReplayed(t *testing.T) {
	stub := &relayStub{}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	tr := NewTransport(wsURL(srv), "tok")
	tr.retryWait = 10 * time.Millisecond
	defer tr.Close()

	// Not connected yet: must not be fatal, and must not be lost.
	tr.JoinRoom("chat-1")

	if err := tr.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitFor(t, func() bool {
		for _, env := range stub.events() {
			if env.Event == wire.EventJoinRoom {
				return true
			}
		}
		return false
	}, "queued join to be replayed")
}

func TestServerDropTriggersReconnect(t *testing.T) {
	stub := &relayStub{}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	tr := NewTransport(wsURL(srv), "tok")
	tr.retryWait = 10 * time.Millisecond
	defer tr.Close()

	if err := tr.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	tr.JoinRoom("chat-1")

	// The drop must not race the stub's read of the initial join frame.
	waitFor(t, func() bool {
		for _, env := range stub.events() {
			if env.Event == wire.EventJoinRoom {
				return true
			}
		}
		return false
	}, "initial join before drop")

	stub.dropAll()

	waitFor(t, func() bool { return stub.acceptCount() >= 2 }, "reconnect")
	waitFor(t, func() bool { return tr.State() == StateConnected }, "connected state after reconnect")

	// Membership is re-established on the new connection.
	waitFor(t, func() bool {
		joins := 0
		for _, env := range stub.events() {
			if env.Event == wire.EventJoinRoom {
				joins++
			}
		}
		return joins >= 2
	}, "room rejoin after reconnect")
}

func TestBoundedAttemptsExhausted(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := wsURL(srv)
	srv.Close() // nothing listening anymore

	tr := NewTransport(addr, "tok")
	tr.maxAttempts = 2
	tr.retryWait = 5 * time.Millisecond

	if err := tr.Connect(); err == nil {
		t.Fatalf("Connect succeeded against a dead server")
	}
	if tr.State() != StateError {
		t.Fatalf("state = %q after exhausted attempts", tr.State())
	}
}

func TestCloseIsIdempotentAndFinal(t *testing.T) {
	stub := &relayStub{}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	tr := NewTransport(wsURL(srv), "tok")
	tr.retryWait = 10 * time.Millisecond
	if err := tr.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if tr.State() != StateDisconnected {
		t.Fatalf("state = %q after close", tr.State())
	}
	if err := tr.Emit(wire.EventStartTyping, wire.Typing{ChatID: "c"}); err != ErrClosed {
		t.Fatalf("Emit after close = %v, want ErrClosed", err)
	}

	// A client-initiated close must not reconnect.
	time.Sleep(50 * time.Millisecond)
	if stub.acceptCount() != 1 {
		t.Fatalf("transport reconnected after explicit close")
	}
}
