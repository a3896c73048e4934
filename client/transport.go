package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dipu67/socialApp-sub000/wire"
)

// ConnState is the transport's connection phase, exposed to the engines.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateError        ConnState = "error"
)

var (
	// ErrNoSession means no token was supplied; the transport fails closed
	// and never attempts a connection.
	ErrNoSession    = errors.New("no session token")
	ErrNotConnected = errors.New("transport not connected")
	ErrClosed       = errors.New("transport closed")
)

// Transport owns the single persistent connection for a signed-in session.
// It is an explicit object: create it at session start, Close it at sign-out.
// Room membership is remembered across reconnects; join/leave while not
// connected are recorded and replayed once the connection is up.
type Transport struct {
	url    string
	token  string
	dialer *websocket.Dialer

	maxAttempts int
	retryWait   time.Duration

	mu     sync.Mutex
	conn   *websocket.Conn
	state  ConnState
	rooms  map[string]bool
	closed bool

	handlerMu sync.RWMutex
	handlers  map[string][]EventHandler
	stateSubs []func(ConnState)
}

// NewTransport builds a transport for the given websocket URL and session
// token. It does not connect; call Connect.
func NewTransport(wsURL, token string) *Transport {
	return &Transport{
		url:         wsURL,
		token:       token,
		dialer:      websocket.DefaultDialer,
		maxAttempts: 5,
		retryWait:   time.Second,
		state:       StateDisconnected,
		rooms:       make(map[string]bool),
		handlers:    make(map[string][]EventHandler),
	}
}

// State returns the current connection phase.
func (t *Transport) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// OnStateChange subscribes to connection phase transitions.
func (t *Transport) OnStateChange(fn func(ConnState)) {
	t.handlerMu.Lock()
	t.stateSubs = append(t.stateSubs, fn)
	t.handlerMu.Unlock()
}

// On subscribes a handler to a named event.
func (t *Transport) On(event string, fn EventHandler) {
	t.handlerMu.Lock()
	t.handlers[event] = append(t.handlers[event], fn)
	t.handlerMu.Unlock()
}

// Connect establishes the connection, retrying a bounded number of times.
// Without a session token it fails closed immediately.
func (t *Transport) Connect() error {
	if t.token == "" {
		return ErrNoSession
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.mu.Unlock()
	return t.connect()
}

func (t *Transport) connect() error {
	var lastErr error
	for attempt := 0; attempt < t.maxAttempts; attempt++ {
		t.setState(StateConnecting)

		conn, resp, err := t.dialer.Dial(t.authURL(), nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err == nil {
			t.mu.Lock()
			if t.closed {
				t.mu.Unlock()
				conn.Close()
				return ErrClosed
			}
			t.conn = conn
			rooms := make([]string, 0, len(t.rooms))
			for r := range t.rooms {
				rooms = append(rooms, r)
			}
			t.mu.Unlock()

			t.setState(StateConnected)
			for _, r := range rooms {
				_ = t.Emit(wire.EventJoinRoom, wire.JoinRoom{ChatID: r})
			}
			go t.readLoop(conn)
			return nil
		}

		lastErr = err
		time.Sleep(t.retryWait * time.Duration(attempt+1))

		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return ErrClosed
		}
	}

	t.setState(StateError)
	return fmt.Errorf("connect: attempts exhausted: %w", lastErr)
}

func (t *Transport) authURL() string {
	sep := "?"
	if strings.Contains(t.url, "?") {
		sep = "&"
	}
	return t.url + sep + "access_token=" + url.QueryEscape(t.token)
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			if t.conn == conn {
				t.conn = nil
			}
			t.mu.Unlock()
			conn.Close()

			if closed {
				t.setState(StateDisconnected)
				return
			}
			// Server-initiated drop: reconnect right away, bounded.
			t.setState(StateDisconnected)
			_ = t.connect()
			return
		}

		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		t.dispatch(env.Event, env.Data)
	}
}

func (t *Transport) dispatch(event string, data json.RawMessage) {
	t.handlerMu.RLock()
	fns := t.handlers[event]
	t.handlerMu.RUnlock()
	for _, fn := range fns {
		fn(event, data)
	}
}

func (t *Transport) setState(s ConnState) {
	t.mu.Lock()
	if t.state == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	t.mu.Unlock()

	t.handlerMu.RLock()
	subs := append([]func(ConnState){}, t.stateSubs...)
	t.handlerMu.RUnlock()
	for _, fn := range subs {
		fn(s)
	}
}

// JoinRoom records interest in a room. If connected, the join is sent now;
// otherwise it is replayed when the connection (re)establishes. Callers must
// not assume the join has taken effect synchronously.
func (t *Transport) JoinRoom(chatID string) {
	t.mu.Lock()
	t.rooms[chatID] = true
	t.mu.Unlock()
	_ = t.Emit(wire.EventJoinRoom, wire.JoinRoom{ChatID: chatID})
}

// LeaveRoom drops interest in a room. A no-op while not connected.
func (t *Transport) LeaveRoom(chatID string) {
	t.mu.Lock()
	delete(t.rooms, chatID)
	t.mu.Unlock()
	_ = t.Emit(wire.EventLeaveRoom, wire.LeaveRoom{ChatID: chatID})
}

// Emit sends an event over the connection. Returns ErrNotConnected while the
// transport is down; callers treat emission as best-effort.
func (t *Transport) Emit(event string, payload interface{}) error {
	data, err := wire.Marshal(event, payload)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.state != StateConnected || t.conn == nil {
		return ErrNotConnected
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close tears down the connection and releases all room memberships.
// Idempotent; a closed transport never reconnects.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	t.rooms = make(map[string]bool)
	t.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	}
	t.setState(StateDisconnected)
	return nil
}
