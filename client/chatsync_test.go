package client

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/dipu67/socialApp-sub000/wire"
)

type fakeTransport struct {
	mu       sync.Mutex
	state    ConnState
	joins    []string
	leaves   []string
	emits    []string
	handlers map[string][]EventHandler
	subs     []func(ConnState)
}

func newFakeTransport(state ConnState) *fakeTransport {
	return &fakeTransport{state: state, handlers: make(map[string][]EventHandler)}
}

func (f *fakeTransport) State() ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) JoinRoom(chatID string) {
	f.mu.Lock()
	f.joins = append(f.joins, chatID)
	f.mu.Unlock()
}

func (f *fakeTransport) LeaveRoom(chatID string) {
	f.mu.Lock()
	f.leaves = append(f.leaves, chatID)
	f.mu.Unlock()
}

func (f *fakeTransport) Emit(event string, _ interface{}) error {
	f.mu.Lock()
	f.emits = append(f.emits, event)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) On(event string, fn EventHandler) {
	f.mu.Lock()
	f.handlers[event] = append(f.handlers[event], fn)
	f.mu.Unlock()
}

func (f *fakeTransport) OnStateChange(fn func(ConnState)) {
	f.mu.Lock()
	f.subs = append(f.subs, fn)
	f.mu.Unlock()
}

func (f *fakeTransport) setState(s ConnState) {
	f.mu.Lock()
	f.state = s
	subs := append([]func(ConnState){}, f.subs...)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(s)
	}
}

// fire delivers a server push the way the real transport does: handlers get
// the raw payload bytes.
func (f *fakeTransport) fire(t *testing.T, event string, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	f.mu.Lock()
	fns := append([]EventHandler{}, f.handlers[event]...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(event, data)
	}
}

func (f *fakeTransport) emitted(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.emits {
		if e == event {
			n++
		}
	}
	return n
}

type fakeAPI struct {
	historyFn func(ctx context.Context, chatID string, limit int) ([]wire.Message, error)
	sendFn    func(ctx context.Context, chatID string, req wire.SendMessageRequest) (*wire.Message, error)
	reactFn   func(ctx context.Context, messageID, emoji string) (map[string][]int, error)

	mu          sync.Mutex
	historyN    int
	inflight    int
	maxInflight int
}

func (f *fakeAPI) History(ctx context.Context, chatID string, limit int) ([]wire.Message, error) {
	f.mu.Lock()
	f.historyN++
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()
	if f.historyFn != nil {
		return f.historyFn(ctx, chatID, limit)
	}
	return nil, nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, chatID string, req wire.SendMessageRequest) (*wire.Message, error) {
	if f.sendFn != nil {
		return f.sendFn(ctx, chatID, req)
	}
	return &wire.Message{ID: "srv-1", ChatID: chatID, Content: req.Content}, nil
}

func (f *fakeAPI) ToggleReaction(ctx context.Context, messageID, emoji string) (map[string][]int, error) {
	if f.reactFn != nil {
		return f.reactFn(ctx, messageID, emoji)
	}
	return nil, nil
}

func (f *fakeAPI) historyCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.historyN
}

func TestOpenSameChatIsNoop(t *testing.T) {
	api := &fakeAPI{}
	tr := newFakeTransport(StateConnected)
	s := NewChatSync(api, tr, 1)

	if err := s.Open(context.Background(), "chat-1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Open(context.Background(), "chat-1"); err != nil {
		t.Fatalf("second Open: %v", err)
	}
	if got := api.historyCalls(); got != 1 {
		t.Errorf("history calls = %d, want 1", got)
	}
	tr.mu.Lock()
	joins, leaves := len(tr.joins), len(tr.leaves)
	tr.mu.Unlock()
	if joins != 1 || leaves != 0 {
		t.Errorf("joins=%d leaves=%d, want 1/0", joins, leaves)
	}
}

func TestStaleFetchNeverOverwritesNewerChat(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	api := &fakeAPI{
		historyFn: func(_ context.Context, chatID string, _ int) ([]wire.Message, error) {
			if chatID == "chat-a" {
				started <- struct{}{}
				<-release
				return []wire.Message{{ID: "a-1", ChatID: "chat-a", Content: "old"}}, nil
			}
			return []wire.Message{{ID: "b-1", ChatID: "chat-b", Content: "fresh"}}, nil
		},
	}
	tr := newFakeTransport(StateConnected)
	s := NewChatSync(api, tr, 1)

	done := make(chan struct{})
	go func() {
		_ = s.Open(context.Background(), "chat-a")
		close(done)
	}()
	<-started

	if err := s.Open(context.Background(), "chat-b"); err != nil {
		t.Fatalf("Open chat-b: %v", err)
	}
	close(release)
	<-done

	if got := s.ChatID(); got != "chat-b" {
		t.Fatalf("open chat = %q, want chat-b", got)
	}
	msgs := s.Messages()
	if len(msgs) != 1 || msgs[0].ID != "b-1" {
		t.Fatalf("messages = %+v, want only chat-b history", msgs)
	}
}

func TestSendConfirmsWithServerIdentity(t *testing.T) {
	api := &fakeAPI{
		sendFn: func(_ context.Context, chatID string, req wire.SendMessageRequest) (*wire.Message, error) {
			return &wire.Message{ID: "srv-42", ChatID: chatID, SenderID: 1, Content: req.Content}, nil
		},
	}
	tr := newFakeTransport(StateConnected)
	s := NewChatSync(api, tr, 1)
	if err := s.Open(context.Background(), "chat-1"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	if !s.Send(context.Background(), "hello", nil) {
		t.Fatalf("Send returned false")
	}
	msgs := s.Messages()
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	if msgs[0].ID != "srv-42" || msgs[0].Delivery != DeliveryConfirmed {
		t.Errorf("entry = id %q delivery %q, want srv-42/confirmed", msgs[0].ID, msgs[0].Delivery)
	}
	if tr.emitted(wire.EventSendMessage) != 1 {
		t.Errorf("sendMessage not emitted after confirm")
	}
}

func TestFailedSendLeavesNoPendingEntry(t *testing.T) {
	inFlight := make(chan struct{}, 1)
	release := make(chan struct{})
	api := &fakeAPI{
		sendFn: func(context.Context, string, wire.SendMessageRequest) (*wire.Message, error) {
			inFlight <- struct{}{}
			<-release
			return nil, errors.New("write failed")
		},
	}
	tr := newFakeTransport(StateConnected)
	s := NewChatSync(api, tr, 1)
	if err := s.Open(context.Background(), "chat-1"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	result := make(chan bool, 1)
	go func() { result <- s.Send(context.Background(), "doomed", nil) }()
	<-inFlight

	// While the write is in flight the entry is visible as pending.
	msgs := s.Messages()
	if len(msgs) != 1 || msgs[0].Delivery != DeliveryPending {
		t.Fatalf("in-flight messages = %+v, want one pending", msgs)
	}

	close(release)
	if <-result {
		t.Fatalf("Send reported success for a failed write")
	}
	if msgs := s.Messages(); len(msgs) != 0 {
		t.Fatalf("failed send left %d entries behind", len(msgs))
	}
	if tr.emitted(wire.EventSendMessage) != 0 {
		t.Errorf("failed send must not be announced")
	}
}

func TestReactionTakesServerSet(t *testing.T) {
	api := &fakeAPI{
		historyFn: func(context.Context, string, int) ([]wire.Message, error) {
			return []wire.Message{{ID: "m1", ChatID: "chat-1"}}, nil
		},
		reactFn: func(_ context.Context, messageID, emoji string) (map[string][]int, error) {
			// Someone else reacted concurrently; the server set has both.
			return map[string][]int{"👍": {1, 7}}, nil
		},
	}
	tr := newFakeTransport(StateConnected)
	s := NewChatSync(api, tr, 1)
	if err := s.Open(context.Background(), "chat-1"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	if !s.AddReaction(context.Background(), "m1", "👍") {
		t.Fatalf("AddReaction returned false")
	}
	msgs := s.Messages()
	if got := msgs[0].Reactions["👍"]; len(got) != 2 {
		t.Fatalf("local reactions = %v, want the server's full set", msgs[0].Reactions)
	}
	if tr.emitted(wire.EventAddReaction) != 1 {
		t.Errorf("addReaction not emitted")
	}
}

func TestPushBurstCollapsesToOneFetch(t *testing.T) {
	api := &fakeAPI{}
	tr := newFakeTransport(StateConnected)
	s := NewChatSync(api, tr, 1)
	s.debounceWait = 20 * time.Millisecond
	if err := s.Open(context.Background(), "chat-1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	base := api.historyCalls()

	for i := 0; i < 5; i++ {
		tr.fire(t, wire.EventNewMessage, wire.NewMessage{ChatID: "chat-1", SenderID: 2})
	}
	waitFor(t, func() bool { return api.historyCalls() == base+1 }, "debounced fetch")

	time.Sleep(3 * s.debounceWait)
	if got := api.historyCalls(); got != base+1 {
		t.Fatalf("history calls after burst = %d, want %d", got, base+1)
	}
}

func TestPreviewCutsOnRuneBoundary(t *testing.T) {
	long := strings.Repeat("世", 30) // 90 bytes, boundary falls mid-rune
	got := preview(long)
	if !utf8.ValidString(got) {
		t.Fatalf("preview produced invalid UTF-8: %q", got)
	}
	if len(got) > 80 {
		t.Fatalf("preview length = %d bytes, want <= 80", len(got))
	}
	if short := "hello"; preview(short) != short {
		t.Fatalf("preview truncated a short message")
	}
}

func TestStaleDebounceCallbackKeepsNewTimer(t *testing.T) {
	api := &fakeAPI{}
	tr := newFakeTransport(StateConnected)
	s := NewChatSync(api, tr, 1)
	s.debounceWait = time.Millisecond
	if err := s.Open(context.Background(), "chat-1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	base := api.historyCalls()

	tr.fire(t, wire.EventNewMessage, wire.NewMessage{ChatID: "chat-1", SenderID: 2})

	// Hold the lock so the fired callback blocks before clearing its handle,
	// then swap in a fresh timer the way a later notification would.
	s.mu.Lock()
	time.Sleep(10 * time.Millisecond)
	fresh := time.AfterFunc(time.Hour, func() {})
	s.debounce = fresh
	s.mu.Unlock()

	waitFor(t, func() bool { return api.historyCalls() > base }, "debounced fetch")

	s.mu.Lock()
	kept := s.debounce == fresh
	s.mu.Unlock()
	fresh.Stop()
	if !kept {
		t.Fatalf("stale debounce callback cleared the newer timer's handle")
	}
}

func TestPushForOtherChatIsIgnored(t *testing.T) {
	api := &fakeAPI{}
	tr := newFakeTransport(StateConnected)
	s := NewChatSync(api, tr, 1)
	s.debounceWait = 10 * time.Millisecond
	if err := s.Open(context.Background(), "chat-1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	base := api.historyCalls()

	tr.fire(t, wire.EventNewMessage, wire.NewMessage{ChatID: "chat-other", SenderID: 2})
	time.Sleep(4 * s.debounceWait)
	if got := api.historyCalls(); got != base {
		t.Fatalf("history calls = %d, want %d (no fetch for another chat)", got, base)
	}
}

func TestPollingFollowsTransportState(t *testing.T) {
	api := &fakeAPI{}
	tr := newFakeTransport(StateDisconnected)
	s := NewChatSync(api, tr, 1)
	s.pollEvery = 15 * time.Millisecond

	if err := s.Open(context.Background(), "chat-1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	base := api.historyCalls()
	waitFor(t, func() bool { return api.historyCalls() >= base+2 }, "poll fetches while disconnected")

	tr.setState(StateConnected)
	time.Sleep(2 * s.pollEvery) // let any in-flight poll drain
	settled := api.historyCalls()
	time.Sleep(4 * s.pollEvery)
	if got := api.historyCalls(); got != settled {
		t.Fatalf("polling continued after reconnect: %d -> %d", settled, got)
	}

	if api.maxInflight > 1 {
		t.Fatalf("max concurrent fetches = %d, want 1", api.maxInflight)
	}
}

func TestTypingExpiresWithoutStop(t *testing.T) {
	api := &fakeAPI{}
	tr := newFakeTransport(StateConnected)
	s := NewChatSync(api, tr, 1)
	s.typingTTL = 30 * time.Millisecond
	if err := s.Open(context.Background(), "chat-1"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	tr.fire(t, wire.EventStartTyping, wire.Typing{ChatID: "chat-1", Username: "bob"})
	tr.fire(t, wire.EventStartTyping, wire.Typing{ChatID: "chat-1", Username: "ana"})
	if got := s.TypingUsers(); len(got) != 2 || got[0] != "ana" || got[1] != "bob" {
		t.Fatalf("typing = %v, want [ana bob]", got)
	}

	tr.fire(t, wire.EventStopTyping, wire.Typing{ChatID: "chat-1", Username: "ana"})
	if got := s.TypingUsers(); len(got) != 1 || got[0] != "bob" {
		t.Fatalf("typing after stop = %v, want [bob]", got)
	}

	// bob never sends a stop; the indicator self-expires.
	waitFor(t, func() bool { return len(s.TypingUsers()) == 0 }, "typing expiry")
}
