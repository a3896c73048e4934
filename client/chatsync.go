package client

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/dipu67/socialApp-sub000/wire"
)

// DeliveryState is the explicit lifecycle of a locally-known message: a send
// appends a pending entry, the durable write's response confirms or fails it.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryConfirmed DeliveryState = "confirmed"
	DeliveryFailed    DeliveryState = "failed"
)

// ChatMessage is a message as held by the engine, not by persistence.
type ChatMessage struct {
	wire.Message
	Delivery DeliveryState `json:"delivery"`
}

// ChatSync keeps the message list of one open chat as close to authoritative
// as it can: push notifications trigger debounced re-fetches while the
// transport is up, a fixed-interval poll takes over while it is down. Fetch
// responses are guarded by a chat epoch and a monotonic sequence so stale
// responses never overwrite fresher state.
type ChatSync struct {
	api  ChatAPI
	tr   RoomTransport
	self int

	historyLimit int
	pollEvery    time.Duration
	typingTTL    time.Duration
	debounceWait time.Duration

	mu         sync.Mutex
	chatID     string
	epoch      int
	lastSeq    int
	nextSeq    int
	messages   []ChatMessage
	typing     map[string]*time.Timer
	selfTyping *time.Timer
	debounce   *time.Timer
	polling    chan struct{}
	fetching   bool
}

// NewChatSync wires the engine to the transport's events and state signal.
// selfID is the authenticated viewer's user ID.
func NewChatSync(api ChatAPI, tr RoomTransport, selfID int) *ChatSync {
	s := &ChatSync{
		api:          api,
		tr:           tr,
		self:         selfID,
		historyLimit: 50,
		pollEvery:    5 * time.Second,
		typingTTL:    3 * time.Second,
		debounceWait: 250 * time.Millisecond,
		typing:       make(map[string]*time.Timer),
	}

	for _, ev := range []string{wire.EventSendMessage, wire.EventNewMessage, wire.EventAddReaction, wire.EventMarkAsRead} {
		tr.On(ev, s.handleNotify)
	}
	tr.On(wire.EventStartTyping, s.handleTyping)
	tr.On(wire.EventStopTyping, s.handleTyping)
	tr.OnStateChange(func(ConnState) { s.syncPolling() })

	return s
}

// Open switches the engine to a chat: leaves the previous room, joins the new
// one and performs one authoritative history fetch. Opening the already-open
// chat is a no-op.
func (s *ChatSync) Open(ctx context.Context, chatID string) error {
	s.mu.Lock()
	if s.chatID == chatID {
		s.mu.Unlock()
		return nil
	}
	prev := s.chatID
	s.chatID = chatID
	s.epoch++
	epoch := s.epoch
	s.messages = nil
	s.lastSeq, s.nextSeq = 0, 0
	s.clearTypingLocked()
	s.mu.Unlock()

	if prev != "" {
		s.tr.LeaveRoom(prev)
	}
	if chatID == "" {
		s.syncPolling()
		return nil
	}
	s.tr.JoinRoom(chatID)
	s.syncPolling()
	return s.fetch(ctx, epoch)
}

// Close leaves the open chat and stops all timers.
func (s *ChatSync) Close() {
	_ = s.Open(context.Background(), "")
}

// ChatID returns the currently open chat, if any.
func (s *ChatSync) ChatID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatID
}

// Messages returns a snapshot of the ordered message list.
func (s *ChatSync) Messages() []ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChatMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

// TypingUsers returns who is currently typing in the open chat, de-duplicated
// and sorted by name.
func (s *ChatSync) TypingUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.typing))
	for u := range s.typing {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Send performs the durable write for a new message. The entry shows up
// locally as pending right away, flips to confirmed with the server-issued ID
// on success, and is removed on failure. A failed send is never retried here;
// re-sending is the user's call. Returns false on any failure.
func (s *ChatSync) Send(ctx context.Context, content string, att *wire.Attachment) bool {
	if content == "" && att == nil {
		return false
	}

	s.mu.Lock()
	chatID := s.chatID
	if chatID == "" {
		s.mu.Unlock()
		return false
	}
	epoch := s.epoch
	tempID := "pending-" + uuid.New().String()
	s.messages = append(s.messages, ChatMessage{
		Message: wire.Message{
			ID:         tempID,
			ChatID:     chatID,
			SenderID:   s.self,
			Content:    content,
			Attachment: att,
			CreatedAt:  time.Now(),
		},
		Delivery: DeliveryPending,
	})
	s.mu.Unlock()

	req := wire.SendMessageRequest{Content: content, Attachment: att}
	if att != nil {
		req.Kind = wire.KindFile
	}
	msg, err := s.api.SendMessage(ctx, chatID, req)

	s.mu.Lock()
	if err != nil {
		s.removeLocked(tempID)
		s.mu.Unlock()
		return false
	}
	if epoch == s.epoch {
		s.replaceLocked(tempID, ChatMessage{Message: *msg, Delivery: DeliveryConfirmed})
	}
	s.mu.Unlock()

	// Best-effort: other room members learn of it without polling. No push
	// echo is needed for the sender; the confirmed entry is already local.
	_ = s.tr.Emit(wire.EventSendMessage, wire.SendMessage{
		ChatID:    chatID,
		MessageID: msg.ID,
		Preview:   preview(content),
	})
	return true
}

// AddReaction toggles the viewer's reaction on a message: durable write
// first, then the local cache takes the server's authoritative reaction set
// so concurrent reactions by others are never lost to a local toggle.
func (s *ChatSync) AddReaction(ctx context.Context, messageID, emoji string) bool {
	reactions, err := s.api.ToggleReaction(ctx, messageID, emoji)
	if err != nil {
		return false
	}

	s.mu.Lock()
	for i := range s.messages {
		if s.messages[i].ID == messageID {
			s.messages[i].Reactions = reactions
			break
		}
	}
	chatID := s.chatID
	s.mu.Unlock()

	if chatID != "" {
		_ = s.tr.Emit(wire.EventAddReaction, wire.AddReaction{ChatID: chatID, MessageID: messageID, Emoji: emoji})
	}
	return true
}

// StartTyping broadcasts a typing signal, fire-and-forget. It self-expires
// after the typing TTL even without a StopTyping, so a client that vanishes
// mid-type costs observers at most that long.
func (s *ChatSync) StartTyping() {
	s.mu.Lock()
	chatID := s.chatID
	if chatID == "" {
		s.mu.Unlock()
		return
	}
	if s.selfTyping != nil {
		s.selfTyping.Stop()
	}
	s.selfTyping = time.AfterFunc(s.typingTTL, s.StopTyping)
	s.mu.Unlock()

	_ = s.tr.Emit(wire.EventStartTyping, wire.Typing{ChatID: chatID})
}

// StopTyping broadcasts the stop signal, fire-and-forget.
func (s *ChatSync) StopTyping() {
	s.mu.Lock()
	chatID := s.chatID
	if s.selfTyping != nil {
		s.selfTyping.Stop()
		s.selfTyping = nil
	}
	s.mu.Unlock()

	if chatID != "" {
		_ = s.tr.Emit(wire.EventStopTyping, wire.Typing{ChatID: chatID})
	}
}

// Refresh forces a full authoritative re-fetch, discarding any local-only
// pending entries.
func (s *ChatSync) Refresh(ctx context.Context) error {
	s.mu.Lock()
	chatID := s.chatID
	epoch := s.epoch
	s.mu.Unlock()
	if chatID == "" {
		return nil
	}
	return s.fetch(ctx, epoch)
}

// fetch performs one authoritative history fetch for the chat open at the
// given epoch and replaces the local list. Responses that arrive after the
// chat switched, or out of order behind an already-applied response, are
// silently discarded.
func (s *ChatSync) fetch(ctx context.Context, epoch int) error {
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return nil
	}
	chatID := s.chatID
	s.nextSeq++
	seq := s.nextSeq
	s.mu.Unlock()

	msgs, err := s.api.History(ctx, chatID, s.historyLimit)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		return err
	}
	if epoch != s.epoch || seq <= s.lastSeq {
		return nil
	}
	s.lastSeq = seq

	// Replace, never merge; the fetch is ground truth.
	out := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, ChatMessage{Message: m, Delivery: DeliveryConfirmed})
	}
	s.messages = out
	return nil
}

// handleNotify collapses a burst of push notifications for the open chat into
// a single authoritative re-fetch.
func (s *ChatSync) handleNotify(_ string, data json.RawMessage) {
	var v struct {
		ChatID string `json:"chat_id"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chatID == "" || v.ChatID != s.chatID {
		return
	}
	if s.debounce != nil {
		return
	}
	epoch := s.epoch
	var tm *time.Timer
	tm = time.AfterFunc(s.debounceWait, func() {
		s.mu.Lock()
		if s.debounce == tm {
			s.debounce = nil
		}
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.fetch(ctx, epoch)
	})
	s.debounce = tm
}

func (s *ChatSync) handleTyping(event string, data json.RawMessage) {
	var v wire.Typing
	if err := json.Unmarshal(data, &v); err != nil || v.Username == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if v.ChatID != s.chatID {
		return
	}

	if event == wire.EventStopTyping {
		if tm := s.typing[v.Username]; tm != nil {
			tm.Stop()
			delete(s.typing, v.Username)
		}
		return
	}

	user := v.Username
	if tm := s.typing[user]; tm != nil {
		tm.Stop()
	}
	var tm *time.Timer
	tm = time.AfterFunc(s.typingTTL, func() {
		s.mu.Lock()
		if s.typing[user] == tm {
			delete(s.typing, user)
		}
		s.mu.Unlock()
	})
	s.typing[user] = tm
}

func (s *ChatSync) clearTypingLocked() {
	for u, tm := range s.typing {
		tm.Stop()
		delete(s.typing, u)
	}
	if s.selfTyping != nil {
		s.selfTyping.Stop()
		s.selfTyping = nil
	}
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
}

// syncPolling reconciles the poll loop with the current state: polling runs
// exactly while a chat is open and the transport is not connected.
func (s *ChatSync) syncPolling() {
	s.mu.Lock()
	defer s.mu.Unlock()

	shouldPoll := s.chatID != "" && s.tr.State() != StateConnected
	switch {
	case shouldPoll && s.polling == nil:
		stop := make(chan struct{})
		s.polling = stop
		go s.pollLoop(stop)
	case !shouldPoll && s.polling != nil:
		close(s.polling)
		s.polling = nil
	}
}

func (s *ChatSync) pollLoop(stop chan struct{}) {
	ticker := time.NewTicker(s.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.fetching || s.chatID == "" {
				// Never two overlapping poll fetches for the same chat.
				s.mu.Unlock()
				continue
			}
			s.fetching = true
			epoch := s.epoch
			s.mu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), 2*s.pollEvery)
			_ = s.fetch(ctx, epoch)
			cancel()

			s.mu.Lock()
			s.fetching = false
			s.mu.Unlock()
		}
	}
}

func (s *ChatSync) removeLocked(id string) {
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return
		}
	}
}

func (s *ChatSync) replaceLocked(id string, msg ChatMessage) {
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages[i] = msg
			return
		}
	}
	// The pending entry was swept away by a refresh in between; keep the
	// confirmed copy if the refresh itself did not include it yet.
	for i := range s.messages {
		if s.messages[i].ID == msg.ID {
			return
		}
	}
	s.messages = append(s.messages, msg)
}

func preview(content string) string {
	const max = 80
	if len(content) <= max {
		return content
	}
	// Back up to a rune boundary so the cut never splits a multi-byte rune.
	cut := max
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut]
}
