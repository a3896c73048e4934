package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/dipu67/socialApp-sub000/wire"
)

// pollInterval is the adaptive cadence policy: the step function of time
// since the last user interaction, not of connection health. Unread counts
// are cheap to compute but expensive to push reliably to an inactive tab, so
// polling cadence is the primary delivery mechanism here.
func pollInterval(idle time.Duration) time.Duration {
	switch {
	case idle < time.Minute:
		return 5 * time.Second
	case idle < 5*time.Minute:
		return 15 * time.Second
	case idle < 30*time.Minute:
		return 30 * time.Second
	default:
		return 60 * time.Second
	}
}

// UnreadTracker keeps the per-chat unread ledger for every chat the viewer
// participates in. The client-side counts are a cache; the authoritative
// copy lives server-side, and the staleness window is set by the cadence.
type UnreadTracker struct {
	api UnreadAPI

	burstCount    int
	burstInterval time.Duration
	fetchTimeout  time.Duration

	mu           sync.Mutex
	tr           RoomTransport
	counts       map[string]int
	total        int
	lastActivity time.Time
	visible      bool
	burstLeft    int
	openChat     string
	running      bool

	stop chan struct{}
	wake chan struct{}
	now  func() time.Time
}

func NewUnreadTracker(api UnreadAPI) *UnreadTracker {
	return &UnreadTracker{
		api:           api,
		burstCount:    3,
		burstInterval: 2 * time.Second,
		fetchTimeout:  10 * time.Second,
		counts:        make(map[string]int),
		visible:       true,
		lastActivity:  time.Now(),
		wake:          make(chan struct{}, 1),
		now:           time.Now,
	}
}

// Attach subscribes the tracker to relay notifications: a new-message event
// for a chat the viewer is not displaying bumps that chat's count without
// waiting for the next poll.
func (u *UnreadTracker) Attach(tr RoomTransport) {
	u.mu.Lock()
	u.tr = tr
	u.mu.Unlock()
	tr.On(wire.EventNewMessage, func(_ string, data json.RawMessage) {
		var v wire.NewMessage
		if err := json.Unmarshal(data, &v); err != nil || v.ChatID == "" {
			return
		}
		u.mu.Lock()
		if v.ChatID != u.openChat {
			u.counts[v.ChatID]++
			u.total++
		}
		u.mu.Unlock()
	})
}

// SetOpenChat tells the tracker which chat the viewer is displaying, so
// notifications for it do not count as unread.
func (u *UnreadTracker) SetOpenChat(chatID string) {
	u.mu.Lock()
	u.openChat = chatID
	u.mu.Unlock()
}

// Start launches the polling loop. Stop ends it; a stopped tracker may be
// started again.
func (u *UnreadTracker) Start() {
	u.mu.Lock()
	if u.running {
		u.mu.Unlock()
		return
	}
	u.running = true
	u.stop = make(chan struct{})
	stop := u.stop
	u.mu.Unlock()
	go u.run(stop)
}

func (u *UnreadTracker) Stop() {
	u.mu.Lock()
	if !u.running {
		u.mu.Unlock()
		return
	}
	u.running = false
	stop := u.stop
	u.mu.Unlock()
	close(stop)
}

// Activity records a user interaction (mouse/keyboard/scroll/touch) and lets
// the loop tighten its cadence.
func (u *UnreadTracker) Activity() {
	u.mu.Lock()
	u.lastActivity = u.now()
	u.mu.Unlock()
	u.poke()
}

// SetVisible pauses polling entirely while the tab is hidden. Regaining
// visibility triggers one immediate fetch plus a burst of fast polls before
// the adaptive schedule resumes.
func (u *UnreadTracker) SetVisible(visible bool) {
	u.mu.Lock()
	was := u.visible
	u.visible = visible
	if visible && !was {
		u.burstLeft = u.burstCount
	}
	u.mu.Unlock()

	if visible && !was {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), u.fetchTimeout)
			defer cancel()
			_ = u.Refresh(ctx)
		}()
	}
	u.poke()
}

func (u *UnreadTracker) poke() {
	select {
	case u.wake <- struct{}{}:
	default:
	}
}

// Counts returns a snapshot of the per-chat ledger.
func (u *UnreadTracker) Counts() map[string]int {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make(map[string]int, len(u.counts))
	for k, v := range u.counts {
		out[k] = v
	}
	return out
}

func (u *UnreadTracker) Total() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.total
}

// Refresh replaces the ledger with the server's authoritative counts.
func (u *UnreadTracker) Refresh(ctx context.Context) error {
	counts, err := u.api.UnreadCounts(ctx)
	if err != nil {
		return err
	}

	u.mu.Lock()
	fresh := make(map[string]int, len(counts.Chats))
	for k, v := range counts.Chats {
		fresh[k] = v
	}
	u.counts = fresh
	u.total = counts.Total
	u.mu.Unlock()
	return nil
}

// MarkRead zeroes the chat's local count before the durable write returns,
// and adjusts the total by subtracting the previously-known count rather
// than re-summing, so background refreshes of other chats are not clobbered.
// Returns false if the write failed.
func (u *UnreadTracker) MarkRead(ctx context.Context, chatID string) bool {
	u.mu.Lock()
	prev := u.counts[chatID]
	u.counts[chatID] = 0
	u.total -= prev
	if u.total < 0 {
		u.total = 0
	}
	u.mu.Unlock()

	if err := u.api.MarkRead(ctx, chatID); err != nil {
		return false
	}

	// Best-effort: in-room members see the read receipts without polling.
	u.mu.Lock()
	tr := u.tr
	u.mu.Unlock()
	if tr != nil {
		_ = tr.Emit(wire.EventMarkAsRead, wire.MarkAsRead{ChatID: chatID})
	}
	return true
}

func (u *UnreadTracker) run(stop chan struct{}) {
	for {
		u.mu.Lock()
		visible := u.visible
		var wait time.Duration
		if u.burstLeft > 0 {
			wait = u.burstInterval
		} else {
			wait = pollInterval(u.now().Sub(u.lastActivity))
		}
		u.mu.Unlock()

		if !visible {
			select {
			case <-stop:
				return
			case <-u.wake:
			}
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-u.wake:
			timer.Stop()
			continue
		case <-timer.C:
			ctx, cancel := context.WithTimeout(context.Background(), u.fetchTimeout)
			_ = u.Refresh(ctx)
			cancel()

			u.mu.Lock()
			if u.burstLeft > 0 {
				u.burstLeft--
			}
			u.mu.Unlock()
		}
	}
}
