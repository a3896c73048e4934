// Package client implements the synchronization engines a chat frontend runs
// against the relay: a transport manager owning the persistent connection, a
// per-chat message synchronization engine, and a cross-chat unread tracker.
//
// The engines never require the push transport to work: every one of them
// stays correct under polling alone, push just makes them faster.
package client

import (
	"context"
	"encoding/json"

	"github.com/dipu67/socialApp-sub000/wire"
)

// ChatAPI is the durable-write / authoritative-fetch boundary the chat
// synchronization engine consumes.
type ChatAPI interface {
	History(ctx context.Context, chatID string, limit int) ([]wire.Message, error)
	SendMessage(ctx context.Context, chatID string, req wire.SendMessageRequest) (*wire.Message, error)
	ToggleReaction(ctx context.Context, messageID, emoji string) (map[string][]int, error)
}

// UnreadAPI is the slice of the boundary the unread tracker consumes.
type UnreadAPI interface {
	UnreadCounts(ctx context.Context) (*wire.UnreadCounts, error)
	MarkRead(ctx context.Context, chatID string) error
}

// EventHandler receives a decoded-enough event frame: its name plus raw data.
type EventHandler func(event string, data json.RawMessage)

// RoomTransport is what the engines need from the transport manager. Neither
// engine may open or close the connection; only session lifecycle owns that.
type RoomTransport interface {
	State() ConnState
	JoinRoom(chatID string)
	LeaveRoom(chatID string)
	Emit(event string, payload interface{}) error
	On(event string, fn EventHandler)
	OnStateChange(fn func(ConnState))
}
