package wire

import "time"

type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
	KindVideo MessageKind = "video"
	KindFile  MessageKind = "file"
)

// Attachment describes a previously-uploaded media reference. The bytes
// themselves travel through a separate upload pipeline.
type Attachment struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
	Size int64  `json:"size,omitempty"`
}

type ReadReceipt struct {
	UserID int       `json:"user_id"`
	ReadAt time.Time `json:"read_at"`
}

// Message is the authoritative shape returned by history fetches and the send
// endpoint. Once a message carries a server-issued ID only its reaction and
// read-receipt sets may change, and both grow monotonically.
type Message struct {
	ID         string           `json:"id"`
	ChatID     string           `json:"chat_id"`
	SenderID   int              `json:"sender_id"`
	SenderName string           `json:"sender_name"`
	Kind       MessageKind      `json:"kind"`
	Content    string           `json:"content,omitempty"`
	Attachment *Attachment      `json:"attachment,omitempty"`
	Reactions  map[string][]int `json:"reactions,omitempty"` // emoji -> reactor user IDs
	ReadBy     []ReadReceipt    `json:"read_by,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

type SendMessageRequest struct {
	Content    string      `json:"content,omitempty"`
	Kind       MessageKind `json:"kind,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

type ReactionRequest struct {
	Emoji string `json:"emoji"`
}

type ReactionResponse struct {
	MessageID string           `json:"message_id"`
	Reactions map[string][]int `json:"reactions"`
}

// UnreadCounts is the per-viewer ledger snapshot: one count per chat plus the
// precomputed total.
type UnreadCounts struct {
	Chats map[string]int `json:"chats"`
	Total int            `json:"total"`
}
