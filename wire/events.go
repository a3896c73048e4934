package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event names exchanged over the persistent connection. The relay refuses
// anything outside this set.
const (
	EventJoinRoom     = "joinRoom"
	EventLeaveRoom    = "leaveRoom"
	EventSendMessage  = "sendMessage"
	EventStartTyping  = "startTyping"
	EventStopTyping   = "stopTyping"
	EventAddReaction  = "addReaction"
	EventMarkAsRead   = "markAsRead"
	EventMemberJoined = "memberJoined"
	EventMemberLeft   = "memberLeft"
	EventPresence     = "presence"
	EventNewMessage   = "newMessage"
)

var ErrUnknownEvent = errors.New("unknown event")

// Envelope wraps every frame on the wire. The sender's identity is never part
// of the payload; the relay stamps it from the authenticated connection.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type JoinRoom struct {
	ChatID string `json:"chat_id"`
}

type LeaveRoom struct {
	ChatID string `json:"chat_id"`
}

// SendMessage is a content relay only; the durable write happens over HTTP
// before this event is emitted.
type SendMessage struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	Preview   string `json:"preview,omitempty"`
}

type Typing struct {
	ChatID   string `json:"chat_id"`
	Username string `json:"username,omitempty"` // stamped by the relay
}

type AddReaction struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

type MarkAsRead struct {
	ChatID     string   `json:"chat_id"`
	MessageIDs []string `json:"message_ids,omitempty"`
}

// Member announces a join/leave of a group member, stamped by the relay.
type Member struct {
	ChatID   string `json:"chat_id"`
	UserID   int    `json:"user_id"`
	Username string `json:"username"`
}

type Presence struct {
	UserID   int    `json:"user_id"`
	Username string `json:"username"`
	Status   string `json:"status"` // "online" or "offline"
}

// NewMessage is the relay's lightweight notification to participants who are
// online but not inside the room. It never carries the full message; receivers
// re-fetch authoritative state.
type NewMessage struct {
	ChatID     string `json:"chat_id"`
	SenderID   int    `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Preview    string `json:"preview,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// Decode unmarshals an envelope into its typed variant and validates the
// fields required for that kind. Malformed frames come back as errors, never
// as partially-filled variants.
func Decode(env Envelope) (interface{}, error) {
	switch env.Event {
	case EventJoinRoom:
		var v JoinRoom
		if err := unmarshal(env.Data, &v); err != nil {
			return nil, err
		}
		if v.ChatID == "" {
			return nil, fmt.Errorf("%s: chat_id required", env.Event)
		}
		return v, nil
	case EventLeaveRoom:
		var v LeaveRoom
		if err := unmarshal(env.Data, &v); err != nil {
			return nil, err
		}
		if v.ChatID == "" {
			return nil, fmt.Errorf("%s: chat_id required", env.Event)
		}
		return v, nil
	case EventSendMessage:
		var v SendMessage
		if err := unmarshal(env.Data, &v); err != nil {
			return nil, err
		}
		if v.ChatID == "" || v.MessageID == "" {
			return nil, fmt.Errorf("%s: chat_id and message_id required", env.Event)
		}
		return v, nil
	case EventStartTyping, EventStopTyping:
		var v Typing
		if err := unmarshal(env.Data, &v); err != nil {
			return nil, err
		}
		if v.ChatID == "" {
			return nil, fmt.Errorf("%s: chat_id required", env.Event)
		}
		return v, nil
	case EventAddReaction:
		var v AddReaction
		if err := unmarshal(env.Data, &v); err != nil {
			return nil, err
		}
		if v.ChatID == "" || v.MessageID == "" || v.Emoji == "" {
			return nil, fmt.Errorf("%s: chat_id, message_id and emoji required", env.Event)
		}
		return v, nil
	case EventMarkAsRead:
		var v MarkAsRead
		if err := unmarshal(env.Data, &v); err != nil {
			return nil, err
		}
		if v.ChatID == "" {
			return nil, fmt.Errorf("%s: chat_id required", env.Event)
		}
		return v, nil
	case EventMemberJoined, EventMemberLeft:
		var v Member
		if err := unmarshal(env.Data, &v); err != nil {
			return nil, err
		}
		if v.ChatID == "" {
			return nil, fmt.Errorf("%s: chat_id required", env.Event)
		}
		return v, nil
	case EventPresence:
		var v Presence
		if err := unmarshal(env.Data, &v); err != nil {
			return nil, err
		}
		if v.Status != "online" && v.Status != "offline" {
			return nil, fmt.Errorf("%s: status must be online or offline", env.Event)
		}
		return v, nil
	case EventNewMessage:
		var v NewMessage
		if err := unmarshal(env.Data, &v); err != nil {
			return nil, err
		}
		if v.ChatID == "" {
			return nil, fmt.Errorf("%s: chat_id required", env.Event)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
}

// Marshal wraps a payload in an envelope and encodes it for the wire.
func Marshal(event string, payload interface{}) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = b
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

func unmarshal(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return errors.New("missing event data")
	}
	return json.Unmarshal(data, v)
}
