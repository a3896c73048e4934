package wire

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeVariants(t *testing.T) {
	tests := []struct {
		name  string
		event string
		data  string
		want  interface{}
	}{
		{
			name:  "join room",
			event: EventJoinRoom,
			data:  `{"chat_id":"c1"}`,
			want:  JoinRoom{ChatID: "c1"},
		},
		{
			name:  "leave room",
			event: EventLeaveRoom,
			data:  `{"chat_id":"c1"}`,
			want:  LeaveRoom{ChatID: "c1"},
		},
		{
			name:  "send message",
			event: EventSendMessage,
			data:  `{"chat_id":"c1","message_id":"m1","preview":"hi"}`,
			want:  SendMessage{ChatID: "c1", MessageID: "m1", Preview: "hi"},
		},
		{
			name:  "start typing",
			event: EventStartTyping,
			data:  `{"chat_id":"c1"}`,
			want:  Typing{ChatID: "c1"},
		},
		{
			name:  "add reaction",
			event: EventAddReaction,
			data:  `{"chat_id":"c1","message_id":"m1","emoji":"👍"}`,
			want:  AddReaction{ChatID: "c1", MessageID: "m1", Emoji: "👍"},
		},
		{
			name:  "mark as read",
			event: EventMarkAsRead,
			data:  `{"chat_id":"c1","message_ids":["m1","m2"]}`,
			want:  MarkAsRead{ChatID: "c1", MessageIDs: []string{"m1", "m2"}},
		},
		{
			name:  "presence",
			event: EventPresence,
			data:  `{"user_id":7,"username":"ana","status":"offline"}`,
			want:  Presence{UserID: 7, Username: "ana", Status: "offline"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(Envelope{Event: tt.event, Data: json.RawMessage(tt.data)})
			if err != nil {
				t.Fatalf("Decode returned error: %v", err)
			}
			switch want := tt.want.(type) {
			case MarkAsRead:
				g := got.(MarkAsRead)
				if g.ChatID != want.ChatID || len(g.MessageIDs) != len(want.MessageIDs) {
					t.Errorf("got %+v, want %+v", g, want)
				}
			default:
				if got != tt.want {
					t.Errorf("got %+v, want %+v", got, tt.want)
				}
			}
		})
	}
}

func TestDecodeRejectsBadFrames(t *testing.T) {
	tests := []struct {
		name  string
		event string
		data  string
	}{
		{"unknown event", "uploadFile", `{"chat_id":"c1"}`},
		{"join without chat", EventJoinRoom, `{}`},
		{"send without message id", EventSendMessage, `{"chat_id":"c1"}`},
		{"reaction without emoji", EventAddReaction, `{"chat_id":"c1","message_id":"m1"}`},
		{"presence with bogus status", EventPresence, `{"user_id":1,"username":"a","status":"idle"}`},
		{"missing data", EventJoinRoom, ``},
		{"malformed json", EventJoinRoom, `{not json`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var data json.RawMessage
			if tt.data != "" {
				data = json.RawMessage(tt.data)
			}
			if _, err := Decode(Envelope{Event: tt.event, Data: data}); err == nil {
				t.Errorf("Decode accepted a bad frame")
			}
		})
	}
}

func TestDecodeUnknownEventSentinel(t *testing.T) {
	_, err := Decode(Envelope{Event: "nope", Data: json.RawMessage(`{}`)})
	if !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	data, err := Marshal(EventNewMessage, NewMessage{ChatID: "c1", SenderID: 3, SenderName: "bo", Timestamp: 42})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Event != EventNewMessage {
		t.Fatalf("event = %q", env.Event)
	}
	got, err := Decode(env)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	nm := got.(NewMessage)
	if nm.ChatID != "c1" || nm.SenderID != 3 || nm.Timestamp != 42 {
		t.Errorf("round trip mismatch: %+v", nm)
	}
}
