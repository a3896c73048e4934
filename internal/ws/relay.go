package ws

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"

	"github.com/dipu67/socialApp-sub000/internal/utils"
	"github.com/dipu67/socialApp-sub000/wire"
)

// ChatStore is the slice of the persistence layer the relay needs. The relay
// itself never writes anything durable.
type ChatStore interface {
	IsParticipant(ctx context.Context, chatID string, userID int) (bool, error)
	GetChatParticipants(ctx context.Context, chatID string) ([]int, error)
}

// Relay authenticates connections and forwards room-scoped events between
// members. Durable storage happens on a separate HTTP write path.
type Relay struct {
	rooms     *RoomManager
	chats     ChatStore
	heartbeat time.Duration
}

func NewRelay(chats ChatStore, leaseTTL, heartbeat time.Duration) *Relay {
	return &Relay{
		rooms:     NewRoomManager(leaseTTL),
		chats:     chats,
		heartbeat: heartbeat,
	}
}

// Rooms exposes online/in-room queries to the HTTP layer.
func (r *Relay) Rooms() *RoomManager {
	return r.rooms
}

// StartJanitor prunes connections with expired leases until ctx is done.
// Users whose last connection vanished get an offline presence broadcast.
func (r *Relay) StartJanitor(ctx context.Context) {
	interval := r.heartbeat
	if interval <= 0 {
		interval = 15 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				for _, p := range r.rooms.PruneExpired(now) {
					log.Printf("pruned stale connection for user %d", p.UserID)
					if p.WasLast {
						r.broadcastPresence(p.UserID, p.Username, "offline", "")
					}
				}
			}
		}
	}()
}

// Handler returns the fiber handler for the websocket endpoint. Auth and
// upgrade middleware must run before it.
func (r *Relay) Handler() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		userID := c.Locals("user_id").(int)
		username := c.Locals("username").(string)

		connID := uuid.New().String()
		first := r.rooms.Register(connID, userID, username, c)

		pingDone := make(chan struct{})
		defer func() {
			close(pingDone)
			if room := r.rooms.Leave(connID); room != "" {
				r.broadcastMember(wire.EventMemberLeft, room, userID, username, connID)
			}
			_, _, wasLast := r.rooms.Unregister(connID)
			if wasLast {
				// Best-effort: other clients learn the user dropped.
				r.broadcastPresence(userID, username, "offline", connID)
			}
			c.Close()
		}()

		if first {
			r.broadcastPresence(userID, username, "online", connID)
		}

		c.SetPongHandler(func(string) error {
			r.rooms.Touch(connID)
			return nil
		})
		go r.pingLoop(c, pingDone)

		for {
			msgType, msg, err := c.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("read error for user %d: %v", userID, err)
				}
				break
			}
			if msgType != websocket.TextMessage {
				continue
			}

			var env wire.Envelope
			if err := json.Unmarshal(msg, &env); err != nil {
				utils.LogError(err, "Envelope parse")
				continue
			}
			payload, err := wire.Decode(env)
			if err != nil {
				// Malformed or unknown frames are dropped at the boundary,
				// never forwarded.
				utils.LogError(err, "Event decode")
				continue
			}

			r.dispatch(connID, userID, username, env.Event, payload)
		}
	})
}

func (r *Relay) pingLoop(c *websocket.Conn, done chan struct{}) {
	interval := r.heartbeat
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

func (r *Relay) dispatch(connID string, userID int, username, event string, payload interface{}) {
	switch v := payload.(type) {
	case wire.JoinRoom:
		r.handleJoin(connID, userID, username, v.ChatID)

	case wire.LeaveRoom:
		if room := r.rooms.Leave(connID); room != "" {
			r.broadcastMember(wire.EventMemberLeft, room, userID, username, connID)
		}

	case wire.SendMessage:
		if r.rooms.Room(connID) != v.ChatID {
			return
		}
		r.broadcast(v.ChatID, wire.EventSendMessage, v, connID)
		go r.notifyNewMessage(v, userID, username)

	case wire.Typing:
		if r.rooms.Room(connID) != v.ChatID {
			return
		}
		v.Username = username
		r.broadcast(v.ChatID, event, v, connID)

	case wire.AddReaction:
		if r.rooms.Room(connID) != v.ChatID {
			return
		}
		r.broadcast(v.ChatID, wire.EventAddReaction, v, connID)

	case wire.MarkAsRead:
		if r.rooms.Room(connID) != v.ChatID {
			return
		}
		r.broadcast(v.ChatID, wire.EventMarkAsRead, v, connID)

	case wire.Presence:
		r.broadcastPresence(userID, username, v.Status, connID)

	default:
		// Member and NewMessage are relay-originated kinds; clients may not
		// inject them.
		log.Printf("dropping client-sent event %q from user %d", event, userID)
	}
}

func (r *Relay) handleJoin(connID string, userID int, username, chatID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ok, err := r.chats.IsParticipant(ctx, chatID, userID)
	if err != nil {
		utils.LogError(err, "IsParticipant")
		return
	}
	if !ok {
		log.Printf("user %d denied join to chat %s", userID, chatID)
		return
	}

	if prev := r.rooms.Join(connID, chatID); prev != "" {
		r.broadcastMember(wire.EventMemberLeft, prev, userID, username, connID)
	}
	r.broadcastMember(wire.EventMemberJoined, chatID, userID, username, connID)
}

// notifyNewMessage tells online participants who are not inside the room that
// the chat has fresh messages, so their unread ledgers and chat lists catch up
// without polling.
func (r *Relay) notifyNewMessage(v wire.SendMessage, senderID int, senderName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	participants, err := r.chats.GetChatParticipants(ctx, v.ChatID)
	if err != nil {
		utils.LogError(err, "GetChatParticipants")
		return
	}

	data, err := wire.Marshal(wire.EventNewMessage, wire.NewMessage{
		ChatID:     v.ChatID,
		SenderID:   senderID,
		SenderName: senderName,
		Preview:    v.Preview,
		Timestamp:  time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}

	for _, pid := range participants {
		if pid == senderID {
			continue
		}
		if !r.rooms.IsUserOnline(pid) {
			continue
		}
		if r.rooms.IsUserInRoom(pid, v.ChatID) {
			continue // already in the room, got the relayed event
		}
		r.rooms.SendToUser(pid, data)
	}
}

func (r *Relay) broadcast(chatID, event string, payload interface{}, excludeConnID string) {
	data, err := wire.Marshal(event, payload)
	if err != nil {
		utils.LogError(err, "Marshal "+event)
		return
	}
	r.rooms.Broadcast(chatID, data, excludeConnID)
}

func (r *Relay) broadcastMember(event, chatID string, userID int, username, excludeConnID string) {
	data, err := wire.Marshal(event, wire.Member{ChatID: chatID, UserID: userID, Username: username})
	if err != nil {
		return
	}
	r.rooms.Broadcast(chatID, data, excludeConnID)
}

func (r *Relay) broadcastPresence(userID int, username, status, excludeConnID string) {
	data, err := wire.Marshal(wire.EventPresence, wire.Presence{UserID: userID, Username: username, Status: status})
	if err != nil {
		return
	}
	r.rooms.BroadcastAll(data, excludeConnID)
}

// UpgradeMiddleware rejects plain HTTP requests on the websocket route.
func UpgradeMiddleware(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		c.Locals("allowed", true)
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}
