package ws

import (
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"

	"github.com/dipu67/socialApp-sub000/internal/utils"
)

// Conn is the slice of the websocket connection the room manager needs.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type client struct {
	id       string
	userID   int
	username string
	conn     Conn
	writeMu  sync.Mutex

	// guarded by RoomManager.mu
	room  string
	lease time.Time
}

func (c *client) send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// RoomManager tracks connections and their room memberships. A connection is
// in at most one room at a time; joining moves it. Each connection holds a
// lease that pongs extend; expired leases get pruned by the relay's janitor so
// a vanished client does not hold a membership forever.
type RoomManager struct {
	mu       sync.RWMutex
	rooms    map[string]map[string]*client // chatID -> connID -> client
	conns    map[string]*client            // connID -> client
	leaseTTL time.Duration
}

func NewRoomManager(leaseTTL time.Duration) *RoomManager {
	return &RoomManager{
		rooms:    make(map[string]map[string]*client),
		conns:    make(map[string]*client),
		leaseTTL: leaseTTL,
	}
}

// Register stores a new connection. Returns true if this is the first
// connection for the user (user just came online).
func (m *RoomManager) Register(connID string, userID int, username string, conn Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	wasOnline := false
	for _, c := range m.conns {
		if c.userID == userID {
			wasOnline = true
			break
		}
	}

	m.conns[connID] = &client{
		id:       connID,
		userID:   userID,
		username: username,
		conn:     conn,
		lease:    time.Now().Add(m.leaseTTL),
	}
	return !wasOnline
}

// Unregister drops the connection and its room membership. Returns the user
// info and whether this was the user's last connection.
func (m *RoomManager) Unregister(connID string) (userID int, username string, wasLast bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unregisterLocked(connID)
}

func (m *RoomManager) unregisterLocked(connID string) (int, string, bool) {
	c, ok := m.conns[connID]
	if !ok {
		return 0, "", false
	}
	m.removeFromRoomLocked(c)
	delete(m.conns, connID)

	for _, other := range m.conns {
		if other.userID == c.userID {
			return c.userID, c.username, false
		}
	}
	return c.userID, c.username, true
}

func (m *RoomManager) removeFromRoomLocked(c *client) {
	if c.room == "" {
		return
	}
	if conns, ok := m.rooms[c.room]; ok {
		delete(conns, c.id)
		if len(conns) == 0 {
			delete(m.rooms, c.room)
		}
	}
	c.room = ""
}

// Join moves the connection into a room, leaving any previous one. Returns
// the room it left, if any.
func (m *RoomManager) Join(connID, chatID string) (prev string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conns[connID]
	if !ok {
		return ""
	}
	prev = c.room
	if prev == chatID {
		return ""
	}
	m.removeFromRoomLocked(c)

	if _, ok := m.rooms[chatID]; !ok {
		m.rooms[chatID] = make(map[string]*client)
	}
	m.rooms[chatID][connID] = c
	c.room = chatID
	return prev
}

// Leave removes the connection from its current room and returns it.
func (m *RoomManager) Leave(connID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conns[connID]
	if !ok {
		return ""
	}
	room := c.room
	m.removeFromRoomLocked(c)
	return room
}

// Room returns the connection's current room.
func (m *RoomManager) Room(connID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.conns[connID]; ok {
		return c.room
	}
	return ""
}

// Touch extends the connection's lease. Called from the pong handler.
func (m *RoomManager) Touch(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[connID]; ok {
		c.lease = time.Now().Add(m.leaseTTL)
	}
}

// Pruned describes a connection evicted by the janitor.
type Pruned struct {
	UserID   int
	Username string
	WasLast  bool
}

// PruneExpired evicts connections whose lease has lapsed, closing them. The
// relay broadcasts presence for users whose last connection was pruned.
func (m *RoomManager) PruneExpired(now time.Time) []Pruned {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []*client
	for _, c := range m.conns {
		if now.After(c.lease) {
			expired = append(expired, c)
		}
	}

	var pruned []Pruned
	for _, c := range expired {
		userID, username, wasLast := m.unregisterLocked(c.id)
		_ = c.conn.Close()
		pruned = append(pruned, Pruned{UserID: userID, Username: username, WasLast: wasLast})
	}
	return pruned
}

// Broadcast sends data to every member of the room except excludeConnID.
func (m *RoomManager) Broadcast(chatID string, data []byte, excludeConnID string) {
	m.mu.RLock()
	var targets []*client
	if conns, ok := m.rooms[chatID]; ok {
		for id, c := range conns {
			if id == excludeConnID {
				continue
			}
			targets = append(targets, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range targets {
		if err := c.send(data); err != nil {
			utils.LogError(err, "Broadcast")
		}
	}
}

// BroadcastAll sends data to every connection except excludeConnID.
func (m *RoomManager) BroadcastAll(data []byte, excludeConnID string) {
	m.mu.RLock()
	targets := make([]*client, 0, len(m.conns))
	for id, c := range m.conns {
		if id == excludeConnID {
			continue
		}
		targets = append(targets, c)
	}
	m.mu.RUnlock()

	for _, c := range targets {
		if err := c.send(data); err != nil {
			utils.LogError(err, "BroadcastAll")
		}
	}
}

// SendToUser sends data to all of a user's connections.
func (m *RoomManager) SendToUser(userID int, data []byte) {
	m.mu.RLock()
	var targets []*client
	for _, c := range m.conns {
		if c.userID == userID {
			targets = append(targets, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range targets {
		if err := c.send(data); err != nil {
			utils.LogError(err, "SendToUser")
		}
	}
}

// IsUserOnline checks if any active connection belongs to the given user
func (m *RoomManager) IsUserOnline(userID int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.conns {
		if c.userID == userID {
			return true
		}
	}
	return false
}

// IsUserInRoom checks if any of the user's connections is inside the room.
func (m *RoomManager) IsUserInRoom(userID int, chatID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if conns, ok := m.rooms[chatID]; ok {
		for _, c := range conns {
			if c.userID == userID {
				return true
			}
		}
	}
	return false
}
