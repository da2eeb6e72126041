package ws

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chat_fanout/internal/broadcast"
	"chat_fanout/internal/domain"
	"chat_fanout/internal/logger"
)

// Client is one live WebSocket session.
type Client struct {
	ID       uuid.UUID
	UserID   uuid.UUID
	UserName string
	Conn     *websocket.Conn
	Send     chan []byte

	hub        *Hub
	rooms      map[string]struct{}
	closed     bool
	registered chan struct{}
}

func NewClient(hub *Hub, conn *websocket.Conn, userID uuid.UUID, userName string, bufferSize int) *Client {
	return &Client{
		ID:         uuid.New(),
		UserID:     userID,
		UserName:   userName,
		Conn:       conn,
		Send:       make(chan []byte, bufferSize),
		hub:        hub,
		rooms:      make(map[string]struct{}),
		registered: make(chan struct{}),
	}
}

// Hub is the in-memory session registry. It owns room membership and the
// outbound buffers of every session on this instance.
type Hub struct {
	// room -> sessions joined to it
	rooms   map[string]map[*Client]struct{}
	clients map[*Client]struct{}

	Register   chan *Client
	Unregister chan *Client

	done chan struct{}
	log  *logger.Logger
	mu   sync.RWMutex
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		rooms:      make(map[string]map[*Client]struct{}),
		clients:    make(map[*Client]struct{}),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		done:       make(chan struct{}),
		log:        log.With("component", "hub"),
	}
}

// Run processes registrations until ctx is done, then closes every session.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case client := <-h.Register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			h.joinLocked(client, domain.UserRoom(client.UserID.String()))
			h.mu.Unlock()
			close(client.registered)
			h.log.Debug("client registered", "clientId", client.ID, "userId", client.UserID)

		case client := <-h.Unregister:
			h.mu.Lock()
			h.removeLocked(client)
			h.mu.Unlock()
			h.log.Debug("client unregistered", "clientId", client.ID, "userId", client.UserID)

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				h.removeLocked(client)
			}
			h.mu.Unlock()
			return nil
		}
	}
}

// Attach registers c and blocks until its user room is joined. It returns false when the
// hub has stopped or ctx ends first.
func (h *Hub) Attach(ctx context.Context, c *Client) bool {
	select {
	case h.Register <- c:
	case <-h.done:
		return false
	case <-ctx.Done():
		return false
	}
	select {
	case <-c.registered:
		return true
	case <-h.done:
		return false
	}
}

// Detach unregisters c. Safe to call more than once and after the hub has stopped.
func (h *Hub) Detach(c *Client) {
	select {
	case h.Unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) removeLocked(c *Client) {
	if c.closed {
		return
	}
	for room := range c.rooms {
		h.leaveLocked(c, room)
	}
	delete(h.clients, c)
	c.closed = true
	close(c.Send)
}

// Join adds c to room. Joining twice is a no-op.
func (h *Hub) Join(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return
	}
	h.joinLocked(c, room)
}

func (h *Hub) joinLocked(c *Client, room string) {
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

// Leave removes c from room. Leaving a room not joined is a no-op.
func (h *Hub) Leave(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, room)
}

func (h *Hub) leaveLocked(c *Client, room string) {
	if members := h.rooms[room]; members != nil {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(c.rooms, room)
}

// Emit encodes the event once and delivers it to every session in room on this instance.
func (h *Hub) Emit(_ context.Context, room, event string, payload any) error {
	frame, err := broadcast.Encode(event, payload)
	if err != nil {
		return err
	}
	h.Deliver(room, frame)
	return nil
}

// Deliver queues frame on every session in room without blocking. A session whose
// buffer is full misses the frame.
func (h *Hub) Deliver(room string, frame []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for client := range h.rooms[room] {
		select {
		case client.Send <- frame:
			delivered++
		default:
			h.log.Warn("dropping frame for slow client", "clientId", client.ID, "userId", client.UserID, "room", room)
		}
	}
	return delivered
}

// SendTo queues frame for a single session. It reports false when the session is gone
// or its buffer is full.
func (h *Hub) SendTo(c *Client, frame []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- frame:
		return true
	default:
		h.log.Warn("dropping reply for slow client", "clientId", c.ID, "userId", c.UserID)
		return false
	}
}

func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Rooms lists the rooms c has joined.
func (h *Hub) Rooms(c *Client) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}
