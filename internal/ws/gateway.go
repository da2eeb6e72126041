//go:generate go run go.uber.org/mock/mockgen -source=gateway.go -destination=../mocks/mock_gateway.go -package=mocks
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chat_fanout/internal/apperr"
	"chat_fanout/internal/auth"
	"chat_fanout/internal/broadcast"
	"chat_fanout/internal/domain"
	"chat_fanout/internal/logger"
)

// Publisher queues chat events for the dispatcher.
type Publisher interface {
	Publish(ctx context.Context, event domain.ChatEvent) error
}

// UserStore keeps the user projection in sync with verified credentials.
type UserStore interface {
	EnsureUser(ctx context.Context, userID uuid.UUID, userName string) error
}

type GatewayOptions struct {
	PublishTimeout   time.Duration
	MaxContentLength int
	BufferSize       int
}

type Gateway struct {
	hub       *Hub
	verifier  auth.Verifier
	publisher Publisher
	users     UserStore
	opts      GatewayOptions
	log       *logger.Logger
	upgrader  websocket.Upgrader
}

func NewGateway(hub *Hub, verifier auth.Verifier, publisher Publisher, users UserStore, opts GatewayOptions, log *logger.Logger) *Gateway {
	return &Gateway{
		hub:       hub,
		verifier:  verifier,
		publisher: publisher,
		users:     users,
		opts:      opts,
		log:       log.With("component", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type roomRequest struct {
	ChatID string `json:"chatId"`
}

type sendMessageRequest struct {
	ChatID   string `json:"chatId" validate:"required,uuid"`
	Content  string `json:"content"`
	SenderID string `json:"senderId,omitempty"`
}

type roomAck struct {
	Event string `json:"event"`
	Room  string `json:"room"`
}

type queuedAck struct {
	Status  string `json:"status"`
	Content string `json:"content"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// ServeHTTP authenticates the handshake and upgrades it. The session joins its user room
// before any frame is read.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := g.verifier.Verify(r.Context(), auth.TokenFromRequest(r))
	if err != nil {
		g.log.Debug("rejected handshake", "kind", apperr.KindOf(err).String(), "error", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if err := g.users.EnsureUser(r.Context(), identity.UserID, identity.UserName); err != nil {
		g.log.Warn("failed to ensure user", "userId", identity.UserID, "error", err)
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("failed to upgrade", "userId", identity.UserID, "error", err)
		return
	}

	client := NewClient(g.hub, conn, identity.UserID, identity.UserName, g.opts.BufferSize)
	if !g.hub.Attach(r.Context(), client) {
		conn.Close()
		return
	}
	g.log.Info("client connected", "clientId", client.ID, "userId", client.UserID)

	ctx := context.WithoutCancel(r.Context())
	go client.writePump()
	go client.readPump(func(c *Client, raw []byte) { g.handleFrame(ctx, c, raw) })
}

func (g *Gateway) handleFrame(ctx context.Context, c *Client, raw []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		g.replyError(c, "malformed frame")
		return
	}

	switch frame.Event {
	case domain.EventJoinChat:
		chatID, ok := decodeChatID(frame.Data)
		if !ok {
			g.replyError(c, "chatId must be a valid id")
			return
		}
		room := domain.ChatRoom(chatID.String())
		g.hub.Join(c, room)
		g.reply(c, domain.EventJoinChat, roomAck{Event: "joined", Room: room})

	case domain.EventLeaveChat:
		chatID, ok := decodeChatID(frame.Data)
		if !ok {
			g.replyError(c, "chatId must be a valid id")
			return
		}
		room := domain.ChatRoom(chatID.String())
		g.hub.Leave(c, room)
		g.reply(c, domain.EventLeaveChat, roomAck{Event: "left", Room: room})

	case domain.EventSendMessage:
		g.sendMessage(ctx, c, frame.Data)

	default:
		g.replyError(c, "unknown event "+frame.Event)
	}
}

func (g *Gateway) sendMessage(ctx context.Context, c *Client, data json.RawMessage) {
	var req sendMessageRequest
	if err := json.Unmarshal(data, &req); err != nil {
		g.replyError(c, "malformed sendMessage payload")
		return
	}
	if err := domain.Validate("ws.sendMessage", &req); err != nil {
		g.replyError(c, "chatId must be a valid id")
		return
	}
	content, err := domain.NormalizeContent(req.Content, g.opts.MaxContentLength)
	if err != nil {
		g.replyError(c, "content must be non-empty and within the length limit")
		return
	}

	senderID := c.UserID.String()
	if req.SenderID != "" && req.SenderID != senderID {
		g.log.Warn("ignoring client supplied senderId", "clientId", c.ID, "userId", senderID, "claimed", req.SenderID)
	}

	event := domain.ChatEvent{
		ChatID:    uuid.MustParse(req.ChatID).String(),
		SenderID:  senderID,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}

	publishCtx, cancel := context.WithTimeout(ctx, g.opts.PublishTimeout)
	defer cancel()
	if err := g.publisher.Publish(publishCtx, event); err != nil {
		g.log.Error("failed to queue message", "chatId", event.ChatID, "userId", senderID, "error", err)
		g.replyError(c, "failed to queue message")
		return
	}
	g.reply(c, domain.EventSendMessage, queuedAck{Status: "queued", Content: content})
}

// decodeChatID accepts either a bare string or an object with a chatId field. Ids are returned
// in canonical form so room names match the ones the dispatcher broadcasts to.
func decodeChatID(data json.RawMessage) (uuid.UUID, bool) {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		var req roomRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return uuid.Nil, false
		}
		raw = req.ChatID
	}
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func (g *Gateway) reply(c *Client, event string, payload any) {
	frame, err := broadcast.Encode(event, payload)
	if err != nil {
		g.log.Error("failed to encode reply", "event", event, "error", err)
		return
	}
	g.hub.SendTo(c, frame)
}

func (g *Gateway) replyError(c *Client, message string) {
	g.reply(c, domain.EventError, errorPayload{Message: message})
}
