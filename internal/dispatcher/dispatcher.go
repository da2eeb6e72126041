//go:generate go run go.uber.org/mock/mockgen -source=dispatcher.go -destination=../mocks/mock_dispatcher.go -package=mocks
package dispatcher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"chat_fanout/internal/apperr"
	"chat_fanout/internal/broadcast"
	"chat_fanout/internal/broker"
	"chat_fanout/internal/domain"
	"chat_fanout/internal/logger"
)

// Store is the persistence the dispatcher needs.
type Store interface {
	IsChatMember(ctx context.Context, chatID, userID uuid.UUID) (bool, error)
	CreateMessage(ctx context.Context, chatID, senderID uuid.UUID, content string) (*domain.Message, error)
	FindChatByID(ctx context.Context, chatID uuid.UUID) (*domain.Chat, error)
}

type Options struct {
	FanoutTimeout    time.Duration
	MaxContentLength int
}

// Dispatcher turns queued chat events into stored messages and room broadcasts.
type Dispatcher struct {
	store   Store
	emitter broadcast.Emitter
	opts    Options
	log     *logger.Logger
}

func New(store Store, emitter broadcast.Emitter, opts Options, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		store:   store,
		emitter: emitter,
		opts:    opts,
		log:     log.With("component", "dispatcher"),
	}
}

// Handle processes one delivery. Malformed and unauthorized events are discarded, as are
// events for chats that disappeared mid-flight. Other storage failures are requeued, and everything that reached storage is acked whether or not the
// broadcasts succeeded.
func (d *Dispatcher) Handle(ctx context.Context, delivery broker.Delivery) broker.Outcome {
	log := d.log.With("messageId", delivery.MessageID, "deliveryCount", delivery.DeliveryCount)

	var event domain.ChatEvent
	if err := json.Unmarshal(delivery.Body, &event); err != nil {
		log.Warn("discarding undecodable event", "error", err)
		return broker.Discard
	}
	if err := event.Normalize(d.opts.MaxContentLength); err != nil {
		log.Warn("discarding invalid event", "error", err)
		return broker.Discard
	}
	// Normalize guarantees both ids parse.
	chatID := uuid.MustParse(event.ChatID)
	senderID := uuid.MustParse(event.SenderID)
	log = log.With("chatId", chatID, "senderId", senderID)

	member, err := d.store.IsChatMember(ctx, chatID, senderID)
	if err != nil {
		log.Error("failed to check membership", "error", err)
		return outcomeOf(err)
	}
	if !member {
		log.Warn("discarding event from non-member")
		return broker.Discard
	}

	msg, err := d.store.CreateMessage(ctx, chatID, senderID, event.Content)
	if err != nil {
		log.Error("failed to persist message", "error", err)
		return outcomeOf(err)
	}

	// A failure past this point requeues an already stored message; the retry stores a duplicate.
	chat, err := d.store.FindChatByID(ctx, chatID)
	if err != nil {
		log.Error("failed to load chat after persisting", "storedId", msg.ID, "error", err)
		return outcomeOf(err)
	}

	d.emit(ctx, log, domain.ChatRoom(chatID.String()), domain.EventNewMessage, msg)

	senderName := domain.AnonymousSender
	if msg.Sender != nil && msg.Sender.UserName != "" {
		senderName = msg.Sender.UserName
	}
	notification := domain.Notification{
		Type:       domain.NotificationMessageReceived,
		ChatID:     chatID,
		SenderName: senderName,
		Preview:    domain.Preview(msg.Content),
	}
	for _, recipient := range lo.Without(chat.Members, senderID) {
		d.emit(ctx, log, domain.UserRoom(recipient.String()), domain.EventNotification, notification)
	}

	log.Debug("message dispatched", "storedId", msg.ID)
	return broker.Ack
}

// outcomeOf maps a store error to a settlement. A chat that no longer exists will not come
// back on retry.
func outcomeOf(err error) broker.Outcome {
	switch apperr.KindOf(err) {
	case apperr.KindNotFound, apperr.KindMalformed:
		return broker.Discard
	default:
		return broker.Requeue
	}
}

func (d *Dispatcher) emit(ctx context.Context, log *logger.Logger, room, event string, payload any) {
	emitCtx, cancel := context.WithTimeout(ctx, d.opts.FanoutTimeout)
	defer cancel()
	if err := d.emitter.Emit(emitCtx, room, event, payload); err != nil {
		log.Error("failed to emit", "room", room, "event", event, "error", err)
	}
}
