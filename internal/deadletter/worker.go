package deadletter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"chat_fanout/internal/broadcast"
	"chat_fanout/internal/broker"
	"chat_fanout/internal/domain"
	"chat_fanout/internal/logger"
)

const unknownReason = "unknown"

// Worker drains the dead-letter queue. Every event that ends up there is logged and,
// when the sender can be identified, reported back to the sender's sessions.
type Worker struct {
	emitter broadcast.Emitter
	timeout time.Duration
	log     *logger.Logger
}

func NewWorker(emitter broadcast.Emitter, timeout time.Duration, log *logger.Logger) *Worker {
	return &Worker{
		emitter: emitter,
		timeout: timeout,
		log:     log.With("component", "deadletter"),
	}
}

// Handle always acks; the dead-letter queue is the end of the line.
func (w *Worker) Handle(ctx context.Context, d broker.Delivery) broker.Outcome {
	reason := d.DeathReason
	if reason == "" {
		reason = unknownReason
	}
	w.log.Warn("dead-lettered event",
		"messageId", d.MessageID,
		"reason", reason,
		"deaths", d.DeathCount,
		"body", string(d.Body),
	)

	var event domain.ChatEvent
	if err := json.Unmarshal(d.Body, &event); err != nil {
		return broker.Ack
	}
	senderID, err := uuid.Parse(event.SenderID)
	if err != nil {
		return broker.Ack
	}

	emitCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	failed := domain.MessageFailed{
		ChatID:  event.ChatID,
		Preview: domain.Preview(event.Content),
		Reason:  reason,
	}
	if err := w.emitter.Emit(emitCtx, domain.UserRoom(senderID.String()), domain.EventMessageFailed, failed); err != nil {
		w.log.Error("failed to notify sender", "senderId", senderID, "error", err)
	}
	return broker.Ack
}
