package broker

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"chat_fanout/internal/logger"
)

// Outcome is a handler's verdict on one delivery.
type Outcome int

const (
	// Ack removes the delivery from the queue.
	Ack Outcome = iota
	// Requeue returns the delivery for another attempt, bounded by the queue's delivery limit.
	Requeue
	// Discard rejects the delivery without requeue; the broker dead-letters it.
	Discard
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	case Discard:
		return "discard"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Delivery is the broker-independent view of a consumed message.
type Delivery struct {
	Body          []byte
	Redelivered   bool
	DeliveryCount int64
	MessageID     string
	// DeathReason and DeathCount are set on messages read from a dead-letter queue.
	DeathReason string
	DeathCount  int64
}

type Handler func(ctx context.Context, d Delivery) Outcome

func newDelivery(d amqp.Delivery) Delivery {
	out := Delivery{
		Body:          d.Body,
		Redelivered:   d.Redelivered,
		DeliveryCount: headerInt(d.Headers["x-delivery-count"]),
		MessageID:     d.MessageId,
	}
	if deaths, ok := d.Headers["x-death"].([]interface{}); ok && len(deaths) > 0 {
		if death, ok := deaths[0].(amqp.Table); ok {
			out.DeathReason, _ = death["reason"].(string)
			out.DeathCount = headerInt(death["count"])
		}
	}
	if out.DeathReason == "" {
		out.DeathReason, _ = d.Headers["x-first-death-reason"].(string)
	}
	return out
}

func headerInt(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case int16:
		return int64(n)
	case uint8:
		return int64(n)
	default:
		return 0
	}
}

// Process runs handler on d, recovering panics as Requeue, and settles the delivery.
func Process(ctx context.Context, log *logger.Logger, handler Handler, d amqp.Delivery) Outcome {
	outcome := invoke(ctx, log, handler, newDelivery(d))
	if err := settle(d, outcome); err != nil {
		log.Error("failed to settle delivery", "outcome", outcome.String(), "deliveryTag", d.DeliveryTag, "error", err)
	}
	return outcome
}

func invoke(ctx context.Context, log *logger.Logger, handler Handler, d Delivery) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panicked", "messageId", d.MessageID, "panic", r)
			outcome = Requeue
		}
	}()
	return handler(ctx, d)
}

func settle(d amqp.Delivery, outcome Outcome) error {
	switch outcome {
	case Ack:
		return d.Ack(false)
	case Requeue:
		return d.Nack(false, true)
	case Discard:
		return d.Reject(false)
	default:
		return fmt.Errorf("unknown outcome %d", int(outcome))
	}
}
