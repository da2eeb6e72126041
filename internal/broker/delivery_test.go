package broker

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"chat_fanout/internal/logger"
)

type settlement struct {
	tag     uint64
	method  string
	requeue bool
}

type fakeAcknowledger struct {
	calls []settlement
	err   error
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.calls = append(f.calls, settlement{tag: tag, method: "ack"})
	return f.err
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.calls = append(f.calls, settlement{tag: tag, method: "nack", requeue: requeue})
	return f.err
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	f.calls = append(f.calls, settlement{tag: tag, method: "reject", requeue: requeue})
	return f.err
}

func newAMQPDelivery(ack amqp.Acknowledger, tag uint64) amqp.Delivery {
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: tag, Body: []byte(`{}`), MessageId: "m-1"}
}

func TestProcess_SettlesByOutcome(t *testing.T) {
	tests := []struct {
		name    string
		outcome Outcome
		want    settlement
	}{
		{"ack", Ack, settlement{tag: 7, method: "ack"}},
		{"requeue", Requeue, settlement{tag: 7, method: "nack", requeue: true}},
		{"discard", Discard, settlement{tag: 7, method: "reject", requeue: false}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack := &fakeAcknowledger{}
			handler := func(context.Context, Delivery) Outcome { return tt.outcome }

			got := Process(context.Background(), logger.NewNop(), handler, newAMQPDelivery(ack, 7))
			require.Equal(t, tt.outcome, got)
			require.Equal(t, []settlement{tt.want}, ack.calls)
		})
	}
}

func TestProcess_PanicRequeues(t *testing.T) {
	req := require.New(t)
	ack := &fakeAcknowledger{}
	handler := func(context.Context, Delivery) Outcome { panic("boom") }

	got := Process(context.Background(), logger.NewNop(), handler, newAMQPDelivery(ack, 3))
	req.Equal(Requeue, got)
	req.Equal([]settlement{{tag: 3, method: "nack", requeue: true}}, ack.calls)
}

func TestProcess_SettleErrorIsLogged(t *testing.T) {
	ack := &fakeAcknowledger{err: errors.New("channel closed")}
	handler := func(context.Context, Delivery) Outcome { return Ack }

	got := Process(context.Background(), logger.NewNop(), handler, newAMQPDelivery(ack, 1))
	require.Equal(t, Ack, got)
	require.Len(t, ack.calls, 1)
}

func TestNewDelivery_Headers(t *testing.T) {
	req := require.New(t)
	d := newDelivery(amqp.Delivery{
		Body:        []byte("body"),
		Redelivered: true,
		MessageId:   "abc",
		Headers: amqp.Table{
			"x-delivery-count": int64(2),
			"x-death": []interface{}{
				amqp.Table{"reason": "delivery_limit", "count": int64(1), "queue": "chat_queue"},
			},
		},
	})
	req.Equal([]byte("body"), d.Body)
	req.True(d.Redelivered)
	req.Equal("abc", d.MessageID)
	req.EqualValues(2, d.DeliveryCount)
	req.Equal("delivery_limit", d.DeathReason)
	req.EqualValues(1, d.DeathCount)
}

func TestNewDelivery_FirstDeathReasonFallback(t *testing.T) {
	d := newDelivery(amqp.Delivery{Headers: amqp.Table{"x-first-death-reason": "rejected"}})
	require.Equal(t, "rejected", d.DeathReason)
	require.Zero(t, d.DeliveryCount)
}

func TestQueueArgs(t *testing.T) {
	req := require.New(t)
	args := QueueArgs("chat_queue", 5)
	req.Equal("quorum", args["x-queue-type"])
	req.Equal(ExchangeDeadLetter, args["x-dead-letter-exchange"])
	req.Equal("chat_queue", args["x-dead-letter-routing-key"])
	req.Equal(int64(5), args["x-delivery-limit"])
	req.NoError(args.Validate())
	req.Equal("chat_queue.dead", DeadQueueName("chat_queue"))
}

func TestOutcomeString(t *testing.T) {
	require.Equal(t, "ack", Ack.String())
	require.Equal(t, "requeue", Requeue.String())
	require.Equal(t, "discard", Discard.String())
	require.Equal(t, "outcome(9)", Outcome(9).String())
}
