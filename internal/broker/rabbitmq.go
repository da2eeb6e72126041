package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"chat_fanout/internal/domain"
	"chat_fanout/internal/logger"
)

const (
	ExchangeDeadLetter = "chat.dlx"
	deadQueueSuffix    = ".dead"
)

// ErrDeliveriesClosed is returned by Consume when the broker closes the delivery stream.
var ErrDeliveriesClosed = errors.New("broker: delivery channel closed")

type Options struct {
	URL           string
	Queue         string
	DeliveryLimit int
	Prefetch      int
}

type RabbitMQClient struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	opts    Options
	log     *logger.Logger
}

// NewRabbitMQClient dials the broker, declares the work and dead-letter topology and
// puts the publishing channel into confirm mode.
func NewRabbitMQClient(opts Options, log *logger.Logger) (*RabbitMQClient, error) {
	conn, err := amqp.Dial(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	c := &RabbitMQClient{conn: conn, channel: ch, opts: opts, log: log.With("component", "broker")}
	if err := c.declareTopology(); err != nil {
		c.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	return c, nil
}

func (c *RabbitMQClient) QueueName() string     { return c.opts.Queue }
func (c *RabbitMQClient) DeadQueueName() string { return DeadQueueName(c.opts.Queue) }

func DeadQueueName(queue string) string { return queue + deadQueueSuffix }

// QueueArgs are the arguments of the work queue: a quorum queue whose poison and
// over-retried messages are routed to the dead-letter exchange.
func QueueArgs(queue string, deliveryLimit int) amqp.Table {
	return amqp.Table{
		"x-queue-type":              "quorum",
		"x-dead-letter-exchange":    ExchangeDeadLetter,
		"x-dead-letter-routing-key": queue,
		"x-delivery-limit":          int64(deliveryLimit),
	}
}

func (c *RabbitMQClient) declareTopology() error {
	err := c.channel.ExchangeDeclare(
		ExchangeDeadLetter, // name
		"direct",           // type
		true,               // durable
		false,              // auto-deleted
		false,              // internal
		false,              // no-wait
		nil,                // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare dead-letter exchange: %w", err)
	}

	dead, err := c.channel.QueueDeclare(c.DeadQueueName(), true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare dead-letter queue: %w", err)
	}
	if err := c.channel.QueueBind(dead.Name, c.opts.Queue, ExchangeDeadLetter, false, nil); err != nil {
		return fmt.Errorf("failed to bind dead-letter queue: %w", err)
	}

	_, err = c.channel.QueueDeclare(
		c.opts.Queue, // name
		true,         // durable
		false,        // delete when unused
		false,        // exclusive
		false,        // no-wait
		QueueArgs(c.opts.Queue, c.opts.DeliveryLimit),
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", c.opts.Queue, err)
	}
	return nil
}

// Publish queues a chat event and waits for the broker to confirm it. It does not wait
// for the event to be processed.
func (c *RabbitMQClient) Publish(ctx context.Context, event domain.ChatEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal body: %w", err)
	}

	conf, err := c.channel.PublishWithDeferredConfirmWithContext(ctx,
		"",           // default exchange
		c.opts.Queue, // routing key
		false,        // mandatory
		false,        // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Type:         domain.EventTypeChatProcessing,
			MessageId:    uuid.NewString(),
			Timestamp:    time.Now().UTC(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}
	acked, err := conf.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to confirm publish: %w", err)
	}
	if !acked {
		return errors.New("broker nacked publish")
	}
	return nil
}

// IsClosed reports whether the broker connection is gone.
func (c *RabbitMQClient) IsClosed() bool {
	return c.conn == nil || c.conn.IsClosed()
}

func (c *RabbitMQClient) Close() {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

// Consume processes deliveries from queue on a dedicated channel until ctx is done.
// Every delivery is settled according to the handler's Outcome.
func (c *RabbitMQClient) Consume(ctx context.Context, queue string, handler Handler) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open consumer channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(c.opts.Prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}
	msgs, err := ch.Consume(
		queue, // queue
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer on %s: %w", queue, err)
	}

	log := c.log.With("queue", queue)
	log.Info("consumer started")
	for {
		select {
		case <-ctx.Done():
			log.Info("consumer stopped")
			return nil
		case d, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrDeliveriesClosed
			}
			Process(ctx, log, handler, d)
		}
	}
}
