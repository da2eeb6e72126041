package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"chat_fanout/internal/logger"
)

type envelope struct {
	Room  string          `json:"room"`
	Frame json.RawMessage `json:"frame"`
}

// RedisRelay fans room frames out to every instance through a Redis pub/sub channel.
// Each instance runs the relay's forwarder, which delivers frames to its local sessions.
type RedisRelay struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
	local   Deliverer
}

func NewRedisRelay(ctx context.Context, addr, channel string, local Deliverer, log *logger.Logger) (*RedisRelay, error) {
	if local == nil {
		return nil, errors.New("local deliverer required")
	}
	if channel == "" {
		return nil, errors.New("redis channel required")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisRelay{
		log:     log.With("component", "redis_relay", "channel", channel),
		rdb:     rdb,
		channel: channel,
		local:   local,
	}, nil
}

func (r *RedisRelay) Emit(ctx context.Context, room, event string, payload any) error {
	frame, err := Encode(event, payload)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(envelope{Room: room, Frame: frame})
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, r.channel, raw).Err(); err != nil {
		return fmt.Errorf("redis publish to %s: %w", room, err)
	}
	return nil
}

// Run subscribes to the relay channel and delivers frames locally until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	defer sub.Close()

	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	r.log.Info("forwarder started")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok || m == nil {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("redis subscription closed")
			}
			r.forward(m.Payload)
		}
	}
}

func (r *RedisRelay) forward(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.log.Warn("bad relay payload", "error", err)
		return
	}
	if env.Room == "" || len(env.Frame) == 0 {
		r.log.Warn("incomplete relay payload", "room", env.Room)
		return
	}
	r.local.Deliver(env.Room, env.Frame)
}

func (r *RedisRelay) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *RedisRelay) Close() error {
	return r.rdb.Close()
}
