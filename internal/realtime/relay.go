package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Deliverer is the local side of a relay.
type Deliverer interface {
	Deliver(room string, ev Event) int
}

// RedisRelay fans events out to every server instance over a Redis pub/sub
// channel. Each instance runs Run and delivers to its own sessions.
type RedisRelay struct {
	client  redis.UniversalClient
	channel string
	logger  *slog.Logger
}

func NewRedisRelay(client redis.UniversalClient, channel string, logger *slog.Logger) *RedisRelay {
	return &RedisRelay{client: client, channel: channel, logger: logger.With("component", "realtime_relay")}
}

func (r *RedisRelay) Publish(ctx context.Context, room string, ev Event) error {
	ev.Room = room
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, b).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Event, err)
	}
	return nil
}

// Run subscribes to the relay channel and hands every message to d until ctx
// is cancelled. ready, when non-nil, is closed once the subscription is live.
func (r *RedisRelay) Run(ctx context.Context, d Deliverer, ready chan<- struct{}) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	if ready != nil {
		close(ready)
	}
	r.logger.Info("realtime relay subscribed", "channel", r.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				r.logger.Warn("discarding malformed relay message", "error", err)
				continue
			}
			d.Deliver(ev.Room, ev)
		}
	}
}
