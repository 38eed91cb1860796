package streaming

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisChannel is the pub/sub channel RedisHub uses when none is set.
const DefaultRedisChannel = "actrun:events"

// RedisHub is an EventHub backed by Redis pub/sub, so generation completions
// reach waiters in other processes.
type RedisHub struct {
	client  redis.UniversalClient
	channel string
	logger  *slog.Logger
}

// NewRedisHub creates a hub publishing on channel. An empty channel uses
// DefaultRedisChannel.
func NewRedisHub(client redis.UniversalClient, channel string, logger *slog.Logger) *RedisHub {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisHub{client: client, channel: channel, logger: logger}
}

func (h *RedisHub) Publish(ctx context.Context, event StreamEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return h.client.Publish(ctx, h.channel, data).Err()
}

// Subscribe opens a Redis subscription and forwards matching events. The
// subscription is confirmed before Subscribe returns, so events published
// afterwards are not missed.
func (h *RedisHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	ps := h.client.Subscribe(context.WithoutCancel(ctx), h.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, err
	}

	out := make(chan StreamEvent, defaultChannelBuffer)
	done := make(chan struct{})
	go func() {
		defer close(out)
		msgs := ps.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var e StreamEvent
				if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
					h.logger.Warn("dropping malformed stream event", slog.String("error", err.Error()))
					continue
				}
				if !filter.Matches(e) {
					continue
				}
				select {
				case out <- e:
				default:
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = ps.Close()
		})
	}
	return out, cancel, nil
}
