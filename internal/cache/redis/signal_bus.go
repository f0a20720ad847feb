package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/gasrelay/internal/domain"
)

// journalMaxLen caps each channel's journal stream (XADD MAXLEN ~).
const journalMaxLen int64 = 10000

// SignalBus is a domain.SignalBus over Redis Pub/Sub. Every published
// payload is also appended to a capped stream per channel so late
// subscribers can replay recent events.
type SignalBus struct {
	rdb *redis.Client
}

func NewSignalBus(c *Client) *SignalBus {
	return &SignalBus{rdb: c.Underlying()}
}

func journalKey(channel string) string {
	return keyPrefix + "journal:" + channel
}

// Publish fans payload out to subscribers and journals it.
func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	pipe := sb.rdb.Pipeline()
	pipe.Publish(ctx, channel, payload)
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: journalKey(channel),
		MaxLen: journalMaxLen,
		Approx: true,
		Values: map[string]any{"payload": payload},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns a channel of payloads that closes when ctx ends.
// Glob patterns use PSUBSCRIBE.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	var pubsub *redis.PubSub
	if hasPattern(channel) {
		pubsub = sb.rdb.PSubscribe(ctx, channel)
	} else {
		pubsub = sb.rdb.Subscribe(ctx, channel)
	}
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Recent returns up to n journaled payloads for channel, oldest first.
func (sb *SignalBus) Recent(ctx context.Context, channel string, n int) ([][]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	msgs, err := sb.rdb.XRevRangeN(ctx, journalKey(channel), "+", "-", int64(n)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: journal %s: %w", channel, err)
	}

	out := make([][]byte, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		switch v := msgs[i].Values["payload"].(type) {
		case string:
			out = append(out, []byte(v))
		case []byte:
			out = append(out, v)
		}
	}
	return out, nil
}

func hasPattern(channel string) bool {
	return strings.ContainsAny(channel, "*?[")
}

var (
	_ domain.SignalBus    = (*SignalBus)(nil)
	_ domain.EventJournal = (*SignalBus)(nil)
)
