package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"storefront-ledger/pkg/logger"
)

// RedisBus publishes events as JSON on a Redis pub/sub channel, so every API replica
// can stream changes committed by any other replica.
type RedisBus struct {
	rdb     *redis.Client
	channel string
}

func NewRedisBus(rdb *redis.Client, channel string) (*RedisBus, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	if channel == "" {
		return nil, fmt.Errorf("channel is required")
	}
	return &RedisBus{rdb: rdb, channel: channel}, nil
}

func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context) (<-chan Event, func(), error) {
	ps := b.rdb.Subscribe(ctx, b.channel)
	// Wait for the subscription confirmation so no event published after return is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	out := make(chan Event, 16)
	subCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				ev, err := decodeMessage(msg.Payload)
				if err != nil {
					logger.From(ctx).Warn("dropping malformed ledger event", "err", err)
					continue
				}
				select {
				case out <- ev:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()
	return out, cancel, nil
}

func decodeMessage(payload string) (Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return Event{}, err
	}
	if ev.Kind == "" || ev.AccountID == "" {
		return Event{}, fmt.Errorf("event missing kind or account_id")
	}
	return ev, nil
}
