package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// subscriber channel depth before messages get dropped
const subscriberBuffer = 64

// RedisBus fans events out over a single redis pub/sub channel. Redis hands
// every subscriber its own cursor starting at "now", which is exactly the
// delivery contract the Bus interface promises.
type RedisBus struct {
	client  *redis.Client
	channel string
	log     *slog.Logger
}

var _ Bus = (*RedisBus)(nil)

func NewRedisBus(rdb *redis.Client, channel string) *RedisBus {
	return &RedisBus{
		client:  rdb,
		channel: channel,
		log:     slog.Default().With("system", "eventbus"),
	}
}

func (b *RedisBus) Publish(ctx context.Context, evt *Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publishing event: %w", err)
	}
	eventsPublished.WithLabelValues(evt.Kind).Inc()
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, ident string) (<-chan *Event, func(), error) {
	ps := b.client.Subscribe(ctx, b.channel)
	// force the SUBSCRIBE round-trip so a broken backend fails here, not
	// silently on the relay loop
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, nil, fmt.Errorf("subscribing to %s: %w", b.channel, err)
	}

	out := make(chan *Event, subscriberBuffer)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				b.log.Warn("dropping undecodable event", "ident", ident, "err", err)
				continue
			}
			select {
			case out <- &evt:
			case <-ctx.Done():
				return
			}
		}
	}()

	cleanup := func() {
		if err := ps.Close(); err != nil {
			b.log.Warn("closing subscription", "ident", ident, "err", err)
		}
	}
	return out, cleanup, nil
}
