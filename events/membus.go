package events

import (
	"context"
	"log/slog"
	"sync"
)

type memSubscriber struct {
	ident    string
	outgoing chan *Event
}

// MemBus is an in-process Bus for tests and single-node development runs.
// Each subscriber owns a buffered channel; when it fills, further events are
// dropped for that subscriber rather than blocking the publisher.
type MemBus struct {
	mu   sync.Mutex
	subs map[*memSubscriber]struct{}
	log  *slog.Logger
}

var _ Bus = (*MemBus)(nil)

func NewMemBus() *MemBus {
	return &MemBus{
		subs: make(map[*memSubscriber]struct{}),
		log:  slog.Default().With("system", "eventbus"),
	}
}

func (b *MemBus) Publish(ctx context.Context, evt *Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		select {
		case sub.outgoing <- evt:
		default:
			b.log.Warn("subscriber overflow, dropping event", "ident", sub.ident, "kind", evt.Kind)
		}
	}
	eventsPublished.WithLabelValues(evt.Kind).Inc()
	return nil
}

func (b *MemBus) Subscribe(ctx context.Context, ident string) (<-chan *Event, func(), error) {
	sub := &memSubscriber{
		ident:    ident,
		outgoing: make(chan *Event, subscriberBuffer),
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
			close(sub.outgoing)
		})
	}
	return sub.outgoing, cleanup, nil
}
