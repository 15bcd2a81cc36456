// Package events is the mutation fan-out bus. Every task mutation and
// counter update is published as a self-describing JSON message on a single
// shared channel; each live subscriber gets an independent best-effort copy
// of everything published after it subscribed. No replay, no delivery
// guarantee.
package events

import (
	"context"
	"time"

	"github.com/taskwire/taskwire/models"
)

const (
	KindCreated        = "created"
	KindUpdated        = "updated"
	KindDeleted        = "deleted"
	KindCounterUpdated = "counter_updated"
)

// Event is the wire message. Exactly one of Task, ID, or the Counter/Value
// pair is set, depending on Kind.
type Event struct {
	Kind string `json:"event"`

	// task snapshot, for created/updated
	Task *models.TaskView `json:"task,omitempty"`

	// record id, for deleted
	ID *int64 `json:"id,omitempty"`

	// counter name and new value, for counter_updated
	Counter string `json:"counter,omitempty"`
	Value   *int64 `json:"value,omitempty"`

	Time time.Time `json:"timestamp"`
}

func NewTaskEvent(kind string, task *models.TaskView) *Event {
	return &Event{Kind: kind, Task: task, Time: time.Now().UTC()}
}

func NewDeletedEvent(id int64) *Event {
	return &Event{Kind: KindDeleted, ID: &id, Time: time.Now().UTC()}
}

func NewCounterEvent(counter string, value int64) *Event {
	return &Event{Kind: KindCounterUpdated, Counter: counter, Value: &value, Time: time.Now().UTC()}
}

// Bus is the fan-out transport. Publish is fire-and-forget from the writer's
// perspective: callers log publish errors and move on, they never fail the
// mutation that triggered the event.
type Bus interface {
	Publish(ctx context.Context, evt *Event) error

	// Subscribe returns a channel of events published after this call and
	// a cleanup func releasing the subscription. Each subscriber owns its
	// channel; a slow consumer may miss messages but never blocks the
	// publisher.
	Subscribe(ctx context.Context, ident string) (<-chan *Event, func(), error)
}
