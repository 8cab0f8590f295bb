// Package stats records what happens to the requests handled by a dispatcher.
//
// Recording is best-effort: the dispatcher never waits on a Store and
// drops events when the store can't keep up.
package stats

import (
	"context"
	"time"
)

// Kind is the kind of a dispatch event.
type Kind string

const (
	KindDispatched     Kind = "dispatched"
	KindCompleted      Kind = "completed"
	KindThrottled      Kind = "throttled"
	KindQueueFull      Kind = "queue_full"
	KindCancelled      Kind = "cancelled"
	KindTransportError Kind = "transport_error"
	KindRestarted      Kind = "restarted"
	KindUnavailable    Kind = "unavailable"
)

// Event is a single occurrence on a partition.
//
// Key is the partition key: be careful with its cardinality
// when tracking keys on a shared store.
type Event struct {
	Key  string
	Kind Kind
	At   time.Time
}

// Store persists dispatch events.
type Store interface {
	Record(ctx context.Context, ev Event) error
}

// Counters maps each event kind to the amount of occurrences.
type Counters map[Kind]int64

func (c Counters) clone() Counters {
	out := make(Counters, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}
