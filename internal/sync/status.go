package sync

import (
	gosync "sync"
	"time"

	"github.com/fieldsync/fieldsync/pkg/types"
)

// EventType represents the type of sync status event.
type EventType int

const (
	OpSyncing EventType = iota
	OpSynced
	OpFailed
	OpFlagged
	QueueDrained
)

// Event represents a sync status change for UI surfaces and tooling.
type Event struct {
	Type        EventType
	OperationID string
	EntityPath  string
	RetryCount  int
	Err         string
	Result      *types.WriteResult
	Timestamp   int64
}

// StatusBus provides an in-process pub/sub bus for sync status events.
type StatusBus struct {
	subscribers gosync.Map
	bufferSize  int
}

// NewStatusBus creates a new status bus.
func NewStatusBus(bufferSize int) *StatusBus {
	return &StatusBus{
		bufferSize: bufferSize,
	}
}

// Publish sends an event to all matching subscribers.
// Non-blocking: if a subscriber's channel is full, the event is dropped.
func (b *StatusBus) Publish(ev Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixNano()
	}
	b.subscribers.Range(func(key, value interface{}) bool {
		sub := value.(*Subscriber)
		if matchesFilter(sub, ev.EntityPath) {
			select {
			case sub.Ch <- ev:
			default:
				// Channel full - drop event, do NOT block the coordinator
			}
		}
		return true
	})
}

// Subscribe adds a subscriber. Filters are entity path prefixes; no
// filters means receive everything.
func (b *StatusBus) Subscribe(id string, filters ...string) *Subscriber {
	sub := &Subscriber{
		ID:      id,
		Filters: filters,
		Ch:      make(chan Event, b.bufferSize),
	}
	b.subscribers.Store(sub.ID, sub)
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *StatusBus) Unsubscribe(id string) {
	if value, ok := b.subscribers.LoadAndDelete(id); ok {
		close(value.(*Subscriber).Ch)
	}
}

func matchesFilter(sub *Subscriber, entityPath string) bool {
	if len(sub.Filters) == 0 {
		return true
	}
	for _, filter := range sub.Filters {
		if len(filter) == 0 {
			return true
		}
		if len(entityPath) >= len(filter) && entityPath[:len(filter)] == filter {
			return true
		}
	}
	return false
}

// Subscriber represents a status event subscriber.
type Subscriber struct {
	ID      string
	Filters []string
	Ch      chan Event
}
