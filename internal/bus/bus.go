// Package bus is the in-process change broadcast mechanism. Delivery is
// best-effort and at-most-once: a consumer that misses an event self-heals
// by refetching the entity it cares about from the source of truth.
package bus

import (
	"sync"
	"time"

	"entitlement-engine/internal/models"
	"entitlement-engine/internal/util"

	"github.com/google/uuid"
)

// Predicate filters events for a subscriber. A nil predicate matches all.
type Predicate func(models.ChangeEvent) bool

// subscriber buffer size. A full buffer drops the event rather than blocking
// the publisher.
const subscriberBuffer = 64

type subscriber struct {
	ch   chan models.ChangeEvent
	pred Predicate
}

// Bus fans ChangeEvents out to subscribers. Ordering is per-publisher; there
// is no cross-consumer ordering guarantee and no replay.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Publish broadcasts a catalog or entitlement mutation. It never blocks:
// slow subscribers lose events and recover via refetch.
func (b *Bus) Publish(entityKind, mutation, entityID string) models.ChangeEvent {
	event := models.ChangeEvent{
		EventID:    uuid.New().String(),
		EntityKind: entityKind,
		Mutation:   mutation,
		EntityID:   entityID,
		OccurredAt: time.Now(),
	}

	util.ChangeEventsPublished.WithLabelValues(entityKind, mutation).Inc()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.pred != nil && !sub.pred(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			util.ChangeEventsDropped.Inc()
		}
	}
	return event
}

// Subscribe registers a consumer. The returned cancel func must be called
// when the consumer goes away; afterwards the channel is closed.
func (b *Bus) Subscribe(pred Predicate) (<-chan models.ChangeEvent, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan models.ChangeEvent, subscriberBuffer), pred: pred}
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, cancel
}

// SubscriberCount reports currently attached consumers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
