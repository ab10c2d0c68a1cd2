package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"entitlement-engine/internal/bus"
	"entitlement-engine/internal/models"

	"go.uber.org/zap"
)

// Relay forwards in-process bus events onto Kafka, fire-and-forget. The bus
// publisher never waits on the relay; a missed or dropped event costs a
// remote consumer nothing beyond an extra refetch.
type Relay struct {
	producer *Producer
	logger   *zap.Logger
}

// NewRelay creates a relay over an existing producer.
func NewRelay(producer *Producer, logger *zap.Logger) *Relay {
	return &Relay{producer: producer, logger: logger}
}

// Run subscribes to the bus and forwards events until ctx is cancelled.
func (r *Relay) Run(ctx context.Context, b *bus.Bus) {
	events, cancel := b.Subscribe(nil)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			key := fmt.Sprintf("%s-%s", event.EntityKind, event.EntityID)
			pubCtx, pubCancel := context.WithTimeout(ctx, 5*time.Second)
			if err := r.producer.Publish(pubCtx, key, event); err != nil {
				r.logger.Warn("Failed to relay change event to kafka",
					zap.String("event_id", event.EventID),
					zap.Error(err))
			}
			pubCancel()
		}
	}
}

// Source republishes topic events onto a local bus. A surface process runs
// one of these so its local subscribers see mutations made elsewhere; the
// refetch-on-receipt rule makes payload fidelity irrelevant.
type Source struct {
	consumer *Consumer
	logger   *zap.Logger
}

// NewSource creates a source over an existing consumer.
func NewSource(consumer *Consumer, logger *zap.Logger) *Source {
	return &Source{consumer: consumer, logger: logger}
}

// Run pumps topic messages into the local bus until ctx is cancelled.
func (s *Source) Run(ctx context.Context, b *bus.Bus) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := s.consumer.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("Error fetching change event", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		var event models.ChangeEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			s.logger.Warn("Malformed change event, skipping", zap.Error(err))
		} else {
			b.Publish(event.EntityKind, event.Mutation, event.EntityID)
		}

		if err := s.consumer.Commit(ctx, msg); err != nil {
			s.logger.Warn("Error committing change event", zap.Error(err))
		}
	}
}
