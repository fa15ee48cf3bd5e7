package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"rillcap/internal/core/domain"
	"rillcap/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Event is one upload event relayed between worker instances.
type Event struct {
	InstanceID string          `json:"instance_id"`
	Timestamp  time.Time       `json:"timestamp"`
	Message    json.RawMessage `json:"message"`
}

// EventBus relays upload events between worker instances, so a tab connected to
// one instance hears about segments another instance uploaded.
type EventBus struct {
	client     *redis.Client
	channel    string
	instanceID string
	local      ports.EventPublisher
	ready      chan struct{}
	logger     *zap.SugaredLogger
}

var _ ports.EventPublisher = (*EventBus)(nil)

// NewEventBus creates a bus. local receives both this instance's and remote events.
func NewEventBus(
	client *redis.Client,
	prefix string,
	instanceID string,
	local ports.EventPublisher,
	logger *zap.SugaredLogger,
) *EventBus {
	if prefix == "" {
		prefix = "rillcap"
	}
	return &EventBus{
		client:     client,
		channel:    prefix + ":events",
		instanceID: instanceID,
		local:      local,
		ready:      make(chan struct{}),
		logger:     logger,
	}
}

// Publish delivers msg locally and to every other instance.
func (eb *EventBus) Publish(ctx context.Context, msg domain.Message) error {
	if eb.local != nil {
		if err := eb.local.Publish(ctx, msg); err != nil {
			eb.logger.Warnw("local event delivery failed", "type", msg.Kind(), "error", err)
		}
	}

	encoded, err := domain.EncodeMessage(msg)
	if err != nil {
		return err
	}
	data, err := json.Marshal(Event{
		InstanceID: eb.instanceID,
		Timestamp:  time.Now(),
		Message:    encoded,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event", "type", msg.Kind())
	return nil
}

// Ready is closed once Run has subscribed.
func (eb *EventBus) Ready() <-chan struct{} {
	return eb.ready
}

// Run forwards events from other instances to the local publisher until ctx is done.
func (eb *EventBus) Run(ctx context.Context) error {
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", eb.channel, err)
	}
	close(eb.ready)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			eb.handle(ctx, m.Payload)
		}
	}
}

func (eb *EventBus) handle(ctx context.Context, payload string) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		eb.logger.Warnw("failed to unmarshal event", "error", err, "payload", payload)
		return
	}

	// Skip events from this instance
	if event.InstanceID == eb.instanceID {
		return
	}

	msg, err := domain.DecodeMessage(event.Message)
	if err != nil {
		eb.logger.Warnw("ignoring unknown event", "instance_id", event.InstanceID, "error", err)
		return
	}
	if eb.local == nil {
		return
	}
	if err := eb.local.Publish(ctx, msg); err != nil {
		eb.logger.Warnw("error handling event", "type", msg.Kind(), "error", err)
	}
}
