// Package roombus is the conversation shared channel: one pub/sub topic per
// conversation, carrying events to every connection currently viewing it.
// It runs on watermill's in-process gochannel transport; a multi-instance
// deployment would swap in a broker-backed publisher behind the same
// surface, which is explicitly out of scope for this core.
package roombus

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/nexachat/delivery-service/internal/domain/event"
)

// Metadata keys carried on every bus message, so subscribers can
// de-duplicate without unmarshalling the payload.
const (
	MetaEventID   = "event_id"
	MetaEventKind = "event_kind"
)

// Marshal converts an event to its wire form before it enters the bus.
type Marshal func(ev event.Eventer) ([]byte, error)

// Bus publishes and subscribes conversation-scoped events.
type Bus struct {
	pubsub  *gochannel.GoChannel
	marshal Marshal
}

func New(logger watermill.LoggerAdapter, marshal Marshal, buffer int64) *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: buffer,
		}, logger),
		marshal: marshal,
	}
}

// Topic names the conversation's shared channel.
func Topic(conversationID uuid.UUID) string {
	return "conversation." + conversationID.String()
}

// Publish emits one event on the conversation's channel. Subscribers that
// joined after the publish simply miss it; history lives in the store, not
// on the bus.
func (b *Bus) Publish(ctx context.Context, conversationID uuid.UUID, ev event.Eventer) error {
	payload, err := b.marshal(ev)
	if err != nil {
		return fmt.Errorf("room bus: marshal %s: %w", ev.GetKind(), err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(MetaEventID, ev.GetID())
	msg.Metadata.Set(MetaEventKind, ev.GetKind().String())

	if err := b.pubsub.Publish(Topic(conversationID), msg); err != nil {
		return fmt.Errorf("room bus: publish to %s: %w", Topic(conversationID), err)
	}
	return nil
}

// Subscribe attaches to a conversation's channel until ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, conversationID uuid.UUID) (<-chan *message.Message, error) {
	ch, err := b.pubsub.Subscribe(ctx, Topic(conversationID))
	if err != nil {
		return nil, fmt.Errorf("room bus: subscribe to %s: %w", Topic(conversationID), err)
	}
	return ch, nil
}

// Close tears the transport down, terminating every subscription.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}
