package core

import (
	"context"

	"github.com/dkeye/Signal/internal/domain"
)

const (
	TopicPeerJoined     = "room:peer-joined"
	TopicPeerLeft       = "room:peer-left"
	TopicNewProducer    = "room:new-producer"
	TopicProducerClosed = "room:producer-closed"
)

// Event is one delivery of a published payload.
type Event struct {
	Topic   string
	Payload []byte
	// Origin is the instance id of the publisher.
	Origin string
}

type Handler func(Event)

// EventBus fans events out to every server instance. Delivery is
// at-least-once per subscriber and ordered per publisher per topic only, so
// handlers must tolerate duplicates.
type EventBus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(topic string, h Handler) (unsubscribe func())
	// Degraded reports that cross-instance delivery is currently lost.
	Degraded() bool
	Close() error
}

// RoomEvent is the payload of every room:* topic.
type RoomEvent struct {
	Room       domain.RoomID    `json:"roomId"`
	Peer       domain.PeerID    `json:"id"`
	ProducerID string           `json:"producerId,omitempty"`
	Kind       domain.MediaKind `json:"kind,omitempty"`
}
