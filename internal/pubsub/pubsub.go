// Package pubsub carries room control events between nodes: an HTTP delete on
// one node must terminate a live actor on another. Inside a room no pub/sub is
// used; actors translate these events into commands on their own channel.
// The in-memory implementation serves single-node deployments; the Redis one
// spans a cluster.
package pubsub

import (
	"context"
	"encoding/json"
)

// Control event types carried on room topics.
const (
	EventRoomPurged  = "room.purged"
	EventCodeRotated = "room.code_rotated"
)

// Message represents a pub/sub message with typed payload.
type Message struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RoomEventPayload is the payload of room control events.
type RoomEventPayload struct {
	RoomKey  string `json:"room_key"`
	JoinCode string `json:"join_code,omitempty"` // CodeRotated
}

// NewRoomEvent builds a control message for a room topic.
func NewRoomEvent(eventType string, payload RoomEventPayload) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Topic:   Topics.Room(payload.RoomKey),
		Type:    eventType,
		Payload: data,
	}, nil
}

// Handler is a callback for processing messages.
type Handler func(ctx context.Context, msg *Message)

// Subscription represents an active subscription that can be closed.
type Subscription interface {
	// Unsubscribe removes the subscription
	Unsubscribe() error
}

// PubSub defines the interface for publish/subscribe operations.
// All implementations must be safe for concurrent use.
type PubSub interface {
	// Publish sends a message to all subscribers of the given topic.
	Publish(ctx context.Context, topic string, msg *Message) error

	// Subscribe registers a handler for messages on the given topic.
	// Returns a Subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error)

	// Close shuts down the pub/sub system and releases resources.
	Close() error
}

// TopicBuilder helps construct consistent topic names.
type TopicBuilder struct{}

// Room returns the control topic for a room.
func (t TopicBuilder) Room(roomKey string) string {
	return "room:" + roomKey
}

// Topics is a helper for building topic names.
var Topics = TopicBuilder{}
