// Package transport defines the per-session broadcast bus the sync engine
// talks over, plus an in-process implementation.
//
// A Channel never delivers a member's own messages or presence back to it.
// Presence is tracked per client id: a client with several live connections
// produces one join on the first and one leave on the last.
package transport

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrClosed is returned when using a channel after Leave.
var ErrClosed = errors.New("transport: channel closed")

// Member identifies a participant on a topic.
type Member struct {
	ClientID    string `json:"clientId"`
	DisplayName string `json:"name,omitempty"`
}

// Message is one broadcast event. Payload is the event-specific JSON body.
type Message struct {
	Event   string          `json:"event"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage marshals payload into a Message.
func NewMessage(event, from string, payload any) (Message, error) {
	msg := Message{Event: event, From: from}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	msg.Payload = raw
	return msg, nil
}

// PresenceKind distinguishes join from leave.
type PresenceKind int

const (
	PresenceJoin PresenceKind = iota
	PresenceLeave
)

// String returns a readable kind.
func (k PresenceKind) String() string {
	switch k {
	case PresenceJoin:
		return "join"
	case PresenceLeave:
		return "leave"
	default:
		return "unknown"
	}
}

// PresenceEvent reports a member joining or leaving the topic.
type PresenceEvent struct {
	Kind   PresenceKind
	Member Member
}

// Handler receives deliveries. Calls for one channel are serialized but run on
// transport goroutines, so implementations should hand work off quickly.
type Handler interface {
	OnMessage(Message)
	OnPresence(PresenceEvent)
}

// HandlerFuncs adapts plain funcs to Handler. Nil funcs drop the delivery.
type HandlerFuncs struct {
	Message  func(Message)
	Presence func(PresenceEvent)
}

func (h HandlerFuncs) OnMessage(m Message) {
	if h.Message != nil {
		h.Message(m)
	}
}

func (h HandlerFuncs) OnPresence(e PresenceEvent) {
	if h.Presence != nil {
		h.Presence(e)
	}
}

// Broker opens channels on topics.
type Broker interface {
	// Join subscribes self to topic. It returns once the subscription is
	// acknowledged, so a Broadcast right after Join reaches current members.
	Join(ctx context.Context, topic string, self Member, h Handler) (Channel, error)
}

// Channel is one member's subscription to a topic.
type Channel interface {
	Self() Member
	Broadcast(ctx context.Context, msg Message) error
	// Leave unsubscribes; further calls return ErrClosed. Safe to call twice.
	Leave() error
}
