// Package signaling defines the realtime transport contract a live session
// runs on: a connection scoped to one client, named channels with
// publish/subscribe, and presence with join/leave notifications.
//
// Delivery is at-least-once with no acknowledgement. A nil error from
// Publish means the frame was handed to the transport or queued, not that
// anyone received it.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrNotConnected = errors.New("signaling: not connected")
	ErrClosed       = errors.New("signaling: connection closed")
	ErrRejected     = errors.New("signaling: request rejected")
)

type ConnState string

const (
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
	StateFailed       ConnState = "failed"
	StateClosed       ConnState = "closed"
)

type Action string

const (
	ActionAttach   Action = "attach"
	ActionDetach   Action = "detach"
	ActionPublish  Action = "publish"
	ActionMessage  Action = "message"
	ActionEnter    Action = "enter"
	ActionLeave    Action = "leave"
	ActionList     Action = "list"
	ActionPresence Action = "presence"
	ActionError    Action = "error"
)

// Frame is the wire unit between a client and the hub.
type Frame struct {
	Action   Action          `json:"action"`
	Channel  string          `json:"channel,omitempty"`
	Name     string          `json:"name,omitempty"`
	ID       string          `json:"id,omitempty"`
	// Seq orders messages on a channel. The hub assigns it; every member
	// sees the same order.
	Seq      uint64          `json:"seq,omitempty"`
	From     string          `json:"from,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Members  []Member        `json:"members,omitempty"`
	Presence *PresenceEvent  `json:"presence,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Member is one client holding presence on a channel. Data is whatever the
// client passed to Enter.
type Member struct {
	ClientID string          `json:"client_id"`
	Data     json.RawMessage `json:"data,omitempty"`
}

type PresenceAction string

const (
	PresenceEnter PresenceAction = "enter"
	PresenceLeave PresenceAction = "leave"
)

type PresenceEvent struct {
	Action PresenceAction `json:"action"`
	Member Member         `json:"member"`
}

// Message is a published event as seen by a subscriber.
type Message struct {
	ID   string
	Seq  uint64
	Name string
	From string
	Data json.RawMessage
}

func (m Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return errors.New("signaling: empty payload")
	}
	return json.Unmarshal(m.Data, v)
}

type Handler func(Message)

// CredentialSource yields the token a transport presents when it dials.
type CredentialSource func(ctx context.Context) (string, error)

type Transport interface {
	Connect(ctx context.Context, clientID string, creds CredentialSource) (Connection, error)
}

type Connection interface {
	ClientID() string
	Channel(name string) Channel
	State() ConnState
	OnStateChange(fn func(ConnState)) (cancel func())
	Close() error
}

type Channel interface {
	Name() string
	Publish(ctx context.Context, name string, payload any) error
	// Subscribe registers h for events called name. An empty name matches all events.
	Subscribe(name string, h Handler) (cancel func())
	Presence() Presence
}

type Presence interface {
	Enter(ctx context.Context, data any) error
	Leave(ctx context.Context) error
	List(ctx context.Context) ([]Member, error)
	Subscribe(fn func(PresenceEvent)) (cancel func())
}
