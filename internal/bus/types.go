package bus

import (
	"github.com/mfukushim/avatar-shell-sub000/internal/contextlog"
	"github.com/mfukushim/avatar-shell-sub000/internal/tools"
)

// Event represents a server-side event to broadcast to WebSocket clients.
type Event struct {
	Name    string `json:"name"` // protocol.Event* constant
	Payload any    `json:"payload,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
// Used by the gateway server and avatars to decouple from the concrete MessageBus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// MessageEvent carries messages appended to (or side-published by) an avatar.
type MessageEvent struct {
	AvatarID string               `json:"avatarId"`
	Messages []contextlog.Message `json:"messages"`
}

// StatusEvent reports a generator hop starting or finishing.
type StatusEvent struct {
	AvatarID  string `json:"avatarId"`
	Generator string `json:"generator"`
	Status    string `json:"status"` // protocol.StatusRunning / StatusStopped
	Unit      string `json:"unit,omitempty"`
}

// AlertEvent is a one-time operator alert, e.g. a rejected daemon definition.
type AlertEvent struct {
	AvatarID string `json:"avatarId"`
	Message  string `json:"message"`
}

// ChunkEvent is partial generator text while streaming.
type ChunkEvent struct {
	AvatarID  string `json:"avatarId"`
	Generator string `json:"generator"`
	Text      string `json:"text"`
}

// ConsentResolvedEvent reports how a consent request ended.
type ConsentResolvedEvent struct {
	Request tools.ConsentRequest `json:"request"`
	Choice  tools.Choice         `json:"choice"`
}
