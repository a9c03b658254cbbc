package bus

import (
	"github.com/mfukushim/avatar-shell-sub000/internal/contextlog"
	"github.com/mfukushim/avatar-shell-sub000/internal/tools"
	"github.com/mfukushim/avatar-shell-sub000/pkg/protocol"
)

// Notifier turns avatar activity into bus events. It is the avatar's
// notification sink and the gate's consent channel.
type Notifier struct {
	pub EventPublisher
}

func NewNotifier(pub EventPublisher) *Notifier {
	return &Notifier{pub: pub}
}

// MessagesAppended publishes messages committed to an avatar's log.
func (n *Notifier) MessagesAppended(avatarID string, msgs []contextlog.Message) {
	n.pub.Broadcast(Event{Name: protocol.EventAvatarMessage, Payload: MessageEvent{AvatarID: avatarID, Messages: msgs}})
}

// SideOutput publishes generator output kept off the main log.
func (n *Notifier) SideOutput(avatarID string, msgs []contextlog.Message) {
	n.pub.Broadcast(Event{Name: protocol.EventAvatarSide, Payload: MessageEvent{AvatarID: avatarID, Messages: msgs}})
}

// GeneratorStatus publishes a running/stopped transition.
func (n *Notifier) GeneratorStatus(avatarID, generator, status, unitID string) {
	n.pub.Broadcast(Event{Name: protocol.EventAvatarStatus, Payload: StatusEvent{
		AvatarID: avatarID, Generator: generator, Status: status, Unit: unitID,
	}})
}

// Alert publishes a one-time operator alert.
func (n *Notifier) Alert(avatarID, message string) {
	n.pub.Broadcast(Event{Name: protocol.EventAvatarAlert, Payload: AlertEvent{AvatarID: avatarID, Message: message}})
}

// Chunk publishes streamed generator text.
func (n *Notifier) Chunk(avatarID, generator, text string) {
	n.pub.Broadcast(Event{Name: protocol.EventAvatarChunk, Payload: ChunkEvent{AvatarID: avatarID, Generator: generator, Text: text}})
}

func (n *Notifier) PublishConsent(req tools.ConsentRequest) {
	n.pub.Broadcast(Event{Name: protocol.EventConsentRequested, Payload: req})
}

func (n *Notifier) PublishConsentResolved(req tools.ConsentRequest, choice tools.Choice) {
	n.pub.Broadcast(Event{Name: protocol.EventConsentResolved, Payload: ConsentResolvedEvent{Request: req, Choice: choice}})
}
