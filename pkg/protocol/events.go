package protocol

// WebSocket event names pushed from server to client.
const (
	EventAvatarMessage    = "avatar.message"    // payload: bus.MessageEvent
	EventAvatarStatus     = "avatar.status"     // payload: bus.StatusEvent
	EventAvatarSide       = "avatar.side"       // payload: bus.MessageEvent (side-channel output)
	EventAvatarAlert      = "avatar.alert"      // payload: bus.AlertEvent
	EventAvatarChunk      = "avatar.chunk"      // payload: bus.ChunkEvent (streamed partial text)
	EventConsentRequested = "consent.requested" // payload: tools.ConsentRequest
	EventConsentResolved  = "consent.resolved"  // payload: bus.ConsentResolvedEvent
	EventShutdown         = "shutdown"
)

// Generator status values (in StatusEvent.Status).
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
)
