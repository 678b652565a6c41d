package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Well-known event kinds published by the inbox core. Subscribers filter
// by namespace prefix, e.g. "live." or "toast.".
const (
	// KindLiveMessage carries a backend.Message pushed by the realtime
	// channel for the active conversation.
	KindLiveMessage = "live.message"

	// KindInboxUpdated signals that the merged message list or the
	// conversation list changed and any attached view should re-render.
	KindInboxUpdated = "inbox.updated"

	// KindInboxSelected carries the conversation id that became active.
	KindInboxSelected = "inbox.selected"

	// KindToastInfo and KindToastError carry a human-readable string for
	// the notification surface.
	KindToastInfo  = "toast.info"
	KindToastError = "toast.error"
)
