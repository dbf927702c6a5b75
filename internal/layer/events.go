package layer

import "image"

// EventType identifies what changed in the store.
type EventType int

const (
	EventCreated EventType = iota
	EventDeleted
	EventUpdated
	EventReordered
	EventActiveChanged
	EventLimitReached
	EventRestored
)

func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "created"
	case EventDeleted:
		return "deleted"
	case EventUpdated:
		return "updated"
	case EventReordered:
		return "reordered"
	case EventActiveChanged:
		return "active-changed"
	case EventLimitReached:
		return "limit-reached"
	case EventRestored:
		return "restored"
	default:
		return "unknown"
	}
}

// Event describes one store change. Only the fields relevant to Type are set.
type Event struct {
	Type EventType

	// Layer is the affected layer after the change (created, updated).
	Layer Info
	// LayerID is set for every per-layer event, including deleted.
	LayerID string
	// Dirty is the pixel region written by a tool edit, if reported.
	Dirty image.Rectangle

	From, To int // reordered

	ActiveID         string // active-changed
	PreviousActiveID string

	Count int // layer count after the change
	Max   int // limit-reached
}
