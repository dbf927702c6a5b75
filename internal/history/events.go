package history

import "image"

// EventType identifies a history event.
type EventType int

const (
	EventSaved EventType = iota
	EventUndo
	EventRedo
	EventCleared
	EventError
)

var eventNames = [...]string{"saved", "undo", "redo", "cleared", "error"}

func (t EventType) String() string {
	if int(t) < len(eventNames) {
		return eventNames[t]
	}
	return "unknown"
}

// Event is published after every timeline change and on errors.
type Event struct {
	Type EventType
	// Index is the timeline index of the entry concerned.
	Index uint64
	State State
	// Thumbnail accompanies EventSaved when Config.ThumbnailSize is set.
	Thumbnail *image.NRGBA
	Err       error
}
