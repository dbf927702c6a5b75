package history

import (
	"errors"
	"fmt"
)

var (
	// ErrHistoryEntryLost is wrapped by EntryLostError.
	ErrHistoryEntryLost = errors.New("history entry lost")

	// ErrPersistenceWriteFailed marks an eviction whose durable write failed.
	// The entry stays in memory and is retried on the next capture.
	ErrPersistenceWriteFailed = errors.New("history persistence write failed")

	ErrNothingToUndo = errors.New("nothing to undo")
	ErrNothingToRedo = errors.New("nothing to redo")
	ErrClosed        = errors.New("history manager closed")
)

// EntryLostError reports a spilled entry that could not be read back.
// The timeline position is left unchanged.
type EntryLostError struct {
	Index uint64
	Err   error
}

func (e *EntryLostError) Error() string {
	return fmt.Sprintf("history entry %d lost: %v", e.Index, e.Err)
}

func (e *EntryLostError) Unwrap() []error {
	return []error{ErrHistoryEntryLost, e.Err}
}
