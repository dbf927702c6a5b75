package layer

import (
	"errors"
	"fmt"
)

var (
	// ErrLayerLimitExceeded is returned when an operation would grow the
	// stack past its configured ceiling.
	ErrLayerLimitExceeded = errors.New("layer limit exceeded")

	// ErrLayerNotFound is returned for unknown layer ids.
	ErrLayerNotFound = errors.New("layer not found")

	// ErrLayerLocked is matched by every LockedLayerError.
	ErrLayerLocked = errors.New("layer is locked")

	// ErrStoreNotInitialized is returned by methods on a nil or zero Store.
	ErrStoreNotInitialized = errors.New("layer store not initialized")

	// ErrLastLayer is returned when deleting the only remaining layer.
	ErrLastLayer = errors.New("cannot delete the last layer")

	// ErrIndexOutOfRange is returned by ReorderLayer for invalid indices.
	ErrIndexOutOfRange = errors.New("layer index out of range")
)

// LockedLayerError reports an attempt to write pixels into a locked layer.
type LockedLayerError struct {
	ID   string
	Name string
}

func (e *LockedLayerError) Error() string {
	return fmt.Sprintf("layer %q (%s) is locked", e.Name, e.ID)
}

// Is lets errors.Is(err, ErrLayerLocked) match.
func (e *LockedLayerError) Is(target error) bool {
	return target == ErrLayerLocked
}
