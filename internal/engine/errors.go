package engine

import (
	"errors"
	"fmt"

	"github.com/maneesh/labfetch/internal/storage"
	"github.com/maneesh/labfetch/internal/transport"
)

var (
	// ErrTransportUnavailable means no session could be established for a run.
	ErrTransportUnavailable = transport.ErrTransportUnavailable
	// ErrPartStream marks a failure while streaming one part.
	ErrPartStream = errors.New("part stream failed")
	// ErrCancelled is recorded on tasks stopped by CancelCurrent.
	ErrCancelled = errors.New("download cancelled")
	// ErrIntegrityMismatch means the merged file does not have the declared size.
	ErrIntegrityMismatch = errors.New("merged file size mismatch")
	// ErrSourceUnreachable means the source item could not be resolved again.
	ErrSourceUnreachable = errors.New("source item unreachable")
	// ErrNotFound means there is no snapshot for the identity.
	ErrNotFound = storage.ErrNotFound
	// ErrBusy means the task is queued or running and cannot be changed.
	ErrBusy = errors.New("task is queued or running")
	// ErrStopped is returned by Enqueue after Shutdown.
	ErrStopped = errors.New("download manager stopped")
)

// PartError describes a failed part.
type PartError struct {
	Index int
	Start int64
	End   int64
	Err   error
}

func (e *PartError) Error() string {
	return fmt.Sprintf("part %d [%d-%d]: %v", e.Index, e.Start, e.End, e.Err)
}

func (e *PartError) Unwrap() []error {
	return []error{ErrPartStream, e.Err}
}
