package vision

import (
	"errors"
	"fmt"
)

// ErrFrameUnavailable is the internal sentinel for a tick with no frame in
// the source slot. The scheduler skips the tick; it is never surfaced to
// callers.
var ErrFrameUnavailable = errors.New("no frame available")

// InitializationError reports that the frame source or inference backend
// could not be opened. It is fatal to Start: the pipeline stays idle.
type InitializationError struct {
	Err error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("pipeline initialization failed: %v", e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

// InvalidStateError reports a lifecycle operation invoked in a state that does
// not permit it. The operation is rejected and no state changes.
type InvalidStateError struct {
	Op    string
	State State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s: pipeline is %s", e.Op, e.State)
}

// ExportError reports a failed export. The pipeline state is unchanged.
type ExportError struct {
	Err error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("export failed: %v", e.Err)
}

func (e *ExportError) Unwrap() error { return e.Err }
