package vision

import "context"

// InferenceClient is the external detection backend behind a single blocking
// call. The scheduler invokes Detect from a worker goroutine, never more than
// one call in flight per session.
type InferenceClient interface {
	// Detect runs inference on one frame and returns the resulting batch.
	// Implementations should honour ctx cancellation: the scheduler cancels
	// in-flight calls on Stop.
	Detect(ctx context.Context, frame *Frame) (DetectionBatch, error)

	// ModelResolution returns the backend's input dimensions, the coordinate
	// space detections are expressed in.
	ModelResolution() (width, height int)

	// Dispose releases backend resources. Idempotent: the first call
	// releases, later calls return nil.
	Dispose() error
}
