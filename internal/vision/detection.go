// Package vision implements the real-time detection pipeline: a tick-driven
// scheduler pulls frames from a FrameSource, submits them to an
// InferenceClient at a sustainable rate, aggregates results into running
// session statistics, and publishes a consistent latest-only view of current
// detections for renderers.
package vision

import "time"

// Detection is a single detected object in model space. Values are immutable
// once produced; a Detection belongs to exactly one batch.
type Detection struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	W          float64 `json:"w"`
	H          float64 `json:"h"`
	Confidence float64 `json:"confidence"`
	Class      string  `json:"class"`
}

// DetectionBatch is the ordered result of one inference call. FrameIndex and
// FrameTime identify the frame that was analysed; LatencyMs is the measured
// inference round-trip. A published batch replaces the previous one.
type DetectionBatch struct {
	FrameIndex int64       `json:"frame_index"`
	FrameTime  time.Time   `json:"frame_time"`
	LatencyMs  float64     `json:"latency_ms"`
	Detections []Detection `json:"detections"`
}

// Empty reports whether the batch contains no detections.
func (b DetectionBatch) Empty() bool { return len(b.Detections) == 0 }

// clone returns a deep copy so published views never alias scheduler state.
func (b DetectionBatch) clone() DetectionBatch {
	out := b
	if b.Detections != nil {
		out.Detections = make([]Detection, len(b.Detections))
		copy(out.Detections, b.Detections)
	}
	return out
}

// PublishedBatch is the latest-only view handed to renderers: the batch plus
// a monotonically increasing publish sequence so pollers can detect change.
type PublishedBatch struct {
	Seq   int64          `json:"seq"`
	Batch DetectionBatch `json:"batch"`
}

// DetectionStats is the aggregate view of a session. TotalDetections always
// equals the sum of ClassCounts; AverageConfidence is the exact lifetime mean
// over every detection observed since the last reset.
type DetectionStats struct {
	TotalDetections   int64            `json:"total_detections"`
	AverageConfidence float64          `json:"average_confidence"`
	LastDetectionTime time.Time        `json:"last_detection_time"`
	ClassCounts       map[string]int64 `json:"class_counts"`

	// Operational counters
	BatchesPublished  int64   `json:"batches_published"`
	EmptyBatches      int64   `json:"empty_batches"`
	InferenceFailures int64   `json:"inference_failures"`
	DroppedTicks      int64   `json:"dropped_ticks"`
	FramesUnavailable int64   `json:"frames_unavailable"`
	LastLatencyMs     float64 `json:"last_latency_ms"`
	AvgLatencyMs      float64 `json:"avg_latency_ms"`
}

// OverlayBundle is the unit of publication fanned out to renderer feeds and
// other publish listeners after each batch lands.
type OverlayBundle struct {
	SessionID   string         `json:"session_id"`
	Seq         int64          `json:"seq"`
	Batch       DetectionBatch `json:"batch"`
	Stats       DetectionStats `json:"stats"`
	ModelWidth  int            `json:"model_width"`
	ModelHeight int            `json:"model_height"`
	FrameWidth  int            `json:"frame_width"`
	FrameHeight int            `json:"frame_height"`
}

// PublishListener observes each publication in order. Listeners run on the
// scheduling goroutine and must not block.
type PublishListener func(bundle OverlayBundle)

// OverlaySink receives bundles for streaming to external renderers.
// Implementations must not block the caller.
type OverlaySink interface {
	Publish(bundle OverlayBundle)
}

// RecordedBatch is a batch as persisted for the current session, keyed by its
// publish sequence.
type RecordedBatch struct {
	Seq   int64          `json:"seq"`
	Batch DetectionBatch `json:"batch"`
}

// SessionMeta describes a session row as persisted.
type SessionMeta struct {
	ID          string    `json:"id"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
	SourceLabel string    `json:"source"`
	ModelWidth  int       `json:"model_width"`
	ModelHeight int       `json:"model_height"`
}

// SessionStore persists the current session and its published batches so
// exports can be served without keeping every batch in memory. Implemented by
// internal/db; defined here so the pipeline does not import the storage layer.
type SessionStore interface {
	CreateSession(meta SessionMeta) error
	CloseSession(id string, endedAt time.Time) error
	RecordBatch(sessionID string, seq int64, batch DetectionBatch) error
	BatchesForSession(sessionID string) ([]RecordedBatch, error)
	// PurgeOtherSessions removes every session except keepID along with its
	// batches. Detection history does not survive past the current session.
	PurgeOtherSessions(keepID string) error
}
