package vision

import "sync"

// Aggregator accumulates detection statistics for one session. All methods
// are safe for concurrent use; consumers only ever see deep-copied snapshots.
type Aggregator struct {
	mu    sync.Mutex
	stats DetectionStats
}

// NewAggregator returns an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Ingest folds one published batch into the running statistics. The average
// confidence is the exact lifetime mean over every detection since the last
// reset, updated incrementally. Empty batches count as published but leave
// the detection totals and LastDetectionTime untouched.
func (a *Aggregator) Ingest(batch DetectionBatch) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stats.BatchesPublished++
	a.stats.LastLatencyMs = batch.LatencyMs
	a.stats.AvgLatencyMs += (batch.LatencyMs - a.stats.AvgLatencyMs) / float64(a.stats.BatchesPublished)

	n := int64(len(batch.Detections))
	if n == 0 {
		a.stats.EmptyBatches++
		return
	}

	var sum float64
	for _, d := range batch.Detections {
		sum += d.Confidence
		if a.stats.ClassCounts == nil {
			a.stats.ClassCounts = make(map[string]int64)
		}
		a.stats.ClassCounts[d.Class]++
	}

	newTotal := a.stats.TotalDetections + n
	a.stats.AverageConfidence += (sum - a.stats.AverageConfidence*float64(n)) / float64(newTotal)
	a.stats.TotalDetections = newTotal

	a.stats.LastDetectionTime = batch.FrameTime
}

// RecordFailure counts an absorbed inference failure.
func (a *Aggregator) RecordFailure() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.InferenceFailures++
}

// RecordDroppedTick counts a tick skipped because a call was in flight.
func (a *Aggregator) RecordDroppedTick() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.DroppedTicks++
}

// RecordFrameUnavailable counts a tick skipped because the source had no
// frame ready.
func (a *Aggregator) RecordFrameUnavailable() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.FramesUnavailable++
}

// Snapshot returns a deep copy of the current statistics. The class count map
// is copied and never nil.
func (a *Aggregator) Snapshot() DetectionStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := a.stats
	out.ClassCounts = make(map[string]int64, len(a.stats.ClassCounts))
	for k, v := range a.stats.ClassCounts {
		out.ClassCounts[k] = v
	}
	return out
}

// Reset atomically zeroes every field. Resetting an already-empty aggregator
// is a no-op.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats = DetectionStats{}
}
