package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/banshee-data/vision.report/internal/vision"
)

// newTestDB opens a fully migrated database under t.TempDir and closes it
// when the test finishes.
func newTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return db
}

// testSessionMeta builds a session row starting at a fixed instant so tests
// can compare timestamps exactly.
func testSessionMeta(id string) vision.SessionMeta {
	return vision.SessionMeta{
		ID:          id,
		StartedAt:   time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC),
		SourceLabel: "clips/traffic.mp4",
		ModelWidth:  640,
		ModelHeight: 640,
	}
}

// testBatch builds a batch with one detection per class name.
func testBatch(frameIndex int64, classes ...string) vision.DetectionBatch {
	batch := vision.DetectionBatch{
		FrameIndex: frameIndex,
		FrameTime:  time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC).Add(time.Duration(frameIndex) * 100 * time.Millisecond),
		LatencyMs:  12.5,
	}
	for i, class := range classes {
		batch.Detections = append(batch.Detections, vision.Detection{
			X:          float64(10 * i),
			Y:          20,
			W:          40,
			H:          30,
			Confidence: 0.9,
			Class:      class,
		})
	}
	return batch
}
