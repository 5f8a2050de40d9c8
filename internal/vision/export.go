package vision

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/banshee-data/vision.report/internal/fsutil"
	"github.com/banshee-data/vision.report/internal/security"
)

// ExportDocument is the on-demand serialization of a session: every batch
// published this session, the final statistics snapshot, and the export
// timestamp in RFC 3339 form. The shape is stable so downstream tooling can
// diff exports byte for byte, timestamps aside.
type ExportDocument struct {
	Session    SessionMeta     `json:"session"`
	Batches    []RecordedBatch `json:"batches"`
	Stats      DetectionStats  `json:"stats"`
	ExportedAt string          `json:"exported_at"`
}

// ExportFilename returns the canonical export name for the given moment,
// suffixed with the millisecond epoch so successive exports never collide.
func ExportFilename(now time.Time) string {
	return fmt.Sprintf("detections_%d.json", now.UnixMilli())
}

// WriteExport writes the document into dir under its canonical name and
// returns the full path. Any failure is reported as an ExportError and leaves
// pipeline state untouched. The filesystem is injectable so callers can
// redirect or fail writes under test; a nil fs means the real one.
func WriteExport(fs fsutil.FileSystem, doc ExportDocument, dir string, now time.Time) (string, error) {
	if fs == nil {
		fs = fsutil.OSFileSystem{}
	}
	if dir == "" {
		return "", &ExportError{Err: fmt.Errorf("export directory not configured")}
	}
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return "", &ExportError{Err: fmt.Errorf("cannot create export directory: %w", err)}
	}

	path := filepath.Join(dir, ExportFilename(now))
	if err := security.ValidatePathWithinDirectory(path, dir); err != nil {
		return "", &ExportError{Err: err}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", &ExportError{Err: fmt.Errorf("cannot serialize export: %w", err)}
	}
	if err := fs.WriteFile(path, data, 0644); err != nil {
		return "", &ExportError{Err: err}
	}
	return path, nil
}
