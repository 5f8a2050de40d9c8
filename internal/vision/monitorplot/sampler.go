// Package monitorplot records per-publication time series during a session
// and renders them as PNG charts after the run. It is a tuning aid for
// confidence thresholds and model-server sizing, disabled unless explicitly
// switched on.
package monitorplot

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/banshee-data/vision.report/internal/security"
	"github.com/banshee-data/vision.report/internal/vision"
)

// BatchSample is one publication's worth of series data.
type BatchSample struct {
	Seq       int64
	FrameTime time.Time
	Count     int
	MeanConf  float64
	PeakConf  float64
	LatencyMs float64
	ByClass   map[string]int
}

// TimelineSampler accumulates batch samples between Start and Stop. It
// observes publications through Listener, so recording costs one append per
// batch on the scheduling goroutine.
type TimelineSampler struct {
	mu        sync.Mutex
	enabled   bool
	outputDir string
	samples   []BatchSample
}

// NewTimelineSampler creates a sampler with recording disabled.
func NewTimelineSampler() *TimelineSampler {
	return &TimelineSampler{}
}

// Start clears prior samples and begins recording into outputDir.
func (ts *TimelineSampler) Start(outputDir string) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}

	ts.outputDir = outputDir
	ts.enabled = true
	ts.samples = nil
	return nil
}

// Stop disables recording. Call GeneratePlots to produce output files.
func (ts *TimelineSampler) Stop() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.enabled = false
}

// IsEnabled reports whether the sampler is currently recording.
func (ts *TimelineSampler) IsEnabled() bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.enabled
}

// OutputDir returns the directory plots will be written to.
func (ts *TimelineSampler) OutputDir() string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.outputDir
}

// SampleCount returns the number of samples collected so far.
func (ts *TimelineSampler) SampleCount() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.samples)
}

// Listener adapts the sampler to the pipeline's publish listener slot.
func (ts *TimelineSampler) Listener() vision.PublishListener {
	return ts.record
}

func (ts *TimelineSampler) record(bundle vision.OverlayBundle) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if !ts.enabled {
		return
	}

	sample := BatchSample{
		Seq:       bundle.Seq,
		FrameTime: bundle.Batch.FrameTime,
		Count:     len(bundle.Batch.Detections),
		LatencyMs: bundle.Batch.LatencyMs,
	}
	if sample.Count > 0 {
		sample.ByClass = make(map[string]int, 4)
		sum := 0.0
		for _, d := range bundle.Batch.Detections {
			sum += d.Confidence
			if d.Confidence > sample.PeakConf {
				sample.PeakConf = d.Confidence
			}
			sample.ByClass[d.Class]++
		}
		sample.MeanConf = sum / float64(sample.Count)
	}

	ts.samples = append(ts.samples, sample)
}

// FormatTimestamp generates a timestamp string for directory naming.
func FormatTimestamp(t time.Time) string {
	return t.Format("20060102_150405")
}

// MakePlotOutputDir builds a per-session output directory under baseDir:
// <baseDir>/<source-name>/<timestamp>, or <baseDir>/live_<timestamp> when no
// source label is known. The source label is sanitised so "camera:0" and
// clip paths make valid directory names.
func MakePlotOutputDir(baseDir, sourceLabel string, now time.Time) string {
	ts := FormatTimestamp(now)
	if sourceLabel == "" {
		return filepath.Join(baseDir, "live_"+ts)
	}
	base := filepath.Base(sourceLabel)
	if ext := filepath.Ext(base); ext != "" {
		base = base[:len(base)-len(ext)]
	}
	return filepath.Join(baseDir, security.SanitizeFilename(base), ts)
}
