package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TuningConfig represents the tunable parameters of the detection pipeline.
// The schema matches the /api/config endpoint so the same JSON can be used
// for startup configuration and for inspecting the running values. All fields
// are optional; omitted fields fall back to the Get* defaults, so partial
// configs are safe.
type TuningConfig struct {
	// Scheduler params
	TickRateHz           *float64 `json:"tick_rate_hz,omitempty"`
	FailureWarnThreshold *int     `json:"failure_warn_threshold,omitempty"`
	InferTimeout         *string  `json:"infer_timeout,omitempty"` // duration string like "10s"

	// Frame source params
	SourceFPSCap  *float64 `json:"source_fps_cap,omitempty"` // 0 means native rate
	MinConfidence *float64 `json:"min_confidence,omitempty"` // 0 keeps every detection

	// Renderer feed params
	FeedBufferSize    *int    `json:"feed_buffer_size,omitempty"`
	FeedStatsInterval *string `json:"feed_stats_interval,omitempty"` // duration string like "60s"

	// Output params
	ExportDir       *string `json:"export_dir,omitempty"`
	PreviewMaxWidth *int    `json:"preview_max_width,omitempty"`
	PlotOnStop      *bool   `json:"plot_on_stop,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil, which
// resolves to the built-in defaults through the Get* accessors.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file. The file must have
// a .json extension and stay under the max file size.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.TickRateHz != nil {
		if *c.TickRateHz <= 0 || *c.TickRateHz > 240 {
			return fmt.Errorf("tick_rate_hz must be in (0, 240], got %f", *c.TickRateHz)
		}
	}

	if c.FailureWarnThreshold != nil {
		if *c.FailureWarnThreshold < 1 {
			return fmt.Errorf("failure_warn_threshold must be at least 1, got %d", *c.FailureWarnThreshold)
		}
	}

	if c.InferTimeout != nil && *c.InferTimeout != "" {
		if _, err := time.ParseDuration(*c.InferTimeout); err != nil {
			return fmt.Errorf("invalid infer_timeout '%s': %w", *c.InferTimeout, err)
		}
	}

	if c.SourceFPSCap != nil {
		if *c.SourceFPSCap < 0 {
			return fmt.Errorf("source_fps_cap must be non-negative, got %f", *c.SourceFPSCap)
		}
	}

	if c.MinConfidence != nil {
		if *c.MinConfidence < 0 || *c.MinConfidence > 1 {
			return fmt.Errorf("min_confidence must be between 0 and 1, got %f", *c.MinConfidence)
		}
	}

	if c.FeedBufferSize != nil {
		if *c.FeedBufferSize < 1 {
			return fmt.Errorf("feed_buffer_size must be at least 1, got %d", *c.FeedBufferSize)
		}
	}

	if c.FeedStatsInterval != nil && *c.FeedStatsInterval != "" {
		if _, err := time.ParseDuration(*c.FeedStatsInterval); err != nil {
			return fmt.Errorf("invalid feed_stats_interval '%s': %w", *c.FeedStatsInterval, err)
		}
	}

	if c.PreviewMaxWidth != nil {
		if *c.PreviewMaxWidth < 0 {
			return fmt.Errorf("preview_max_width must be non-negative, got %d", *c.PreviewMaxWidth)
		}
	}

	return nil
}

// GetTickRateHz returns the scheduler tick rate in ticks per second.
func (c *TuningConfig) GetTickRateHz() float64 {
	if c.TickRateHz != nil && *c.TickRateHz > 0 {
		return *c.TickRateHz
	}
	return 60.0 // default display cadence
}

// GetTickInterval returns the scheduler tick period derived from tick_rate_hz.
func (c *TuningConfig) GetTickInterval() time.Duration {
	return time.Duration(float64(time.Second) / c.GetTickRateHz())
}

// GetFailureWarnThreshold returns the consecutive inference failure count that
// triggers an operational warning.
func (c *TuningConfig) GetFailureWarnThreshold() int {
	if c.FailureWarnThreshold == nil {
		return 3 // default
	}
	return *c.FailureWarnThreshold
}

// GetInferTimeout parses and returns the InferTimeout as a time.Duration.
func (c *TuningConfig) GetInferTimeout() time.Duration {
	if c.InferTimeout == nil || *c.InferTimeout == "" {
		return 10 * time.Second // default
	}
	d, err := time.ParseDuration(*c.InferTimeout)
	if err != nil {
		return 10 * time.Second // default on parse error
	}
	return d
}

// GetSourceFPSCap returns the frame source pacing cap. Zero means decode at
// the source's native rate.
func (c *TuningConfig) GetSourceFPSCap() float64 {
	if c.SourceFPSCap == nil {
		return 0
	}
	return *c.SourceFPSCap
}

// GetMinConfidence returns the publish-side confidence floor.
func (c *TuningConfig) GetMinConfidence() float64 {
	if c.MinConfidence == nil {
		return 0
	}
	return *c.MinConfidence
}

// GetFeedBufferSize returns the per-client feed channel capacity.
func (c *TuningConfig) GetFeedBufferSize() int {
	if c.FeedBufferSize == nil {
		return 100 // default
	}
	return *c.FeedBufferSize
}

// GetFeedStatsInterval parses and returns the FeedStatsInterval as a duration.
func (c *TuningConfig) GetFeedStatsInterval() time.Duration {
	if c.FeedStatsInterval == nil || *c.FeedStatsInterval == "" {
		return 60 * time.Second // default
	}
	d, err := time.ParseDuration(*c.FeedStatsInterval)
	if err != nil {
		return 60 * time.Second // default on parse error
	}
	return d
}

// GetExportDir returns the export directory, defaulting to the OS temp dir.
func (c *TuningConfig) GetExportDir() string {
	if c.ExportDir == nil || *c.ExportDir == "" {
		return os.TempDir()
	}
	return *c.ExportDir
}

// GetPreviewMaxWidth returns the preview image width cap. Zero disables
// downscaling.
func (c *TuningConfig) GetPreviewMaxWidth() int {
	if c.PreviewMaxWidth == nil {
		return 960 // default
	}
	return *c.PreviewMaxWidth
}

// GetPlotOnStop reports whether a confidence timeline PNG is rendered when a
// session stops.
func (c *TuningConfig) GetPlotOnStop() bool {
	if c.PlotOnStop == nil {
		return false // default: plotting disabled
	}
	return *c.PlotOnStop
}
