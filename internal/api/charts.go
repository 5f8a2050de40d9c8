package api

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/gonum/stat"
)

// showClassChart renders a bar chart of per-class detection counts for the
// current session. Debugging-only endpoint; the Svelte UI has its own charts.
func (s *Server) showClassChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Content-Type", "application/json")
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	stats := s.manager.Stats()
	if len(stats.ClassCounts) == 0 {
		w.Header().Set("Content-Type", "application/json")
		s.writeJSONError(w, http.StatusNotFound, "no detections recorded yet")
		return
	}

	classes := make([]string, 0, len(stats.ClassCounts))
	for class := range stats.ClassCounts {
		classes = append(classes, class)
	}
	sort.Strings(classes)

	y := make([]opts.BarData, 0, len(classes))
	for _, class := range classes {
		y = append(y, opts.BarData{Value: stats.ClassCounts[class]})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Detections by Class", Theme: "dark", Width: "900px", Height: "500px"}),
		charts.WithTitleOpts(opts.Title{Title: "Detections by Class", Subtitle: fmt.Sprintf("total=%d avg_confidence=%.3f", stats.TotalDetections, stats.AverageConfidence)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(classes).
		AddSeries("detections", y,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	var buf bytes.Buffer
	if err := bar.Render(&buf); err != nil {
		w.Header().Set("Content-Type", "application/json")
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// showConfidenceChart renders a percentile summary (P50/P85/P98/mean) of every
// confidence recorded this session, pulled from the session store.
func (s *Server) showConfidenceChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Content-Type", "application/json")
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if s.store == nil {
		w.Header().Set("Content-Type", "application/json")
		s.writeJSONError(w, http.StatusServiceUnavailable, "no session store configured")
		return
	}

	meta, ok := s.manager.SessionMeta()
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		s.writeJSONError(w, http.StatusNotFound, "no active session")
		return
	}

	batches, err := s.store.BatchesForSession(meta.ID)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load session batches: %v", err))
		return
	}

	var confidences []float64
	for _, rec := range batches {
		for _, d := range rec.Batch.Detections {
			confidences = append(confidences, d.Confidence)
		}
	}
	if len(confidences) == 0 {
		w.Header().Set("Content-Type", "application/json")
		s.writeJSONError(w, http.StatusNotFound, "no detections recorded yet")
		return
	}

	// stat.Quantile requires sorted input.
	sort.Float64s(confidences)
	p50 := stat.Quantile(0.50, stat.Empirical, confidences, nil)
	p85 := stat.Quantile(0.85, stat.Empirical, confidences, nil)
	p98 := stat.Quantile(0.98, stat.Empirical, confidences, nil)
	mean := stat.Mean(confidences, nil)

	x := []string{"P50", "P85", "P98", "Mean"}
	y := []opts.BarData{
		{Value: p50},
		{Value: p85},
		{Value: p98},
		{Value: mean},
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Detection Confidence", Theme: "dark", Width: "900px", Height: "500px"}),
		charts.WithTitleOpts(opts.Title{Title: "Detection Confidence", Subtitle: fmt.Sprintf("session=%s detections=%d", meta.ID, len(confidences))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).
		AddSeries("confidence", y,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	page := components.NewPage()
	page.AddCharts(bar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		w.Header().Set("Content-Type", "application/json")
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
