package monitorplot

import (
	"fmt"
	"path/filepath"
	"sort"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// GeneratePlots renders the recorded series as PNG charts in the output
// directory: confidence.png, detections.png and latency.png. It returns the
// number of files written.
func (ts *TimelineSampler) GeneratePlots() (int, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.outputDir == "" {
		return 0, fmt.Errorf("no output directory configured")
	}
	if len(ts.samples) == 0 {
		return 0, nil
	}

	samples := append([]BatchSample(nil), ts.samples...)
	sort.Slice(samples, func(i, j int) bool { return samples[i].Seq < samples[j].Seq })

	written := 0
	if err := renderConfidence(samples, filepath.Join(ts.outputDir, "confidence.png")); err != nil {
		return written, fmt.Errorf("confidence plot: %w", err)
	}
	written++
	if err := renderDetections(samples, filepath.Join(ts.outputDir, "detections.png")); err != nil {
		return written, fmt.Errorf("detections plot: %w", err)
	}
	written++
	if err := renderLatency(samples, filepath.Join(ts.outputDir, "latency.png")); err != nil {
		return written, fmt.Errorf("latency plot: %w", err)
	}
	written++

	return written, nil
}

// addLine appends a labelled line to the plot, skipping empty series.
func addLine(p *plot.Plot, label string, colorIdx int, pts plotter.XYs) error {
	if len(pts) == 0 {
		return nil
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	line.Color = plotutil.Color(colorIdx)
	line.Width = vg.Points(1)
	p.Add(line)
	p.Legend.Add(label, line)
	return nil
}

func renderConfidence(samples []BatchSample, path string) error {
	p := plot.New()
	p.Title.Text = "Detection Confidence"
	p.X.Label.Text = "Publication"
	p.Y.Label.Text = "Confidence"

	// Empty batches carry no confidence signal and would drag the mean
	// line to zero, so they are skipped rather than plotted.
	meanPts := make(plotter.XYs, 0, len(samples))
	peakPts := make(plotter.XYs, 0, len(samples))
	for _, s := range samples {
		if s.Count == 0 {
			continue
		}
		meanPts = append(meanPts, plotter.XY{X: float64(s.Seq), Y: s.MeanConf})
		peakPts = append(peakPts, plotter.XY{X: float64(s.Seq), Y: s.PeakConf})
	}

	if err := addLine(p, "mean", 0, meanPts); err != nil {
		return err
	}
	if err := addLine(p, "peak", 1, peakPts); err != nil {
		return err
	}

	p.Y.Min = 0
	p.Y.Max = 1
	p.Legend.Top = true
	return p.Save(14*vg.Inch, 6*vg.Inch, path)
}

func renderDetections(samples []BatchSample, path string) error {
	p := plot.New()
	p.Title.Text = "Detections per Publication"
	p.X.Label.Text = "Publication"
	p.Y.Label.Text = "Count"

	totalPts := make(plotter.XYs, len(samples))
	classSet := make(map[string]bool)
	for i, s := range samples {
		totalPts[i] = plotter.XY{X: float64(s.Seq), Y: float64(s.Count)}
		for class := range s.ByClass {
			classSet[class] = true
		}
	}

	var classes []string
	for class := range classSet {
		classes = append(classes, class)
	}
	sort.Strings(classes)

	if err := addLine(p, "total", 0, totalPts); err != nil {
		return err
	}
	for i, class := range classes {
		pts := make(plotter.XYs, len(samples))
		for j, s := range samples {
			pts[j] = plotter.XY{X: float64(s.Seq), Y: float64(s.ByClass[class])}
		}
		if err := addLine(p, class, i+1, pts); err != nil {
			return err
		}
	}

	p.Y.Min = 0
	p.Legend.Top = true
	return p.Save(14*vg.Inch, 6*vg.Inch, path)
}

func renderLatency(samples []BatchSample, path string) error {
	p := plot.New()
	p.Title.Text = "Inference Latency"
	p.X.Label.Text = "Publication"
	p.Y.Label.Text = "Latency (ms)"

	pts := make(plotter.XYs, len(samples))
	for i, s := range samples {
		pts[i] = plotter.XY{X: float64(s.Seq), Y: s.LatencyMs}
	}
	if err := addLine(p, "round-trip", 0, pts); err != nil {
		return err
	}

	p.Y.Min = 0
	p.Legend.Top = true
	return p.Save(14*vg.Inch, 6*vg.Inch, path)
}
