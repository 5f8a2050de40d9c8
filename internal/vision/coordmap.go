package vision

import "fmt"

// MapRect scales a model-space detection rectangle into display space. Each
// axis scales independently; no aspect-ratio correction is applied, matching
// the backend's stretch-resize of input frames. The full-extent rectangle
// maps to the full display extent exactly.
func MapRect(d Detection, modelW, modelH, displayW, displayH int) (Detection, error) {
	if modelW <= 0 || modelH <= 0 {
		return Detection{}, fmt.Errorf("non-positive model dimensions %dx%d", modelW, modelH)
	}
	if displayW <= 0 || displayH <= 0 {
		return Detection{}, fmt.Errorf("non-positive display dimensions %dx%d", displayW, displayH)
	}

	sx := float64(displayW) / float64(modelW)
	sy := float64(displayH) / float64(modelH)

	out := d
	out.X = d.X * sx
	out.Y = d.Y * sy
	out.W = d.W * sx
	out.H = d.H * sy
	return out, nil
}

// MapBatch returns a copy of the batch with every detection mapped from model
// space into display space. Dimensions are validated even when the batch is
// empty, so a caller holding no detections still learns its spaces are wrong.
func MapBatch(b DetectionBatch, modelW, modelH, displayW, displayH int) (DetectionBatch, error) {
	if modelW <= 0 || modelH <= 0 {
		return DetectionBatch{}, fmt.Errorf("non-positive model dimensions %dx%d", modelW, modelH)
	}
	if displayW <= 0 || displayH <= 0 {
		return DetectionBatch{}, fmt.Errorf("non-positive display dimensions %dx%d", displayW, displayH)
	}
	out := b
	out.Detections = make([]Detection, len(b.Detections))
	for i, d := range b.Detections {
		mapped, err := MapRect(d, modelW, modelH, displayW, displayH)
		if err != nil {
			return DetectionBatch{}, err
		}
		out.Detections[i] = mapped
	}
	return out, nil
}
