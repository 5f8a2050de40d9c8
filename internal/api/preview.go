package api

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"net/http"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/banshee-data/vision.report/internal/vision"
)

const (
	previewJPEGQuality = 80
	boxLineWidth       = 2
	labelTextHeight    = 13 // basicfont.Face7x13 glyph height
	labelCharWidth     = 7
)

var (
	boxColor   = color.RGBA{R: 0, G: 220, B: 80, A: 255}
	labelColor = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

// showPreview serves the latest frame as a JPEG with the current detections
// drawn on top. It is a debugging aid for checking source, backend, and
// coordinate mapping in one glance, not a replacement for a renderer feed.
func (s *Server) showPreview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Content-Type", "application/json")
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	frame, ok := s.manager.CurrentFrame()
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		s.writeJSONError(w, http.StatusNotFound, "No frame available")
		return
	}

	bounds := frame.Image.Bounds()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, frame.Image, bounds.Min, draw.Src)

	published := s.manager.Published()
	if !published.Batch.Empty() {
		modelW, modelH := s.manager.ModelResolution()
		mapped, err := vision.MapBatch(published.Batch, modelW, modelH, bounds.Dx(), bounds.Dy())
		if err == nil {
			// A stop can race the frame read and zero the model
			// resolution; in that case serve the bare frame.
			for _, d := range mapped.Detections {
				drawDetection(rgba, d)
			}
		}
	}

	var out image.Image = rgba
	if maxW := s.tuning.GetPreviewMaxWidth(); maxW > 0 && bounds.Dx() > maxW {
		out = imaging.Resize(rgba, maxW, 0, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: previewJPEGQuality}); err != nil {
		w.Header().Set("Content-Type", "application/json")
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to encode preview: %v", err))
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(buf.Bytes())
}

// drawDetection draws one bounding box and its "class confidence" label onto
// img. The detection is already in image space.
func drawDetection(img *image.RGBA, d vision.Detection) {
	bounds := img.Bounds()
	x1 := clamp(int(d.X), 0, bounds.Max.X-1)
	y1 := clamp(int(d.Y), 0, bounds.Max.Y-1)
	x2 := clamp(int(d.X+d.W), 0, bounds.Max.X-1)
	y2 := clamp(int(d.Y+d.H), 0, bounds.Max.Y-1)

	drawRect(img, x1, y1, x2, y2)
	drawLabel(img, fmt.Sprintf("%s %.2f", d.Class, d.Confidence), x1, y1)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// drawRect draws a rectangle outline boxLineWidth pixels thick, growing
// inward so the box never spills outside the image.
func drawRect(img *image.RGBA, x1, y1, x2, y2 int) {
	for i := 0; i < boxLineWidth; i++ {
		for x := x1; x <= x2; x++ {
			if y1+i <= y2 {
				img.Set(x, y1+i, boxColor)
			}
			if y2-i >= y1 {
				img.Set(x, y2-i, boxColor)
			}
		}
		for y := y1; y <= y2; y++ {
			if x1+i <= x2 {
				img.Set(x1+i, y, boxColor)
			}
			if x2-i >= x1 {
				img.Set(x2-i, y, boxColor)
			}
		}
	}
}

// drawLabel draws text just above the point (x, y), or just below it when the
// box touches the top edge of the image.
func drawLabel(img *image.RGBA, label string, x, y int) {
	bounds := img.Bounds()

	textWidth := len(label) * labelCharWidth
	if x+textWidth > bounds.Max.X {
		x = bounds.Max.X - textWidth
	}
	if x < 0 {
		x = 0
	}

	baseline := y - 3
	if baseline-labelTextHeight < bounds.Min.Y {
		baseline = y + labelTextHeight + boxLineWidth + 2
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(labelColor),
		Face: basicfont.Face7x13,
		Dot: fixed.Point26_6{
			X: fixed.Int26_6(x * 64),
			Y: fixed.Int26_6(baseline * 64),
		},
	}
	d.DrawString(label)
}
