package source

import (
	"image"
	"image/color"
	"sync/atomic"

	"github.com/banshee-data/vision.report/internal/timeutil"
	"github.com/banshee-data/vision.report/internal/vision"
)

// Static serves a generated test pattern. Every CurrentFrame call yields a
// fresh frame index, so a dev session ticks along without any real input.
type Static struct {
	clock timeutil.Clock
	img   image.Image
	w, h  int
	index atomic.Int64
}

// NewStatic returns a 1280x720 test pattern source.
func NewStatic(clock timeutil.Clock) *Static {
	const w, h = 1280, 720
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Static{clock: clock, img: TestPattern(w, h), w: w, h: h}
}

// CurrentFrame returns the pattern with a fresh index and timestamp.
func (s *Static) CurrentFrame() (*vision.Frame, bool) {
	return &vision.Frame{Index: s.index.Add(1), Time: s.clock.Now(), Image: s.img}, true
}

// NativeResolution returns the pattern dimensions.
func (s *Static) NativeResolution() (int, int) { return s.w, s.h }

// Close is a no-op; the pattern holds no resources.
func (s *Static) Close() error { return nil }

// TestPattern renders a colour gradient with an 80px grid overlay, enough
// structure to verify overlay alignment by eye.
func TestPattern(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBA{
				R: uint8(255 * x / w),
				G: uint8(255 * y / h),
				B: uint8(255 - 255*x/w),
				A: 255,
			}
			if x%80 == 0 || y%80 == 0 {
				c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}
