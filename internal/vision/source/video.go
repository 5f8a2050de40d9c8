package source

import (
	"fmt"
	"image"
	"sync"
	"time"

	vidio "github.com/AlexEidt/Vidio"

	"github.com/banshee-data/vision.report/internal/vision"
)

// Video streams a clip file through ffmpeg at its native frame rate, or the
// configured cap if lower.
type Video struct {
	slot vision.FrameSlot
	pump *pump
	w, h int
	once sync.Once
}

// OpenVideo opens the clip at path and starts decoding into the frame slot.
// The first frame is decoded synchronously so a session's first tick already
// has input.
func OpenVideo(path string, cfg Config) (*Video, error) {
	video, err := vidio.NewVideo(path)
	if err != nil {
		return nil, fmt.Errorf("open video %s: %w", path, err)
	}

	v := &Video{w: video.Width(), h: video.Height()}
	interval := time.Duration(float64(time.Second) / cfg.rate(video.FPS()))

	v.pump = newPump(cfg.clock(), interval, &clipDecoder{video: video}, &v.slot, path)
	if cfg.Loop {
		v.pump.reopen = func() (decoder, error) {
			nv, err := vidio.NewVideo(path)
			if err != nil {
				return nil, err
			}
			return &clipDecoder{video: nv}, nil
		}
	}

	if err := v.pump.prime(); err != nil {
		video.Close()
		return nil, err
	}
	v.pump.start()
	return v, nil
}

// CurrentFrame returns the most recently decoded frame.
func (v *Video) CurrentFrame() (*vision.Frame, bool) { return v.slot.Latest() }

// NativeResolution returns the clip dimensions.
func (v *Video) NativeResolution() (int, int) { return v.w, v.h }

// Close stops the decode loop and releases the clip handle.
func (v *Video) Close() error {
	v.once.Do(v.pump.stop)
	return nil
}

// clipDecoder adapts a vidio clip to the decoder interface. Vidio reuses its
// frame buffer between reads, so every frame is copied out.
type clipDecoder struct {
	video *vidio.Video
}

func (d *clipDecoder) Next() (image.Image, bool) {
	if !d.video.Read() {
		return nil, false
	}
	img := image.NewRGBA(image.Rect(0, 0, d.video.Width(), d.video.Height()))
	copy(img.Pix, d.video.FrameBuffer())
	return img, true
}

func (d *clipDecoder) Close() { d.video.Close() }
