package source

import (
	"fmt"
	"image"
	"sync"
	"time"

	vidio "github.com/AlexEidt/Vidio"

	"github.com/banshee-data/vision.report/internal/vision"
)

// Camera streams a local capture device. End of stream means the device went
// away; the slot is cleared and subsequent ticks report no frame.
type Camera struct {
	slot vision.FrameSlot
	pump *pump
	w, h int
	once sync.Once
}

// OpenCamera opens capture device index and starts streaming into the frame
// slot.
func OpenCamera(index int, cfg Config) (*Camera, error) {
	cam, err := vidio.NewCamera(index)
	if err != nil {
		return nil, fmt.Errorf("open camera %d: %w", index, err)
	}

	c := &Camera{w: cam.Width(), h: cam.Height()}
	interval := time.Duration(float64(time.Second) / cfg.rate(cam.FPS()))

	label := fmt.Sprintf("camera:%d", index)
	c.pump = newPump(cfg.clock(), interval, &cameraDecoder{cam: cam}, &c.slot, label)

	if err := c.pump.prime(); err != nil {
		cam.Close()
		return nil, err
	}
	c.pump.start()
	return c, nil
}

// CurrentFrame returns the most recently captured frame.
func (c *Camera) CurrentFrame() (*vision.Frame, bool) { return c.slot.Latest() }

// NativeResolution returns the capture dimensions.
func (c *Camera) NativeResolution() (int, int) { return c.w, c.h }

// Close stops capturing and releases the device.
func (c *Camera) Close() error {
	c.once.Do(c.pump.stop)
	return nil
}

type cameraDecoder struct {
	cam *vidio.Camera
}

func (d *cameraDecoder) Next() (image.Image, bool) {
	if !d.cam.Read() {
		return nil, false
	}
	img := image.NewRGBA(image.Rect(0, 0, d.cam.Width(), d.cam.Height()))
	copy(img.Pix, d.cam.FrameBuffer())
	return img, true
}

func (d *cameraDecoder) Close() { d.cam.Close() }
