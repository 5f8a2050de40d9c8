package source

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"

	"github.com/banshee-data/vision.report/internal/vision"
)

var stillExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
}

// Dir cycles the still images in a directory at a fixed rate. It never
// reaches end of stream, which makes it the bench source of choice when no
// camera or clip is around.
type Dir struct {
	slot vision.FrameSlot
	pump *pump
	w, h int
	once sync.Once
}

// OpenDir loads every still under path, in filename order, and starts cycling
// them. Images are resized to the first still's dimensions so the source has
// a single native resolution.
func OpenDir(path string, cfg Config) (*Dir, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read source directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if stillExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no images in %s", path)
	}

	images := make([]image.Image, 0, len(names))
	var w, h int
	for i, name := range names {
		img, err := imaging.Open(filepath.Join(path, name))
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", name, err)
		}
		if i == 0 {
			w, h = img.Bounds().Dx(), img.Bounds().Dy()
		} else if img.Bounds().Dx() != w || img.Bounds().Dy() != h {
			img = imaging.Resize(img, w, h, imaging.Lanczos)
		}
		images = append(images, img)
	}

	d := &Dir{w: w, h: h}
	interval := time.Duration(float64(time.Second) / cfg.rate(0))
	d.pump = newPump(cfg.clock(), interval, &stillDecoder{images: images}, &d.slot, "dir:"+path)

	if err := d.pump.prime(); err != nil {
		return nil, err
	}
	d.pump.start()
	return d, nil
}

// CurrentFrame returns the still most recently rotated in.
func (d *Dir) CurrentFrame() (*vision.Frame, bool) { return d.slot.Latest() }

// NativeResolution returns the first still's dimensions.
func (d *Dir) NativeResolution() (int, int) { return d.w, d.h }

// Close stops the rotation.
func (d *Dir) Close() error {
	d.once.Do(d.pump.stop)
	return nil
}

// stillDecoder serves preloaded images in a cycle.
type stillDecoder struct {
	images []image.Image
	next   int
}

func (d *stillDecoder) Next() (image.Image, bool) {
	img := d.images[d.next%len(d.images)]
	d.next++
	return img, true
}

func (d *stillDecoder) Close() {}
