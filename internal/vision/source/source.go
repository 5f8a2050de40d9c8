// Package source implements the pipeline's frame inputs: video clips and
// live cameras decoded through ffmpeg, directories of still images, and a
// synthetic test pattern. Every source pushes its latest frame into a
// single-slot mailbox; a slow consumer sees the newest frame, never a
// backlog.
package source

import (
	"fmt"
	"image"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/vision.report/internal/monitoring"
	"github.com/banshee-data/vision.report/internal/timeutil"
	"github.com/banshee-data/vision.report/internal/vision"
)

// Config carries the knobs shared by all source kinds.
type Config struct {
	// Loop restarts a clip from the beginning at end of stream instead of
	// clearing the frame slot.
	Loop bool

	// FPSCap limits the decode rate. Zero decodes at the source's native
	// rate.
	FPSCap float64

	Clock timeutil.Clock
}

func (c Config) clock() timeutil.Clock {
	if c.Clock == nil {
		return timeutil.RealClock{}
	}
	return c.Clock
}

// rate clamps a source's native frame rate to the configured cap.
func (c Config) rate(native float64) float64 {
	fps := native
	if fps <= 0 {
		fps = 30
	}
	if c.FPSCap > 0 && c.FPSCap < fps {
		fps = c.FPSCap
	}
	return fps
}

// Open dispatches a source spec to the matching implementation:
//
//	camera:N   capture device N
//	dir:PATH   stills under PATH, cycled
//	static     built-in test pattern
//	PATH       video clip at PATH
func Open(spec string, cfg Config) (vision.FrameSource, error) {
	switch {
	case spec == "":
		return nil, fmt.Errorf("no source configured")
	case spec == "static":
		return NewStatic(cfg.clock()), nil
	case strings.HasPrefix(spec, "camera:"):
		idx, err := strconv.Atoi(strings.TrimPrefix(spec, "camera:"))
		if err != nil {
			return nil, fmt.Errorf("invalid camera index in %q: %w", spec, err)
		}
		return OpenCamera(idx, cfg)
	case strings.HasPrefix(spec, "dir:"):
		return OpenDir(strings.TrimPrefix(spec, "dir:"), cfg)
	default:
		return OpenVideo(spec, cfg)
	}
}

// decoder yields successive decoded frames. Next returns false at end of
// stream; Close releases the underlying handle.
type decoder interface {
	Next() (image.Image, bool)
	Close()
}

// pump drives one decoder on its own goroutine, delivering frames into the
// slot at a fixed interval. The pump owns the decoder: it closes it when the
// loop exits.
type pump struct {
	clock    timeutil.Clock
	interval time.Duration
	dec      decoder
	// reopen replaces the decoder at end of stream. Nil means the stream
	// ends: the slot is cleared so ticks report no frame available.
	reopen func() (decoder, error)
	slot   *vision.FrameSlot
	label  string

	stopCh chan struct{}
	done   chan struct{}

	nextIndex int64
}

func newPump(clock timeutil.Clock, interval time.Duration, dec decoder, slot *vision.FrameSlot, label string) *pump {
	return &pump{
		clock:    clock,
		interval: interval,
		dec:      dec,
		slot:     slot,
		label:    label,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// prime decodes one frame synchronously so the slot is populated before the
// first scheduler tick.
func (p *pump) prime() error {
	img, ok := p.dec.Next()
	if !ok {
		return fmt.Errorf("%s: no frames", p.label)
	}
	p.deliver(img)
	return nil
}

func (p *pump) start() { go p.run() }

func (p *pump) run() {
	defer close(p.done)
	defer func() { p.dec.Close() }()

	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C():
			img, ok := p.dec.Next()
			if !ok {
				if p.reopen == nil {
					monitoring.Logf("source %s: end of stream", p.label)
					p.slot.Clear()
					return
				}
				p.dec.Close()
				nd, err := p.reopen()
				if err != nil {
					monitoring.Logf("source %s: reopen failed: %v", p.label, err)
					p.slot.Clear()
					p.dec = nopDecoder{}
					return
				}
				p.dec = nd
				if img, ok = nd.Next(); !ok {
					monitoring.Logf("source %s: empty after reopen", p.label)
					p.slot.Clear()
					return
				}
			}
			p.deliver(img)
		}
	}
}

func (p *pump) deliver(img image.Image) {
	p.nextIndex++
	p.slot.Put(&vision.Frame{Index: p.nextIndex, Time: p.clock.Now(), Image: img})
}

// stop signals the loop and waits for it to exit. Callers guard with a
// sync.Once; the slot keeps its last frame so a stopped source still serves
// previews.
func (p *pump) stop() {
	close(p.stopCh)
	<-p.done
}

// nopDecoder stands in after a failed reopen so the deferred Close has a
// target.
type nopDecoder struct{}

func (nopDecoder) Next() (image.Image, bool) { return nil, false }
func (nopDecoder) Close()                    {}
