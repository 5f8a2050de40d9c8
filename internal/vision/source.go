package vision

import (
	"image"
	"sync"
	"time"
)

// Frame is one decoded video frame. Index increases monotonically per source;
// Time is the capture timestamp.
type Frame struct {
	Index int64
	Time  time.Time
	Image image.Image
}

// FrameSource supplies the latest decoded frame without blocking. Sources
// overwrite rather than queue: a slow consumer sees the newest frame, never a
// backlog.
type FrameSource interface {
	// CurrentFrame returns the most recent frame, or false if none is
	// available yet (or the source has ended).
	CurrentFrame() (*Frame, bool)

	// NativeResolution returns the source's frame dimensions in pixels.
	NativeResolution() (width, height int)

	// Close releases the source. Safe to call more than once.
	Close() error
}

// FrameSlot is a single-slot latest-frame mailbox shared by source
// implementations. Put overwrites; Latest never blocks.
type FrameSlot struct {
	mu    sync.RWMutex
	frame *Frame
}

// Put stores f as the latest frame, replacing any previous one.
func (s *FrameSlot) Put(f *Frame) {
	s.mu.Lock()
	s.frame = f
	s.mu.Unlock()
}

// Latest returns the most recently stored frame, or false if none yet.
func (s *FrameSlot) Latest() (*Frame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.frame == nil {
		return nil, false
	}
	return s.frame, true
}

// Clear empties the slot, typically at end of stream.
func (s *FrameSlot) Clear() {
	s.mu.Lock()
	s.frame = nil
	s.mu.Unlock()
}
