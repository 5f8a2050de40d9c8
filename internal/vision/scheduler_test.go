package vision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/vision.report/internal/timeutil"
)

// stubSource serves a single fixed frame. Frame can be swapped or cleared
// mid-test to exercise the no-frame path.
type stubSource struct {
	mu     sync.Mutex
	frame  *Frame
	w, h   int
	closed int
}

func newStubSource() *stubSource {
	return &stubSource{
		frame: &Frame{Index: 1, Time: time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)},
		w:     1280,
		h:     720,
	}
}

func (s *stubSource) CurrentFrame() (*Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frame == nil {
		return nil, false
	}
	return s.frame, true
}

func (s *stubSource) setFrame(f *Frame) {
	s.mu.Lock()
	s.frame = f
	s.mu.Unlock()
}

func (s *stubSource) NativeResolution() (int, int) { return s.w, s.h }

func (s *stubSource) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return nil
}

// stubClient counts calls and delegates to a detect function. With a nil
// detect it returns empty batches immediately.
type stubClient struct {
	mu       sync.Mutex
	calls    int
	disposed int
	detect   func(ctx context.Context, frame *Frame) (DetectionBatch, error)
}

func (c *stubClient) Detect(ctx context.Context, frame *Frame) (DetectionBatch, error) {
	c.mu.Lock()
	c.calls++
	fn := c.detect
	c.mu.Unlock()
	if fn != nil {
		return fn(ctx, frame)
	}
	return DetectionBatch{}, nil
}

func (c *stubClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *stubClient) ModelResolution() (int, int) { return 640, 640 }

func (c *stubClient) Dispose() error {
	c.mu.Lock()
	c.disposed++
	c.mu.Unlock()
	return nil
}

// waitFor polls cond until it holds or the deadline passes. The run loop is
// asynchronous, so tests observe effects rather than ordering.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

const testTick = 10 * time.Millisecond

// startScheduler starts a scheduler on a mock clock and blocks until its
// ticker is registered, so Advance calls land deterministically.
func startScheduler(t *testing.T, cfg SchedulerConfig) (*Scheduler, *timeutil.MockClock) {
	t.Helper()
	clock := timeutil.NewMockClock(time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC))
	cfg.Clock = clock
	if cfg.TickInterval == 0 {
		cfg.TickInterval = testTick
	}
	if cfg.SessionID == "" {
		cfg.SessionID = "test-session"
	}
	s := NewScheduler(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		// Quiesce the run loop so it cannot outlive the test.
		cancel()
		select {
		case <-s.Done():
		case <-time.After(2 * time.Second):
			t.Error("run loop did not exit on cleanup")
		}
	})
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "ticker registration", func() bool { return clock.TickerCount() == 1 })
	return s, clock
}

func TestScheduler_StartFromRunningFails(t *testing.T) {
	s, _ := startScheduler(t, SchedulerConfig{Source: newStubSource(), Client: &stubClient{}})

	err := s.Start(context.Background())
	var ise *InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("second Start = %v, want InvalidStateError", err)
	}
	if ise.Op != "start" || ise.State != StateRunning {
		t.Errorf("InvalidStateError = {%s %s}, want {start running}", ise.Op, ise.State)
	}
}

func TestScheduler_TickSubmitsCurrentFrame(t *testing.T) {
	source := newStubSource()
	client := &stubClient{detect: func(ctx context.Context, frame *Frame) (DetectionBatch, error) {
		return DetectionBatch{Detections: []Detection{det("car", 0.8)}}, nil
	}}
	s, clock := startScheduler(t, SchedulerConfig{Source: source, Client: client})

	clock.Advance(testTick)
	waitFor(t, "first publication", func() bool { return s.Published().Seq == 1 })

	pub := s.Published()
	if len(pub.Batch.Detections) != 1 || pub.Batch.Detections[0].Class != "car" {
		t.Errorf("published batch = %+v, want one car", pub.Batch)
	}
	if pub.Batch.FrameIndex != 1 {
		t.Errorf("FrameIndex = %d, want 1", pub.Batch.FrameIndex)
	}
	if got := s.Stats().BatchesPublished; got != 1 {
		t.Errorf("BatchesPublished = %d, want 1", got)
	}
}

func TestScheduler_AtMostOneInFlight(t *testing.T) {
	source := newStubSource()
	gate := make(chan struct{})
	client := &stubClient{detect: func(ctx context.Context, frame *Frame) (DetectionBatch, error) {
		<-gate
		return DetectionBatch{Detections: []Detection{det("car", 0.9)}}, nil
	}}
	s, clock := startScheduler(t, SchedulerConfig{Source: source, Client: client})

	// First tick submits and blocks in the worker.
	clock.Advance(testTick)
	waitFor(t, "first submission", func() bool { return client.callCount() == 1 })

	// Further ticks are dropped while the call is in flight.
	for i := 1; i <= 3; i++ {
		clock.Advance(testTick)
		want := int64(i)
		waitFor(t, fmt.Sprintf("dropped tick %d", i), func() bool {
			return s.Stats().DroppedTicks == want
		})
	}
	if got := client.callCount(); got != 1 {
		t.Fatalf("calls = %d during in-flight inference, want 1", got)
	}

	// Release the call; the next tick may submit again.
	close(gate)
	waitFor(t, "completion", func() bool { return s.Published().Seq == 1 })

	clock.Advance(testTick)
	waitFor(t, "second submission", func() bool { return client.callCount() == 2 })
}

func TestScheduler_StopDiscardsInFlightResult(t *testing.T) {
	source := newStubSource()
	gate := make(chan struct{})
	client := &stubClient{detect: func(ctx context.Context, frame *Frame) (DetectionBatch, error) {
		<-gate
		return DetectionBatch{Detections: []Detection{det("car", 0.9)}}, nil
	}}
	s, clock := startScheduler(t, SchedulerConfig{Source: source, Client: client})

	clock.Advance(testTick)
	waitFor(t, "submission", func() bool { return client.callCount() == 1 })

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if got := s.State(); got != StateStopped {
		t.Fatalf("State = %s, want stopped", got)
	}

	// The call completes after Stop. Its result must never surface.
	close(gate)
	time.Sleep(50 * time.Millisecond)

	if got := s.Published().Seq; got != 0 {
		t.Errorf("Published.Seq = %d after stop-discard, want 0", got)
	}
	stats := s.Stats()
	if stats.TotalDetections != 0 || stats.BatchesPublished != 0 {
		t.Errorf("stats mutated by discarded result: %+v", stats)
	}

	// Stop is not idempotent: a second call reports the terminal state.
	err := s.Stop()
	var ise *InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("second Stop = %v, want InvalidStateError", err)
	}
	if ise.State != StateStopped {
		t.Errorf("InvalidStateError.State = %s, want stopped", ise.State)
	}
}

func TestScheduler_PausePublishesInFlightThenSuppresses(t *testing.T) {
	source := newStubSource()
	gate := make(chan struct{})
	client := &stubClient{detect: func(ctx context.Context, frame *Frame) (DetectionBatch, error) {
		<-gate
		return DetectionBatch{Detections: []Detection{det("person", 0.8)}}, nil
	}}
	s, clock := startScheduler(t, SchedulerConfig{Source: source, Client: client})

	clock.Advance(testTick)
	waitFor(t, "submission", func() bool { return client.callCount() == 1 })

	if err := s.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}

	// Pause is not a cancel: the in-flight result still lands.
	close(gate)
	waitFor(t, "in-flight result published", func() bool { return s.Published().Seq == 1 })
	if got := s.Stats().TotalDetections; got != 1 {
		t.Errorf("TotalDetections = %d, want 1", got)
	}

	// While paused no new calls are submitted and nothing is counted.
	before := s.Stats()
	clock.Advance(testTick)
	clock.Advance(testTick)
	time.Sleep(30 * time.Millisecond)
	if got := client.callCount(); got != 1 {
		t.Errorf("calls = %d while paused, want 1", got)
	}
	after := s.Stats()
	if after.DroppedTicks != before.DroppedTicks || after.FramesUnavailable != before.FramesUnavailable {
		t.Errorf("paused ticks were counted: before %+v after %+v", before, after)
	}

	// Pause from Paused is invalid.
	var ise *InvalidStateError
	if err := s.Pause(); !errors.As(err, &ise) {
		t.Errorf("Pause while paused = %v, want InvalidStateError", err)
	}

	if err := s.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	clock.Advance(testTick)
	waitFor(t, "submission after resume", func() bool { return client.callCount() == 2 })
}

func TestScheduler_ResumeFromRunningFails(t *testing.T) {
	s, _ := startScheduler(t, SchedulerConfig{Source: newStubSource(), Client: &stubClient{}})

	err := s.Resume()
	var ise *InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("Resume while running = %v, want InvalidStateError", err)
	}
	if ise.Op != "resume" || ise.State != StateRunning {
		t.Errorf("InvalidStateError = {%s %s}, want {resume running}", ise.Op, ise.State)
	}
}

func TestScheduler_ResetClearsStatsKeepsState(t *testing.T) {
	source := newStubSource()
	client := &stubClient{detect: func(ctx context.Context, frame *Frame) (DetectionBatch, error) {
		return DetectionBatch{Detections: []Detection{det("car", 0.9)}}, nil
	}}
	s, clock := startScheduler(t, SchedulerConfig{Source: source, Client: client})

	clock.Advance(testTick)
	waitFor(t, "publication", func() bool { return s.Published().Seq == 1 })
	seqBefore := s.Published().Seq

	if err := s.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	stats := s.Stats()
	if stats.TotalDetections != 0 || stats.BatchesPublished != 0 || len(stats.ClassCounts) != 0 {
		t.Errorf("stats after reset = %+v, want zeroed", stats)
	}
	pub := s.Published()
	if !pub.Batch.Empty() {
		t.Errorf("published batch after reset = %+v, want empty", pub.Batch)
	}
	if pub.Seq <= seqBefore {
		t.Errorf("Seq after reset = %d, want > %d so pollers see the change", pub.Seq, seqBefore)
	}
	if got := s.State(); got != StateRunning {
		t.Errorf("State after reset = %s, want running", got)
	}

	// The pipeline keeps going after a reset.
	clock.Advance(testTick)
	waitFor(t, "publication after reset", func() bool { return s.Stats().BatchesPublished == 1 })
}

func TestScheduler_ResetWhileStopped(t *testing.T) {
	s, _ := startScheduler(t, SchedulerConfig{Source: newStubSource(), Client: &stubClient{}})

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	var ise *InvalidStateError
	if err := s.Reset(); !errors.As(err, &ise) {
		t.Errorf("Reset while stopped = %v, want InvalidStateError", err)
	}
}

func TestScheduler_FailuresAbsorbedAsEmptyBatches(t *testing.T) {
	var opsBuf syncBuffer
	SetLogWriters(&opsBuf, nil, nil)
	t.Cleanup(func() { SetLegacyLogger(nil) })

	source := newStubSource()
	client := &stubClient{detect: func(ctx context.Context, frame *Frame) (DetectionBatch, error) {
		return DetectionBatch{}, errors.New("backend unreachable")
	}}
	s, clock := startScheduler(t, SchedulerConfig{Source: source, Client: client, WarnThreshold: 3})

	for i := 1; i <= 3; i++ {
		clock.Advance(testTick)
		want := int64(i)
		waitFor(t, fmt.Sprintf("failure %d absorbed", i), func() bool {
			return s.Stats().InferenceFailures == want
		})
	}

	stats := s.Stats()
	if stats.BatchesPublished != 3 || stats.EmptyBatches != 3 {
		t.Errorf("published/empty = %d/%d, want 3/3", stats.BatchesPublished, stats.EmptyBatches)
	}
	if stats.TotalDetections != 0 {
		t.Errorf("TotalDetections = %d after failures, want 0", stats.TotalDetections)
	}
	if got := s.State(); got != StateRunning {
		t.Errorf("State = %s after failures, want running", got)
	}
	if !s.Published().Batch.Empty() {
		t.Errorf("published batch = %+v, want empty", s.Published().Batch)
	}
	if !strings.Contains(opsBuf.String(), "3 consecutive inference failures") {
		t.Errorf("ops log missing consecutive-failure warning:\n%s", opsBuf.String())
	}
}

func TestScheduler_MinConfidenceFilter(t *testing.T) {
	source := newStubSource()
	client := &stubClient{detect: func(ctx context.Context, frame *Frame) (DetectionBatch, error) {
		return DetectionBatch{Detections: []Detection{det("car", 0.9), det("person", 0.3)}}, nil
	}}
	s, clock := startScheduler(t, SchedulerConfig{Source: source, Client: client, MinConfidence: 0.5})

	clock.Advance(testTick)
	waitFor(t, "publication", func() bool { return s.Published().Seq == 1 })

	batch := s.Published().Batch
	if len(batch.Detections) != 1 || batch.Detections[0].Class != "car" {
		t.Errorf("filtered batch = %+v, want only the car", batch.Detections)
	}
	stats := s.Stats()
	if stats.TotalDetections != 1 || stats.ClassCounts["person"] != 0 {
		t.Errorf("filtered detections leaked into stats: %+v", stats)
	}
}

func TestScheduler_FrameUnavailableSkipsTick(t *testing.T) {
	source := newStubSource()
	source.setFrame(nil)
	client := &stubClient{}
	s, clock := startScheduler(t, SchedulerConfig{Source: source, Client: client})

	clock.Advance(testTick)
	waitFor(t, "frame-unavailable count", func() bool { return s.Stats().FramesUnavailable == 1 })

	if got := client.callCount(); got != 0 {
		t.Errorf("calls = %d without a frame, want 0", got)
	}

	// A frame arriving later is picked up on the next tick.
	source.setFrame(&Frame{Index: 7, Time: time.Now()})
	clock.Advance(testTick)
	waitFor(t, "submission once frame exists", func() bool { return client.callCount() == 1 })
}

func TestScheduler_RunningStats(t *testing.T) {
	source := newStubSource()
	batches := []DetectionBatch{
		{Detections: []Detection{det("car", 0.9)}},
		{Detections: []Detection{det("car", 0.5), det("person", 0.7)}},
	}
	client := &stubClient{}
	client.detect = func(ctx context.Context, frame *Frame) (DetectionBatch, error) {
		return batches[client.callCount()-1], nil
	}
	s, clock := startScheduler(t, SchedulerConfig{Source: source, Client: client})

	clock.Advance(testTick)
	waitFor(t, "first batch", func() bool { return s.Stats().BatchesPublished == 1 })
	clock.Advance(testTick)
	waitFor(t, "second batch", func() bool { return s.Stats().BatchesPublished == 2 })

	stats := s.Stats()
	if stats.TotalDetections != 3 {
		t.Errorf("TotalDetections = %d, want 3", stats.TotalDetections)
	}
	if diff := stats.AverageConfidence - 0.7; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("AverageConfidence = %v, want 0.7", stats.AverageConfidence)
	}
	if stats.ClassCounts["car"] != 2 || stats.ClassCounts["person"] != 1 {
		t.Errorf("ClassCounts = %v, want car:2 person:1", stats.ClassCounts)
	}
}

func TestScheduler_ListenersSeePublicationsInOrder(t *testing.T) {
	source := newStubSource()
	client := &stubClient{detect: func(ctx context.Context, frame *Frame) (DetectionBatch, error) {
		return DetectionBatch{Detections: []Detection{det("car", 0.9)}}, nil
	}}

	var mu sync.Mutex
	var bundles []OverlayBundle
	listener := func(b OverlayBundle) {
		mu.Lock()
		bundles = append(bundles, b)
		mu.Unlock()
	}
	s, clock := startScheduler(t, SchedulerConfig{
		Source:    source,
		Client:    client,
		SessionID: "sess-42",
		Listeners: []PublishListener{listener},
	})

	clock.Advance(testTick)
	waitFor(t, "first bundle", func() bool { return s.Stats().BatchesPublished == 1 })
	clock.Advance(testTick)
	waitFor(t, "second bundle", func() bool { return s.Stats().BatchesPublished == 2 })

	mu.Lock()
	defer mu.Unlock()
	if len(bundles) != 2 {
		t.Fatalf("listener saw %d bundles, want 2", len(bundles))
	}
	for i, b := range bundles {
		if b.Seq != int64(i+1) {
			t.Errorf("bundle %d Seq = %d, want %d", i, b.Seq, i+1)
		}
		if b.SessionID != "sess-42" {
			t.Errorf("bundle SessionID = %q, want sess-42", b.SessionID)
		}
		if b.ModelWidth != 640 || b.FrameWidth != 1280 {
			t.Errorf("bundle dims = model %dx%d frame %dx%d", b.ModelWidth, b.ModelHeight, b.FrameWidth, b.FrameHeight)
		}
		if b.Stats.BatchesPublished != b.Seq {
			t.Errorf("bundle %d stats not in step: BatchesPublished=%d Seq=%d", i, b.Stats.BatchesPublished, b.Seq)
		}
	}
}

func TestScheduler_ContextCancelStops(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC))
	s := NewScheduler(SchedulerConfig{
		Source:       newStubSource(),
		Client:       &stubClient{},
		Clock:        clock,
		TickInterval: testTick,
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "ticker registration", func() bool { return clock.TickerCount() == 1 })

	cancel()
	waitFor(t, "stop on context cancel", func() bool { return s.State() == StateStopped })
}

func TestScheduler_PublishedIsDeepCopy(t *testing.T) {
	source := newStubSource()
	client := &stubClient{detect: func(ctx context.Context, frame *Frame) (DetectionBatch, error) {
		return DetectionBatch{Detections: []Detection{det("car", 0.9)}}, nil
	}}
	s, clock := startScheduler(t, SchedulerConfig{Source: source, Client: client})

	clock.Advance(testTick)
	waitFor(t, "publication", func() bool { return s.Published().Seq == 1 })

	got := s.Published()
	got.Batch.Detections[0].Class = "mutated"
	if s.Published().Batch.Detections[0].Class != "car" {
		t.Error("Published returned a view aliasing scheduler state")
	}
}

// syncBuffer is a bytes.Buffer safe for writes from the run loop goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
