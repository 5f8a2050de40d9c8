package vision

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/vision.report/internal/timeutil"
)

// State is the scheduler lifecycle state. Stopped is terminal for a session.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// completion carries an inference result back into the run loop. The
// generation stamp lets the loop discard results that finished after Stop.
type completion struct {
	gen        uint64
	frameIndex int64
	frameTime  time.Time
	batch      DetectionBatch
	err        error
	latencyMs  float64
}

// SchedulerConfig wires a Scheduler. Source, Client and Aggregator are
// borrowed for the lifetime of the session.
type SchedulerConfig struct {
	Source     FrameSource
	Client     InferenceClient
	Aggregator *Aggregator
	Clock      timeutil.Clock

	// TickInterval is the scheduling cadence. Defaults to 60 Hz.
	TickInterval time.Duration

	// WarnThreshold is the consecutive-failure count that raises an ops
	// warning. Defaults to 3.
	WarnThreshold int

	// MinConfidence drops detections below the floor before publication.
	// Zero keeps everything.
	MinConfidence float64

	SessionID string
	Listeners []PublishListener
}

// Scheduler drives the detection loop for one session: Idle -> Running <->
// Paused -> Stopped. A single run-loop goroutine owns all scheduling
// decisions; inference runs in a worker goroutine with never more than one
// call in flight. Completions re-enter the loop through a channel and are
// published and aggregated in order.
type Scheduler struct {
	source        FrameSource
	client        InferenceClient
	agg           *Aggregator
	clock         timeutil.Clock
	tickInterval  time.Duration
	warnThreshold int
	minConfidence float64
	sessionID     string
	listeners     []PublishListener

	modelW, modelH int
	frameW, frameH int

	mu          sync.Mutex
	state       State
	generation  uint64
	inFlight    bool
	consecFails int
	inferCancel context.CancelFunc
	stopCh      chan struct{}
	done        chan struct{}

	pubMu     sync.RWMutex
	published PublishedBatch

	// cap 1: at-most-one-in-flight means at most one pending send, so the
	// worker never blocks even if the loop has already exited.
	completions chan completion
}

// NewScheduler returns an idle scheduler. Call Start to begin ticking.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second / 60
	}
	if cfg.WarnThreshold <= 0 {
		cfg.WarnThreshold = 3
	}
	if cfg.Aggregator == nil {
		cfg.Aggregator = NewAggregator()
	}

	s := &Scheduler{
		source:        cfg.Source,
		client:        cfg.Client,
		agg:           cfg.Aggregator,
		clock:         cfg.Clock,
		tickInterval:  cfg.TickInterval,
		warnThreshold: cfg.WarnThreshold,
		minConfidence: cfg.MinConfidence,
		sessionID:     cfg.SessionID,
		listeners:     cfg.Listeners,
		state:         StateIdle,
		completions:   make(chan completion, 1),
	}
	if cfg.Client != nil {
		s.modelW, s.modelH = cfg.Client.ModelResolution()
	}
	if cfg.Source != nil {
		s.frameW, s.frameH = cfg.Source.NativeResolution()
	}
	return s
}

// Start spawns the run loop and begins ticking. Valid only from Idle;
// cancelling ctx stops the session as if Stop had been called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return &InvalidStateError{Op: "start", State: s.state}
	}

	ictx, cancel := context.WithCancel(ctx)
	s.inferCancel = cancel
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	s.state = StateRunning

	done := s.done
	go func() {
		defer close(done)
		s.run(ictx)
	}()
	diagf("[Scheduler] session %s running (tick %v, model %dx%d)",
		s.sessionID, s.tickInterval, s.modelW, s.modelH)
	return nil
}

// Pause suspends submissions without discarding stats or the published batch.
// An in-flight call still completes and publishes.
func (s *Scheduler) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRunning {
		return &InvalidStateError{Op: "pause", State: s.state}
	}
	s.state = StatePaused
	diagf("[Scheduler] session %s paused", s.sessionID)
	return nil
}

// Resume continues ticking after a Pause.
func (s *Scheduler) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StatePaused {
		return &InvalidStateError{Op: "resume", State: s.state}
	}
	s.state = StateRunning
	diagf("[Scheduler] session %s resumed", s.sessionID)
	return nil
}

// Stop terminates the session. The generation bump and context cancellation
// guarantee an in-flight completion is discarded: never published, never
// aggregated. A second Stop reports InvalidState.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.state != StateRunning && s.state != StatePaused {
		state := s.state
		s.mu.Unlock()
		return &InvalidStateError{Op: "stop", State: state}
	}
	s.state = StateStopped
	s.generation++
	cancel := s.inferCancel
	stopCh := s.stopCh
	s.mu.Unlock()

	cancel()
	close(stopCh)
	diagf("[Scheduler] session %s stopped", s.sessionID)
	return nil
}

// Reset clears the aggregated statistics and the published batch without
// changing the Running/Paused state. Valid in any non-terminal state.
func (s *Scheduler) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStopped {
		return &InvalidStateError{Op: "reset", State: s.state}
	}

	s.agg.Reset()
	s.pubMu.Lock()
	s.published = PublishedBatch{Seq: s.published.Seq + 1}
	s.pubMu.Unlock()
	diagf("[Scheduler] session %s reset", s.sessionID)
	return nil
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done returns a channel closed when the run loop has exited, nil before
// Start. An in-flight worker call may still be draining after it closes; its
// result is discarded.
func (s *Scheduler) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Published returns a deep copy of the latest published view.
func (s *Scheduler) Published() PublishedBatch {
	s.pubMu.RLock()
	defer s.pubMu.RUnlock()
	return PublishedBatch{Seq: s.published.Seq, Batch: s.published.Batch.clone()}
}

// Stats returns a snapshot of the session statistics.
func (s *Scheduler) Stats() DetectionStats {
	return s.agg.Snapshot()
}

// ModelResolution returns the backend input dimensions captured at creation.
func (s *Scheduler) ModelResolution() (int, int) { return s.modelW, s.modelH }

// run is the single logical scheduling thread.
func (s *Scheduler) run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			if s.state == StateRunning || s.state == StatePaused {
				s.state = StateStopped
				s.generation++
				diagf("[Scheduler] session %s stopped (context cancelled)", s.sessionID)
			}
			s.mu.Unlock()
			return
		case <-s.stopCh:
			return
		case <-ticker.C():
			s.handleTick(ctx)
		case comp := <-s.completions:
			s.handleCompletion(comp)
		}
	}
}

// handleTick submits the current frame unless paused, a call is already in
// flight, or no frame is available.
func (s *Scheduler) handleTick(ctx context.Context) {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	if s.inFlight {
		s.mu.Unlock()
		s.agg.RecordDroppedTick()
		tracef("[Scheduler] tick dropped, inference in flight")
		return
	}
	frame, ok := s.source.CurrentFrame()
	if !ok {
		s.mu.Unlock()
		s.agg.RecordFrameUnavailable()
		tracef("[Scheduler] tick skipped: %v", ErrFrameUnavailable)
		return
	}
	gen := s.generation
	s.inFlight = true
	s.mu.Unlock()

	go s.invoke(ctx, gen, frame)
}

// invoke runs one inference call and reports the completion.
func (s *Scheduler) invoke(ctx context.Context, gen uint64, frame *Frame) {
	start := s.clock.Now()
	batch, err := s.client.Detect(ctx, frame)
	s.completions <- completion{
		gen:        gen,
		frameIndex: frame.Index,
		frameTime:  frame.Time,
		batch:      batch,
		err:        err,
		latencyMs:  float64(s.clock.Since(start)) / float64(time.Millisecond),
	}
}

// handleCompletion publishes and aggregates one result, or discards it if the
// session stopped since submission. Failures are absorbed as empty batches so
// the pipeline keeps running.
func (s *Scheduler) handleCompletion(comp completion) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inFlight = false
	if comp.gen != s.generation || s.state == StateStopped {
		diagf("[Scheduler] discarded stale completion for frame %d", comp.frameIndex)
		return
	}

	batch := comp.batch
	if comp.err != nil {
		s.consecFails++
		s.agg.RecordFailure()
		opsf("[Scheduler] inference failed on frame %d: %v", comp.frameIndex, comp.err)
		if s.consecFails == s.warnThreshold {
			opsf("[Scheduler] WARNING: %d consecutive inference failures, check the model backend", s.consecFails)
		}
		batch = DetectionBatch{}
	} else {
		s.consecFails = 0
	}

	batch.FrameIndex = comp.frameIndex
	batch.FrameTime = comp.frameTime
	batch.LatencyMs = comp.latencyMs

	if s.minConfidence > 0 && len(batch.Detections) > 0 {
		kept := make([]Detection, 0, len(batch.Detections))
		for _, d := range batch.Detections {
			if d.Confidence >= s.minConfidence {
				kept = append(kept, d)
			}
		}
		batch.Detections = kept
	}

	s.pubMu.Lock()
	s.published = PublishedBatch{Seq: s.published.Seq + 1, Batch: batch}
	seq := s.published.Seq
	s.pubMu.Unlock()

	s.agg.Ingest(batch)

	if len(s.listeners) > 0 {
		bundle := OverlayBundle{
			SessionID:   s.sessionID,
			Seq:         seq,
			Batch:       batch,
			Stats:       s.agg.Snapshot(),
			ModelWidth:  s.modelW,
			ModelHeight: s.modelH,
			FrameWidth:  s.frameW,
			FrameHeight: s.frameH,
		}
		for _, l := range s.listeners {
			l(bundle)
		}
	}
	tracef("[Scheduler] published seq %d: %d detections in %.1fms",
		seq, len(batch.Detections), comp.latencyMs)
}
