package vision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/vision.report/internal/config"
	"github.com/banshee-data/vision.report/internal/fsutil"
	"github.com/banshee-data/vision.report/internal/monitoring"
	"github.com/banshee-data/vision.report/internal/timeutil"
)

// Session binds one run of the pipeline: a freshly opened frame source and
// inference client, its own aggregator and scheduler. Stopped sessions remain
// readable (stats, export) until the next session replaces them.
type Session struct {
	ID        string
	StartedAt time.Time

	meta   SessionMeta
	source FrameSource
	client InferenceClient
	agg    *Aggregator
	sched  *Scheduler
	ended  bool
}

// ManagerConfig wires a Manager. NewSource and NewClient are factories so
// every session opens the source and backend fresh.
type ManagerConfig struct {
	Store  SessionStore
	Sink   OverlaySink
	Clock  timeutil.Clock
	Tuning *config.TuningConfig
	FS     fsutil.FileSystem

	NewSource func() (FrameSource, error)
	NewClient func() (InferenceClient, error)

	// SourceLabel names the configured source in session metadata and
	// export documents, e.g. "clips/traffic.mp4" or "camera:0".
	SourceLabel string

	// Listeners are additional publish observers (timeline samplers and the
	// like) appended after the store and sink listeners.
	Listeners []PublishListener

	// OnSessionStart and OnSessionEnd observe session lifecycle edges:
	// start fires once processing has begun, end fires once per session
	// after its run loop has exited. Both run with the manager's lock held
	// and must not call back into the Manager.
	OnSessionStart func(meta SessionMeta)
	OnSessionEnd   func(meta SessionMeta)
}

// Manager enforces the one-active-session rule and is the single entry point
// the HTTP API and the daemon hold. Starting a new session tears down the
// prior one and purges its recorded batches.
type Manager struct {
	mu     sync.Mutex
	cfg    ManagerConfig
	active *Session
}

// NewManager returns a Manager with no active session.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Tuning == nil {
		cfg.Tuning = config.EmptyTuningConfig()
	}
	if cfg.FS == nil {
		cfg.FS = fsutil.OSFileSystem{}
	}
	return &Manager{cfg: cfg}
}

// Start opens a new session and begins processing. Any prior session is torn
// down first and its recorded batches purged. Source or backend construction
// failure is reported as an InitializationError and leaves no session active.
func (m *Manager) Start(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		m.teardownLocked(m.active)
		m.active = nil
	}

	source, err := m.cfg.NewSource()
	if err != nil {
		return "", &InitializationError{Err: fmt.Errorf("frame source: %w", err)}
	}
	client, err := m.cfg.NewClient()
	if err != nil {
		source.Close()
		return "", &InitializationError{Err: err}
	}

	id := uuid.New().String()
	now := m.cfg.Clock.Now()

	meta := SessionMeta{
		ID:          id,
		StartedAt:   now,
		SourceLabel: m.cfg.SourceLabel,
	}
	meta.ModelWidth, meta.ModelHeight = client.ModelResolution()

	var listeners []PublishListener
	if store := m.cfg.Store; store != nil {
		listeners = append(listeners, func(b OverlayBundle) {
			if err := store.RecordBatch(b.SessionID, b.Seq, b.Batch); err != nil {
				opsf("[Session] failed to record batch %d: %v", b.Seq, err)
			}
		})
	}
	if sink := m.cfg.Sink; sink != nil {
		listeners = append(listeners, func(b OverlayBundle) { sink.Publish(b) })
	}
	listeners = append(listeners, m.cfg.Listeners...)

	agg := NewAggregator()
	sched := NewScheduler(SchedulerConfig{
		Source:        source,
		Client:        client,
		Aggregator:    agg,
		Clock:         m.cfg.Clock,
		TickInterval:  m.cfg.Tuning.GetTickInterval(),
		WarnThreshold: m.cfg.Tuning.GetFailureWarnThreshold(),
		MinConfidence: m.cfg.Tuning.GetMinConfidence(),
		SessionID:     id,
		Listeners:     listeners,
	})

	if m.cfg.Store != nil {
		if err := m.cfg.Store.CreateSession(meta); err != nil {
			source.Close()
			client.Dispose()
			return "", fmt.Errorf("failed to create session record: %w", err)
		}
		if err := m.cfg.Store.PurgeOtherSessions(id); err != nil {
			opsf("[Session] failed to purge prior sessions: %v", err)
		}
	}

	if err := sched.Start(ctx); err != nil {
		source.Close()
		client.Dispose()
		return "", err
	}

	m.active = &Session{
		ID:        id,
		StartedAt: now,
		meta:      meta,
		source:    source,
		client:    client,
		agg:       agg,
		sched:     sched,
	}
	monitoring.Logf("session %s started (source %s)", id, m.cfg.SourceLabel)
	if f := m.cfg.OnSessionStart; f != nil {
		f(meta)
	}
	return id, nil
}

// Pause suspends the active session.
func (m *Manager) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return &InvalidStateError{Op: "pause", State: StateIdle}
	}
	return m.active.sched.Pause()
}

// Resume continues a paused session.
func (m *Manager) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return &InvalidStateError{Op: "resume", State: StateIdle}
	}
	return m.active.sched.Resume()
}

// Stop terminates the active session and releases its source and backend.
// The stopped session's statistics stay readable until the next Start.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return &InvalidStateError{Op: "stop", State: StateIdle}
	}
	if err := m.active.sched.Stop(); err != nil {
		return err
	}
	if ch := m.active.sched.Done(); ch != nil {
		<-ch
	}
	m.releaseLocked(m.active)
	m.endSessionLocked(m.active)
	monitoring.Logf("session %s stopped", m.active.ID)
	return nil
}

// Reset clears the active session's statistics and published batch. With no
// session it is a valid no-op.
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	return m.active.sched.Reset()
}

// Export assembles the session document, writes it to the export directory
// and returns the document plus the written path.
func (m *Manager) Export() (ExportDocument, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return ExportDocument{}, "", &InvalidStateError{Op: "export", State: StateIdle}
	}

	var batches []RecordedBatch
	if m.cfg.Store != nil {
		var err error
		batches, err = m.cfg.Store.BatchesForSession(m.active.ID)
		if err != nil {
			return ExportDocument{}, "", &ExportError{Err: err}
		}
	}

	now := m.cfg.Clock.Now()
	doc := ExportDocument{
		Session:    m.active.meta,
		Batches:    batches,
		Stats:      m.active.agg.Snapshot(),
		ExportedAt: now.UTC().Format(time.RFC3339),
	}

	path, err := WriteExport(m.cfg.FS, doc, m.cfg.Tuning.GetExportDir(), now)
	if err != nil {
		return ExportDocument{}, "", err
	}
	monitoring.Logf("exported session %s to %s", m.active.ID, path)
	return doc, path, nil
}

// State returns the active session's lifecycle state, or Idle without one.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return StateIdle
	}
	return m.active.sched.State()
}

// Stats returns the active session's statistics snapshot.
func (m *Manager) Stats() DetectionStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return DetectionStats{ClassCounts: map[string]int64{}}
	}
	return m.active.agg.Snapshot()
}

// Published returns the active session's latest published view.
func (m *Manager) Published() PublishedBatch {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return PublishedBatch{}
	}
	return m.active.sched.Published()
}

// SessionMeta returns the active session's metadata.
func (m *Manager) SessionMeta() (SessionMeta, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return SessionMeta{}, false
	}
	return m.active.meta, true
}

// ModelResolution returns the active backend's input dimensions.
func (m *Manager) ModelResolution() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return 0, 0
	}
	return m.active.client.ModelResolution()
}

// NativeResolution returns the active source's frame dimensions.
func (m *Manager) NativeResolution() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return 0, 0
	}
	return m.active.source.NativeResolution()
}

// CurrentFrame returns the active source's latest frame for previews.
func (m *Manager) CurrentFrame() (*Frame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil, false
	}
	return m.active.source.CurrentFrame()
}

// teardownLocked force-stops a session being replaced and releases it.
func (m *Manager) teardownLocked(sess *Session) {
	if err := sess.sched.Stop(); err != nil {
		var ise *InvalidStateError
		if !errors.As(err, &ise) {
			opsf("[Session] error stopping session %s: %v", sess.ID, err)
		}
		// Already stopped sessions only need their resources released.
	}
	if ch := sess.sched.Done(); ch != nil {
		<-ch
	}
	m.releaseLocked(sess)
	m.endSessionLocked(sess)
	diagf("[Session] session %s torn down", sess.ID)
}

// endSessionLocked stamps the end time and fires OnSessionEnd exactly once
// per session, whether it ended via Stop or by being replaced.
func (m *Manager) endSessionLocked(sess *Session) {
	if sess.ended {
		return
	}
	sess.ended = true
	sess.meta.EndedAt = m.cfg.Clock.Now()
	if f := m.cfg.OnSessionEnd; f != nil {
		f(sess.meta)
	}
}

// releaseLocked returns the session's borrowed source and backend and closes
// its store row. Close and Dispose tolerate repeat calls.
func (m *Manager) releaseLocked(sess *Session) {
	if err := sess.source.Close(); err != nil {
		opsf("[Session] error closing source for session %s: %v", sess.ID, err)
	}
	if err := sess.client.Dispose(); err != nil {
		opsf("[Session] error disposing client for session %s: %v", sess.ID, err)
	}
	if m.cfg.Store != nil {
		if err := m.cfg.Store.CloseSession(sess.ID, m.cfg.Clock.Now()); err != nil {
			opsf("[Session] error closing session record %s: %v", sess.ID, err)
		}
	}
}
