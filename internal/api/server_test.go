package api

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/vision.report/internal/config"
	"github.com/banshee-data/vision.report/internal/fsutil"
	"github.com/banshee-data/vision.report/internal/timeutil"
	"github.com/banshee-data/vision.report/internal/vision"
)

const testTick = 10 * time.Millisecond

// waitFor polls cond until it holds or the deadline passes. The pipeline's
// run loop is asynchronous, so tests observe effects rather than ordering.
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

// stubSource serves one fixed 320x180 frame so the preview endpoint has real
// pixels to annotate.
type stubSource struct{ frame *vision.Frame }

func newStubSource() *stubSource {
	img := image.NewRGBA(image.Rect(0, 0, 320, 180))
	draw.Draw(img, img.Bounds(), &image.Uniform{color.RGBA{R: 40, G: 40, B: 40, A: 255}}, image.Point{}, draw.Src)
	return &stubSource{frame: &vision.Frame{
		Index: 1,
		Time:  time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC),
		Image: img,
	}}
}

func (s *stubSource) CurrentFrame() (*vision.Frame, bool) { return s.frame, true }
func (s *stubSource) NativeResolution() (int, int)        { return 320, 180 }
func (s *stubSource) Close() error                        { return nil }

// stubClient reports a 640x640 model and detects the same two objects in
// every frame.
type stubClient struct{}

func (c *stubClient) Detect(ctx context.Context, frame *vision.Frame) (vision.DetectionBatch, error) {
	return vision.DetectionBatch{Detections: []vision.Detection{
		{X: 64, Y: 64, W: 128, H: 96, Confidence: 0.9, Class: "car"},
		{X: 320, Y: 200, W: 64, H: 120, Confidence: 0.8, Class: "person"},
	}}, nil
}

func (c *stubClient) ModelResolution() (int, int) { return 640, 640 }
func (c *stubClient) Dispose() error              { return nil }

// fakeStore is an in-memory SessionStore.
type fakeStore struct {
	mu         sync.Mutex
	batches    map[string][]vision.RecordedBatch
	batchesErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{batches: make(map[string][]vision.RecordedBatch)}
}

func (f *fakeStore) CreateSession(meta vision.SessionMeta) error     { return nil }
func (f *fakeStore) CloseSession(id string, endedAt time.Time) error { return nil }
func (f *fakeStore) PurgeOtherSessions(keepID string) error          { return nil }

func (f *fakeStore) RecordBatch(sessionID string, seq int64, batch vision.DetectionBatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches[sessionID] = append(f.batches[sessionID], vision.RecordedBatch{Seq: seq, Batch: batch})
	return nil
}

func (f *fakeStore) BatchesForSession(sessionID string) ([]vision.RecordedBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.batchesErr != nil {
		return nil, f.batchesErr
	}
	return append([]vision.RecordedBatch(nil), f.batches[sessionID]...), nil
}

func (f *fakeStore) setBatchesErr(err error) {
	f.mu.Lock()
	f.batchesErr = err
	f.mu.Unlock()
}

func (f *fakeStore) recordedCount(sessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches[sessionID])
}

type serverFixture struct {
	clock   *timeutil.MockClock
	store   *fakeStore
	manager *vision.Manager
	tuning  *config.TuningConfig
	mux     *http.ServeMux

	exportDir string
}

// newServerFixture wires a Server against a manager running on a mock clock.
// The tick rate matches testTick so each Advance fires one tick.
func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	tickRate := 100.0
	exportDir := t.TempDir()
	tuning := &config.TuningConfig{TickRateHz: &tickRate, ExportDir: &exportDir}

	fix := &serverFixture{
		clock:     timeutil.NewMockClock(time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)),
		store:     newFakeStore(),
		tuning:    tuning,
		exportDir: exportDir,
	}
	fix.manager = vision.NewManager(vision.ManagerConfig{
		Store:       fix.store,
		Clock:       fix.clock,
		Tuning:      tuning,
		FS:          fsutil.NewMemoryFileSystem(),
		NewSource:   func() (vision.FrameSource, error) { return newStubSource(), nil },
		NewClient:   func() (vision.InferenceClient, error) { return &stubClient{}, nil },
		SourceLabel: "clips/traffic.mp4",
	})
	t.Cleanup(func() { fix.manager.Stop() })

	server := NewServer(context.Background(), fix.manager, fix.store, tuning)
	fix.mux = server.ServeMux()
	return fix
}

func (fix *serverFixture) do(method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rr := httptest.NewRecorder()
	fix.mux.ServeHTTP(rr, req)
	return rr
}

// startSession starts a session over HTTP and waits for its scheduler to
// register a ticker on the mock clock.
func (fix *serverFixture) startSession(t *testing.T) string {
	t.Helper()
	before := fix.clock.TickerCount()
	rr := fix.do(http.MethodPost, "/api/pipeline/start")
	if rr.Code != http.StatusOK {
		t.Fatalf("start returned %d: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding start response: %v", err)
	}
	if resp["session_id"] == "" {
		t.Fatalf("start response missing session_id: %v", resp)
	}
	if resp["state"] != "running" {
		t.Errorf("start state = %q, want running", resp["state"])
	}
	waitFor(t, "session ticker", func() bool { return fix.clock.TickerCount() == before+1 })
	return resp["session_id"]
}

// publishBatch advances the mock clock one tick and waits for the resulting
// batch to be published.
func (fix *serverFixture) publishBatch(t *testing.T) {
	t.Helper()
	want := fix.manager.Stats().BatchesPublished + 1
	fix.clock.Advance(testTick)
	waitFor(t, "batch publication", func() bool {
		return fix.manager.Stats().BatchesPublished >= want
	})
}

// waitRecorded waits until the store holds n batches for the session. Store
// listeners run just after stats become visible, so store-dependent tests
// wait on the store itself.
func (fix *serverFixture) waitRecorded(t *testing.T, sessionID string, n int) {
	t.Helper()
	waitFor(t, "recorded batches", func() bool {
		return fix.store.recordedCount(sessionID) >= n
	})
}

type resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type detectionsResponse struct {
	Seq              int64                 `json:"seq"`
	Batch            vision.DetectionBatch `json:"batch"`
	ModelResolution  resolution            `json:"model_resolution"`
	NativeResolution resolution            `json:"native_resolution"`
	DisplayMapped    bool                  `json:"display_mapped"`
}

func TestPipelineLifecycle(t *testing.T) {
	fix := newServerFixture(t)

	fix.startSession(t)
	if got := fix.manager.State(); got != vision.StateRunning {
		t.Fatalf("State after start = %s, want running", got)
	}

	steps := []struct {
		action string
		state  string
	}{
		{"pause", "paused"},
		{"resume", "running"},
		{"stop", "stopped"},
	}
	for _, step := range steps {
		rr := fix.do(http.MethodPost, "/api/pipeline/"+step.action)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s returned %d: %s", step.action, rr.Code, rr.Body.String())
		}
		var resp map[string]string
		if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
			t.Fatalf("decoding %s response: %v", step.action, err)
		}
		if resp["state"] != step.state {
			t.Errorf("%s state = %q, want %q", step.action, resp["state"], step.state)
		}
	}
}

func TestPipelineInvalidStateConflict(t *testing.T) {
	fix := newServerFixture(t)

	for _, action := range []string{"pause", "resume", "stop"} {
		rr := fix.do(http.MethodPost, "/api/pipeline/"+action)
		if rr.Code != http.StatusConflict {
			t.Errorf("%s without session returned %d, want 409", action, rr.Code)
		}
		var resp map[string]string
		if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
			t.Fatalf("decoding %s error: %v", action, err)
		}
		if !strings.Contains(resp["error"], "pipeline is idle") {
			t.Errorf("%s error = %q, want mention of idle pipeline", action, resp["error"])
		}
	}

	// Reset without a session is a valid no-op.
	rr := fix.do(http.MethodPost, "/api/pipeline/reset")
	if rr.Code != http.StatusOK {
		t.Errorf("reset without session returned %d, want 200", rr.Code)
	}
}

func TestPipelineUnknownAction(t *testing.T) {
	fix := newServerFixture(t)

	rr := fix.do(http.MethodPost, "/api/pipeline/warp")
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown action returned %d, want 404", rr.Code)
	}
}

func TestPipelineMethodNotAllowed(t *testing.T) {
	fix := newServerFixture(t)

	rr := fix.do(http.MethodGet, "/api/pipeline/start")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET start returned %d, want 405", rr.Code)
	}
}

func TestPipelineStartInitializationFailure(t *testing.T) {
	manager := vision.NewManager(vision.ManagerConfig{
		NewSource: func() (vision.FrameSource, error) {
			return nil, errors.New("device busy")
		},
		NewClient: func() (vision.InferenceClient, error) { return &stubClient{}, nil },
	})
	server := NewServer(context.Background(), manager, nil, nil)
	mux := server.ServeMux()

	req := httptest.NewRequest(http.MethodPost, "/api/pipeline/start", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("start with failing source returned %d, want 503", rr.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding error response: %v", err)
	}
	if !strings.Contains(resp["error"], "device busy") {
		t.Errorf("error = %q, want cause included", resp["error"])
	}
}

func TestDetectionsIdle(t *testing.T) {
	fix := newServerFixture(t)

	rr := fix.do(http.MethodGet, "/api/detections")
	if rr.Code != http.StatusOK {
		t.Fatalf("detections returned %d: %s", rr.Code, rr.Body.String())
	}
	var resp detectionsResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding detections: %v", err)
	}
	if resp.Seq != 0 || !resp.Batch.Empty() {
		t.Errorf("idle detections = seq %d with %d detections, want empty", resp.Seq, len(resp.Batch.Detections))
	}
	if resp.ModelResolution.Width != 0 || resp.NativeResolution.Width != 0 {
		t.Errorf("idle resolutions = %+v / %+v, want zero", resp.ModelResolution, resp.NativeResolution)
	}
}

func TestDetectionsAfterPublish(t *testing.T) {
	fix := newServerFixture(t)
	fix.startSession(t)
	fix.publishBatch(t)

	rr := fix.do(http.MethodGet, "/api/detections")
	if rr.Code != http.StatusOK {
		t.Fatalf("detections returned %d: %s", rr.Code, rr.Body.String())
	}
	var resp detectionsResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding detections: %v", err)
	}

	if resp.Seq < 1 {
		t.Errorf("seq = %d, want >= 1", resp.Seq)
	}
	if len(resp.Batch.Detections) != 2 {
		t.Fatalf("got %d detections, want 2", len(resp.Batch.Detections))
	}
	if resp.Batch.Detections[0].Class != "car" || resp.Batch.Detections[1].Class != "person" {
		t.Errorf("classes = %s, %s", resp.Batch.Detections[0].Class, resp.Batch.Detections[1].Class)
	}
	if resp.ModelResolution != (resolution{640, 640}) {
		t.Errorf("model resolution = %+v, want 640x640", resp.ModelResolution)
	}
	if resp.NativeResolution != (resolution{320, 180}) {
		t.Errorf("native resolution = %+v, want 320x180", resp.NativeResolution)
	}
	if resp.DisplayMapped {
		t.Error("display_mapped = true without display param")
	}
}

func TestDetectionsDisplayMapping(t *testing.T) {
	fix := newServerFixture(t)
	fix.startSession(t)
	fix.publishBatch(t)

	rr := fix.do(http.MethodGet, "/api/detections?display=1280x720")
	if rr.Code != http.StatusOK {
		t.Fatalf("detections returned %d: %s", rr.Code, rr.Body.String())
	}
	var resp detectionsResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding detections: %v", err)
	}
	if !resp.DisplayMapped {
		t.Error("display_mapped = false with display param")
	}
	if len(resp.Batch.Detections) != 2 {
		t.Fatalf("got %d detections, want 2", len(resp.Batch.Detections))
	}

	// 640x640 model onto a 1280x720 display: x scales by 2, y by 1.125.
	car := resp.Batch.Detections[0]
	want := vision.Detection{X: 128, Y: 72, W: 256, H: 108, Confidence: 0.9, Class: "car"}
	if car != want {
		t.Errorf("mapped car = %+v, want %+v", car, want)
	}
}

func TestDetectionsDisplayParamInvalid(t *testing.T) {
	fix := newServerFixture(t)

	for _, display := range []string{"bogus", "12x", "x12", "axb", "0x720"} {
		rr := fix.do(http.MethodGet, "/api/detections?display="+display)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("display=%q returned %d, want 400", display, rr.Code)
		}
	}
}

func TestDetectionsDisplayWithoutSession(t *testing.T) {
	fix := newServerFixture(t)

	// No session means no model resolution to map from.
	rr := fix.do(http.MethodGet, "/api/detections?display=1280x720")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("idle display mapping returned %d, want 400", rr.Code)
	}
}

func TestStats(t *testing.T) {
	fix := newServerFixture(t)
	fix.startSession(t)
	fix.publishBatch(t)

	rr := fix.do(http.MethodGet, "/api/stats")
	if rr.Code != http.StatusOK {
		t.Fatalf("stats returned %d: %s", rr.Code, rr.Body.String())
	}
	var stats vision.DetectionStats
	if err := json.NewDecoder(rr.Body).Decode(&stats); err != nil {
		t.Fatalf("decoding stats: %v", err)
	}

	if stats.TotalDetections != 2 {
		t.Errorf("TotalDetections = %d, want 2", stats.TotalDetections)
	}
	if stats.BatchesPublished != 1 {
		t.Errorf("BatchesPublished = %d, want 1", stats.BatchesPublished)
	}
	if got := stats.ClassCounts["car"]; got != 1 {
		t.Errorf("ClassCounts[car] = %d, want 1", got)
	}
	if got := stats.ClassCounts["person"]; got != 1 {
		t.Errorf("ClassCounts[person] = %d, want 1", got)
	}
	if math.Abs(stats.AverageConfidence-0.85) > 1e-9 {
		t.Errorf("AverageConfidence = %v, want 0.85", stats.AverageConfidence)
	}
}

func TestStatsIdleEmpty(t *testing.T) {
	fix := newServerFixture(t)

	rr := fix.do(http.MethodGet, "/api/stats")
	if rr.Code != http.StatusOK {
		t.Fatalf("stats returned %d: %s", rr.Code, rr.Body.String())
	}
	var stats vision.DetectionStats
	if err := json.NewDecoder(rr.Body).Decode(&stats); err != nil {
		t.Fatalf("decoding stats: %v", err)
	}
	if stats.TotalDetections != 0 || stats.BatchesPublished != 0 {
		t.Errorf("idle stats = %+v, want zero", stats)
	}
}

type exportResponse struct {
	File     string                `json:"file"`
	Path     string                `json:"path"`
	Document vision.ExportDocument `json:"document"`
}

func TestExport(t *testing.T) {
	fix := newServerFixture(t)
	id := fix.startSession(t)
	fix.publishBatch(t)
	fix.waitRecorded(t, id, 1)

	rr := fix.do(http.MethodPost, "/api/export")
	if rr.Code != http.StatusOK {
		t.Fatalf("export returned %d: %s", rr.Code, rr.Body.String())
	}
	var resp exportResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding export response: %v", err)
	}

	if !strings.HasPrefix(resp.File, "detections_") || !strings.HasSuffix(resp.File, ".json") {
		t.Errorf("export file = %q, want detections_<epoch>.json", resp.File)
	}
	if !strings.HasPrefix(resp.Path, fix.exportDir) {
		t.Errorf("export path = %q, want under %q", resp.Path, fix.exportDir)
	}
	if resp.Document.Session.ID != id {
		t.Errorf("document session = %q, want %q", resp.Document.Session.ID, id)
	}
	if len(resp.Document.Batches) != 1 {
		t.Errorf("document batches = %d, want 1", len(resp.Document.Batches))
	}
	if resp.Document.Stats.TotalDetections != 2 {
		t.Errorf("document stats detections = %d, want 2", resp.Document.Stats.TotalDetections)
	}
	if _, err := time.Parse(time.RFC3339, resp.Document.ExportedAt); err != nil {
		t.Errorf("exported_at %q is not RFC 3339: %v", resp.Document.ExportedAt, err)
	}
}

func TestExportWithoutSessionConflict(t *testing.T) {
	fix := newServerFixture(t)

	rr := fix.do(http.MethodPost, "/api/export")
	if rr.Code != http.StatusConflict {
		t.Errorf("export without session returned %d, want 409", rr.Code)
	}
}

func TestExportStoreFailure(t *testing.T) {
	fix := newServerFixture(t)
	fix.startSession(t)
	fix.publishBatch(t)

	fix.store.setBatchesErr(errors.New("disk on fire"))
	rr := fix.do(http.MethodPost, "/api/export")
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("export with failing store returned %d, want 500", rr.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding error response: %v", err)
	}
	if !strings.Contains(resp["error"], "export failed") {
		t.Errorf("error = %q, want export failure", resp["error"])
	}
}

func TestConfig(t *testing.T) {
	fix := newServerFixture(t)

	rr := fix.do(http.MethodGet, "/api/config")
	if rr.Code != http.StatusOK {
		t.Fatalf("config returned %d: %s", rr.Code, rr.Body.String())
	}
	var cfg map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&cfg); err != nil {
		t.Fatalf("decoding config: %v", err)
	}

	if got := cfg["state"]; got != "idle" {
		t.Errorf("state = %v, want idle", got)
	}
	if got := cfg["tick_rate_hz"]; got != 100.0 {
		t.Errorf("tick_rate_hz = %v, want 100", got)
	}
	if got := cfg["export_dir"]; got != fix.exportDir {
		t.Errorf("export_dir = %v, want %q", got, fix.exportDir)
	}
	if _, ok := cfg["session_id"]; ok {
		t.Error("idle config includes session_id")
	}

	id := fix.startSession(t)
	rr = fix.do(http.MethodGet, "/api/config")
	cfg = map[string]interface{}{}
	if err := json.NewDecoder(rr.Body).Decode(&cfg); err != nil {
		t.Fatalf("decoding running config: %v", err)
	}
	if got := cfg["session_id"]; got != id {
		t.Errorf("session_id = %v, want %q", got, id)
	}
	if got := cfg["source"]; got != "clips/traffic.mp4" {
		t.Errorf("source = %v, want clips/traffic.mp4", got)
	}
	if got := cfg["state"]; got != "running" {
		t.Errorf("running state = %v", got)
	}
}

func TestHealthz(t *testing.T) {
	fix := newServerFixture(t)

	rr := fix.do(http.MethodGet, "/healthz")
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz returned %d", rr.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding healthz: %v", err)
	}
	if resp["status"] != "ok" || resp["state"] != "idle" {
		t.Errorf("healthz = %v", resp)
	}
}

func TestStatusCodeColor(t *testing.T) {
	cases := []struct {
		code int
		want string
	}{
		{200, colorBoldGreen + "200" + colorReset},
		{302, colorYellow + "302" + colorReset},
		{404, colorBoldRed + "404" + colorReset},
		{500, colorBoldRed + "500" + colorReset},
		{101, "101"},
	}
	for _, c := range cases {
		if got := statusCodeColor(c.code); got != c.want {
			t.Errorf("statusCodeColor(%d) = %q, want %q", c.code, got, c.want)
		}
	}
}

func TestLoggingMiddlewarePreservesStatus(t *testing.T) {
	handler := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTeapot {
		t.Errorf("status through middleware = %d, want 418", rr.Code)
	}
}

func TestParseDisplay(t *testing.T) {
	w, h, err := parseDisplay("1920x1080")
	if err != nil || w != 1920 || h != 1080 {
		t.Errorf("parseDisplay(1920x1080) = %d, %d, %v", w, h, err)
	}
	for _, bad := range []string{"", "1920", "x", "ax1080", "1920xb"} {
		if _, _, err := parseDisplay(bad); err == nil {
			t.Errorf("parseDisplay(%q) succeeded, want error", bad)
		}
	}
}
