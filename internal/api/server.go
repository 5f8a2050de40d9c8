package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/vision.report/internal/config"
	"github.com/banshee-data/vision.report/internal/vision"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Server exposes the detection pipeline over HTTP. It holds the session
// manager for lifecycle and data routes, the session store for debug charts
// that need batch history, and the daemon's run context so sessions started
// over HTTP outlive the request that started them.
type Server struct {
	manager *vision.Manager
	store   vision.SessionStore
	tuning  *config.TuningConfig
	runCtx  context.Context
}

// NewServer wires the API against a manager. runCtx bounds the lifetime of
// sessions started via /api/pipeline/start; store and tuning may be nil.
func NewServer(runCtx context.Context, manager *vision.Manager, store vision.SessionStore, tuning *config.TuningConfig) *Server {
	if tuning == nil {
		tuning = config.EmptyTuningConfig()
	}
	return &Server{
		manager: manager,
		store:   store,
		tuning:  tuning,
		runCtx:  runCtx,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400 && statusCode < 500:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 500:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/pipeline/", s.handlePipeline)
	mux.HandleFunc("/api/detections", s.showDetections)
	mux.HandleFunc("/api/stats", s.showStats)
	mux.HandleFunc("/api/export", s.runExport)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/api/preview.jpg", s.showPreview)
	mux.HandleFunc("/debug/charts/classes", s.showClassChart)
	mux.HandleFunc("/debug/charts/confidence", s.showConfidenceChart)
	mux.HandleFunc("/healthz", s.showHealth)
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// httpStatusForError maps pipeline errors onto HTTP statuses: lifecycle
// misuse is the caller's fault (409), a backend that cannot be reached is a
// dependency failure (503), and anything else is ours (500).
func httpStatusForError(err error) int {
	var invalidState *vision.InvalidStateError
	var initErr *vision.InitializationError
	switch {
	case errors.As(err, &invalidState):
		return http.StatusConflict
	case errors.As(err, &initErr):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handlePipeline dispatches POST /api/pipeline/{start,pause,resume,stop,reset}.
func (s *Server) handlePipeline(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	action := strings.TrimPrefix(r.URL.Path, "/api/pipeline/")

	var err error
	var sessionID string
	switch action {
	case "start":
		// Sessions must survive past this request, so they run under the
		// daemon context rather than r.Context().
		sessionID, err = s.manager.Start(s.runCtx)
	case "pause":
		err = s.manager.Pause()
	case "resume":
		err = s.manager.Resume()
	case "stop":
		err = s.manager.Stop()
	case "reset":
		err = s.manager.Reset()
	default:
		s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("Unknown pipeline action %q", action))
		return
	}

	if err != nil {
		s.writeJSONError(w, httpStatusForError(err), err.Error())
		return
	}

	resp := map[string]string{"state": s.manager.State().String()}
	if sessionID != "" {
		resp["session_id"] = sessionID
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write pipeline response")
		return
	}
}

// parseDisplay parses a "WxH" display size such as "1920x1080".
func parseDisplay(raw string) (int, int, error) {
	parts := strings.SplitN(raw, "x", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("display must be WxH, got %q", raw)
	}
	w, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("bad display width %q", parts[0])
	}
	h, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("bad display height %q", parts[1])
	}
	return w, h, nil
}

func (s *Server) showDetections(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	published := s.manager.Published()
	modelW, modelH := s.manager.ModelResolution()
	nativeW, nativeH := s.manager.NativeResolution()

	batch := published.Batch
	mapped := false
	if display := r.URL.Query().Get("display"); display != "" {
		dw, dh, err := parseDisplay(display)
		if err != nil {
			s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid 'display' parameter: %v", err))
			return
		}
		batch, err = vision.MapBatch(batch, modelW, modelH, dw, dh)
		if err != nil {
			s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Cannot map to display space: %v", err))
			return
		}
		mapped = true
	}

	resp := map[string]interface{}{
		"seq":   published.Seq,
		"batch": batch,
		"model_resolution": map[string]int{
			"width":  modelW,
			"height": modelH,
		},
		"native_resolution": map[string]int{
			"width":  nativeW,
			"height": nativeH,
		},
		"display_mapped": mapped,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write detections")
		return
	}
}

func (s *Server) showStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if err := json.NewEncoder(w).Encode(s.manager.Stats()); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write stats")
		return
	}
}

func (s *Server) runExport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	doc, path, err := s.manager.Export()
	if err != nil {
		s.writeJSONError(w, httpStatusForError(err), err.Error())
		return
	}

	resp := map[string]interface{}{
		"file":     filepath.Base(path),
		"path":     path,
		"document": doc,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write export response")
		return
	}
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	cfg := map[string]interface{}{
		"state":                  s.manager.State().String(),
		"tick_rate_hz":           s.tuning.GetTickRateHz(),
		"failure_warn_threshold": s.tuning.GetFailureWarnThreshold(),
		"infer_timeout":          s.tuning.GetInferTimeout().String(),
		"source_fps_cap":         s.tuning.GetSourceFPSCap(),
		"min_confidence":         s.tuning.GetMinConfidence(),
		"feed_buffer_size":       s.tuning.GetFeedBufferSize(),
		"feed_stats_interval":    s.tuning.GetFeedStatsInterval().String(),
		"export_dir":             s.tuning.GetExportDir(),
		"preview_max_width":      s.tuning.GetPreviewMaxWidth(),
		"plot_on_stop":           s.tuning.GetPlotOnStop(),
	}
	if meta, ok := s.manager.SessionMeta(); ok {
		cfg["session_id"] = meta.ID
		cfg["source"] = meta.SourceLabel
	}

	if err := json.NewEncoder(w).Encode(cfg); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write config")
		return
	}
}

func (s *Server) showHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"state":  s.manager.State().String(),
	})
}
