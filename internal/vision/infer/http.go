package infer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/jpeg"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/banshee-data/vision.report/internal/httputil"
	"github.com/banshee-data/vision.report/internal/monitoring"
	"github.com/banshee-data/vision.report/internal/vision"
)

const (
	modelInfoPath = "/v1/model"
	detectPath    = "/v1/detect"

	// jpegQuality trades bandwidth for detail on the wire to the model
	// server. 80 keeps small objects recognisable without multi-hundred-KB
	// frames.
	jpegQuality = 80
)

// Config configures the HTTP inference client.
type Config struct {
	// BaseURL is the model server root, e.g. "http://localhost:8580".
	BaseURL string

	// Labels resolves class IDs in responses. Optional: without it every
	// class renders as "class_<id>".
	Labels *Labels

	// Timeout bounds each Detect round-trip. Zero applies no per-call
	// ceiling beyond the caller's context.
	Timeout time.Duration

	// HTTP is the transport. Nil uses a standard client; tests inject
	// httputil.MockHTTPClient.
	HTTP httputil.HTTPClient
}

// HTTP is an InferenceClient backed by an external model server speaking
// JSON over HTTP. The server is probed once at construction so a dead or
// misconfigured backend fails the session before any frames are submitted.
type HTTP struct {
	base    string
	labels  *Labels
	timeout time.Duration
	client  httputil.HTTPClient

	modelName string
	modelW    int
	modelH    int

	disposed atomic.Bool
}

// modelInfo is the server's GET /v1/model response.
type modelInfo struct {
	Name        string `json:"name"`
	InputWidth  int    `json:"input_width"`
	InputHeight int    `json:"input_height"`
	Classes     int    `json:"classes"`
}

// detectResponse is the server's POST /v1/detect response. Boxes are
// centre-anchored in the model's input coordinate space.
type detectResponse struct {
	Detections []struct {
		X          float64 `json:"x"`
		Y          float64 `json:"y"`
		W          float64 `json:"w"`
		H          float64 `json:"h"`
		Confidence float64 `json:"confidence"`
		ClassID    int     `json:"class_id"`
	} `json:"detections"`
}

// NewHTTP probes the model server and returns a ready client. The error from
// a failed probe is suitable for wrapping as a session initialisation
// failure.
func NewHTTP(cfg Config) (*HTTP, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		return nil, fmt.Errorf("model server URL not configured")
	}
	client := cfg.HTTP
	if client == nil {
		client = httputil.NewStandardClient(&http.Client{})
	}
	h := &HTTP{
		base:    base,
		labels:  cfg.Labels,
		timeout: cfg.Timeout,
		client:  client,
	}
	if err := h.probe(); err != nil {
		return nil, err
	}
	return h, nil
}

// probe fetches the model's declared input size. A backend that cannot
// answer this cannot serve detections either.
func (h *HTTP) probe() error {
	resp, err := h.client.Get(h.base + modelInfoPath)
	if err != nil {
		return fmt.Errorf("model server unreachable at %s: %w", h.base, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model server probe returned %d", resp.StatusCode)
	}
	var info modelInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return fmt.Errorf("model server probe: %w", err)
	}
	if info.InputWidth <= 0 || info.InputHeight <= 0 {
		return fmt.Errorf("model server reported invalid input size %dx%d", info.InputWidth, info.InputHeight)
	}
	h.modelName = info.Name
	h.modelW = info.InputWidth
	h.modelH = info.InputHeight
	monitoring.Logf("inference backend %q ready: input %dx%d, %d classes", info.Name, info.InputWidth, info.InputHeight, info.Classes)
	return nil
}

// Detect JPEG-encodes the frame, posts it to the model server and decodes
// the response into a batch. Class IDs are resolved through the label map.
func (h *HTTP) Detect(ctx context.Context, frame *vision.Frame) (vision.DetectionBatch, error) {
	if h.disposed.Load() {
		return vision.DetectionBatch{}, fmt.Errorf("inference client disposed")
	}
	if frame == nil || frame.Image == nil {
		return vision.DetectionBatch{}, fmt.Errorf("no frame image")
	}
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame.Image, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return vision.DetectionBatch{}, fmt.Errorf("encode frame %d: %w", frame.Index, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.base+detectPath, &buf)
	if err != nil {
		return vision.DetectionBatch{}, fmt.Errorf("build detect request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := h.client.Do(req)
	if err != nil {
		return vision.DetectionBatch{}, fmt.Errorf("model server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return vision.DetectionBatch{}, fmt.Errorf("model server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var out detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return vision.DetectionBatch{}, fmt.Errorf("decode detect response: %w", err)
	}

	batch := vision.DetectionBatch{
		Detections: make([]vision.Detection, 0, len(out.Detections)),
	}
	for _, d := range out.Detections {
		batch.Detections = append(batch.Detections, vision.Detection{
			X:          d.X,
			Y:          d.Y,
			W:          d.W,
			H:          d.H,
			Confidence: d.Confidence,
			Class:      h.labels.Name(d.ClassID),
		})
	}
	return batch, nil
}

// ModelResolution returns the input size the server declared at probe time.
func (h *HTTP) ModelResolution() (int, int) {
	return h.modelW, h.modelH
}

// ModelName returns the server's declared model name, for status surfaces.
func (h *HTTP) ModelName() string {
	return h.modelName
}

// Dispose closes idle connections and marks the client unusable. Safe to
// call more than once.
func (h *HTTP) Dispose() error {
	if h.disposed.Swap(true) {
		return nil
	}
	if c, ok := h.client.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}
	return nil
}
