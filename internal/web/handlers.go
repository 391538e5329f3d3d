package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cjeanneret/TouchCam/internal/debug"
	"github.com/cjeanneret/TouchCam/internal/hw/camera"
	"github.com/cjeanneret/TouchCam/internal/ui"
)

// Controller is the part of the UI loop the web server drives.
type Controller interface {
	Snapshot() ui.State
	Shoot(ctx context.Context) error
	SetExposure(ctx context.Context, shutter, iso int) error
	Tables() (shutters, isos []int)
}

// FrameSource is the preview frame buffer.
type FrameSource interface {
	Read(dst []byte) ([]byte, uint64)
	Seq() uint64
	Dimensions() (width, height int)
}

// ExposureRequest is the body of POST /exposure.
type ExposureRequest struct {
	Shutter int `json:"shutter"`
	ISO     int `json:"iso"`
}

// TablesResponse is the body of GET /config.
type TablesResponse struct {
	ShutterSpeeds []int `json:"shutter_speeds"`
	ISOs          []int `json:"isos"`
}

// ValidateExposure checks a request against the step tables.
func ValidateExposure(req ExposureRequest, shutters, isos []int) error {
	if !slices.Contains(shutters, req.Shutter) {
		return fmt.Errorf("shutter must be one of %v", shutters)
	}
	if !slices.Contains(isos, req.ISO) {
		return fmt.Errorf("iso must be one of %v", isos)
	}
	return nil
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster     *StatusBroadcaster
	Control         Controller
	PreviewInterval time.Duration
	staticFS        fs.FS
	previews        *previewCache
	upgrader        websocket.Upgrader
}

// NewHandlers creates handlers with the given dependencies.
// If control is nil, camera routes return 503 Service Unavailable; if
// frames is nil, so do the preview routes, and if broadcaster is nil, so
// does the status stream.
func NewHandlers(broadcaster *StatusBroadcaster, control Controller, frames FrameSource, quality int, previewInterval time.Duration, staticFS fs.FS) *Handlers {
	if previewInterval <= 0 {
		previewInterval = 100 * time.Millisecond
	}
	var cache *previewCache
	if frames != nil {
		cache = &previewCache{frames: frames, quality: quality}
	}
	return &Handlers{
		Broadcaster:     broadcaster,
		Control:         control,
		PreviewInterval: previewInterval,
		staticFS:        staticFS,
		previews:        cache,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// available writes 503 when no controller is wired.
func (h *Handlers) available(w http.ResponseWriter) bool {
	if h.Control == nil {
		http.Error(w, "camera not available", http.StatusServiceUnavailable)
		return false
	}
	return true
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleState returns the UI state as JSON.
func (h *Handlers) HandleState(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	writeJSON(w, http.StatusOK, h.Control.Snapshot())
}

// HandleConfig returns the exposure step tables as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	shutters, isos := h.Control.Tables()
	writeJSON(w, http.StatusOK, TablesResponse{ShutterSpeeds: shutters, ISOs: isos})
}

// HandleShoot handles POST /shoot to start a capture.
func (h *Handlers) HandleShoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.available(w) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	switch err := h.Control.Shoot(ctx); {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
	case errors.Is(err, ui.ErrBusy):
		http.Error(w, "capture already in progress", http.StatusConflict)
	case errors.Is(err, ui.ErrClosed):
		http.Error(w, "camera closed", http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleExposure handles POST /exposure with {"shutter":125,"iso":400}.
func (h *Handlers) HandleExposure(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.available(w) {
		return
	}

	var req ExposureRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	shutters, isos := h.Control.Tables()
	if err := ValidateExposure(req, shutters, isos); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	switch err := h.Control.SetExposure(ctx, req.Shutter, req.ISO); {
	case err == nil:
		writeJSON(w, http.StatusOK, h.Control.Snapshot())
	case errors.Is(err, ui.ErrBusy):
		http.Error(w, "capture in progress", http.StatusConflict)
	case errors.Is(err, ui.ErrClosed):
		http.Error(w, "camera closed", http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandlePreviewJPEG serves the current preview frame as a JPEG.
func (h *Handlers) HandlePreviewJPEG(w http.ResponseWriter, r *http.Request) {
	if h.previews == nil {
		http.Error(w, "preview not available", http.StatusServiceUnavailable)
		return
	}
	data, seq, err := h.previews.latest()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if seq == 0 {
		http.Error(w, "no frame yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Seq", fmt.Sprint(seq))
	w.Write(data)
}

// HandlePreviewWS streams preview frames as binary JPEG websocket
// messages, at most one per PreviewInterval and only when the frame changed.
func (h *Handlers) HandlePreviewWS(w http.ResponseWriter, r *http.Request) {
	if h.previews == nil {
		http.Error(w, "preview not available", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		debug.Verbose("websocket upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	defer conn.Close()
	debug.Verbose("Preview websocket opened by %s", r.RemoteAddr)

	// Reader: drains control frames and notices the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.PreviewInterval)
	defer ticker.Stop()
	var sent uint64
	for {
		select {
		case <-gone:
			debug.Verbose("Preview websocket closed by %s", r.RemoteAddr)
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			data, seq, err := h.previews.latest()
			if err != nil {
				debug.Errorf("preview encode: %v", err)
				continue
			}
			if seq == 0 || seq == sent {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				debug.Verbose("preview websocket write: %v", err)
				return
			}
			sent = seq
		}
	}
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	if h.Broadcaster == nil {
		http.Error(w, "status stream not available", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	// Send initial comment to establish connection
	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// previewCache encodes each preview frame at most once, however many
// clients ask for it.
type previewCache struct {
	frames  FrameSource
	quality int

	mu   sync.Mutex
	seq  uint64
	jpeg []byte
	rgb  []byte
}

func (c *previewCache) latest() ([]byte, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if seq := c.frames.Seq(); seq == 0 || seq == c.seq {
		return c.jpeg, c.seq, nil
	}
	var seq uint64
	c.rgb, seq = c.frames.Read(c.rgb)

	w, h := c.frames.Dimensions()
	data, err := camera.EncodeJPEG(camera.Frame{Data: c.rgb, Width: w, Height: h, Format: camera.FormatRGB24}, c.quality)
	if err != nil {
		return nil, 0, err
	}
	c.seq, c.jpeg = seq, data
	return data, seq, nil
}
