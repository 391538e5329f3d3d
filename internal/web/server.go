package web

import (
	"context"
	"io/fs"
	"log"
	"net/http"
	"time"

	"github.com/cjeanneret/TouchCam/internal/debug"
)

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	handlers *Handlers
}

// Options holds the server dependencies.
type Options struct {
	Broadcaster     *StatusBroadcaster // nil disables the status stream
	Control         Controller
	Frames          FrameSource // nil disables the preview routes
	Quality         int         // preview JPEG quality
	PreviewInterval time.Duration
}

// NewServer creates a server configured for the given address and dependencies.
func NewServer(addr string, opts Options) *Server {
	subFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		log.Fatalf("web: failed to sub static fs: %v", err)
	}

	handlers := NewHandlers(opts.Broadcaster, opts.Control, opts.Frames, opts.Quality, opts.PreviewInterval, subFS)

	return &Server{
		addr:     addr,
		handlers: handlers,
	}
}

// Mux returns an http.Handler with all routes registered.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /state", s.handlers.HandleState)
	mux.HandleFunc("GET /config", s.handlers.HandleConfig)
	mux.HandleFunc("POST /shoot", s.handlers.HandleShoot)
	mux.HandleFunc("POST /exposure", s.handlers.HandleExposure)
	mux.HandleFunc("GET /preview.jpg", s.handlers.HandlePreviewJPEG)
	mux.HandleFunc("GET /ws/preview", s.handlers.HandlePreviewWS)
	mux.HandleFunc("GET /status/stream", s.handlers.HandleStatusStream)
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(s.handlers.staticFS))))
	mux.HandleFunc("GET /{$}", s.handlers.ServeIndex) // exact match for root only

	return mux
}

// Run starts the server and blocks until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Mux()}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("web server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		// Event streams and preview sockets only end when their clients go.
		if b := s.handlers.Broadcaster; b != nil {
			debug.Verbose("web: closing %d status streams", b.Subscribers())
			b.Close()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return srv.Close()
		}
		return nil
	}
}
