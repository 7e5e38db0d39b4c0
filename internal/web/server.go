package web

import (
	"context"
	"io/fs"
	"log"
	"net/http"
	"time"

	"github.com/cjeanneret/MountGo/internal/logic/motion"
)

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	handlers *Handlers
}

// NewServer creates a server for the mount on addr.
func NewServer(addr string, broadcaster *StatusBroadcaster, m *motion.Mount, runner Runner, site SiteInfo) *Server {
	subFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		log.Fatalf("web: failed to sub static fs: %v", err)
	}

	handlers := NewHandlers(broadcaster, m, runner, site, subFS)

	return &Server{
		addr:     addr,
		handlers: handlers,
	}
}

// Handlers returns the request handlers, for status publishing.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Mux returns an http.Handler with all routes registered.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()
	h := s.handlers

	mux.HandleFunc("GET /config", h.HandleConfig)
	mux.HandleFunc("GET /status", h.HandleStatus)
	mux.HandleFunc("GET /status/stream", h.HandleStatusStream)

	mux.HandleFunc("POST /goto", h.HandleGoto)
	mux.HandleFunc("POST /stop", h.HandleStop)
	mux.HandleFunc("POST /resume", h.HandleResume)
	mux.HandleFunc("POST /home", h.HandleHome)
	mux.HandleFunc("POST /home/reset", h.HandleReset)
	mux.HandleFunc("POST /tracking", h.HandleTracking)
	mux.HandleFunc("POST /enable", h.HandleEnable)
	mux.HandleFunc("POST /slew", h.HandleSlew)
	mux.HandleFunc("POST /park", h.HandlePark)
	mux.HandleFunc("POST /unpark", h.HandleUnpark)
	mux.HandleFunc("GET /settings", h.HandleGetSettings)
	mux.HandleFunc("PUT /settings", h.HandlePutSettings)
	mux.HandleFunc("PUT /axis/limits", h.HandleAxisLimits)
	mux.HandleFunc("POST /align/start", h.HandleAlignStart)
	mux.HandleFunc("POST /align/accept", h.HandleAlignAccept)

	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(h.staticFS))))
	mux.HandleFunc("GET /{$}", h.ServeIndex) // exact match for root only

	return mux
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	log.Printf("web server listening on %s", s.addr)
	return http.ListenAndServe(s.addr, s.Mux())
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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
