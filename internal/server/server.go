// Package server exposes an editor session over HTTP for previews and
// scripted undo/redo.
package server

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/MeKo-Tech/pixelstack/internal/blend"
	"github.com/MeKo-Tech/pixelstack/internal/editor"
	"github.com/MeKo-Tech/pixelstack/internal/history"
	"github.com/MeKo-Tech/pixelstack/internal/layer"
	"github.com/MeKo-Tech/pixelstack/internal/metrics"
	"github.com/MeKo-Tech/pixelstack/internal/preview"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
)

// Config configures the preview server.
type Config struct {
	Addr         string
	CacheControl string
	// ThumbnailSize is the default longest side of /thumbnail.png.
	ThumbnailSize int
	// Checker is the checkerboard cell size used behind transparent pixels;
	// zero serves the raw frame.
	Checker int
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		Addr:          "127.0.0.1:8080",
		CacheControl:  "no-store",
		ThumbnailSize: 128,
		Checker:       8,
	}
}

// Server serves one editor session.
type Server struct {
	ed  *editor.Editor
	cfg Config
}

// New creates a server for ed.
func New(ed *editor.Editor, cfg Config) *Server {
	if cfg.CacheControl == "" {
		cfg.CacheControl = "no-store"
	}
	if cfg.ThumbnailSize <= 0 {
		cfg.ThumbnailSize = 128
	}
	return &Server{ed: ed, cfg: cfg}
}

func (s *Server) log() *slog.Logger {
	if s.cfg.Logger != nil {
		return s.cfg.Logger
	}
	return slog.Default()
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(withCORS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/composite.png", s.handleComposite)
	r.Get("/thumbnail.png", s.handleThumbnail)
	r.Get("/status", s.handleStatus)

	r.Route("/layers", func(r chi.Router) {
		r.Get("/", s.handleLayers)
		r.Patch("/{id}", s.handleUpdateLayer)
	})

	r.Route("/history", func(r chi.Router) {
		r.Get("/", s.handleHistory)
		r.Post("/undo", s.handleStep(s.ed.Undo))
		r.Post("/redo", s.handleStep(s.ed.Redo))
	})

	if s.cfg.Metrics != nil {
		r.Handle("/metrics", s.cfg.Metrics.Handler())
	}
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Addr, Handler: s.Routes(), ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log().Info("preview server listening", "addr", s.cfg.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleComposite(w http.ResponseWriter, r *http.Request) {
	frame := s.ed.Frame()
	if frame == nil {
		http.Error(w, "no frame rendered yet", http.StatusServiceUnavailable)
		return
	}
	cell := s.cfg.Checker
	if v := r.URL.Query().Get("checker"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid checker size", http.StatusBadRequest)
			return
		}
		cell = n
	}
	if cell > 0 {
		frame = preview.Flatten(frame, cell)
	}
	s.writePNG(w, frame)
}

func (s *Server) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	size := s.cfg.ThumbnailSize
	if v := r.URL.Query().Get("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 4096 {
			http.Error(w, "invalid thumbnail size", http.StatusBadRequest)
			return
		}
		size = n
	}
	frame := s.ed.Frame()
	if frame == nil {
		http.Error(w, "no frame rendered yet", http.StatusServiceUnavailable)
		return
	}
	thumb, err := preview.Thumbnail(frame, size)
	if err != nil {
		s.log().Error("thumbnail failed", "error", err)
		http.Error(w, "thumbnail failed", http.StatusInternalServerError)
		return
	}
	s.writePNG(w, thumb)
}

func (s *Server) writePNG(w http.ResponseWriter, img image.Image) {
	w.Header().Set("Cache-Control", s.cfg.CacheControl)
	w.Header().Set("Content-Type", "image/png")
	if err := preview.WritePNG(w, img); err != nil {
		s.log().Error("failed to write png", "error", err)
	}
}

type layerView struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Index      int        `json:"index"`
	Visible    bool       `json:"visible"`
	Locked     bool       `json:"locked"`
	Opacity    float64    `json:"opacity"`
	BlendMode  blend.Mode `json:"blend_mode"`
	Background *colorView `json:"background,omitempty"`
	Bounds     string     `json:"bounds"`
	Active     bool       `json:"active"`
}

type colorView struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
	A uint8 `json:"a"`
}

func (c *colorView) nrgba() *color.NRGBA {
	if c == nil {
		return nil
	}
	return &color.NRGBA{R: c.R, G: c.G, B: c.B, A: c.A}
}

func (s *Server) handleLayers(w http.ResponseWriter, r *http.Request) {
	store := s.ed.Store()
	active := store.ActiveID()
	infos := store.Layers()

	out := make([]layerView, 0, len(infos))
	for _, l := range infos {
		v := layerView{
			ID:        l.ID,
			Name:      l.Name,
			Index:     l.Index,
			Visible:   l.Visible,
			Locked:    l.Locked,
			Opacity:   l.Opacity,
			BlendMode: l.BlendMode,
			Bounds:    l.Bounds.String(),
			Active:    l.ID == active,
		}
		if bg := l.Background; bg != nil {
			v.Background = &colorView{R: bg.R, G: bg.G, B: bg.B, A: bg.A}
		}
		out = append(out, v)
	}
	render.JSON(w, r, out)
}

// UpdateLayerRequest is the body of PATCH /layers/{id}. Absent fields are
// left unchanged.
type UpdateLayerRequest struct {
	Name            *string     `json:"name"`
	Visible         *bool       `json:"visible"`
	Locked          *bool       `json:"locked"`
	Opacity         *float64    `json:"opacity"`
	BlendMode       *blend.Mode `json:"blend_mode"`
	Background      *colorView  `json:"background"`
	ClearBackground bool        `json:"clear_background"`
	Active          bool        `json:"active"`
}

func (s *Server) handleUpdateLayer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req UpdateLayerRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	err := s.ed.Apply(r.Context(), func(store *layer.Store) error {
		err := store.UpdateLayer(id, layer.Update{
			Name:            req.Name,
			Visible:         req.Visible,
			Locked:          req.Locked,
			Opacity:         req.Opacity,
			BlendMode:       req.BlendMode,
			Background:      req.Background.nrgba(),
			ClearBackground: req.ClearBackground,
		})
		if err != nil || !req.Active {
			return err
		}
		return store.SetActiveLayer(id)
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	info, err := s.ed.Store().Get(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	render.JSON(w, r, map[string]any{"id": info.ID, "opacity": info.Opacity, "blend_mode": info.BlendMode})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, s.ed.History().State())
}

func (s *Server) handleStep(step func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := step(r.Context()); err != nil {
			s.writeError(w, err)
			return
		}
		render.JSON(w, r, s.ed.History().State())
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	blendPool, codecPool := s.ed.Status()
	render.JSON(w, r, map[string]any{
		"blend_pool": blendPool,
		"codec_pool": codecPool,
		"history":    s.ed.History().State(),
		"layers":     s.ed.Store().Len(),
	})
}

// writeError maps editor errors to status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, layer.ErrLayerNotFound):
		status = http.StatusNotFound
	case errors.Is(err, history.ErrNothingToUndo), errors.Is(err, history.ErrNothingToRedo),
		errors.Is(err, layer.ErrLayerLocked):
		status = http.StatusConflict
	case errors.Is(err, history.ErrHistoryEntryLost):
		status = http.StatusGone
	}
	if status == http.StatusInternalServerError {
		s.log().Error("request failed", "error", err)
	}
	http.Error(w, err.Error(), status)
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
