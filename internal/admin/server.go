package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/digkill/ghiblit/internal/models"
	"github.com/digkill/ghiblit/internal/payment"
)

type GalleryCache interface {
	Snapshot() ([]models.GalleryImage, time.Time)
	ForceRefresh(ctx context.Context, limit int) ([]models.GalleryImage, error)
	Remove(id int64) bool
	Invalidate()
}

type Watches interface {
	Active() []payment.WatchInfo
}

// CheckoutLog lists journaled checkouts. It is only available with a database.
type CheckoutLog interface {
	ListRecent(ctx context.Context, limit int) ([]models.CheckoutRecord, error)
}

const defaultCheckoutsLimit = 50

type Server struct {
	addr         string
	username     string
	password     string
	log          *slog.Logger
	gallery      GalleryCache
	galleryLimit int
	watches      Watches
	checkouts    CheckoutLog
	router       *chi.Mux
}

func NewServer(addr, username, password string, log *slog.Logger, gallery GalleryCache, galleryLimit int, watches Watches) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s := &Server{
		addr:         addr,
		username:     username,
		password:     password,
		log:          log,
		gallery:      gallery,
		galleryLimit: galleryLimit,
		watches:      watches,
		router:       r,
	}
	r.Get("/healthz", s.handleHealth)
	r.Group(func(protected chi.Router) {
		protected.Use(s.basicAuthMiddleware())
		protected.Route("/gallery", func(r chi.Router) {
			r.Get("/", s.handleGallery)
			r.Post("/refresh", s.handleGalleryRefresh)
			r.Delete("/", s.handleGalleryInvalidate)
			r.Delete("/{id}", s.handleGalleryRemove)
		})
		protected.Get("/payments/watches", s.handleWatches)
		protected.Get("/payments/checkouts", s.handleCheckouts)
	})
	return s
}

// SetCheckoutLog enables GET /payments/checkouts.
func (s *Server) SetCheckoutLog(log CheckoutLog) {
	s.checkouts = log
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("status server shutdown error", "err", err)
		}
	}()

	s.log.Info("status server listening", "addr", s.addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status server listen: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type galleryResponse struct {
	FetchedAt *time.Time            `json:"fetched_at"`
	Count     int                   `json:"count"`
	Images    []models.GalleryImage `json:"images"`
}

func newGalleryResponse(images []models.GalleryImage, fetchedAt time.Time) galleryResponse {
	resp := galleryResponse{Count: len(images), Images: images}
	if !fetchedAt.IsZero() {
		resp.FetchedAt = &fetchedAt
	}
	return resp
}

func (s *Server) handleGallery(w http.ResponseWriter, _ *http.Request) {
	images, fetchedAt := s.gallery.Snapshot()
	s.writeJSON(w, http.StatusOK, newGalleryResponse(images, fetchedAt))
}

func (s *Server) handleGalleryRefresh(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, s.galleryLimit)
	if err != nil {
		s.badRequest(w, err)
		return
	}

	images, err := s.gallery.ForceRefresh(r.Context(), limit)
	if err != nil {
		s.log.Error("gallery refresh", "err", err)
		http.Error(w, "gallery refresh failed", http.StatusBadGateway)
		return
	}
	_, fetchedAt := s.gallery.Snapshot()
	s.writeJSON(w, http.StatusOK, newGalleryResponse(images, fetchedAt))
}

func (s *Server) handleGalleryInvalidate(w http.ResponseWriter, _ *http.Request) {
	s.gallery.Invalidate()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGalleryRemove(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		s.badRequest(w, err)
		return
	}
	if !s.gallery.Remove(id) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWatches(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.watches.Active())
}

func (s *Server) handleCheckouts(w http.ResponseWriter, r *http.Request) {
	if s.checkouts == nil {
		http.Error(w, "checkout journal disabled", http.StatusNotFound)
		return
	}
	limit, err := queryLimit(r, defaultCheckoutsLimit)
	if err != nil {
		s.badRequest(w, err)
		return
	}
	records, err := s.checkouts.ListRecent(r.Context(), limit)
	if err != nil {
		s.log.Error("list checkouts", "err", err)
		http.Error(w, "list checkouts failed", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []models.CheckoutRecord{}
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) basicAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || user != s.username || pass != s.password {
				w.Header().Set("WWW-Authenticate", `Basic realm="ghiblit"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) badRequest(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), http.StatusBadRequest)
}

func queryLimit(r *http.Request, fallback int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return n, nil
}

func parseID(value string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(value), 10, 64)
}
