// Package review exposes the human-review HTTP API: browsing applications,
// listing messages flagged for review, correcting extractions, and re-running
// consensus selection.
package review

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/inboxpilot/jobtrack/internal/store"
	"github.com/inboxpilot/jobtrack/internal/tracker"
)

// Server serves the review API over a store.
type Server struct {
	store   store.Store
	tracker *tracker.Tracker
}

func NewServer(s store.Store) *Server {
	return &Server{store: s, tracker: tracker.New(s)}
}

// Router builds the chi handler with CORS for browser-based review tools.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/applications", s.handleListApplications)
		r.Get("/applications/{id}", s.handleGetApplication)
		r.Get("/review", s.handleListReview)
		r.Post("/review/{messageID}/flag", s.handleSetReview(true))
		r.Post("/review/{messageID}/clear", s.handleSetReview(false))
		r.Post("/review/{messageID}/correct", s.handleCorrect)
		r.Post("/review/{messageID}/reselect", s.handleReselect)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("review: encode response", zap.Error(err))
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
