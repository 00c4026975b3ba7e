// It defines the API server, sets up the routes (endpoints)
// using chi, and links them to the handler functions.

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vrsandeep/streamdl/internal/core"
	"github.com/vrsandeep/streamdl/internal/metrics"
	"github.com/vrsandeep/streamdl/internal/websocket"
)

// Server holds the dependencies for our API.
type Server struct {
	app *core.App
}

// NewServer creates a new Server instance.
func NewServer(app *core.App) *Server {
	metrics.Register()
	return &Server{app: app}
}

// Router sets up and returns the main router for the application.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)    // Logs requests to the console
	r.Use(middleware.Recoverer) // Recovers from panics

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			if err := s.app.DB().Ping(); err != nil {
				RespondWithError(w, http.StatusServiceUnavailable, "Database connection failed")
				return
			}
			RespondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Group(func(r chi.Router) {
			r.Use(s.TokenMiddleware)
			r.Use(middleware.Timeout(60 * time.Second))

			r.Get("/version", s.handleGetVersion)
			r.Get("/sources", s.handleListSources)

			// Download Routes
			r.Post("/downloads", s.handleEnqueueDownload)
			r.Get("/downloads", s.handleGetDownloadQueue)
			r.Post("/downloads/action", s.handleQueueAction)
			r.Get("/downloads/{itemID}", s.handleGetDownload)
			r.Delete("/downloads/{itemID}", s.handleDeleteDownload)
			r.Post("/downloads/{itemID}/action", s.handleQueueItemAction)
			r.Get("/downloads/{itemID}/artwork", s.handleGetArtwork)

			// Storage and Settings
			r.Get("/storage", s.handleGetStorage)
			r.Get("/settings", s.handleGetSettings)
			r.Put("/settings/concurrency", s.handleSetConcurrency)
			r.Put("/settings/cleanup", s.handleSetCleanupPolicy)
			r.Put("/settings/network", s.handleSetNetwork)

			// Job Triggers
			r.Get("/jobs/status", s.handleGetJobsStatus)
			r.Post("/jobs/run", s.handleRunJob)
		})
	})

	// WebSocket route
	r.With(s.TokenMiddleware).Get("/ws/downloads", func(w http.ResponseWriter, r *http.Request) {
		websocket.ServeWs(s.app.WsHub(), w, r)
	})

	return r
}
