// Package app wires adapters into a running server: routing, background
// coordination, feed polling and readiness.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/podscribe/internal/adapter/httpserver"
	"github.com/fairyhunter13/podscribe/internal/adapter/observability"
	"github.com/fairyhunter13/podscribe/internal/config"
	"github.com/fairyhunter13/podscribe/internal/domain"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. Empty input means all origins.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, nodeH *httpserver.NodeHandlers, adminH *httpserver.AdminHandlers, nodeRepo domain.NodeRepository, ready *Readiness) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Node protocol. Registration is the only unauthenticated entry point,
	// so it gets its own per-IP rate limit.
	r.Route("/api/v1/nodes", func(nr chi.Router) {
		nr.Group(func(gr chi.Router) {
			gr.Use(httprate.LimitByIP(cfg.RegisterRatePerMin, time.Minute))
			gr.Post("/register", nodeH.Register)
		})
		nr.Group(func(gr chi.Router) {
			gr.Use(httpserver.NodeAuth(nodeRepo))
			gr.Post("/heartbeat", nodeH.Heartbeat)
			gr.Post("/claim", nodeH.Claim)
			gr.Delete("/self", nodeH.Unregister)
			gr.Route("/jobs/{id}", func(jr chi.Router) {
				jr.Get("/audio", nodeH.Audio)
				jr.Post("/progress", nodeH.Progress)
				jr.Post("/complete", nodeH.Complete)
				jr.Post("/fail", nodeH.Fail)
				jr.Post("/release", nodeH.Release)
			})
		})
	})

	// Admin API. Audio uploads and whisper runs never flow through here, so
	// a short request timeout is safe.
	r.Route("/admin/v1", func(ar chi.Router) {
		ar.Use(httpserver.TimeoutMiddleware(30 * time.Second))
		ar.Use(httpserver.AdminAuth(cfg.AdminUsername, cfg.AdminPasswordHash))
		ar.Post("/feeds", adminH.AddFeed)
		ar.Get("/feeds", adminH.ListFeeds)
		ar.Get("/feeds/{id}", adminH.GetFeed)
		ar.Delete("/feeds/{id}", adminH.DeleteFeed)
		ar.Post("/feeds/{id}/poll", adminH.PollFeed)
		ar.Get("/feeds/{id}/episodes", adminH.ListEpisodes)
		ar.Post("/episodes/{id}/download", adminH.DownloadEpisode)
		ar.Post("/episodes/{id}/transcribe", adminH.TranscribeEpisode)
		ar.Get("/jobs", adminH.ListJobs)
		ar.Get("/jobs/stats", adminH.JobStats)
		ar.Post("/jobs/reset-stuck", adminH.ResetStuckJobs)
		ar.Get("/jobs/{id}", adminH.GetJob)
		ar.Post("/jobs/{id}/retry", adminH.RetryJob)
		ar.Delete("/jobs/{id}", adminH.CancelJob)
		ar.Get("/nodes", adminH.ListNodes)
		ar.Delete("/nodes/{id}", adminH.DeleteNode)
		ar.Get("/search", adminH.SearchTranscripts)
		ar.Post("/backup", adminH.CreateBackup)
	})

	// Health and metrics
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", ready.Handler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
