package api

import (
	"net/http"

	mw "github.com/coralnet/visionbackend/internal/api/middleware"
	"github.com/coralnet/visionbackend/internal/api/response"
	"github.com/go-chi/chi/v5"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler  http.HandlerFunc
	MetricsHandler http.Handler

	DeployHandler       http.HandlerFunc
	DeployStatusHandler http.HandlerFunc
	DeployResultHandler http.HandlerFunc

	JobDashboardHandler  http.HandlerFunc
	SourceClassifiers    http.HandlerFunc
	ClassifierEvaluation http.HandlerFunc
	ListApiJobsHandler   http.HandlerFunc
	GetApiJobHandler     http.HandlerFunc
	CreateKeyHandler     http.HandlerFunc
	ListKeysHandler      http.HandlerFunc
	RevokeKeyHandler     http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/deploy/{classifierID}", orNotImplemented(deps.DeployHandler))
		r.Get("/api/v1/deploy/{jobID}/status", orNotImplemented(deps.DeployStatusHandler))
		r.Get("/api/v1/deploy/{jobID}/result", orNotImplemented(deps.DeployResultHandler))

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(mw.ScopeAdmin))

			r.Get("/api/v1/jobs", orNotImplemented(deps.JobDashboardHandler))
			r.Get("/api/v1/sources/{sourceID}/classifiers", orNotImplemented(deps.SourceClassifiers))
			r.Get("/api/v1/classifiers/{classifierID}/evaluation", orNotImplemented(deps.ClassifierEvaluation))

			r.Get("/api/v1/admin/api-jobs", orNotImplemented(deps.ListApiJobsHandler))
			r.Get("/api/v1/admin/api-jobs/{jobID}", orNotImplemented(deps.GetApiJobHandler))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, response.CodeNotImplemented, "Endpoint not yet implemented", nil)
	}
}
