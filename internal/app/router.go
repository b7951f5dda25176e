package app

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/odyssey-erp/odyssey-crm/internal/authz"
	"github.com/odyssey-erp/odyssey-crm/internal/guard"
	"github.com/odyssey-erp/odyssey-crm/internal/observability"
	"github.com/odyssey-erp/odyssey-crm/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-crm/internal/roles"
	"github.com/odyssey-erp/odyssey-crm/internal/shared"
	"github.com/odyssey-erp/odyssey-crm/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	SessionManager *shared.SessionManager
	CSRFManager    *shared.CSRFManager
	Registry       *authz.Registry
	AuthzHandler   *authz.Handler
	JobHandler     *jobs.Handler
	Metrics        *observability.Metrics
}

// NewRouter constructs the chi.Router with Odyssey defaults.
func NewRouter(params RouterParams) http.Handler {
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if params.Metrics != nil {
		r.Handle("/metrics", params.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		for _, mw := range MiddlewareStack(MiddlewareConfig{
			Logger:         logger,
			Config:         params.Config,
			SessionManager: params.SessionManager,
			CSRFManager:    params.CSRFManager,
			Registry:       params.Registry,
			Metrics:        params.Metrics,
		}) {
			r.Use(mw)
		}
		r.Use(chimw.Logger)

		wait := 2 * time.Second
		if params.Config != nil && params.Config.AuthzWait > 0 {
			wait = params.Config.AuthzWait
		}
		routeGuard := guard.Middleware{
			Routes:     params.Config.GuardRoutes(),
			Input:      authz.GuardInput(wait),
			Observer:   params.Metrics,
			Logger:     logger,
			RetryAfter: wait,
		}

		r.Get("/api/authz/csrf", func(w http.ResponseWriter, r *http.Request) {
			token, err := params.CSRFManager.EnsureToken(shared.SessionFromContext(r.Context()))
			if err != nil {
				httpx.RespondError(w, err)
				return
			}
			w.Header().Set("Cache-Control", "no-store")
			httpx.JSON(w, http.StatusOK, map[string]string{"token": token, "header": shared.CSRFHeader})
		})
		if params.AuthzHandler != nil {
			r.Route("/api/authz", params.AuthzHandler.MountRoutes)
		}

		r.Post("/auth/logout", func(w http.ResponseWriter, r *http.Request) {
			sess := shared.SessionFromContext(r.Context())
			if sess != nil {
				if params.Registry != nil {
					params.Registry.Remove(sess.ID)
				}
				params.SessionManager.Destroy(sess)
			}
			w.WriteHeader(http.StatusNoContent)
		})

		r.With(routeGuard.Require(guard.Rule{})).Get("/", landing)
		r.With(routeGuard.Require(guard.Rule{AllowUnapproved: true})).Get("/pending-approval", landing)
		r.With(routeGuard.Require(guard.Rule{AllowUnapproved: true})).Get("/auth/password", landing)
		r.With(routeGuard.Require(guard.Rule{RequiredRole: roles.RoleAdmin})).Get("/admin", landing)

		if params.JobHandler != nil {
			r.With(routeGuard.Require(guard.Rule{RequiredRole: roles.RoleAdmin})).Route("/jobs", params.JobHandler.MountRoutes)
		}
	})

	return r
}

// landing reports the decision that let the request through together with
// the caller's profile; page rendering belongs to the front end.
func landing(w http.ResponseWriter, r *http.Request) {
	c, ok := authz.FromContext(r.Context())
	if !ok {
		httpx.RespondError(w, shared.ErrSessionUnavailable)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"path":      r.URL.Path,
		"principal": c.Principal(),
	})
}
