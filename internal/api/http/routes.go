package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	authmw "github.com/mind-engage/edxbridge/internal/auth/middleware"
	"github.com/mind-engage/edxbridge/internal/bridge"
	"github.com/mind-engage/edxbridge/internal/config"
	"github.com/mind-engage/edxbridge/internal/dashboard"
	"github.com/mind-engage/edxbridge/internal/openedx"
	"github.com/mind-engage/edxbridge/internal/rbac"
	"github.com/mind-engage/edxbridge/internal/webhook"
)

// Deps is everything the bridge routes need.
type Deps struct {
	Config    config.Config
	Bridge    *bridge.Orchestrator
	Proxy     *dashboard.Proxy
	Platform  *openedx.Client
	Forwarder *webhook.Forwarder
	// Auth guards the operator routes; nil leaves them open.
	Auth   *authmw.AuthService
	Logger *slog.Logger
}

func MountBridge(r chi.Router, d Deps) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Get("/", HomeHandler())
	r.Post("/generate-link", GenerateLinkHandler(d.Bridge, logger))
	r.Get("/access/{linkID}", AccessHandler(d.Bridge, logger))
	r.Get("/dashboard-proxy/{linkID}", DashboardProxyHandler(d.Bridge, d.Proxy, logger))
	r.Get(dashboard.NavPrefix+"/{linkID}/*", NavigateHandler(d.Bridge, d.Proxy, logger))
	r.Post("/sso", SSOHandler(d.Bridge, d.Config.SSOCookieDomain, d.Config.DashboardURL, logger))
	r.Get("/auto-login/{email}", AutoLoginHandler(d.Bridge, logger))
	r.Get(dashboard.StaticPrefix+"/*", StaticHandler(d.Proxy, logger))

	r.Get("/config-check", ConfigCheckHandler(d.Config))
	r.Get("/test-openedx", TestPlatformHandler(d.Platform, d.Config.CSRFPath))

	if d.Forwarder != nil {
		r.Post("/webhook/course-completed", CourseCompletedHandler(d.Forwarder, logger))
	}

	// Operator routes.
	r.Group(func(r chi.Router) {
		guard := func(string) func(http.Handler) http.Handler {
			return func(next http.Handler) http.Handler { return next }
		}
		if d.Auth != nil {
			r.Use(authmw.JWTMiddleware(d.Auth))
			guard = rbac.Require
		}
		r.With(guard(rbac.PermCustomLogin)).Post("/custom-login", CustomLoginHandler(d.Bridge, logger))
		r.With(guard(rbac.PermManageExisting)).Post("/manage-existing-user", ManageExistingHandler(d.Bridge, logger))
		r.With(guard(rbac.PermUserStatus)).Get("/user-status/{email}", UserStatusHandler(d.Bridge))
		r.With(guard(rbac.PermUserStatus)).Get("/test-flow/{email}", TestFlowHandler(d.Bridge))
	})
	if d.Auth != nil {
		r.Post("/auth/login", authmw.LoginHandler(d.Auth))
	}
}
