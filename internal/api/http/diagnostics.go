package http

import (
	"context"
	"net/http"
	"time"

	"github.com/mind-engage/edxbridge/internal/config"
	"github.com/mind-engage/edxbridge/internal/openedx"
)

// GET /config-check
//
// Reports the redacted configuration and any validation issues. Secrets
// never appear in the body.
func ConfigCheckHandler(cfg config.Config) http.HandlerFunc {
	issues := cfg.Validate()
	return func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		if len(issues) > 0 {
			status = "misconfigured"
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status": status,
			"config": cfg.Public(),
			"issues": append([]string{}, issues...),
		})
	}
}

// GET /test-openedx
//
// Unauthenticated reachability check of the platform root and CSRF endpoint.
func TestPlatformHandler(client *openedx.Client, csrfPath string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 20*time.Second)
		defer cancel()
		checks := map[string]openedx.Probe{
			"root": client.Reach(ctx, "/"),
			"csrf": client.Reach(ctx, csrfPath),
		}
		reachable := true
		for _, p := range checks {
			if p.Error != "" || p.Status >= 500 {
				reachable = false
			}
		}
		status := http.StatusOK
		if !reachable {
			status = http.StatusBadGateway
		}
		writeJSON(w, status, map[string]any{
			"platform":  client.BaseURL(),
			"reachable": reachable,
			"checks":    checks,
		})
	}
}

// Pinger is satisfied by anything whose liveness /readyz reports.
type Pinger interface {
	Ping(ctx context.Context) error
}

// GET /healthz
func HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

// GET /readyz
func ReadyzHandler(p Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ready"))
	}
}
