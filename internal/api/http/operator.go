package http

import (
	"log/slog"
	"net/http"

	authmw "github.com/mind-engage/edxbridge/internal/auth/middleware"
	"github.com/mind-engage/edxbridge/internal/bridge"
)

// actor names the operator behind r for the audit log.
func actor(r *http.Request) string {
	if op, ok := authmw.OperatorFromContext(r.Context()); ok {
		return op.Name
	}
	return "anonymous"
}

// POST /custom-login  { "email": "...", "password": "..." }
func CustomLoginHandler(o *bridge.Orchestrator, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := decodeIdentity(w, r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		link, err := o.CustomLogin(detached(r), req.Email, req.Password)
		if err != nil {
			logFailure(r, logger, "custom login", err)
			writeError(w, r, err)
			return
		}
		logger.InfoContext(r.Context(), "custom login", "email", req.Email, "operator", actor(r), "link_id", link.LinkID)
		writeJSON(w, http.StatusOK, map[string]any{
			"linkId":  link.LinkID,
			"url":     link.URL,
			"message": "Custom login successful",
		})
	}
}

// POST /manage-existing-user  { "email": "...", "name": "..." }
func ManageExistingHandler(o *bridge.Orchestrator, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := decodeIdentity(w, r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		alt, err := o.ManageExisting(detached(r), req.Email, req.Name)
		if err != nil {
			logFailure(r, logger, "manage existing user", err)
			writeError(w, r, err)
			return
		}
		logger.InfoContext(r.Context(), "manage existing user",
			"email", alt.OriginalEmail, "linked_as", alt.Email, "operator", actor(r))
		if wantsHTML(r) {
			renderPage(w, http.StatusOK, generatedPage, generatedView{
				URL:       alt.URL,
				ProxyURL:  o.ProxyURL(alt.LinkID),
				Email:     alt.Email,
				Alternate: alt.Alternate,
			})
			return
		}
		writeJSON(w, http.StatusOK, alt)
	}
}

// GET /user-status/{email}
func UserStatusHandler(o *bridge.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		email, err := emailParam(r)
		if err != nil {
			writeJSONError(w, err)
			return
		}
		st, err := o.Status(r.Context(), email)
		if err != nil {
			writeJSONError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// GET /test-flow/{email}
func TestFlowHandler(o *bridge.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		email, err := emailParam(r)
		if err != nil {
			writeJSONError(w, err)
			return
		}
		f, err := o.TestFlow(r.Context(), email)
		if err != nil {
			writeJSONError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, f)
	}
}
