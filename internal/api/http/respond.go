package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mind-engage/edxbridge/internal/bridge"
	"github.com/mind-engage/edxbridge/internal/errkind"
	"github.com/mind-engage/edxbridge/internal/logging"
)

// detached keeps platform calls running after the portal hangs up so a link
// is never left half-attached; only the response write is lost.
func detached(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

// emailParam returns the decoded {email} path segment. chi matches on the
// raw path, so "%40" and "%2B" arrive still encoded.
func emailParam(r *http.Request) (string, error) {
	raw := chi.URLParam(r, "email")
	email, err := url.PathUnescape(raw)
	if err != nil {
		return "", errkind.New(errkind.InvalidEmail).With("email", raw).Wrapf(err, "bad email path segment")
	}
	return email, nil
}

// renderMode is decided from the query alone, before anything about the
// session is known.
func renderMode(r *http.Request) bridge.RenderMode {
	q := r.URL.Query()
	if truthy(q.Get("iframe")) || truthy(q.Get("embedded")) {
		return bridge.Iframe
	}
	return bridge.Standalone
}

func truthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// wantsHTML reports whether the client asked for an HTML page.
func wantsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// prefersJSON reports whether the client asked for JSON and not HTML.
func prefersJSON(r *http.Request) bool {
	a := r.Header.Get("Accept")
	return strings.Contains(a, "application/json") && !strings.Contains(a, "text/html")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the JSON error shape.
type errorBody struct {
	Error          errkind.Kind `json:"error"`
	Message        string       `json:"message"`
	Suggestions    []string     `json:"suggestions"`
	Email          string       `json:"email,omitempty"`
	SuggestedEmail string       `json:"suggested_email,omitempty"`
}

func bodyFor(err error) (int, errorBody) {
	kind := errkind.Of(err)
	b := errorBody{Error: kind, Message: message(err, kind), Suggestions: errkind.Remediation(kind)}
	var report *errkind.ConflictReport
	if errors.As(err, &report) {
		b.Email = report.Email
		b.SuggestedEmail = report.SuggestedEmail
		b.Suggestions = append([]string{"Try " + report.SuggestedEmail}, b.Suggestions...)
	}
	return errkind.HTTPStatus(kind), b
}

// message keeps internal detail out of user-visible bodies.
func message(err error, kind errkind.Kind) string {
	switch kind {
	case errkind.Internal:
		return "internal error"
	case errkind.PlatformUnavailable:
		return "the learning platform is unavailable"
	case errkind.UnknownLink:
		return "this access link is not valid"
	case errkind.SessionExpired:
		return "the platform session could not be renewed"
	}
	return err.Error()
}

func logFailure(r *http.Request, logger *slog.Logger, msg string, err error) {
	switch errkind.Of(err) {
	case errkind.Internal, errkind.PlatformUnavailable:
		logging.LogError(r.Context(), logger, msg, err)
	default:
		logger.InfoContext(r.Context(), msg, "error", err.Error(), "code", errkind.Of(err))
	}
}

// writeJSONError answers with the JSON error body.
func writeJSONError(w http.ResponseWriter, err error) {
	status, b := bodyFor(err)
	writeJSON(w, status, b)
}

// writeHTMLError answers with the error page, keeping the mapped status.
func writeHTMLError(w http.ResponseWriter, err error) {
	status, b := bodyFor(err)
	renderPage(w, status, errorPage, b)
}

// writeError picks the error representation from the client's Accept header.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	if wantsHTML(r) {
		writeHTMLError(w, err)
		return
	}
	writeJSONError(w, err)
}
