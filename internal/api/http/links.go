package http

import (
	"encoding/json"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mind-engage/edxbridge/internal/bridge"
	"github.com/mind-engage/edxbridge/internal/dashboard"
	"github.com/mind-engage/edxbridge/internal/errkind"
)

type identityReq struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password,omitempty"`
}

// decodeIdentity accepts a JSON body or the home page's form post.
func decodeIdentity(w http.ResponseWriter, r *http.Request) (identityReq, error) {
	var req identityReq
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch ct {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		if err := r.ParseForm(); err != nil {
			return req, errkind.New(errkind.InvalidRequest).Wrapf(err, "bad form")
		}
		req = identityReq{Email: r.PostFormValue("email"), Name: r.PostFormValue("name"), Password: r.PostFormValue("password")}
	default:
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
			return req, errkind.New(errkind.InvalidRequest).Wrapf(err, "bad json")
		}
	}
	if strings.TrimSpace(req.Email) == "" {
		return req, errkind.New(errkind.InvalidEmail).Errorf("email is required")
	}
	return req, nil
}

// POST /generate-link  { "email": "...", "name": "..." }
func GenerateLinkHandler(o *bridge.Orchestrator, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := decodeIdentity(w, r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		link, err := o.GenerateLink(detached(r), req.Email, req.Name)
		if err != nil {
			logFailure(r, logger, "generate link", err)
			writeError(w, r, err)
			return
		}
		if wantsHTML(r) {
			renderPage(w, http.StatusOK, generatedPage, generatedView{URL: link.URL, ProxyURL: o.ProxyURL(link.LinkID)})
			return
		}
		writeJSON(w, http.StatusOK, link)
	}
}

// GET /access/{linkID}[?iframe=1|embedded=1]
func AccessHandler(o *bridge.Orchestrator, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mode := renderMode(r)
		v, err := o.Resolve(detached(r), chi.URLParam(r, "linkID"), mode)
		writeView(w, r, logger, v, err)
	}
}

// GET /auto-login/{email}[?iframe=1]
func AutoLoginHandler(o *bridge.Orchestrator, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mode := renderMode(r)
		email, err := emailParam(r)
		if err != nil {
			writeView(w, r, logger, bridge.View{Mode: mode}, err)
			return
		}
		link, v, err := o.AutoLogin(detached(r), email, mode)
		if link.URL != "" {
			w.Header().Set("X-Access-Link", link.URL)
		}
		writeView(w, r, logger, v, err)
	}
}

// writeView renders a resolved link. Iframe mode always answers HTML; a
// standalone request gets JSON errors only when it asked for JSON alone.
func writeView(w http.ResponseWriter, r *http.Request, logger *slog.Logger, v bridge.View, err error) {
	if err != nil {
		logFailure(r, logger, "resolve link", err)
		if v.Mode == bridge.Standalone && prefersJSON(r) {
			writeJSONError(w, err)
			return
		}
		writeHTMLError(w, err)
		return
	}
	if v.Mode == bridge.Iframe {
		renderPage(w, http.StatusOK, shellPage, v)
		return
	}
	w.Header().Set("Content-Type", v.Document.ContentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(v.Document.Body)
}

// GET /dashboard-proxy/{linkID}
//
// The inner page framed by the shell. It and NavigateHandler are the only
// handlers that relax framing headers, for both pages and error pages.
func DashboardProxyHandler(o *bridge.Orchestrator, p *dashboard.Proxy, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := o.Resolve(detached(r), chi.URLParam(r, "linkID"), bridge.Standalone)
		if err != nil {
			logFailure(r, logger, "dashboard proxy", err)
			dashboard.Embeddable(w.Header(), p.Ancestors())
			writeHTMLError(w, err)
			return
		}
		p.Write(w, v.Document)
	}
}

// GET /openedx-proxy/{linkID}/*
//
// In-frame navigation: links inside the framed dashboard point here, so the
// next platform page is fetched with the link's session and keeps the
// framing headers of dashboard-proxy.
func NavigateHandler(o *bridge.Orchestrator, p *dashboard.Proxy, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest, err := url.PathUnescape(chi.URLParam(r, "*"))
		path := "/" + strings.TrimPrefix(rest, "/")
		if err == nil && strings.HasPrefix(path, "/static/") {
			target := dashboard.StaticPrefix + path
			if r.URL.RawQuery != "" {
				target += "?" + r.URL.RawQuery
			}
			http.Redirect(w, r, target, http.StatusTemporaryRedirect)
			return
		}
		var doc *dashboard.Document
		if err != nil {
			err = errkind.New(errkind.UnknownLink).Wrapf(err, "bad navigation path")
		} else {
			doc, err = o.Navigate(detached(r), chi.URLParam(r, "linkID"), path, r.URL.RawQuery)
		}
		if err != nil {
			logFailure(r, logger, "navigate", err)
			dashboard.Embeddable(w.Header(), p.Ancestors())
			writeHTMLError(w, err)
			return
		}
		p.Write(w, doc)
	}
}

// POST /sso  { "email": "...", "name": "..." }
//
// Registers or signs the learner in, then redirects. With a cookie domain
// shared with the platform the session cookies are planted on it and the
// browser goes straight to the dashboard; otherwise it goes to the access
// link.
func SSOHandler(o *bridge.Orchestrator, cookieDomain, dashboardURL string, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := decodeIdentity(w, r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		link, m, err := o.SSO(detached(r), req.Email, req.Name)
		if err != nil {
			logFailure(r, logger, "sso", err)
			writeError(w, r, err)
			return
		}
		target := link.URL
		if cookieDomain != "" && !m.Empty() {
			for _, ck := range m.Cookies {
				http.SetCookie(w, &http.Cookie{
					Name:     ck.Name,
					Value:    ck.Value,
					Domain:   cookieDomain,
					Path:     "/",
					Secure:   true,
					HttpOnly: ck.Name != "csrftoken",
					SameSite: http.SameSiteLaxMode,
				})
			}
			target = dashboardURL
		}
		logger.InfoContext(r.Context(), "sso", "link_id", link.LinkID, "planted", target != link.URL)
		http.Redirect(w, r, target, http.StatusSeeOther)
	}
}

// GET /openedx-static/*
func StaticHandler(p *dashboard.Proxy, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := "/" + strings.TrimPrefix(chi.URLParam(r, "*"), "/")
		doc, err := p.Static(r.Context(), path, r.URL.RawQuery)
		if err != nil {
			if errkind.Is(err, errkind.UnknownLink) {
				http.NotFound(w, r)
				return
			}
			logFailure(r, logger, "static asset", err)
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", doc.ContentType)
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Cross-Origin-Resource-Policy", "cross-origin")
		if doc.Status/100 == 2 {
			w.Header().Set("Cache-Control", "public, max-age=3600")
		}
		w.WriteHeader(doc.Status)
		_, _ = w.Write(doc.Body)
	}
}

// GET /
func HomeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		renderPage(w, http.StatusOK, homePage, nil)
	}
}
