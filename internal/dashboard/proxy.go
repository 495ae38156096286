// Package dashboard fetches a learner's authenticated platform dashboard
// and prepares it for embedding in a foreign origin's iframe.
package dashboard

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mind-engage/edxbridge/internal/errkind"
	"github.com/mind-engage/edxbridge/internal/metrics"
	"github.com/mind-engage/edxbridge/internal/openedx"
)

const (
	// StaticPrefix is the gateway path that serves the platform's /static/ tree.
	StaticPrefix = "/openedx-static"
	// NavPrefix is the gateway path for in-frame navigation; the link id
	// follows it, then the platform path.
	NavPrefix = "/openedx-proxy"
)

// Document is an embeddable platform page. A zero Status means 200.
type Document struct {
	Status      int
	ContentType string
	Body        []byte
}

type Proxy struct {
	client     *openedx.Client
	publicBase string
	ancestors  []string
	logger     *slog.Logger
}

// New builds a Proxy. publicBase is the gateway's externally visible root
// and ancestors the frame-ancestors sources allowed to embed the result.
func New(client *openedx.Client, publicBase string, ancestors []string, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	if len(ancestors) == 0 {
		ancestors = []string{"*"}
	}
	return &Proxy{client: client, publicBase: strings.TrimRight(publicBase, "/"), ancestors: ancestors, logger: logger}
}

// NavBase is the in-frame navigation root for linkID.
func (p *Proxy) NavBase(linkID string) string {
	return p.publicBase + NavPrefix + "/" + linkID
}

// Fetch loads the dashboard with m. Redirects to login and 401/403 come back
// as SessionExpired; the caller re-acquires the session. HTML bodies are
// rewritten so asset and link URLs still resolve inside linkID's frame.
func (p *Proxy) Fetch(ctx context.Context, linkID string, m *openedx.Material) (*Document, error) {
	start := time.Now()
	doc, err := p.client.Dashboard(ctx, m)
	result := "ok"
	if err != nil {
		result = strings.ToLower(string(errkind.Of(err)))
	}
	metrics.DashboardFetches.WithLabelValues(result).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	return p.embed(ctx, linkID, doc), nil
}

// Navigate loads another platform page for linkID's frame. Session errors
// match Fetch. Static paths and paths that climb out of the root are
// UnknownLink.
func (p *Proxy) Navigate(ctx context.Context, linkID string, m *openedx.Material, path, rawQuery string) (*Document, error) {
	if !strings.HasPrefix(path, "/") || strings.HasPrefix(path, "//") ||
		strings.Contains(path, "..") || strings.HasPrefix(path, "/static/") {
		return nil, errkind.New(errkind.UnknownLink).With("path", path).Errorf("not a navigable page")
	}
	doc, err := p.client.Page(ctx, m, path, rawQuery)
	if err != nil {
		return nil, err
	}
	return p.embed(ctx, linkID, doc), nil
}

func (p *Proxy) embed(ctx context.Context, linkID string, doc *openedx.Document) *Document {
	ct := doc.ContentType
	if ct == "" {
		ct = "text/html; charset=utf-8"
	}
	body := doc.Body
	if strings.Contains(ct, "html") {
		rewritten, err := Rewrite(body, p.client.BaseURL(), p.publicBase, p.NavBase(linkID))
		if err != nil {
			p.logger.WarnContext(ctx, "page rewrite failed, serving original", "error", err)
		} else {
			body = rewritten
		}
	}
	return &Document{Status: doc.Status, ContentType: ct, Body: body}
}

// Static passes a platform /static/ asset through. Paths outside that tree
// are UnknownLink so the pass-through cannot reach arbitrary platform pages.
func (p *Proxy) Static(ctx context.Context, path, rawQuery string) (*openedx.Document, error) {
	if !strings.HasPrefix(path, "/static/") || strings.Contains(path, "..") {
		return nil, errkind.New(errkind.UnknownLink).With("path", path).Errorf("not a static asset")
	}
	return p.client.Static(ctx, path, rawQuery)
}

// Ancestors returns the configured frame-ancestors sources.
func (p *Proxy) Ancestors() []string { return p.ancestors }

// Embeddable relaxes framing for one response: the frame-denial header is
// dropped, frame-ancestors is set to ancestors, and the cross-origin headers
// the embedded page's own requests need are added. Only the framed
// handlers call it: dashboard-proxy and in-frame navigation.
func Embeddable(h http.Header, ancestors []string) {
	h.Del("X-Frame-Options")
	h.Set("Content-Security-Policy", "frame-ancestors "+strings.Join(ancestors, " "))
	h.Set("Cross-Origin-Resource-Policy", "cross-origin")
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, X-CSRFToken, X-Requested-With")
}

// Write emits doc with embedding headers.
func (p *Proxy) Write(w http.ResponseWriter, doc *Document) {
	Embeddable(w.Header(), p.ancestors)
	w.Header().Set("Content-Type", doc.ContentType)
	w.Header().Set("Cache-Control", "no-store")
	status := doc.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(doc.Body)
}
