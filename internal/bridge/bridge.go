// Package bridge composes reconciliation, the link store and the dashboard
// proxy into the two operations portals use: generate a link for an
// identity, and resolve a link to an authenticated, embeddable view.
//
// It is the only layer that decides what a failure means for the caller;
// the components below it return classified errors and never render.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/mind-engage/edxbridge/internal/config"
	"github.com/mind-engage/edxbridge/internal/dashboard"
	"github.com/mind-engage/edxbridge/internal/errkind"
	"github.com/mind-engage/edxbridge/internal/identity"
	"github.com/mind-engage/edxbridge/internal/links"
	"github.com/mind-engage/edxbridge/internal/logging"
	"github.com/mind-engage/edxbridge/internal/metrics"
	"github.com/mind-engage/edxbridge/internal/openedx"
	"github.com/mind-engage/edxbridge/internal/reconcile"
	syncx "github.com/mind-engage/edxbridge/internal/sync"
)

type RenderMode string

const (
	Standalone RenderMode = "standalone"
	Iframe     RenderMode = "iframe"
)

// Link is what generate-link hands back to the portal.
type Link struct {
	LinkID string `json:"linkId"`
	URL    string `json:"url"`
}

// View is a resolved link. Standalone views carry the dashboard document;
// iframe views carry only the address of the inner proxy page.
type View struct {
	Mode     RenderMode
	Link     links.AccessLink
	Document *dashboard.Document
	ProxyURL string
}

type Orchestrator struct {
	store   links.Store
	rec     *reconcile.Reconciler
	proxy   *dashboard.Proxy
	events  syncx.Recorder
	logger  *slog.Logger
	now     func() time.Time
	public  string
	ttl     time.Duration
	refresh config.RefreshStrategy
	prefix  string
	tag     string
}

// New wires an Orchestrator. events may be nil.
func New(cfg config.Config, store links.Store, rec *reconcile.Reconciler, proxy *dashboard.Proxy, events syncx.Recorder, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:   store,
		rec:     rec,
		proxy:   proxy,
		events:  events,
		logger:  logger,
		now:     time.Now,
		public:  strings.TrimRight(cfg.PublicBaseURL, "/"),
		ttl:     cfg.SessionTTL,
		refresh: cfg.Refresh,
		prefix:  cfg.UsernamePrefix,
		tag:     cfg.AlternateTag,
	}
}

func (o *Orchestrator) linkURL(id string) string { return o.public + "/access/" + id }

// ProxyURL is the inner page the iframe shell frames.
func (o *Orchestrator) ProxyURL(id string) string { return o.public + "/dashboard-proxy/" + id }

// GenerateLink returns the identity's link, reconciling only when the stored
// session is absent or stale. Repeat calls for one email return one link id.
func (o *Orchestrator) GenerateLink(ctx context.Context, email, name string) (Link, error) {
	l, err := o.link(ctx, email, name)
	if err != nil {
		return Link{}, err
	}
	if l.Session.Stale(o.now(), o.ttl) {
		trigger := "absent"
		if !l.Session.Empty() {
			trigger = "stale"
		}
		if _, err := o.acquire(ctx, l, trigger); err != nil {
			return Link{}, err
		}
	}
	return Link{LinkID: l.ID, URL: o.linkURL(l.ID)}, nil
}

// link gets or creates the link for email. A blank name keeps the display
// name already stored.
func (o *Orchestrator) link(ctx context.Context, email, name string) (links.AccessLink, error) {
	id, err := identity.New(email, name, o.prefix)
	if err != nil {
		return links.AccessLink{}, err
	}
	if strings.TrimSpace(name) == "" {
		if existing, err := o.store.GetByEmail(ctx, id.Email); err == nil {
			id.DisplayName = existing.Identity.DisplayName
		}
	}
	l, created, err := o.store.GetOrCreate(ctx, id)
	if err != nil {
		return links.AccessLink{}, err
	}
	if created {
		metrics.LinksCreated.Inc()
		o.record(ctx, syncx.LinkCreated, l.ID, map[string]any{"email": id.Email, "username": l.Identity.Username})
		o.logger.InfoContext(ctx, "access link created", "email", id.Email)
	}
	return l, nil
}

// Lookup returns the link for linkID without contacting the platform.
func (o *Orchestrator) Lookup(ctx context.Context, linkID string) (links.AccessLink, error) {
	if !links.WellFormed(linkID) {
		return links.AccessLink{}, errkind.New(errkind.UnknownLink).Errorf("unknown link")
	}
	return o.store.Get(ctx, linkID)
}

// Resolve looks linkID up and, in standalone mode, fetches its dashboard,
// re-acquiring the session once if it is absent, stale or rejected by the
// platform. Iframe mode never touches the platform: the shell page it
// yields frames the proxy endpoint, which resolves standalone.
func (o *Orchestrator) Resolve(ctx context.Context, linkID string, mode RenderMode) (View, error) {
	l, err := o.Lookup(ctx, linkID)
	if err != nil {
		return View{Mode: mode}, err
	}
	if err := o.store.Touch(ctx, l.ID); err != nil {
		o.logger.WarnContext(ctx, "touch link", "error", err)
	}
	if mode == Iframe {
		return View{Mode: Iframe, Link: l, ProxyURL: o.ProxyURL(l.ID)}, nil
	}

	doc, err := o.withSession(ctx, l, func(m *openedx.Material) (*dashboard.Document, error) {
		return o.proxy.Fetch(ctx, l.ID, m)
	})
	if err != nil {
		return View{Mode: mode, Link: l}, err
	}
	return View{Mode: Standalone, Link: l, Document: doc}, nil
}

// Navigate fetches another platform page inside linkID's frame, with the
// same session recovery as Resolve.
func (o *Orchestrator) Navigate(ctx context.Context, linkID, path, rawQuery string) (*dashboard.Document, error) {
	l, err := o.Lookup(ctx, linkID)
	if err != nil {
		return nil, err
	}
	if err := o.store.Touch(ctx, l.ID); err != nil {
		o.logger.WarnContext(ctx, "touch link", "error", err)
	}
	return o.withSession(ctx, l, func(m *openedx.Material) (*dashboard.Document, error) {
		return o.proxy.Navigate(ctx, l.ID, m, path, rawQuery)
	})
}

// withSession runs fetch with l's session, acquiring it first when absent or
// stale and once more if the platform rejects it.
func (o *Orchestrator) withSession(ctx context.Context, l links.AccessLink, fetch func(*openedx.Material) (*dashboard.Document, error)) (*dashboard.Document, error) {
	m := l.Session
	fresh := false
	if m.Stale(o.now(), o.ttl) {
		trigger := "absent"
		if !m.Empty() {
			trigger = "stale"
		}
		var err error
		if m, err = o.acquire(ctx, l, trigger); err != nil {
			return nil, err
		}
		fresh = true
	}
	doc, err := fetch(m)
	if errkind.Is(err, errkind.SessionExpired) && !fresh {
		o.logger.InfoContext(ctx, "platform session expired, re-acquiring", "email", l.Identity.Email)
		if m, err = o.acquire(ctx, l, "expired"); err != nil {
			return nil, err
		}
		doc, err = fetch(m)
	}
	return doc, err
}

// acquire obtains fresh session material for l and attaches it. With the
// previous strategy an expired or stale session is first retried with the
// candidate that produced it.
func (o *Orchestrator) acquire(ctx context.Context, l links.AccessLink, trigger string) (*openedx.Material, error) {
	if trigger != "absent" && o.refresh == config.RefreshPrevious && l.Session != nil && l.Session.Candidate >= 0 {
		m, err := o.rec.Retry(ctx, l.Identity, l.Session.Candidate)
		if err == nil {
			return o.attach(ctx, l, m, trigger)
		}
		if errkind.Is(err, errkind.PlatformUnavailable) {
			return nil, err
		}
		o.logger.InfoContext(ctx, "previous candidate rejected, reconciling", "email", l.Identity.Email)
	}

	m, _, err := o.rec.Reconcile(ctx, l.Identity)
	if err != nil {
		var report *errkind.ConflictReport
		if errors.As(err, &report) {
			o.record(ctx, syncx.ConflictReported, l.ID, map[string]any{"email": report.Email, "suggested": report.SuggestedEmail})
		}
		logging.LogError(ctx, o.logger, "reconcile", err)
		return nil, err
	}
	return o.attach(ctx, l, m, trigger)
}

func (o *Orchestrator) attach(ctx context.Context, l links.AccessLink, m openedx.Material, trigger string) (*openedx.Material, error) {
	if err := o.store.AttachSession(ctx, l.ID, m); err != nil {
		return nil, err
	}
	metrics.SessionRefreshes.WithLabelValues(trigger).Inc()
	typ := syncx.SessionRefreshed
	if trigger == "absent" {
		typ = syncx.SessionAttached
	}
	o.record(ctx, typ, l.ID, map[string]any{"trigger": trigger, "candidate": m.Candidate})
	return &m, nil
}

// AutoLogin generates (or reuses) the link for an email that already exists
// on the platform and resolves it in one call.
func (o *Orchestrator) AutoLogin(ctx context.Context, email string, mode RenderMode) (Link, View, error) {
	link, err := o.GenerateLink(ctx, email, "")
	if err != nil {
		return Link{}, View{Mode: mode}, err
	}
	v, err := o.Resolve(ctx, link.LinkID, mode)
	return link, v, err
}

// SSO generates (or reuses) the link for email and returns it with the
// session material attached to it, for callers that hand the platform
// session straight to the browser.
func (o *Orchestrator) SSO(ctx context.Context, email, name string) (Link, *openedx.Material, error) {
	link, err := o.GenerateLink(ctx, email, name)
	if err != nil {
		return Link{}, nil, err
	}
	l, err := o.store.Get(ctx, link.LinkID)
	if err != nil {
		return Link{}, nil, err
	}
	o.record(ctx, syncx.SSOIssued, l.ID, map[string]any{"email": l.Identity.Email})
	return link, l.Session, nil
}

// CustomLogin signs in with an operator-supplied password instead of the
// candidate list and attaches the result to the email's link.
func (o *Orchestrator) CustomLogin(ctx context.Context, email, password string) (Link, error) {
	if password == "" {
		return Link{}, errkind.New(errkind.PasswordMismatch).With("email", email).Errorf("password is required")
	}
	l, err := o.link(ctx, email, "")
	if err != nil {
		return Link{}, err
	}
	m, err := o.rec.Login(ctx, l.Identity, password)
	if err != nil {
		logging.LogError(ctx, o.logger, "custom login", err)
		return Link{}, err
	}
	if err := o.store.AttachSession(ctx, l.ID, m); err != nil {
		return Link{}, err
	}
	o.record(ctx, syncx.CustomLogin, l.ID, map[string]any{"email": l.Identity.Email})
	return Link{LinkID: l.ID, URL: o.linkURL(l.ID)}, nil
}

// Alternate is the outcome of ManageExisting.
type Alternate struct {
	OriginalEmail string `json:"original_email"`
	Email         string `json:"email"`
	Alternate     bool   `json:"alternate"`
	Link
}

// ManageExisting generates a link for email and, when the platform account
// is held under an unknown password, walks the fixed alternate addresses in
// order and returns the first that reconciles. Each alternate goes through
// GenerateLink, so repeat calls land on the same alternate and link.
func (o *Orchestrator) ManageExisting(ctx context.Context, email, name string) (Alternate, error) {
	link, err := o.GenerateLink(ctx, email, name)
	if err == nil {
		e, _ := identity.NormalizeEmail(email)
		return Alternate{OriginalEmail: e, Email: e, Link: link}, nil
	}
	var report *errkind.ConflictReport
	if !errors.As(err, &report) {
		return Alternate{}, err
	}
	for _, alt := range identity.AlternateEmails(report.Email, o.tag) {
		_, lookupErr := o.store.GetByEmail(ctx, alt)
		link, err := o.GenerateLink(ctx, alt, name)
		if err == nil {
			if lookupErr != nil {
				o.record(ctx, syncx.AlternateCreated, link.LinkID, map[string]any{"original": report.Email, "alternate": alt})
				o.logger.InfoContext(ctx, "alternate email linked", "email", report.Email, "alternate", alt)
			}
			return Alternate{OriginalEmail: report.Email, Email: alt, Alternate: true, Link: link}, nil
		}
		var altReport *errkind.ConflictReport
		if !errors.As(err, &altReport) {
			return Alternate{}, err
		}
	}
	return Alternate{}, report
}

// Status describes what the bridge knows about an email. It never includes
// credentials or cookie values.
type Status struct {
	Email       string     `json:"email"`
	Username    string     `json:"username"`
	HasLink     bool       `json:"has_link"`
	URL         string     `json:"url,omitempty"`
	HasSession  bool       `json:"has_session"`
	SessionAge  string     `json:"session_age,omitempty"`
	Stale       bool       `json:"stale"`
	LinkCreated *time.Time `json:"link_created_at,omitempty"`
	LastUsed    *time.Time `json:"last_used_at,omitempty"`
}

func (o *Orchestrator) Status(ctx context.Context, email string) (Status, error) {
	e, err := identity.NormalizeEmail(email)
	if err != nil {
		return Status{}, err
	}
	st := Status{Email: e, Username: identity.Username(e, o.prefix), Stale: true}
	l, err := o.store.GetByEmail(ctx, e)
	if errkind.Is(err, errkind.UnknownLink) {
		return st, nil
	}
	if err != nil {
		return Status{}, err
	}
	st.HasLink = true
	st.URL = o.linkURL(l.ID)
	st.Username = l.Identity.Username
	st.LinkCreated, st.LastUsed = &l.CreatedAt, &l.LastUsedAt
	if !l.Session.Empty() {
		st.HasSession = true
		st.SessionAge = o.now().Sub(l.Session.AcquiredAt).Round(time.Second).String()
	}
	st.Stale = l.Session.Stale(o.now(), o.ttl)
	return st, nil
}

// Flow is a read-only description of how the bridge would handle an email.
type Flow struct {
	Email       string   `json:"email"`
	Username    string   `json:"username"`
	HasLink     bool     `json:"has_link"`
	Recommended string   `json:"recommended"`
	Flows       []string `json:"flows"`
	Alternates  []string `json:"alternates"`
}

func (o *Orchestrator) TestFlow(ctx context.Context, email string) (Flow, error) {
	st, err := o.Status(ctx, email)
	if err != nil {
		return Flow{}, err
	}
	f := Flow{
		Email:    st.Email,
		Username: st.Username,
		HasLink:  st.HasLink,
		Flows: []string{
			"POST /generate-link - register or recover access, returns a link",
			"GET /auto-login/" + st.Email + " - generate and open in one step",
			"POST /manage-existing-user - fall back to an alternate email on password conflict",
			"POST /custom-login - operator supplies the platform password",
		},
		Alternates: identity.AlternateEmails(st.Email, o.tag),
	}
	switch {
	case st.HasSession && !st.Stale:
		f.Recommended = "open the existing link: " + st.URL
	case st.HasLink:
		f.Recommended = "open the existing link; the session will be re-acquired on visit"
	default:
		f.Recommended = "POST /generate-link"
	}
	return f, nil
}

// Ping reports whether the link store answers.
func (o *Orchestrator) Ping(ctx context.Context) error { return o.store.Ping(ctx) }

func (o *Orchestrator) record(ctx context.Context, typ, key string, data map[string]any) {
	if o.events == nil {
		return
	}
	if err := o.events.Append(ctx, syncx.NewEvent(typ, key, data)); err != nil {
		o.logger.WarnContext(ctx, "event log append failed", "type", typ, "error", err)
	}
}
