// Package openedx talks to the external learning platform over its
// form-based, CSRF-protected, cookie-session web endpoints. All cookie jar
// handling lives here; the rest of the bridge only passes Material values.
package openedx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/mind-engage/edxbridge/internal/config"
	"github.com/mind-engage/edxbridge/internal/errkind"
)

const maxBody = 8 << 20

type Options struct {
	BaseURL        string
	DashboardURL   string
	CSRFPath       string
	RegisterPath   string
	LoginPath      string
	SessionCookies []string
	Timeout        time.Duration
	UserAgent      string
	// Transport overrides http.DefaultTransport (tests).
	Transport http.RoundTripper
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		BaseURL:        cfg.PlatformBaseURL,
		DashboardURL:   cfg.DashboardURL,
		CSRFPath:       cfg.CSRFPath,
		RegisterPath:   cfg.RegisterPath,
		LoginPath:      cfg.LoginPath,
		SessionCookies: cfg.SessionCookies,
		Timeout:        cfg.PlatformTimeout,
		UserAgent:      "edxbridge/1.0",
	}
}

type Client struct {
	opts      Options
	base      *url.URL
	dashboard *url.URL
}

func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("openedx: invalid base url %q", opts.BaseURL)
	}
	if opts.DashboardURL == "" {
		opts.DashboardURL = base.String() + "/dashboard"
	}
	dash, err := url.Parse(opts.DashboardURL)
	if err != nil || dash.Host == "" {
		return nil, fmt.Errorf("openedx: invalid dashboard url %q", opts.DashboardURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "edxbridge/1.0"
	}
	if len(opts.SessionCookies) == 0 {
		opts.SessionCookies = []string{"sessionid"}
	}
	return &Client{opts: opts, base: base, dashboard: dash}, nil
}

// BaseURL is the platform root without a trailing slash.
func (c *Client) BaseURL() string { return c.base.String() }

// DashboardURL is the absolute dashboard address.
func (c *Client) DashboardURL() string { return c.dashboard.String() }

func (c *Client) endpoint(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.base.String() + "/" + strings.TrimLeft(path, "/")
}

func (c *Client) httpClient(jar http.CookieJar) *http.Client {
	return &http.Client{Jar: jar, Timeout: c.opts.Timeout, Transport: c.opts.Transport}
}

func newJar() http.CookieJar {
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	return jar
}

// Response is the status and body of a form post.
type Response struct {
	Status int
	Body   []byte
}

// Session is one cookie-jar-backed conversation with the platform: a CSRF
// fetch followed by a registration or login post.
type Session struct {
	c    *Client
	jar  http.CookieJar
	http *http.Client
}

func (c *Client) NewSession() *Session {
	jar := newJar()
	return &Session{c: c, jar: jar, http: c.httpClient(jar)}
}

// CSRFToken fetches a token from the platform's token endpoint. The token
// comes from the JSON body (csrfToken) or, failing that, the csrftoken cookie.
func (s *Session) CSRFToken(ctx context.Context) (string, error) {
	u := s.c.endpoint(s.c.opts.CSRFPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", errkind.New(errkind.Internal).Wrap(err)
	}
	req.Header.Set("User-Agent", s.c.opts.UserAgent)
	req.Header.Set("Accept", "application/json")
	res, err := s.http.Do(req)
	if err != nil {
		return "", unavailable(err, "csrf fetch")
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, maxBody))
	if res.StatusCode/100 != 2 {
		return "", errkind.New(errkind.PlatformUnavailable).
			With("status", res.StatusCode).
			Errorf("csrf fetch: %s", res.Status)
	}
	var payload struct {
		CSRFToken string `json:"csrfToken"`
	}
	_ = json.Unmarshal(body, &payload)
	if payload.CSRFToken != "" {
		return payload.CSRFToken, nil
	}
	if tok := s.cookie("csrftoken", "edxcsrftoken"); tok != "" {
		return tok, nil
	}
	return "", errkind.New(errkind.PlatformUnavailable).Errorf("csrf fetch: no token in response")
}

// Registration is the account data posted to the registration endpoint.
type Registration struct {
	Email    string
	Username string
	Name     string
	Password string
}

// Register posts the registration form. A non-nil error means the platform
// could not be reached; every HTTP status is returned for the caller to classify.
func (s *Session) Register(ctx context.Context, reg Registration, csrf string) (Response, error) {
	form := url.Values{
		"email":            {reg.Email},
		"password":         {reg.Password},
		"username":         {reg.Username},
		"name":             {reg.Name},
		"terms_of_service": {"true"},
		"honor_code":       {"true"},
	}
	return s.postForm(ctx, s.c.opts.RegisterPath, "/register", form, csrf)
}

// Login posts credentials to the login endpoint.
func (s *Session) Login(ctx context.Context, email, username, password, csrf string) (Response, error) {
	form := url.Values{
		"email":    {email},
		"password": {password},
	}
	if username != "" {
		form.Set("username", username)
	}
	return s.postForm(ctx, s.c.opts.LoginPath, "/login", form, csrf)
}

func (s *Session) postForm(ctx context.Context, path, referer string, form url.Values, csrf string) (Response, error) {
	if csrf != "" {
		form.Set("csrfmiddlewaretoken", csrf)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.c.endpoint(path), strings.NewReader(form.Encode()))
	if err != nil {
		return Response{}, errkind.New(errkind.Internal).Wrap(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", s.c.opts.UserAgent)
	req.Header.Set("Referer", s.c.endpoint(referer))
	if csrf != "" {
		req.Header.Set("X-CSRFToken", csrf)
	}
	res, err := s.http.Do(req)
	if err != nil {
		return Response{}, unavailable(err, "post "+path)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, maxBody))
	return Response{Status: res.StatusCode, Body: body}, nil
}

// Authenticated reports whether the jar holds one of the configured session cookies.
func (s *Session) Authenticated() bool {
	return s.cookie(s.c.opts.SessionCookies...) != ""
}

// Material snapshots the jar into a storable value.
func (s *Session) Material(csrf string, candidate int, now time.Time) Material {
	m := Material{CSRFToken: csrf, AcquiredAt: now.UTC(), Candidate: candidate}
	for _, ck := range s.jar.Cookies(s.c.base) {
		m.Cookies = append(m.Cookies, Cookie{Name: ck.Name, Value: ck.Value, Path: "/"})
	}
	return m
}

func (s *Session) cookie(names ...string) string {
	cookies := s.jar.Cookies(s.c.base)
	for _, n := range names {
		for _, ck := range cookies {
			if ck.Name == n && ck.Value != "" {
				return ck.Value
			}
		}
	}
	return ""
}

// Document is a fetched platform page.
type Document struct {
	Status      int
	ContentType string
	Body        []byte
	URL         string
}

var errLoginRedirect = errors.New("redirected to login")

// Dashboard fetches the authenticated dashboard with m's cookies. A redirect
// to a login page or a 401/403 yields SessionExpired.
func (c *Client) Dashboard(ctx context.Context, m *Material) (*Document, error) {
	return c.authenticatedGet(ctx, m, c.dashboard, "dashboard", false)
}

// Page fetches an arbitrary platform page below the root with m's cookies.
// Session handling matches Dashboard; other 4xx answers come back as a
// Document carrying the platform's status.
func (c *Client) Page(ctx context.Context, m *Material, path, rawQuery string) (*Document, error) {
	if !strings.HasPrefix(path, "/") || strings.HasPrefix(path, "//") {
		return nil, errkind.New(errkind.InvalidRequest).With("path", path).Errorf("page path must be root-relative")
	}
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = rawQuery
	return c.authenticatedGet(ctx, m, &u, "page", true)
}

func (c *Client) authenticatedGet(ctx context.Context, m *Material, target *url.URL, op string, passClientErrors bool) (*Document, error) {
	if m.Empty() {
		return nil, errkind.New(errkind.SessionExpired).Errorf("no session material")
	}
	jar := newJar()
	cookies := m.httpCookies()
	jar.SetCookies(c.base, cookies)
	if target.Host != c.base.Host {
		jar.SetCookies(target, cookies)
	}
	hc := c.httpClient(jar)
	hc.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if isLoginPath(req.URL.Path) {
			return errLoginRedirect
		}
		if len(via) >= 5 {
			return errors.New("too many redirects")
		}
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, errkind.New(errkind.Internal).Wrap(err)
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Accept", "text/html")
	res, err := hc.Do(req)
	if err != nil {
		if errors.Is(err, errLoginRedirect) {
			return nil, errkind.New(errkind.SessionExpired).Errorf("%s redirected to login", op)
		}
		return nil, unavailable(err, op+" fetch")
	}
	defer res.Body.Close()
	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return nil, errkind.New(errkind.SessionExpired).With("status", res.StatusCode).Errorf("%s: %s", op, res.Status)
	case res.StatusCode/100 == 3:
		loc := res.Header.Get("Location")
		if isLoginPath(loc) {
			return nil, errkind.New(errkind.SessionExpired).Errorf("%s redirected to login", op)
		}
		return nil, errkind.New(errkind.PlatformUnavailable).With("location", loc).Errorf("%s: unexpected redirect", op)
	case res.StatusCode/100 == 4 && passClientErrors:
	case res.StatusCode/100 != 2:
		return nil, errkind.New(errkind.PlatformUnavailable).With("status", res.StatusCode).Errorf("%s: %s", op, res.Status)
	}
	body, err := io.ReadAll(io.LimitReader(res.Body, maxBody))
	if err != nil {
		return nil, unavailable(err, op+" read")
	}
	return &Document{
		Status:      res.StatusCode,
		ContentType: res.Header.Get("Content-Type"),
		Body:        body,
		URL:         res.Request.URL.String(),
	}, nil
}

// Static fetches an unauthenticated asset below the platform root.
func (c *Client) Static(ctx context.Context, path, rawQuery string) (*Document, error) {
	u := c.endpoint(path)
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errkind.New(errkind.Internal).Wrap(err)
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	res, err := c.httpClient(nil).Do(req)
	if err != nil {
		return nil, unavailable(err, "static fetch")
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, maxBody))
	if err != nil {
		return nil, unavailable(err, "static read")
	}
	ct := res.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/octet-stream"
	}
	return &Document{Status: res.StatusCode, ContentType: ct, Body: body, URL: u}, nil
}

// Probe is a reachability result for /test-openedx.
type Probe struct {
	URL     string        `json:"url"`
	Status  int           `json:"status,omitempty"`
	Elapsed time.Duration `json:"elapsed_ns"`
	Error   string        `json:"error,omitempty"`
}

// Reach issues an unauthenticated GET to path and reports what came back.
func (c *Client) Reach(ctx context.Context, path string) Probe {
	p := Probe{URL: c.endpoint(path)}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		p.Error = err.Error()
		return p
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	start := time.Now()
	res, err := c.httpClient(nil).Do(req)
	p.Elapsed = time.Since(start)
	if err != nil {
		p.Error = err.Error()
		return p
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, maxBody))
	p.Status = res.StatusCode
	return p
}

func isLoginPath(p string) bool {
	p = strings.ToLower(p)
	return strings.Contains(p, "/login") || strings.Contains(p, "/signin")
}

func unavailable(err error, op string) error {
	return errkind.New(errkind.PlatformUnavailable).With("operation", op).Wrapf(err, "%s", op)
}

