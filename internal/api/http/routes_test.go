package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/crypto/bcrypt"

	authmw "github.com/mind-engage/edxbridge/internal/auth/middleware"
	"github.com/mind-engage/edxbridge/internal/bridge"
	"github.com/mind-engage/edxbridge/internal/config"
	"github.com/mind-engage/edxbridge/internal/dashboard"
	"github.com/mind-engage/edxbridge/internal/errkind"
	"github.com/mind-engage/edxbridge/internal/identity"
	"github.com/mind-engage/edxbridge/internal/links"
	"github.com/mind-engage/edxbridge/internal/logging"
	"github.com/mind-engage/edxbridge/internal/openedx/openedxtest"
	"github.com/mind-engage/edxbridge/internal/probe"
	"github.com/mind-engage/edxbridge/internal/reconcile"
	syncx "github.com/mind-engage/edxbridge/internal/sync"
	"github.com/mind-engage/edxbridge/internal/webhook"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"),
	)
}

type testEnv struct {
	srv      *httptest.Server
	platform *openedxtest.Server
	portal   *httptest.Server
	store    *links.MemoryStore
	hooks    chan map[string]any
}

type envOption func(*Deps)

func newEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	env := &testEnv{platform: openedxtest.New(), store: links.NewMemoryStore(), hooks: make(chan map[string]any, 4)}
	t.Cleanup(env.platform.Close)

	env.portal = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p map[string]any
		_ = json.NewDecoder(r.Body).Decode(&p)
		env.hooks <- p
		if p["courseId"] == "reject" {
			http.Error(w, `{"error":"unknown course"}`, http.StatusUnprocessableEntity)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"received":true}`))
	}))
	t.Cleanup(env.portal.Close)

	cfg := config.Config{
		Mode:              config.ModeOffline,
		PublicBaseURL:     "https://bridge.example.org",
		PlatformBaseURL:   env.platform.URL,
		DashboardURL:      env.platform.URL + "/dashboard",
		CSRFPath:          openedxtest.CSRFPath,
		SessionCookies:    []string{"sessionid"},
		DefaultPassword:   "Default!1",
		FallbackPasswords: []string{"password123"},
		AlternateTag:      "fastapi",
		UsernamePrefix:    "user_",
		PlatformTimeout:   5 * time.Second,
		SessionTTL:        time.Hour,
		Refresh:           config.RefreshFull,
		StoreDriver:       "memory",
		FrameAncestors:    []string{"https://portal.example.org"},
		OperatorSecret:    "test-secret",
	}
	log := logging.Discard()
	client := env.platform.Client()
	rec := reconcile.New(client, probe.New(client, nil, log), cfg, log)
	proxy := dashboard.New(client, cfg.PublicBaseURL, cfg.FrameAncestors, log)
	d := Deps{
		Config:    cfg,
		Bridge:    bridge.New(cfg, env.store, rec, proxy, &syncx.MemoryLog{}, log),
		Proxy:     proxy,
		Platform:  client,
		Forwarder: webhook.New(webhook.Config{Target: env.portal.URL}, log),
		Logger:    log,
	}
	for _, o := range opts {
		o(&d)
	}
	r := chi.NewRouter()
	MountBridge(r, d)
	env.srv = httptest.NewServer(r)
	t.Cleanup(env.srv.Close)
	return env
}

func withAuth(t *testing.T) envOption {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	return func(d *Deps) { d.Auth = authmw.NewAuthService("test-secret", "admin", string(hash)) }
}

func (e *testEnv) do(t *testing.T, method, path, accept string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, body)
	require.NoError(t, err)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func (e *testEnv) generate(t *testing.T, email string) bridge.Link {
	t.Helper()
	res := e.do(t, http.MethodPost, "/generate-link", "", strings.NewReader(`{"email":"`+email+`","name":"Test User"}`))
	require.Equal(t, http.StatusOK, res.StatusCode)
	var link bridge.Link
	require.NoError(t, json.NewDecoder(res.Body).Decode(&link))
	return link
}

func newToken(t *testing.T) string {
	t.Helper()
	tok, err := links.NewToken()
	require.NoError(t, err)
	return tok
}

func readAll(t *testing.T, res *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return string(b)
}

func noRedirects(env *testEnv) *http.Client {
	c := *env.srv.Client()
	c.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	return &c
}

func TestGenerateLink_Idempotent(t *testing.T) {
	env := newEnv(t)
	first := env.generate(t, "learner@example.com")
	second := env.generate(t, "LEARNER@example.com")

	assert.Equal(t, first, second)
	assert.True(t, links.WellFormed(first.LinkID))
	assert.Equal(t, "https://bridge.example.org/access/"+first.LinkID, first.URL)
	assert.Equal(t, 1, env.platform.Registrations())
}

func TestGenerateLink_FormRendersPage(t *testing.T) {
	env := newEnv(t)
	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/generate-link",
		strings.NewReader(url.Values{"email": {"form@example.com"}, "name": {"Form"}}.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "text/html")
	res, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, res.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, readAll(t, res), "https://bridge.example.org/access/")
}

func TestGenerateLink_BadInput(t *testing.T) {
	env := newEnv(t)

	res := env.do(t, http.MethodPost, "/generate-link", "", strings.NewReader(`{"email":"not-an-email"}`))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	var body errorBody
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, "INVALID_EMAIL", string(body.Error))

	res = env.do(t, http.MethodPost, "/generate-link", "", strings.NewReader(`{`))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestGenerateLink_ConflictBody(t *testing.T) {
	env := newEnv(t)
	env.platform.AddAccount("taken@example.com", "taken", "unknown-password")

	res := env.do(t, http.MethodPost, "/generate-link", "", strings.NewReader(`{"email":"taken@example.com"}`))
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	var body errorBody
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, "taken+fastapi@example.com", body.SuggestedEmail)
	require.NotEmpty(t, body.Suggestions)
	assert.Equal(t, "Try taken+fastapi@example.com", body.Suggestions[0])
}

func TestAccess_IframeWithoutSessionIsHTML(t *testing.T) {
	env := newEnv(t)
	id, err := identity.New("frame@example.com", "Frame", "user_")
	require.NoError(t, err)
	l, _, err := env.store.GetOrCreate(context.Background(), id)
	require.NoError(t, err)
	require.Nil(t, l.Session)

	res := env.do(t, http.MethodGet, "/access/"+l.ID+"?iframe=1", "application/json", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, res.Header.Get("Content-Type"), "text/html")
	body := readAll(t, res)
	assert.Contains(t, body, "/dashboard-proxy/"+l.ID)
	assert.Contains(t, body, "<iframe")
	assert.Zero(t, env.platform.CSRFFetches(), "the shell never contacts the platform")
	assert.Zero(t, env.platform.DashboardFetches())

	// The framed proxy endpoint does the acquire.
	res = env.do(t, http.MethodGet, "/dashboard-proxy/"+l.ID, "", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, readAll(t, res), "frame@example.com")
}

func TestAccess_Standalone(t *testing.T) {
	env := newEnv(t)
	link := env.generate(t, "solo@example.com")

	res := env.do(t, http.MethodGet, "/access/"+link.LinkID, "text/html", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, readAll(t, res), "solo@example.com")
	assert.Empty(t, res.Header.Get("Content-Security-Policy"))
	assert.Empty(t, res.Header.Get("Access-Control-Allow-Origin"))
}

func TestAccess_UnknownLink(t *testing.T) {
	env := newEnv(t)
	bogus := newToken(t)

	res := env.do(t, http.MethodGet, "/access/"+bogus, "application/json", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	var body errorBody
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, "UNKNOWN_LINK", string(body.Error))

	for _, q := range []string{"?iframe=1", "?embedded=true"} {
		res = env.do(t, http.MethodGet, "/access/"+bogus+q, "application/json", nil)
		assert.Equal(t, http.StatusNotFound, res.StatusCode, q)
		assert.Contains(t, res.Header.Get("Content-Type"), "text/html", q)
	}

	res = env.do(t, http.MethodGet, "/access/garbage", "", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Contains(t, res.Header.Get("Content-Type"), "text/html")
}

func TestDashboardProxy_RelaxesFraming(t *testing.T) {
	env := newEnv(t)
	link := env.generate(t, "proxy@example.com")

	res := env.do(t, http.MethodGet, "/dashboard-proxy/"+link.LinkID, "", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Empty(t, res.Header.Get("X-Frame-Options"))
	assert.Equal(t, "frame-ancestors https://portal.example.org", res.Header.Get("Content-Security-Policy"))
	assert.Equal(t, "*", res.Header.Get("Access-Control-Allow-Origin"))
	body := readAll(t, res)
	assert.Contains(t, body, "https://bridge.example.org/openedx-static/static/css/lms.css")
	assert.Contains(t, body, "https://bridge.example.org/openedx-proxy/"+link.LinkID+"/courses")

	res = env.do(t, http.MethodGet, "/dashboard-proxy/"+newToken(t), "", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "frame-ancestors https://portal.example.org", res.Header.Get("Content-Security-Policy"),
		"the error page stays frameable")

	for _, path := range []string{"/access/" + link.LinkID + "?iframe=1", "/config-check", "/"} {
		res = env.do(t, http.MethodGet, path, "", nil)
		assert.Empty(t, res.Header.Get("Content-Security-Policy"), path)
	}
}

func TestNavigate_RelaxesFraming(t *testing.T) {
	env := newEnv(t)
	link := env.generate(t, "nav@example.com")

	res := env.do(t, http.MethodGet, "/openedx-proxy/"+link.LinkID+"/courses?page=2", "", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Empty(t, res.Header.Get("X-Frame-Options"))
	assert.Equal(t, "frame-ancestors https://portal.example.org", res.Header.Get("Content-Security-Policy"))
	body := readAll(t, res)
	assert.Contains(t, body, "nav@example.com")
	assert.Contains(t, body, `data-q="page=2"`)
	assert.Contains(t, body, "https://bridge.example.org/openedx-proxy/"+link.LinkID+"/dashboard")

	res = env.do(t, http.MethodGet, "/openedx-proxy/"+link.LinkID+"/no-such-page", "", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "frame-ancestors https://portal.example.org", res.Header.Get("Content-Security-Policy"))

	res = env.do(t, http.MethodGet, "/openedx-proxy/"+newToken(t)+"/courses", "", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Contains(t, res.Header.Get("Content-Type"), "text/html")
	assert.Equal(t, "frame-ancestors https://portal.example.org", res.Header.Get("Content-Security-Policy"),
		"the error page stays frameable")
}

func TestNavigate_StaticRedirects(t *testing.T) {
	env := newEnv(t)
	link := env.generate(t, "navstatic@example.com")
	res, err := noRedirects(env).Get(env.srv.URL + "/openedx-proxy/" + link.LinkID + "/static/css/lms.css?v=3")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusTemporaryRedirect, res.StatusCode)
	assert.Equal(t, "/openedx-static/static/css/lms.css?v=3", res.Header.Get("Location"))
}

func TestSSO_RedirectsToAccessLink(t *testing.T) {
	env := newEnv(t)

	res, err := noRedirects(env).Post(env.srv.URL+"/sso", "application/json",
		strings.NewReader(`{"email":"sso@example.com","name":"SSO"}`))
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusSeeOther, res.StatusCode)
	assert.Equal(t, env.generate(t, "sso@example.com").URL, res.Header.Get("Location"))
	assert.Empty(t, res.Cookies(), "no cookie domain configured")
	assert.True(t, env.platform.HasAccount("sso@example.com"))
}

func TestSSO_PlantsSessionCookies(t *testing.T) {
	env := newEnv(t, func(d *Deps) { d.Config.SSOCookieDomain = "example.org" })

	res, err := noRedirects(env).Post(env.srv.URL+"/sso", "application/json",
		strings.NewReader(`{"email":"planted@example.com"}`))
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusSeeOther, res.StatusCode)
	assert.Equal(t, env.platform.URL+"/dashboard", res.Header.Get("Location"))

	byName := map[string]*http.Cookie{}
	for _, ck := range res.Cookies() {
		byName[ck.Name] = ck
	}
	require.Contains(t, byName, "sessionid")
	assert.Equal(t, "example.org", byName["sessionid"].Domain)
	assert.True(t, byName["sessionid"].HttpOnly)
	assert.True(t, byName["sessionid"].Secure)
	require.Contains(t, byName, "csrftoken")
	assert.False(t, byName["csrftoken"].HttpOnly)

	res, err = noRedirects(env).Post(env.srv.URL+"/sso", "application/json", strings.NewReader(`{"email":"bad"}`))
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestAutoLogin(t *testing.T) {
	env := newEnv(t)
	env.platform.AddAccount("known@example.com", "known", "password123")

	res := env.do(t, http.MethodGet, "/auto-login/known@example.com?iframe=1", "", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, res.Header.Get("Content-Type"), "text/html")
	link := res.Header.Get("X-Access-Link")
	require.NotEmpty(t, link)
	assert.True(t, strings.HasPrefix(link, "https://bridge.example.org/access/"))
	assert.Equal(t, link, env.generate(t, "known@example.com").URL)
}

func TestEmailPath_PercentEncoded(t *testing.T) {
	env := newEnv(t)
	env.platform.AddAccount("known+tag@example.com", "knowntag", "password123")

	res := env.do(t, http.MethodGet, "/auto-login/known%2Btag%40example.com", "text/html", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, readAll(t, res), "known+tag@example.com")
	assert.Equal(t, res.Header.Get("X-Access-Link"), env.generate(t, "known+tag@example.com").URL)

	res = env.do(t, http.MethodGet, "/user-status/known%2Btag%40example.com", "", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var st bridge.Status
	require.NoError(t, json.NewDecoder(res.Body).Decode(&st))
	assert.Equal(t, "known+tag@example.com", st.Email)
	assert.True(t, st.HasLink)

	res = env.do(t, http.MethodGet, "/test-flow/known%2Btag%40example.com", "", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestEmailParam_BadEscape(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/user-status/x", nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("email", "bad%zz@example.com")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

	_, err := emailParam(req)
	require.Error(t, err)
	assert.Equal(t, errkind.InvalidEmail, errkind.Of(err))

	rec := httptest.NewRecorder()
	UserStatusHandler(nil).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatic_Allowlist(t *testing.T) {
	env := newEnv(t)

	res := env.do(t, http.MethodGet, "/openedx-static/static/css/lms.css", "", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "text/css", res.Header.Get("Content-Type"))
	assert.Equal(t, "*", res.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "body{margin:0}", readAll(t, res))

	res = env.do(t, http.MethodGet, "/openedx-static/dashboard", "", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestConfigCheck_NoSecrets(t *testing.T) {
	env := newEnv(t)
	res := env.do(t, http.MethodGet, "/config-check", "", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	body := readAll(t, res)

	assert.NotContains(t, body, "Default!1")
	assert.NotContains(t, body, "password123")
	assert.NotContains(t, body, "test-secret")
	var out struct {
		Status string         `json:"status"`
		Config map[string]any `json:"config"`
		Issues []string       `json:"issues"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	assert.Equal(t, "ok", out.Status)
	assert.Equal(t, true, out.Config["default_password_set"])
	assert.Empty(t, out.Issues)
}

func TestTestPlatform(t *testing.T) {
	env := newEnv(t)
	res := env.do(t, http.MethodGet, "/test-openedx", "", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	env.platform.Fail(openedxtest.EndpointCSRF, http.StatusServiceUnavailable)
	res = env.do(t, http.MethodGet, "/test-openedx", "", nil)
	assert.Equal(t, http.StatusBadGateway, res.StatusCode)
}

func TestOperatorRoutes_Open(t *testing.T) {
	env := newEnv(t)
	env.platform.AddAccount("held@example.com", "held", "operator-knows")

	res := env.do(t, http.MethodPost, "/custom-login", "", strings.NewReader(`{"email":"held@example.com","password":"operator-knows"}`))
	assert.Equal(t, http.StatusOK, res.StatusCode)
	var out map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	assert.NotEmpty(t, out["linkId"])

	res = env.do(t, http.MethodGet, "/user-status/held@example.com", "", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var st bridge.Status
	require.NoError(t, json.NewDecoder(res.Body).Decode(&st))
	assert.True(t, st.HasLink)
	assert.True(t, st.HasSession)

	res = env.do(t, http.MethodGet, "/test-flow/held@example.com", "", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestManageExisting_Alternate(t *testing.T) {
	env := newEnv(t)
	env.platform.AddAccount("stuck@example.com", "stuck", "nobody-knows")

	res := env.do(t, http.MethodPost, "/manage-existing-user", "", strings.NewReader(`{"email":"stuck@example.com","name":"Stuck"}`))
	require.Equal(t, http.StatusOK, res.StatusCode)
	var alt bridge.Alternate
	require.NoError(t, json.NewDecoder(res.Body).Decode(&alt))
	assert.True(t, alt.Alternate)
	assert.Equal(t, "stuck@example.com", alt.OriginalEmail)
	assert.NotEqual(t, "stuck@example.com", alt.Email)
	assert.True(t, links.WellFormed(alt.LinkID))
}

func TestOperatorRoutes_RequireToken(t *testing.T) {
	env := newEnv(t, withAuth(t))

	res := env.do(t, http.MethodGet, "/user-status/someone@example.com", "", nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res = env.do(t, http.MethodPost, "/auth/login", "", strings.NewReader(`{"username":"admin","password":"wrong"}`))
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res = env.do(t, http.MethodPost, "/auth/login", "", strings.NewReader(`{"username":"admin","password":"s3cret"}`))
	require.Equal(t, http.StatusOK, res.StatusCode)
	var tok struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&tok))

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/user-status/someone@example.com", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	authed, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	defer authed.Body.Close()
	assert.Equal(t, http.StatusOK, authed.StatusCode)

	// Learner-facing routes stay open.
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/config-check", "", nil).StatusCode)
}

func TestCourseCompleted(t *testing.T) {
	env := newEnv(t)

	res := env.do(t, http.MethodPost, "/webhook/course-completed", "", strings.NewReader(`{"username":"learner","courseId":"course-v1:A+B+C"}`))
	assert.Equal(t, http.StatusOK, res.StatusCode)
	got := <-env.hooks
	assert.Equal(t, "learner", got["username"])

	res = env.do(t, http.MethodPost, "/webhook/course-completed", "", strings.NewReader(`{"username":"learner"}`))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res = env.do(t, http.MethodPost, "/webhook/course-completed", "", strings.NewReader(`{"username":"learner","courseId":"reject"}`))
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
	<-env.hooks
}
