// Package openedxtest is an in-process stand-in for the learning platform:
// CSRF token, registration, login, dashboard, a course page and static
// assets over cookie sessions, with counters plus failure and delay
// injection for tests.
package openedxtest

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mind-engage/edxbridge/internal/openedx"
)

const (
	CSRFPath     = "/csrf/api/v1/token"
	RegisterPath = "/user_api/v1/account/registration/"
	LoginPath    = "/user_api/v1/account/login_session/"
)

var validUsername = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]{1,29}$`)

type account struct {
	Username string
	Name     string
	Password string
}

type Server struct {
	*httptest.Server

	mu       sync.Mutex
	accounts map[string]account // by email
	sessions map[string]string  // sessionid -> email

	// Failure injection; zero means behave normally.
	csrfStatus      int
	registerStatus  int
	loginStatus     int
	dashboardStatus int
	conflictAs400   bool
	hang            map[string]time.Duration

	csrfFetches   int
	registrations int
	logins        []string // passwords in the order they were tried
	dashboards    int
}

func New() *Server {
	s := &Server{accounts: map[string]account{}, sessions: map[string]string{}, hang: map[string]time.Duration{}}
	mux := http.NewServeMux()
	mux.HandleFunc(CSRFPath, s.csrf)
	mux.HandleFunc(RegisterPath, s.register)
	mux.HandleFunc(LoginPath, s.login)
	mux.HandleFunc("/dashboard", s.dashboard)
	mux.HandleFunc("/courses", s.courses)
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body>Sign in</body></html>"))
	})
	mux.HandleFunc("/static/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		_, _ = w.Write([]byte("body{margin:0}"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	s.Server = httptest.NewServer(mux)
	return s
}

// Options points an openedx.Client at this server.
func (s *Server) Options() openedx.Options {
	return openedx.Options{
		BaseURL:        s.URL,
		DashboardURL:   s.URL + "/dashboard",
		CSRFPath:       CSRFPath,
		RegisterPath:   RegisterPath,
		LoginPath:      LoginPath,
		SessionCookies: []string{"sessionid"},
		Timeout:        5 * time.Second,
	}
}

// Client returns a ready openedx.Client for this server.
func (s *Server) Client() *openedx.Client {
	c, err := openedx.New(s.Options())
	if err != nil {
		panic(err)
	}
	return c
}

// AddAccount seeds an existing platform account.
func (s *Server) AddAccount(email, username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[strings.ToLower(email)] = account{Username: username, Password: password}
}

// HasAccount reports whether email is registered.
func (s *Server) HasAccount(email string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.accounts[strings.ToLower(email)]
	return ok
}

// Username returns the registered username for email.
func (s *Server) Username(email string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts[strings.ToLower(email)].Username
}

// Endpoints accepted by Fail and Hang.
const (
	EndpointCSRF      = "csrf"
	EndpointRegister  = "register"
	EndpointLogin     = "login"
	EndpointDashboard = "dashboard"
)

// Fail makes endpoint answer with status until called again with 0.
func (s *Server) Fail(endpoint string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch endpoint {
	case EndpointCSRF:
		s.csrfStatus = status
	case EndpointRegister:
		s.registerStatus = status
	case EndpointLogin:
		s.loginStatus = status
	case EndpointDashboard:
		s.dashboardStatus = status
	}
}

// Hang delays endpoint's answer by d, or until the caller gives up. Zero
// clears it.
func (s *Server) Hang(endpoint string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d <= 0 {
		delete(s.hang, endpoint)
		return
	}
	s.hang[endpoint] = d
}

func (s *Server) stall(r *http.Request, endpoint string) {
	s.mu.Lock()
	d := s.hang[endpoint]
	s.mu.Unlock()
	if d == 0 {
		return
	}
	// A drained body lets the server notice the client hanging up.
	_ = r.ParseForm()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-r.Context().Done():
	}
}

// ConflictAs400 answers duplicate registrations with a 400 body instead of 409.
func (s *Server) ConflictAs400(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflictAs400 = on
}

// ExpireSessions drops every issued session cookie.
func (s *Server) ExpireSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = map[string]string{}
}

// LoginAttempts returns the passwords posted to the login endpoint, in order.
func (s *Server) LoginAttempts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.logins...)
}

func (s *Server) CSRFFetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.csrfFetches
}

func (s *Server) Registrations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registrations
}

func (s *Server) DashboardFetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dashboards
}

func (s *Server) csrf(w http.ResponseWriter, r *http.Request) {
	s.stall(r, EndpointCSRF)
	s.mu.Lock()
	s.csrfFetches++
	status := s.csrfStatus
	s.mu.Unlock()
	if status != 0 {
		http.Error(w, "csrf unavailable", status)
		return
	}
	tok := token()
	http.SetCookie(w, &http.Cookie{Name: "csrftoken", Value: tok, Path: "/"})
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"csrfToken": tok})
}

func csrfOK(r *http.Request) bool {
	ck, err := r.Cookie("csrftoken")
	return err == nil && ck.Value != "" && r.Header.Get("X-CSRFToken") == ck.Value &&
		r.PostFormValue("csrfmiddlewaretoken") == ck.Value
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	s.stall(r, EndpointRegister)
	if r.Method != http.MethodPost {
		http.Error(w, "method", http.StatusMethodNotAllowed)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registrations++
	if s.registerStatus != 0 {
		http.Error(w, "registration unavailable", s.registerStatus)
		return
	}
	if !csrfOK(r) {
		http.Error(w, "CSRF verification failed", http.StatusForbidden)
		return
	}
	email := strings.ToLower(r.PostFormValue("email"))
	username := r.PostFormValue("username")
	if _, exists := s.accounts[email]; exists {
		if s.conflictAs400 {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"email":    []map[string]string{{"user_message": fmt.Sprintf("It looks like %s belongs to an existing account.", email)}},
				"username": []map[string]string{{"user_message": "An account with this username already exists."}},
			})
			return
		}
		writeJSON(w, http.StatusConflict, map[string]any{"email": []map[string]string{{"user_message": "already exists"}}})
		return
	}
	if !validUsername.MatchString(username) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"username": []map[string]string{{"user_message": "Usernames can only contain letters, numerals, underscores and hyphens and must start with a letter."}},
		})
		return
	}
	if len(r.PostFormValue("password")) < 2 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"password": []map[string]string{{"user_message": "This password is too short."}}})
		return
	}
	s.accounts[email] = account{Username: username, Name: r.PostFormValue("name"), Password: r.PostFormValue("password")}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	s.stall(r, EndpointLogin)
	if r.Method != http.MethodPost {
		http.Error(w, "method", http.StatusMethodNotAllowed)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	password := r.PostFormValue("password")
	s.logins = append(s.logins, password)
	if s.loginStatus != 0 {
		http.Error(w, "login unavailable", s.loginStatus)
		return
	}
	if !csrfOK(r) {
		http.Error(w, "CSRF verification failed", http.StatusForbidden)
		return
	}
	acct, ok := s.accounts[strings.ToLower(r.PostFormValue("email"))]
	if !ok || acct.Password != password {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "value": "Email or password is incorrect."})
		return
	}
	sid := token()
	s.sessions[sid] = strings.ToLower(r.PostFormValue("email"))
	http.SetCookie(w, &http.Cookie{Name: "sessionid", Value: sid, Path: "/", HttpOnly: true})
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) dashboard(w http.ResponseWriter, r *http.Request) {
	s.stall(r, EndpointDashboard)
	s.mu.Lock()
	s.dashboards++
	status := s.dashboardStatus
	var email string
	if ck, err := r.Cookie("sessionid"); err == nil {
		email = s.sessions[ck.Value]
	}
	s.mu.Unlock()
	if status != 0 {
		http.Error(w, "dashboard unavailable", status)
		return
	}
	if email == "" {
		http.Redirect(w, r, "/login?next=/dashboard", http.StatusFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "frame-ancestors 'self'")
	fmt.Fprintf(w, `<!DOCTYPE html><html><head><title>Dashboard</title>`+
		`<link rel="stylesheet" href="/static/css/lms.css"></head>`+
		`<body><a href="/courses">Courses</a><img src="/static/logo.png">`+
		`<form action="/logout" method="post"></form><p class="user">%s</p></body></html>`, email)
}

// courses is an authenticated page reached by navigating inside the dashboard.
func (s *Server) courses(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	var email string
	if ck, err := r.Cookie("sessionid"); err == nil {
		email = s.sessions[ck.Value]
	}
	s.mu.Unlock()
	if email == "" {
		http.Redirect(w, r, "/login?next=/courses", http.StatusFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Frame-Options", "DENY")
	fmt.Fprintf(w, `<!DOCTYPE html><html><head><title>Courses</title></head>`+
		`<body><a href="/dashboard">Back</a><ul><li data-q="%s">Course A</li></ul>`+
		`<p class="user">%s</p></body></html>`, r.URL.RawQuery, email)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func token() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
