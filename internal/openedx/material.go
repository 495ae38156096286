package openedx

import (
	"encoding/json"
	"net/http"
	"time"
)

// Cookie is the persisted subset of an http.Cookie.
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Path   string `json:"path,omitempty"`
	Domain string `json:"domain,omitempty"`
}

// Material is the authenticated-session state obtained from the platform.
// Outside this package it is treated as an opaque value: callers store it,
// check Stale, and hand it back to Dashboard.
type Material struct {
	Cookies    []Cookie  `json:"cookies"`
	CSRFToken  string    `json:"csrf_token,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
	// Candidate is the index of the password that produced this session in
	// the configured candidate list, or -1 for operator-supplied passwords.
	Candidate int `json:"candidate"`
}

// Empty reports whether m carries no session cookies.
func (m *Material) Empty() bool {
	return m == nil || len(m.Cookies) == 0
}

// Stale reports whether m is absent or older than ttl. A zero ttl never expires.
func (m *Material) Stale(now time.Time, ttl time.Duration) bool {
	if m.Empty() {
		return true
	}
	return ttl > 0 && now.Sub(m.AcquiredAt) > ttl
}

// Encode serialises m for storage.
func (m Material) Encode() (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeMaterial reverses Encode. An empty string yields nil.
func DecodeMaterial(s string) (*Material, error) {
	if s == "" {
		return nil, nil
	}
	var m Material
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Material) httpCookies() []*http.Cookie {
	out := make([]*http.Cookie, 0, len(m.Cookies))
	for _, c := range m.Cookies {
		out = append(out, &http.Cookie{Name: c.Name, Value: c.Value, Path: c.Path})
	}
	return out
}
