// Package probe tries candidate passwords against the platform's login
// endpoint for one identity.
//
// Guessing a short list of common passwords is a bounded stop-gap inherited
// from the original bridge, kept until the platform offers real credential
// linking. Keep the list small; every attempt is paced by a shared limiter.
package probe

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/mind-engage/edxbridge/internal/errkind"
	"github.com/mind-engage/edxbridge/internal/identity"
	"github.com/mind-engage/edxbridge/internal/metrics"
	"github.com/mind-engage/edxbridge/internal/openedx"
)

// Candidate is one password and its position in the configured list. Index
// is -1 for passwords supplied by an operator.
type Candidate struct {
	Index    int
	Password string
}

// Candidates numbers passwords in order.
func Candidates(passwords []string) []Candidate {
	out := make([]Candidate, len(passwords))
	for i, p := range passwords {
		out[i] = Candidate{Index: i, Password: p}
	}
	return out
}

// Attempt records one login post; it is never persisted.
type Attempt struct {
	Candidate int
	Status    int
	Succeeded bool
}

type Prober struct {
	client  *openedx.Client
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time
}

// New builds a Prober. A nil limiter means attempts are not paced.
func New(client *openedx.Client, limiter *rate.Limiter, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{client: client, limiter: limiter, logger: logger, now: time.Now}
}

type outcome int

const (
	badCredentials outcome = iota
	succeeded
	abort
)

// Probe tries candidates strictly in order, each with a fresh CSRF token, and
// stops at the first one the platform accepts. Bad-credential answers move on
// to the next candidate; anything else aborts with PlatformUnavailable.
// Exhausting the list yields AllPasswordsExhausted.
func (p *Prober) Probe(ctx context.Context, id identity.Identity, candidates []Candidate) (openedx.Material, []Attempt, error) {
	attempts := make([]Attempt, 0, len(candidates))
	for _, c := range candidates {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return openedx.Material{}, attempts, errkind.New(errkind.PlatformUnavailable).
					With("email", id.Email).Wrapf(err, "login rate limiter")
			}
		}

		sess := p.client.NewSession()
		csrf, err := sess.CSRFToken(ctx)
		if err != nil {
			metrics.ProbeAttempts.WithLabelValues("unavailable").Inc()
			return openedx.Material{}, attempts, err
		}
		res, err := sess.Login(ctx, id.Email, id.Username, c.Password, csrf)
		if err != nil {
			metrics.ProbeAttempts.WithLabelValues("unavailable").Inc()
			return openedx.Material{}, attempts, err
		}

		a := Attempt{Candidate: c.Index, Status: res.Status}
		switch classify(res, sess.Authenticated()) {
		case succeeded:
			a.Succeeded = true
			attempts = append(attempts, a)
			metrics.ProbeAttempts.WithLabelValues("success").Inc()
			p.logger.InfoContext(ctx, "login succeeded", "email", id.Email, "candidate", c.Index, "attempts", len(attempts))
			return sess.Material(csrf, c.Index, p.now()), attempts, nil
		case badCredentials:
			attempts = append(attempts, a)
			metrics.ProbeAttempts.WithLabelValues("bad_credentials").Inc()
			p.logger.InfoContext(ctx, "login rejected", "email", id.Email, "candidate", c.Index, "status", res.Status)
		default:
			attempts = append(attempts, a)
			metrics.ProbeAttempts.WithLabelValues("unavailable").Inc()
			return openedx.Material{}, attempts, errkind.New(errkind.PlatformUnavailable).
				With("email", id.Email).
				With("status", res.Status).
				Errorf("login: unexpected status %d", res.Status)
		}
	}
	return openedx.Material{}, attempts, errkind.New(errkind.AllPasswordsExhausted).
		With("email", id.Email).
		With("attempts", len(attempts)).
		Errorf("no candidate password accepted for %s", id.Email)
}

func classify(res openedx.Response, authenticated bool) outcome {
	switch {
	case res.Status/100 == 2:
		if authenticated {
			return succeeded
		}
		// Some platform versions answer 200 {"success": false} for bad credentials.
		var body struct {
			Success *bool `json:"success"`
		}
		if json.Unmarshal(res.Body, &body) == nil && body.Success != nil && !*body.Success {
			return badCredentials
		}
		return abort
	case res.Status == http.StatusBadRequest, res.Status == http.StatusUnauthorized, res.Status == http.StatusForbidden:
		return badCredentials
	default:
		// 429 included: the platform's own lockout must not be pushed further.
		return abort
	}
}
