// Package reconcile registers an identity on the platform or, when the
// account already exists, recovers access to it through the credential probe.
package reconcile

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/mind-engage/edxbridge/internal/config"
	"github.com/mind-engage/edxbridge/internal/errkind"
	"github.com/mind-engage/edxbridge/internal/identity"
	"github.com/mind-engage/edxbridge/internal/metrics"
	"github.com/mind-engage/edxbridge/internal/openedx"
	"github.com/mind-engage/edxbridge/internal/probe"
)

// alreadyExists matches the bodies some platform versions send with a 400
// instead of a 409 for duplicate accounts.
var alreadyExists = regexp.MustCompile(`(?i)already (exists|in use|taken|registered)|duplicate|existing account`)

// Outcome says how the session was obtained.
type Outcome string

const (
	Registered Outcome = "registered"
	Recovered  Outcome = "recovered"
)

type Reconciler struct {
	client     *openedx.Client
	prober     *probe.Prober
	candidates []probe.Candidate
	tag        string
	logger     *slog.Logger
}

func New(client *openedx.Client, prober *probe.Prober, cfg config.Config, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		client:     client,
		prober:     prober,
		candidates: probe.Candidates(cfg.Candidates()),
		tag:        cfg.AlternateTag,
		logger:     logger,
	}
}

// Candidates is the ordered candidate list, default password first.
func (r *Reconciler) Candidates() []probe.Candidate { return r.candidates }

// Reconcile registers id with the default password, or probes the candidate
// list when the platform reports the account already exists. Exhausting the
// list returns a *errkind.ConflictReport. Validation failures and platform
// outages are returned as-is and never retried here.
func (r *Reconciler) Reconcile(ctx context.Context, id identity.Identity) (openedx.Material, Outcome, error) {
	m, outcome, err := r.reconcile(ctx, id)
	result := string(outcome)
	if err != nil {
		result = strings.ToLower(string(errkind.Of(err)))
	}
	metrics.Reconciliations.WithLabelValues(result).Inc()
	return m, outcome, err
}

func (r *Reconciler) reconcile(ctx context.Context, id identity.Identity) (openedx.Material, Outcome, error) {
	if len(r.candidates) == 0 {
		return openedx.Material{}, "", errkind.New(errkind.Internal).Errorf("no default password configured")
	}
	sess := r.client.NewSession()
	csrf, err := sess.CSRFToken(ctx)
	if err != nil {
		return openedx.Material{}, "", err
	}
	res, err := sess.Register(ctx, openedx.Registration{
		Email:    id.Email,
		Username: id.Username,
		Name:     id.DisplayName,
		Password: r.candidates[0].Password,
	}, csrf)
	if err != nil {
		return openedx.Material{}, "", err
	}

	switch classify(res) {
	case created:
		r.logger.InfoContext(ctx, "platform account registered", "email", id.Email, "username", id.Username)
		m, _, err := r.prober.Probe(ctx, id, r.candidates[:1])
		return m, Registered, err
	case conflict:
		r.logger.InfoContext(ctx, "platform account exists, probing candidates", "email", id.Email, "status", res.Status)
		m, _, err := r.prober.Probe(ctx, id, r.candidates)
		if errkind.Is(err, errkind.AllPasswordsExhausted) {
			return openedx.Material{}, "", &errkind.ConflictReport{
				Email:          id.Email,
				SuggestedEmail: identity.SuggestedEmail(id.Email, r.tag),
				Reason:         errkind.PasswordMismatch,
			}
		}
		return m, Recovered, err
	case invalid:
		return openedx.Material{}, "", errkind.New(errkind.RegistrationValidationFailed).
			With("email", id.Email).
			With("status", res.Status).
			With("body", string(res.Body)).
			Errorf("registration rejected: %s", strings.TrimSpace(string(res.Body)))
	default:
		return openedx.Material{}, "", errkind.New(errkind.PlatformUnavailable).
			With("email", id.Email).
			With("status", res.Status).
			Errorf("registration: unexpected status %d", res.Status)
	}
}

// Retry logs in with the single candidate at index, used to refresh an
// expired session with the password that worked before.
func (r *Reconciler) Retry(ctx context.Context, id identity.Identity, index int) (openedx.Material, error) {
	if index < 0 || index >= len(r.candidates) {
		return openedx.Material{}, errkind.New(errkind.AllPasswordsExhausted).
			With("email", id.Email).
			Errorf("no previous candidate recorded")
	}
	m, _, err := r.prober.Probe(ctx, id, r.candidates[index:index+1])
	return m, err
}

// Login bypasses the candidate list with an operator-supplied password.
// A rejected password reports PasswordMismatch.
func (r *Reconciler) Login(ctx context.Context, id identity.Identity, password string) (openedx.Material, error) {
	m, _, err := r.prober.Probe(ctx, id, []probe.Candidate{{Index: -1, Password: password}})
	if errkind.Is(err, errkind.AllPasswordsExhausted) {
		return openedx.Material{}, errkind.New(errkind.PasswordMismatch).
			With("email", id.Email).
			Errorf("supplied password rejected for %s", id.Email)
	}
	return m, err
}

type registration int

const (
	created registration = iota
	conflict
	invalid
	failed
)

func classify(res openedx.Response) registration {
	switch {
	case res.Status/100 == 2:
		return created
	case res.Status == http.StatusConflict:
		return conflict
	case res.Status == http.StatusBadRequest && alreadyExists.Match(res.Body):
		return conflict
	case res.Status == http.StatusTooManyRequests:
		return failed
	case res.Status/100 == 4:
		return invalid
	default:
		return failed
	}
}
