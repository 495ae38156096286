package probe_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/mind-engage/edxbridge/internal/errkind"
	"github.com/mind-engage/edxbridge/internal/identity"
	"github.com/mind-engage/edxbridge/internal/logging"
	"github.com/mind-engage/edxbridge/internal/metrics"
	"github.com/mind-engage/edxbridge/internal/openedx"
	"github.com/mind-engage/edxbridge/internal/openedx/openedxtest"
	"github.com/mind-engage/edxbridge/internal/probe"
)

var someone = identity.Identity{Email: "someone@example.com", DisplayName: "Someone", Username: "someone"}

func newProber(srv *openedxtest.Server) *probe.Prober {
	return probe.New(srv.Client(), nil, logging.Discard())
}

func TestProbe_ThirdCandidateAccepted(t *testing.T) {
	srv := openedxtest.New()
	defer srv.Close()
	srv.AddAccount(someone.Email, someone.Username, "third")

	before := testutil.ToFloat64(metrics.ProbeAttempts.WithLabelValues("bad_credentials"))
	m, attempts, err := newProber(srv).Probe(context.Background(), someone,
		probe.Candidates([]string{"first", "second", "third", "fourth"}))
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "second", "third"}, srv.LoginAttempts())
	require.Len(t, attempts, 3)
	assert.True(t, attempts[2].Succeeded)
	assert.Equal(t, 2, m.Candidate)
	assert.False(t, m.Empty())
	assert.Equal(t, 3, srv.CSRFFetches(), "fresh csrf token per attempt")
	assert.Equal(t, before+2, testutil.ToFloat64(metrics.ProbeAttempts.WithLabelValues("bad_credentials")))
}

func TestProbe_FirstCandidateShortCircuits(t *testing.T) {
	srv := openedxtest.New()
	defer srv.Close()
	srv.AddAccount(someone.Email, someone.Username, "first")

	_, attempts, err := newProber(srv).Probe(context.Background(), someone,
		probe.Candidates([]string{"first", "second"}))
	require.NoError(t, err)
	assert.Len(t, attempts, 1)
	assert.Equal(t, []string{"first"}, srv.LoginAttempts())
}

func TestProbe_Exhausted(t *testing.T) {
	srv := openedxtest.New()
	defer srv.Close()
	srv.AddAccount(someone.Email, someone.Username, "unguessable")

	_, attempts, err := newProber(srv).Probe(context.Background(), someone,
		probe.Candidates([]string{"a1", "b2", "c3"}))
	require.Error(t, err)
	assert.Equal(t, errkind.AllPasswordsExhausted, errkind.Of(err))
	assert.Len(t, attempts, 3)
	assert.Equal(t, []string{"a1", "b2", "c3"}, srv.LoginAttempts())
}

func TestProbe_CSRFFailureAborts(t *testing.T) {
	srv := openedxtest.New()
	defer srv.Close()
	srv.AddAccount(someone.Email, someone.Username, "third")
	srv.Fail(openedxtest.EndpointCSRF, http.StatusInternalServerError)

	_, attempts, err := newProber(srv).Probe(context.Background(), someone,
		probe.Candidates([]string{"first", "second", "third"}))
	require.Error(t, err)
	assert.Equal(t, errkind.PlatformUnavailable, errkind.Of(err))
	assert.Empty(t, attempts)
	assert.Empty(t, srv.LoginAttempts())
}

func TestProbe_ServerErrorAbortsWithoutMoreAttempts(t *testing.T) {
	srv := openedxtest.New()
	defer srv.Close()
	srv.AddAccount(someone.Email, someone.Username, "third")
	srv.Fail(openedxtest.EndpointLogin, http.StatusServiceUnavailable)

	_, _, err := newProber(srv).Probe(context.Background(), someone,
		probe.Candidates([]string{"first", "second", "third"}))
	assert.Equal(t, errkind.PlatformUnavailable, errkind.Of(err))
	assert.Len(t, srv.LoginAttempts(), 1)
}

func TestProbe_TooManyRequestsAborts(t *testing.T) {
	srv := openedxtest.New()
	defer srv.Close()
	srv.Fail(openedxtest.EndpointLogin, http.StatusTooManyRequests)

	_, _, err := newProber(srv).Probe(context.Background(), someone,
		probe.Candidates([]string{"first", "second"}))
	assert.Equal(t, errkind.PlatformUnavailable, errkind.Of(err))
	assert.Len(t, srv.LoginAttempts(), 1)
}

func TestProbe_LimiterHonoursCancellation(t *testing.T) {
	srv := openedxtest.New()
	defer srv.Close()

	lim := rate.NewLimiter(rate.Limit(0.001), 1)
	require.True(t, lim.Allow()) // drain the burst
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := probe.New(srv.Client(), lim, logging.Discard()).Probe(ctx, someone, probe.Candidates([]string{"x1"}))
	assert.Equal(t, errkind.PlatformUnavailable, errkind.Of(err))
	assert.Empty(t, srv.LoginAttempts())
}

func impatient(t *testing.T, srv *openedxtest.Server) *probe.Prober {
	t.Helper()
	opts := srv.Options()
	opts.Timeout = 100 * time.Millisecond
	c, err := openedx.New(opts)
	require.NoError(t, err)
	return probe.New(c, nil, logging.Discard())
}

func TestCSRFTimeout_AbortsAsUnavailable(t *testing.T) {
	srv := openedxtest.New()
	defer srv.Close()
	srv.AddAccount(someone.Email, someone.Username, "first")
	srv.Hang(openedxtest.EndpointCSRF, 3*time.Second)

	start := time.Now()
	_, attempts, err := impatient(t, srv).Probe(context.Background(), someone,
		probe.Candidates([]string{"first", "second"}))
	require.Error(t, err)
	assert.Equal(t, errkind.PlatformUnavailable, errkind.Of(err))
	assert.Empty(t, attempts)
	assert.Less(t, time.Since(start), 2*time.Second)

	srv.Close()
	assert.Empty(t, srv.LoginAttempts())
	assert.Equal(t, 1, srv.CSRFFetches(), "no further candidates after a timeout")
}

func TestLoginTimeout_AbortsAsUnavailable(t *testing.T) {
	srv := openedxtest.New()
	defer srv.Close()
	srv.AddAccount(someone.Email, someone.Username, "second")
	srv.Hang(openedxtest.EndpointLogin, 3*time.Second)

	_, _, err := impatient(t, srv).Probe(context.Background(), someone,
		probe.Candidates([]string{"first", "second"}))
	require.Error(t, err)
	assert.Equal(t, errkind.PlatformUnavailable, errkind.Of(err))

	srv.Close()
	assert.Equal(t, []string{"first"}, srv.LoginAttempts())
}
