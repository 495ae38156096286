package errkind

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOf(t *testing.T) {
	assert.Equal(t, Kind(""), Of(nil))
	assert.Equal(t, Internal, Of(errors.New("plain")))

	err := New(UnknownLink).With("link_id_prefix", "abcd").Errorf("no such link")
	assert.Equal(t, UnknownLink, Of(err))
	assert.True(t, Is(fmt.Errorf("wrapped: %w", err), UnknownLink))
	assert.False(t, Is(err, SessionExpired))

	wrapped := New(PlatformUnavailable).Wrapf(errors.New("dial tcp"), "csrf")
	assert.Equal(t, PlatformUnavailable, Of(wrapped))
}

func TestConflictReport(t *testing.T) {
	var err error = &ConflictReport{Email: "a@example.com", SuggestedEmail: "a+fastapi@example.com", Reason: PasswordMismatch}
	assert.Equal(t, PasswordMismatch, Of(fmt.Errorf("reconcile: %w", err)))
	assert.Contains(t, err.Error(), "a+fastapi@example.com")
	assert.Equal(t, http.StatusConflict, HTTPStatus(Of(err)))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		InvalidEmail:                 http.StatusBadRequest,
		InvalidRequest:               http.StatusBadRequest,
		UnknownLink:                  http.StatusNotFound,
		PlatformUnavailable:          http.StatusBadGateway,
		AllPasswordsExhausted:        http.StatusConflict,
		RegistrationValidationFailed: http.StatusUnprocessableEntity,
		SessionExpired:               http.StatusUnauthorized,
		Internal:                     http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, HTTPStatus(kind), kind)
		assert.NotEmpty(t, Remediation(kind), kind)
	}
}
