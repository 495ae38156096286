// Package errkind names the failure classes the bridge distinguishes and
// carries them as samber/oops codes so they survive wrapping.
package errkind

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/samber/oops"
)

type Kind string

const (
	InvalidEmail                 Kind = "INVALID_EMAIL"
	InvalidRequest               Kind = "INVALID_REQUEST"
	PlatformUnavailable          Kind = "PLATFORM_UNAVAILABLE"
	AllPasswordsExhausted        Kind = "ALL_PASSWORDS_EXHAUSTED"
	PasswordMismatch             Kind = "PASSWORD_MISMATCH"
	UnknownLink                  Kind = "UNKNOWN_LINK"
	SessionExpired               Kind = "SESSION_EXPIRED"
	RegistrationValidationFailed Kind = "REGISTRATION_VALIDATION_FAILED"
	Internal                     Kind = "INTERNAL"
)

// New starts an oops builder tagged with kind.
func New(kind Kind) oops.OopsErrorBuilder {
	return oops.Code(string(kind))
}

// Of returns the kind attached to err, Internal for untagged errors and ""
// for nil.
func Of(err error) Kind {
	if err == nil {
		return ""
	}
	var cr *ConflictReport
	if errors.As(err, &cr) {
		return cr.Reason
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return Internal
	}
	code := fmt.Sprint(oopsErr.Code())
	if code == "" || code == "<nil>" {
		return Internal
	}
	return Kind(code)
}

func Is(err error, kind Kind) bool {
	return err != nil && Of(err) == kind
}

// ConflictReport is returned when an account exists on the platform under a
// password none of the candidates match.
type ConflictReport struct {
	Email          string `json:"email"`
	SuggestedEmail string `json:"suggested_email"`
	Reason         Kind   `json:"reason"`
}

func (c *ConflictReport) Error() string {
	return fmt.Sprintf("account %s exists with an unknown password (%s); try %s", c.Email, c.Reason, c.SuggestedEmail)
}

// HTTPStatus maps a kind onto the status code user-visible responses carry.
func HTTPStatus(kind Kind) int {
	switch kind {
	case InvalidEmail, InvalidRequest:
		return http.StatusBadRequest
	case UnknownLink:
		return http.StatusNotFound
	case PlatformUnavailable:
		return http.StatusBadGateway
	case PasswordMismatch, AllPasswordsExhausted:
		return http.StatusConflict
	case RegistrationValidationFailed:
		return http.StatusUnprocessableEntity
	case SessionExpired:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Remediation returns operator-facing suggestions for a kind.
func Remediation(kind Kind) []string {
	switch kind {
	case InvalidEmail:
		return []string{"Check the email address format"}
	case InvalidRequest:
		return []string{"Check the request body"}
	case UnknownLink:
		return []string{"Request a new link from the portal"}
	case PlatformUnavailable:
		return []string{"The learning platform is not responding; try again in a few minutes"}
	case PasswordMismatch, AllPasswordsExhausted:
		return []string{
			"User may exist with a different password",
			"Use a different email address",
			"Try /manage-existing-user to create an alternative email",
			"Ask an operator to sign in with /custom-login",
		}
	case RegistrationValidationFailed:
		return []string{"The platform rejected the account data; correct the name or email and retry"}
	case SessionExpired:
		return []string{"Reload the page to start a new session"}
	default:
		return []string{"Contact the administrator"}
	}
}
