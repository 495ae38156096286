// Package identity holds the (email, name) pair bridged into the platform and
// the deterministic derivations made from it.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"net/mail"
	"strings"

	"github.com/mind-engage/edxbridge/internal/errkind"
)

// maxUsername is the platform's username length limit.
const maxUsername = 30

type Identity struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Username    string `json:"username"`
}

// NormalizeEmail lower-cases and trims email and checks it has a local part
// and a domain.
func NormalizeEmail(email string) (string, error) {
	e := strings.ToLower(strings.TrimSpace(email))
	at := strings.LastIndex(e, "@")
	if at <= 0 || at == len(e)-1 {
		return "", errkind.New(errkind.InvalidEmail).With("email", email).Errorf("invalid email format")
	}
	addr, err := mail.ParseAddress(e)
	if err != nil || addr.Address != e {
		return "", errkind.New(errkind.InvalidEmail).With("email", email).Errorf("invalid email format")
	}
	return e, nil
}

// New builds an Identity with a normalized email and derived username. An
// empty name falls back to the email's local part.
func New(email, name, prefix string) (Identity, error) {
	e, err := NormalizeEmail(email)
	if err != nil {
		return Identity{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = localPart(e)
	}
	return Identity{Email: e, DisplayName: name, Username: Username(e, prefix)}, nil
}

// Username derives a platform-valid username from email. Only ASCII letters,
// digits, underscore and hyphen survive; dots and plus signs become
// underscores. A result that is empty or does not start with a letter gets
// prefix, and an empty local part is replaced by a hash of the address so
// distinct emails stay distinct.
func Username(email, prefix string) string {
	if prefix == "" {
		prefix = "user_"
	}
	local := localPart(strings.ToLower(strings.TrimSpace(email)))
	var b strings.Builder
	for _, r := range local {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		case r == '.' || r == '+':
			b.WriteByte('_')
		}
	}
	u := b.String()
	if u == "" {
		sum := sha256.Sum256([]byte(email))
		u = prefix + hex.EncodeToString(sum[:])[:8]
	} else if !isLetter(u[0]) {
		u = prefix + u
	}
	if len(u) > maxUsername {
		u = u[:maxUsername]
	}
	return u
}

// AlternateEmails lists, in preference order, the addresses tried when the
// original email is taken on the platform under an unknown password.
func AlternateEmails(email, tag string) []string {
	if tag == "" {
		tag = "fastapi"
	}
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return nil
	}
	local, domain := email[:at], email[at+1:]
	return []string{
		local + "+" + tag + "@" + domain,
		local + "_" + tag + "@" + domain,
		local + "_new@" + domain,
		local + "2@" + domain,
		local + "_auto@" + domain,
	}
}

// SuggestedEmail is the first alternate, named in conflict reports.
func SuggestedEmail(email, tag string) string {
	if alts := AlternateEmails(email, tag); len(alts) > 0 {
		return alts[0]
	}
	return ""
}

func localPart(email string) string {
	if at := strings.LastIndex(email, "@"); at >= 0 {
		return email[:at]
	}
	return email
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
