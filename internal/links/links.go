// Package links persists AccessLinks: the durable binding from an opaque,
// unguessable link id to an identity and the session material reconciled
// for it. There is at most one link per normalized email.
package links

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/mind-engage/edxbridge/internal/errkind"
	"github.com/mind-engage/edxbridge/internal/identity"
	"github.com/mind-engage/edxbridge/internal/openedx"
)

type AccessLink struct {
	ID         string            `json:"link_id"`
	Identity   identity.Identity `json:"identity"`
	Session    *openedx.Material `json:"-"`
	CreatedAt  time.Time         `json:"created_at"`
	LastUsedAt time.Time         `json:"last_used_at"`
}

// Store is implemented by the SQL, Redis and in-memory backends. The create
// path of GetOrCreate is atomic per email; nothing else is serialized.
type Store interface {
	// GetOrCreate returns the link for id.Email, minting one with no session
	// if none exists. An existing link keeps its id and username but takes
	// the new display name. created reports whether a link was minted.
	GetOrCreate(ctx context.Context, id identity.Identity) (link AccessLink, created bool, err error)
	// AttachSession replaces the session material of linkID.
	AttachSession(ctx context.Context, linkID string, m openedx.Material) error
	Get(ctx context.Context, linkID string) (AccessLink, error)
	GetByEmail(ctx context.Context, email string) (AccessLink, error)
	// Touch records a visit.
	Touch(ctx context.Context, linkID string) error
	Ping(ctx context.Context) error
}

// tokenBytes gives 256 bits of entropy per link id.
const tokenBytes = 32

// NewToken mints a URL-safe link id.
func NewToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("links: failed to generate id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// WellFormed reports whether s could be a link id. Lookups reject anything
// else before touching a backend.
func WellFormed(s string) bool {
	if len(s) != base64.RawURLEncoding.EncodedLen(tokenBytes) {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(s)
	return err == nil
}

// SameID compares link ids in constant time.
func SameID(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func unknownLink(linkID string) error {
	return errkind.New(errkind.UnknownLink).With("link_id_prefix", prefix(linkID)).Errorf("unknown link")
}

func unknownEmail(email string) error {
	return errkind.New(errkind.UnknownLink).With("email", email).Errorf("no link for %s", email)
}

func storeError(err error, op string) error {
	return errkind.New(errkind.Internal).With("operation", op).Wrapf(err, "links: %s", op)
}

// prefix keeps full ids out of logs and error context.
func prefix(id string) string {
	if len(id) > 6 {
		return id[:6]
	}
	return id
}
