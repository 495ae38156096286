package links

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mind-engage/edxbridge/internal/identity"
	"github.com/mind-engage/edxbridge/internal/openedx"
)

// SQLStore keeps links in the access_links table (sqlite or postgres). The
// UNIQUE(email) constraint with ON CONFLICT DO NOTHING makes creation atomic
// per email without holding a lock across requests.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLStore(db *sql.DB) *SQLStore { return &SQLStore{db: db, now: time.Now} }

const selectLink = `SELECT link_id, email, display_name, username, session_json, created_at, last_used_at FROM access_links`

func (s *SQLStore) GetOrCreate(ctx context.Context, id identity.Identity) (AccessLink, bool, error) {
	tok, err := NewToken()
	if err != nil {
		return AccessLink{}, false, storeError(err, "mint")
	}
	now := s.now().Unix()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO access_links (link_id, email, display_name, username, session_json, created_at, last_used_at)
		VALUES ($1,$2,$3,$4,'',$5,$5)
		ON CONFLICT (email) DO NOTHING`,
		tok, id.Email, id.DisplayName, id.Username, now)
	if err != nil {
		return AccessLink{}, false, storeError(err, "insert")
	}
	n, _ := res.RowsAffected()
	created := n == 1
	if !created {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE access_links SET display_name=$1 WHERE email=$2`, id.DisplayName, id.Email); err != nil {
			return AccessLink{}, false, storeError(err, "update name")
		}
	}
	l, err := s.GetByEmail(ctx, id.Email)
	return l, created, err
}

func (s *SQLStore) AttachSession(ctx context.Context, linkID string, m openedx.Material) error {
	enc, err := m.Encode()
	if err != nil {
		return storeError(err, "encode session")
	}
	return s.update(ctx, linkID, `UPDATE access_links SET session_json=$1 WHERE link_id=$2`, enc, linkID)
}

func (s *SQLStore) Touch(ctx context.Context, linkID string) error {
	return s.update(ctx, linkID, `UPDATE access_links SET last_used_at=$1 WHERE link_id=$2`, s.now().Unix(), linkID)
}

func (s *SQLStore) update(ctx context.Context, linkID, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return storeError(err, "update")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return unknownLink(linkID)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, linkID string) (AccessLink, error) {
	l, err := s.scan(s.db.QueryRowContext(ctx, selectLink+` WHERE link_id=$1`, linkID))
	if errors.Is(err, sql.ErrNoRows) {
		return AccessLink{}, unknownLink(linkID)
	}
	return l, err
}

func (s *SQLStore) GetByEmail(ctx context.Context, email string) (AccessLink, error) {
	l, err := s.scan(s.db.QueryRowContext(ctx, selectLink+` WHERE email=$1`, email))
	if errors.Is(err, sql.ErrNoRows) {
		return AccessLink{}, unknownEmail(email)
	}
	return l, err
}

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLStore) scan(row *sql.Row) (AccessLink, error) {
	var (
		l                 AccessLink
		session           string
		created, lastUsed int64
	)
	err := row.Scan(&l.ID, &l.Identity.Email, &l.Identity.DisplayName, &l.Identity.Username, &session, &created, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return AccessLink{}, err
	}
	if err != nil {
		return AccessLink{}, storeError(err, "scan")
	}
	if l.Session, err = openedx.DecodeMaterial(session); err != nil {
		return AccessLink{}, storeError(err, "decode session")
	}
	l.CreatedAt = time.Unix(created, 0).UTC()
	l.LastUsedAt = time.Unix(lastUsed, 0).UTC()
	return l, nil
}
