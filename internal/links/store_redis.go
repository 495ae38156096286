package links

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mind-engage/edxbridge/internal/identity"
	"github.com/mind-engage/edxbridge/internal/openedx"
)

// RedisStore keeps each link in a hash under link:<id> and claims emails
// with SETNX on email:<email>. The loser of a creation race drops its
// record and returns the winner's.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "edxbridge:", now: time.Now}
}

func (r *RedisStore) linkKey(id string) string     { return r.prefix + "link:" + id }
func (r *RedisStore) emailKey(email string) string { return r.prefix + "email:" + email }

func (r *RedisStore) GetOrCreate(ctx context.Context, id identity.Identity) (AccessLink, bool, error) {
	if linkID, err := r.client.Get(ctx, r.emailKey(id.Email)).Result(); err == nil {
		return r.rename(ctx, linkID, id.DisplayName)
	} else if !errors.Is(err, redis.Nil) {
		return AccessLink{}, false, storeError(err, "get email")
	}

	tok, err := NewToken()
	if err != nil {
		return AccessLink{}, false, storeError(err, "mint")
	}
	now := strconv.FormatInt(r.now().Unix(), 10)
	// The record is written before the email is claimed so a concurrent
	// loser never observes a claimed email without its link.
	if err := r.client.HSet(ctx, r.linkKey(tok),
		"email", id.Email,
		"display_name", id.DisplayName,
		"username", id.Username,
		"session_json", "",
		"created_at", now,
		"last_used_at", now,
	).Err(); err != nil {
		return AccessLink{}, false, storeError(err, "write link")
	}
	won, err := r.client.SetNX(ctx, r.emailKey(id.Email), tok, 0).Result()
	if err != nil {
		_ = r.client.Del(ctx, r.linkKey(tok)).Err()
		return AccessLink{}, false, storeError(err, "claim email")
	}
	if !won {
		_ = r.client.Del(ctx, r.linkKey(tok)).Err()
		winner, err := r.client.Get(ctx, r.emailKey(id.Email)).Result()
		if err != nil {
			return AccessLink{}, false, storeError(err, "get email")
		}
		return r.rename(ctx, winner, id.DisplayName)
	}
	l, err := r.Get(ctx, tok)
	return l, true, err
}

func (r *RedisStore) rename(ctx context.Context, linkID, name string) (AccessLink, bool, error) {
	if err := r.client.HSet(ctx, r.linkKey(linkID), "display_name", name).Err(); err != nil {
		return AccessLink{}, false, storeError(err, "update name")
	}
	l, err := r.Get(ctx, linkID)
	return l, false, err
}

func (r *RedisStore) AttachSession(ctx context.Context, linkID string, m openedx.Material) error {
	enc, err := m.Encode()
	if err != nil {
		return storeError(err, "encode session")
	}
	return r.setField(ctx, linkID, "session_json", enc)
}

func (r *RedisStore) Touch(ctx context.Context, linkID string) error {
	return r.setField(ctx, linkID, "last_used_at", strconv.FormatInt(r.now().Unix(), 10))
}

// setField updates one field of an existing link. HSET alone would create
// a partial record for an unknown id.
func (r *RedisStore) setField(ctx context.Context, linkID, field, value string) error {
	n, err := r.client.Exists(ctx, r.linkKey(linkID)).Result()
	if err != nil {
		return storeError(err, "exists")
	}
	if n == 0 {
		return unknownLink(linkID)
	}
	if err := r.client.HSet(ctx, r.linkKey(linkID), field, value).Err(); err != nil {
		return storeError(err, "hset "+field)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, linkID string) (AccessLink, error) {
	h, err := r.client.HGetAll(ctx, r.linkKey(linkID)).Result()
	if err != nil {
		return AccessLink{}, storeError(err, "hgetall")
	}
	if len(h) == 0 {
		return AccessLink{}, unknownLink(linkID)
	}
	l := AccessLink{
		ID: linkID,
		Identity: identity.Identity{
			Email:       h["email"],
			DisplayName: h["display_name"],
			Username:    h["username"],
		},
		CreatedAt:  unixField(h["created_at"]),
		LastUsedAt: unixField(h["last_used_at"]),
	}
	if l.Session, err = openedx.DecodeMaterial(h["session_json"]); err != nil {
		return AccessLink{}, storeError(err, "decode session")
	}
	return l, nil
}

func (r *RedisStore) GetByEmail(ctx context.Context, email string) (AccessLink, error) {
	linkID, err := r.client.Get(ctx, r.emailKey(email)).Result()
	if errors.Is(err, redis.Nil) {
		return AccessLink{}, unknownEmail(email)
	}
	if err != nil {
		return AccessLink{}, storeError(err, "get email")
	}
	return r.Get(ctx, linkID)
}

func (r *RedisStore) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func unixField(s string) time.Time {
	n, _ := strconv.ParseInt(s, 10, 64)
	return time.Unix(n, 0).UTC()
}
