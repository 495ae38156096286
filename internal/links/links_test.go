package links

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/edxbridge/internal/db"
	"github.com/mind-engage/edxbridge/internal/errkind"
	"github.com/mind-engage/edxbridge/internal/identity"
	"github.com/mind-engage/edxbridge/internal/openedx"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	out := map[string]Store{"memory": NewMemoryStore()}

	dsn := "file:" + filepath.Join(t.TempDir(), "links.db") + "?_pragma=busy_timeout(5000)"
	sqlDB, err := db.Open(context.Background(), db.DriverSQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	out["sqlite"] = NewSQLStore(sqlDB)

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		t.Cleanup(func() { _ = client.Close() })
		rs := NewRedisStore(client)
		rs.prefix = "edxbridge-test:" + uuid.NewString() + ":"
		out["redis"] = rs
	}
	return out
}

func who(email, name string) identity.Identity {
	return identity.Identity{Email: email, DisplayName: name, Username: identity.Username(email, "user_")}
}

func TestNewToken(t *testing.T) {
	a, err := NewToken()
	require.NoError(t, err)
	b, err := NewToken()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.True(t, WellFormed(a))
	assert.False(t, WellFormed("short"))
	assert.False(t, WellFormed(a[:len(a)-1]+"!"))
	assert.True(t, SameID(a, a))
	assert.False(t, SameID(a, b))
}

func TestStore_GetOrCreateIsIdempotentPerEmail(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first, created, err := s.GetOrCreate(ctx, who("newuser@example.com", "New User"))
			require.NoError(t, err)
			assert.True(t, created)
			assert.Nil(t, first.Session)
			assert.True(t, WellFormed(first.ID))

			second, created, err := s.GetOrCreate(ctx, who("newuser@example.com", "Renamed"))
			require.NoError(t, err)
			assert.False(t, created)
			assert.Equal(t, first.ID, second.ID)
			assert.Equal(t, "Renamed", second.Identity.DisplayName)
			assert.Equal(t, first.Identity.Username, second.Identity.Username)

			other, _, err := s.GetOrCreate(ctx, who("other@example.com", ""))
			require.NoError(t, err)
			assert.NotEqual(t, first.ID, other.ID)
		})
	}
}

func TestStore_ConcurrentCreateYieldsOneLink(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			const n = 16
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				ids     = map[string]bool{}
				created int
			)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					l, c, err := s.GetOrCreate(context.Background(), who("race@example.com", "Race"))
					if !assert.NoError(t, err) {
						return
					}
					mu.Lock()
					defer mu.Unlock()
					ids[l.ID] = true
					if c {
						created++
					}
				}()
			}
			wg.Wait()
			assert.Len(t, ids, 1)
			assert.Equal(t, 1, created)
		})
	}
}

func TestStore_AttachAndGet(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l, _, err := s.GetOrCreate(ctx, who("attach@example.com", "A"))
			require.NoError(t, err)

			m := openedx.Material{
				Cookies:    []openedx.Cookie{{Name: "sessionid", Value: "abc", Path: "/"}},
				CSRFToken:  "tok",
				AcquiredAt: time.Unix(1700000000, 0).UTC(),
				Candidate:  1,
			}
			require.NoError(t, s.AttachSession(ctx, l.ID, m))

			got, err := s.Get(ctx, l.ID)
			require.NoError(t, err)
			require.NotNil(t, got.Session)
			assert.Equal(t, m, *got.Session)
			assert.Equal(t, "attach@example.com", got.Identity.Email)

			byEmail, err := s.GetByEmail(ctx, "attach@example.com")
			require.NoError(t, err)
			assert.Equal(t, l.ID, byEmail.ID)

			require.NoError(t, s.Touch(ctx, l.ID))
			require.NoError(t, s.Ping(ctx))
		})
	}
}

func TestStore_UnknownLink(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			missing, err := NewToken()
			require.NoError(t, err)

			_, err = s.Get(ctx, missing)
			assert.Equal(t, errkind.UnknownLink, errkind.Of(err))
			assert.Equal(t, errkind.UnknownLink, errkind.Of(s.AttachSession(ctx, missing, openedx.Material{})))
			assert.Equal(t, errkind.UnknownLink, errkind.Of(s.Touch(ctx, missing)))
			_, err = s.GetByEmail(ctx, "nobody@example.com")
			assert.Equal(t, errkind.UnknownLink, errkind.Of(err))
		})
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	l, _, err := s.GetOrCreate(ctx, who("copy@example.com", "C"))
	require.NoError(t, err)
	require.NoError(t, s.AttachSession(ctx, l.ID, openedx.Material{Cookies: []openedx.Cookie{{Name: "sessionid", Value: "v"}}}))

	got, err := s.Get(ctx, l.ID)
	require.NoError(t, err)
	got.Session.Cookies[0].Value = "mutated"

	again, err := s.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, "v", again.Session.Cookies[0].Value)
}
