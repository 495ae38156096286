package links

import (
	"context"
	"sync"
	"time"

	"github.com/mind-engage/edxbridge/internal/identity"
	"github.com/mind-engage/edxbridge/internal/openedx"
)

// MemoryStore keeps links in process. Used by STORE_DRIVER=memory and tests.
type MemoryStore struct {
	mu      sync.Mutex
	byID    map[string]*AccessLink
	byEmail map[string]string
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: map[string]*AccessLink{}, byEmail: map[string]string{}, now: time.Now}
}

func (s *MemoryStore) GetOrCreate(_ context.Context, id identity.Identity) (AccessLink, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if linkID, ok := s.byEmail[id.Email]; ok {
		l := s.byID[linkID]
		l.Identity.DisplayName = id.DisplayName
		return copyLink(l), false, nil
	}
	tok, err := NewToken()
	if err != nil {
		return AccessLink{}, false, storeError(err, "mint")
	}
	now := s.now().UTC()
	l := &AccessLink{ID: tok, Identity: id, CreatedAt: now, LastUsedAt: now}
	s.byID[tok] = l
	s.byEmail[id.Email] = tok
	return copyLink(l), true, nil
}

func (s *MemoryStore) AttachSession(_ context.Context, linkID string, m openedx.Material) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.byID[linkID]
	if !ok {
		return unknownLink(linkID)
	}
	l.Session = copyMaterial(&m)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, linkID string) (AccessLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.byID[linkID]
	if !ok {
		return AccessLink{}, unknownLink(linkID)
	}
	return copyLink(l), nil
}

func (s *MemoryStore) GetByEmail(_ context.Context, email string) (AccessLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	linkID, ok := s.byEmail[email]
	if !ok {
		return AccessLink{}, unknownEmail(email)
	}
	return copyLink(s.byID[linkID]), nil
}

func (s *MemoryStore) Touch(_ context.Context, linkID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.byID[linkID]
	if !ok {
		return unknownLink(linkID)
	}
	l.LastUsedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// copyLink detaches the returned value from the stored one.
func copyLink(l *AccessLink) AccessLink {
	out := *l
	out.Session = copyMaterial(l.Session)
	return out
}

func copyMaterial(m *openedx.Material) *openedx.Material {
	if m == nil {
		return nil
	}
	c := *m
	c.Cookies = append([]openedx.Cookie(nil), m.Cookies...)
	return &c
}
