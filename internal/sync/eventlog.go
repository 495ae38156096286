// Package syncx records link lifecycle events in the append-only event_log
// table so operators can audit how a link's session was obtained.
package syncx

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"
)

// Event types.
const (
	LinkCreated      = "LinkCreated"
	SessionAttached  = "SessionAttached"
	SessionRefreshed = "SessionRefreshed"
	ConflictReported = "ConflictReported"
	CustomLogin      = "CustomLogin"
	AlternateCreated = "AlternateCreated"
	SSOIssued        = "SSOIssued"
)

// DefaultLogSize caps the in-process and redis logs when no size is set.
const DefaultLogSize = 1000

type Event struct {
	Seq       int64
	SiteID    string
	Type      string
	Key       string // link id, or email when no link exists
	DataJSON  string
	CreatedAt int64
}

// Recorder is what the orchestrator writes events through.
type Recorder interface {
	Append(ctx context.Context, e Event) error
}

// NewEvent builds an Event with data marshalled to JSON.
func NewEvent(typ, key string, data map[string]any) Event {
	b, err := json.Marshal(data)
	if err != nil || data == nil {
		b = []byte("{}")
	}
	return Event{SiteID: "local", Type: typ, Key: key, DataJSON: string(b)}
}

type EventRepo struct{ db *sql.DB }

func NewEventRepo(db *sql.DB) *EventRepo { return &EventRepo{db: db} }

func (r *EventRepo) Append(ctx context.Context, e Event) error {
	if e.SiteID == "" {
		e.SiteID = "local"
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO event_log (site_id, typ, key, data, created_at)
		 VALUES ($1,$2,$3,$4,$5)`,
		e.SiteID, e.Type, e.Key, e.DataJSON, time.Now().Unix())
	return err
}

// ByKey lists events for key, oldest first.
func (r *EventRepo) ByKey(ctx context.Context, key string) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT seq, site_id, typ, key, data, created_at FROM event_log WHERE key=$1 ORDER BY seq`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.Seq, &e.SiteID, &e.Type, &e.Key, &e.DataJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MemoryLog keeps the most recent events in process for the redis and
// memory store drivers. The zero value holds DefaultLogSize events.
type MemoryLog struct {
	mu   sync.Mutex
	size int
	ring []Event
	next int // oldest slot once the ring is full
	seq  int64
}

// NewMemoryLog keeps at most size events; older ones are dropped.
func NewMemoryLog(size int) *MemoryLog { return &MemoryLog{size: size} }

func (m *MemoryLog) capacity() int {
	if m.size > 0 {
		return m.size
	}
	return DefaultLogSize
}

func (m *MemoryLog) Append(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	e.Seq = m.seq
	e.CreatedAt = time.Now().Unix()
	if len(m.ring) < m.capacity() {
		m.ring = append(m.ring, e)
		return nil
	}
	m.ring[m.next] = e
	m.next = (m.next + 1) % len(m.ring)
	return nil
}

// Events returns the retained events, oldest first.
func (m *MemoryLog) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, 0, len(m.ring))
	out = append(out, m.ring[m.next:]...)
	return append(out, m.ring[:m.next]...)
}

// Types lists the retained event types for key, oldest first.
func (m *MemoryLog) Types(key string) []string {
	var out []string
	for _, e := range m.Events() {
		if e.Key == key {
			out = append(out, e.Type)
		}
	}
	return out
}
