// Package store implements the durable, ordered session event log: one
// sqlite-backed table of sessions, one of events, and a per-session
// listener registry for live fan-out.
//
// Grounded on the teacher's internal/event/bus.go for the listener-registry
// shape (map of subscriber slices, non-blocking dispatch) and on
// haasonsaas-nexus's internal/memory/backend/sqlitevec/backend.go for the
// modernc.org/sqlite + database/sql schema-creation style
// (CREATE TABLE/INDEX IF NOT EXISTS in an init step).
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/blah-code/blah-code/pkg/types"
)

// ErrNotFound is returned when a session or event lookup finds nothing.
var ErrNotFound = errors.New("store: not found")

const (
	minListLimit     = 1
	maxListLimit     = 500
	defaultListLimit = 100
	subscriberBuffer = 256
)

// Store is the embedded relational event log described in spec §4.2.
// Storage is a single *sql.DB restricted to one open connection: concurrent
// readers are safe (sqlite allows concurrent readers on one connection
// serialized by the Go driver), and restricting to one connection is the
// simplest way to guarantee "writes serialized per process".
type Store struct {
	db *sql.DB

	subMu       sync.RWMutex
	subscribers map[string][]*Subscription
	nextSubID   uint64
}

// Open opens (creating if necessary) the sqlite database at path and
// ensures the schema, including any legacy-store column migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, subscribers: make(map[string][]*Subscription)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}

	hasName, err := s.hasColumn("sessions", "name")
	if err != nil {
		return err
	}
	if !hasName {
		if _, err := s.db.Exec(`ALTER TABLE sessions ADD COLUMN name TEXT`); err != nil {
			return fmt.Errorf("store: migrate: add name column: %w", err)
		}
	}
	return nil
}

func (s *Store) hasColumn(table, column string) (bool, error) {
	rows, err := s.db.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false, fmt.Errorf("store: table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid, notnull, pk int
			name, ctype      string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, fmt.Errorf("store: table_info(%s) scan: %w", table, err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new session row and returns its id.
func (s *Store) CreateSession() (types.Session, error) {
	id := ulid.Make().String()
	now := time.Now().UTC()

	_, err := s.db.Exec(`INSERT INTO sessions (id, created_at, name) VALUES (?, ?, NULL)`,
		id, now.Format(time.RFC3339Nano))
	if err != nil {
		return types.Session{}, fmt.Errorf("store: create session: %w", err)
	}
	return types.Session{ID: id, CreatedAt: now}, nil
}

// AppendEvent inserts an event row and notifies listeners for its session
// after the row is durably written. Append is the sole mutation path for
// events.
func (s *Store) AppendEvent(sessionID string, kind types.EventKind, payload map[string]any) (types.Event, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return types.Event{}, fmt.Errorf("store: marshal payload: %w", err)
	}

	id := ulid.Make().String()
	now := time.Now().UTC()

	_, err = s.db.Exec(`INSERT INTO events (id, session_id, kind, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, sessionID, string(kind), string(raw), now.Format(time.RFC3339Nano))
	if err != nil {
		return types.Event{}, fmt.Errorf("store: append event: %w", err)
	}

	ev := types.Event{ID: id, SessionID: sessionID, Kind: kind, Payload: payload, CreatedAt: now}
	s.notify(sessionID, ev)
	return ev, nil
}

// ListEvents returns all events for a session ordered by (createdAt, id).
// A row whose payload fails to decode as JSON is surfaced as {"raw": text}
// rather than aborting the whole listing.
func (s *Store) ListEvents(sessionID string) ([]types.Event, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, kind, payload, created_at FROM events
		 WHERE session_id = ? ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	defer rows.Close()

	var out []types.Event
	for rows.Next() {
		var (
			id, sid, kind, payload, createdAt string
		)
		if err := rows.Scan(&id, &sid, &kind, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("store: list events scan: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			ts = time.Time{}
		}

		var decoded map[string]any
		if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
			decoded = map[string]any{"raw": payload}
		}

		out = append(out, types.Event{
			ID:        id,
			SessionID: sid,
			Kind:      types.EventKind(kind),
			Payload:   decoded,
			CreatedAt: ts,
		})
	}
	return out, rows.Err()
}

// ListSessions returns session summaries ordered by the most recent
// activity (last event, or creation time if no events yet). limit is
// clamped to [1, 500].
func (s *Store) ListSessions(limit int) ([]types.SessionSummary, error) {
	if limit < minListLimit {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	rows, err := s.db.Query(`
		SELECT s.id, s.name, s.created_at,
		       MAX(e.created_at) AS last_event_at,
		       COUNT(e.id) AS event_count
		FROM sessions s
		LEFT JOIN events e ON e.session_id = s.id
		GROUP BY s.id
		ORDER BY COALESCE(MAX(e.created_at), s.created_at) DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()

	var out []types.SessionSummary
	for rows.Next() {
		var (
			id, createdAt string
			name          sql.NullString
			lastEventAt   sql.NullString
			eventCount    int
		)
		if err := rows.Scan(&id, &name, &createdAt, &lastEventAt, &eventCount); err != nil {
			return nil, fmt.Errorf("store: list sessions scan: %w", err)
		}
		out = append(out, summaryFromRow(id, name, createdAt, lastEventAt, eventCount))
	}
	return out, rows.Err()
}

func summaryFromRow(id string, name sql.NullString, createdAt string, lastEventAt sql.NullString, eventCount int) types.SessionSummary {
	sum := types.SessionSummary{ID: id, EventCount: eventCount}
	if name.Valid {
		sum.Name = name.String
	}
	if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		sum.CreatedAt = ts
	}
	if lastEventAt.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, lastEventAt.String); err == nil {
			sum.LastEventAt = &ts
		}
	}
	return sum
}

// GetSession returns a single session summary, or ErrNotFound.
func (s *Store) GetSession(id string) (types.SessionSummary, error) {
	row := s.db.QueryRow(`
		SELECT s.id, s.name, s.created_at,
		       MAX(e.created_at) AS last_event_at,
		       COUNT(e.id) AS event_count
		FROM sessions s
		LEFT JOIN events e ON e.session_id = s.id
		WHERE s.id = ?
		GROUP BY s.id`, id)

	var (
		sid, createdAt string
		name           sql.NullString
		lastEventAt    sql.NullString
		eventCount     int
	)
	if err := row.Scan(&sid, &name, &createdAt, &lastEventAt, &eventCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.SessionSummary{}, ErrNotFound
		}
		return types.SessionSummary{}, fmt.Errorf("store: get session: %w", err)
	}
	return summaryFromRow(sid, name, createdAt, lastEventAt, eventCount), nil
}

// UpdateSessionName trims name and sets it; a blank result after trimming
// is a no-op. Returns ErrNotFound if the session does not exist.
func (s *Store) UpdateSessionName(id string, name string) error {
	trimmed := trimSpace(name)
	if trimmed == "" {
		return nil
	}
	res, err := s.db.Exec(`UPDATE sessions SET name = ? WHERE id = ?`, trimmed, id)
	if err != nil {
		return fmt.Errorf("store: update session name: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update session name: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// GetLastSessionID returns the id of the most recently active session
// (the head of ListSessions), or ErrNotFound if the store is empty.
func (s *Store) GetLastSessionID() (string, error) {
	sessions, err := s.ListSessions(1)
	if err != nil {
		return "", err
	}
	if len(sessions) == 0 {
		return "", ErrNotFound
	}
	return sessions[0].ID, nil
}

// Subscription is a live per-session listener handle. Events is a buffered
// channel; under backpressure, sends are non-blocking and excess events are
// dropped, with the drop count exposed via Dropped so a slow consumer can
// detect and report the gap, per spec's "explicitly signaled" fan-out
// requirement.
type Subscription struct {
	id        uint64
	sessionID string
	Events    chan types.Event
	dropped   int64
}

// Dropped returns the number of events dropped for this subscriber so far
// because its buffer was full.
func (sub *Subscription) Dropped() int64 {
	return atomic.LoadInt64(&sub.dropped)
}

// Subscribe registers a listener for sessionID. The caller must invoke the
// returned cancel function to unsubscribe (e.g. on client disconnect).
func (s *Store) Subscribe(sessionID string) (*Subscription, func()) {
	s.subMu.Lock()
	s.nextSubID++
	sub := &Subscription{
		id:        s.nextSubID,
		sessionID: sessionID,
		Events:    make(chan types.Event, subscriberBuffer),
	}
	s.subscribers[sessionID] = append(s.subscribers[sessionID], sub)
	s.subMu.Unlock()

	cancel := func() { s.unsubscribe(sub) }
	return sub, cancel
}

func (s *Store) unsubscribe(sub *Subscription) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	subs := s.subscribers[sub.sessionID]
	for i, other := range subs {
		if other.id == sub.id {
			s.subscribers[sub.sessionID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(s.subscribers[sub.sessionID]) == 0 {
		delete(s.subscribers, sub.sessionID)
	}
}

// notify fans an appended event out to every subscriber of its session,
// in append order, without blocking the caller (the append path).
func (s *Store) notify(sessionID string, ev types.Event) {
	s.subMu.RLock()
	subs := s.subscribers[sessionID]
	s.subMu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.Events <- ev:
		default:
			atomic.AddInt64(&sub.dropped, 1)
		}
	}
}
