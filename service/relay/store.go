package relay

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"pinga/service/credentials"
	"pinga/service/database"
)

const (
	DefaultTTL        = 24 * time.Hour
	DefaultMaxEntries = 10000
)

// Store persists task mappings. Get returns ErrTaskNotFound for missing or
// expired entries.
type Store interface {
	Put(ctx context.Context, m Mapping) error
	Get(ctx context.Context, taskID string) (Mapping, error)
	Sweep(ctx context.Context) (int, error)
}

// MemoryStore keeps mappings in process memory, bounded by a TTL and a
// maximum entry count. Expired entries are pruned first, then the oldest.
type MemoryStore struct {
	mu         sync.RWMutex
	entries    map[string]Mapping
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

func NewMemoryStore(ttl time.Duration, maxEntries int) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &MemoryStore{
		entries:    make(map[string]Mapping),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (s *MemoryStore) Put(_ context.Context, m Mapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC()
	}
	s.entries[m.TaskID] = m

	if len(s.entries) > s.maxEntries {
		s.pruneLocked()
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, taskID string) (Mapping, error) {
	s.mu.RLock()
	m, ok := s.entries[taskID]
	s.mu.RUnlock()

	if !ok || s.expired(m, s.now()) {
		return Mapping{}, ErrTaskNotFound
	}
	return m, nil
}

func (s *MemoryStore) Sweep(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, m := range s.entries {
		if s.expired(m, now) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *MemoryStore) expired(m Mapping, now time.Time) bool {
	return now.Sub(m.CreatedAt) > s.ttl
}

// pruneLocked makes room once the store is over capacity. Expired entries go
// first; if that is not enough the oldest tenth is dropped in one pass so
// the sort runs once per batch of inserts.
func (s *MemoryStore) pruneLocked() {
	now := s.now()
	for id, m := range s.entries {
		if s.expired(m, now) {
			delete(s.entries, id)
		}
	}
	if len(s.entries) <= s.maxEntries {
		return
	}

	oldest := make([]Mapping, 0, len(s.entries))
	for _, m := range s.entries {
		oldest = append(oldest, m)
	}
	sort.Slice(oldest, func(i, j int) bool {
		return oldest[i].CreatedAt.Before(oldest[j].CreatedAt)
	})
	keep := s.maxEntries - s.maxEntries/10
	for _, m := range oldest[:len(oldest)-keep] {
		delete(s.entries, m.TaskID)
	}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS task_mappings (
		task_id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL,
		channel TEXT NOT NULL,
		token TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_task_mappings_created_at ON task_mappings(created_at)`,
}

// SQLStore keeps mappings in SQLite so they survive restarts. Tokens are
// sealed at rest.
type SQLStore struct {
	db     *sqlx.DB
	sealer *credentials.Sealer
	ttl    time.Duration
	now    func() time.Time
}

func NewSQLStore(db *sqlx.DB, sealer *credentials.Sealer, ttl time.Duration) (*SQLStore, error) {
	if err := database.Migrate(db, schema); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &SQLStore{db: db, sealer: sealer, ttl: ttl, now: time.Now}, nil
}

func (s *SQLStore) Put(ctx context.Context, m Mapping) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC()
	}
	token, err := s.sealer.Seal(m.Token)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_mappings (task_id, chat_id, channel, token, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			chat_id = excluded.chat_id,
			channel = excluded.channel,
			token = excluded.token,
			created_at = excluded.created_at
	`, m.TaskID, m.ChatID, string(m.Channel), token, m.CreatedAt.UTC())
	return err
}

func (s *SQLStore) Get(ctx context.Context, taskID string) (Mapping, error) {
	var m Mapping
	err := s.db.GetContext(ctx, &m, `SELECT task_id, chat_id, channel, token, created_at FROM task_mappings WHERE task_id = ?`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return Mapping{}, ErrTaskNotFound
	}
	if err != nil {
		return Mapping{}, err
	}
	if s.now().Sub(m.CreatedAt) > s.ttl {
		return Mapping{}, ErrTaskNotFound
	}
	m.Token, err = s.sealer.Open(m.Token)
	if err != nil {
		return Mapping{}, err
	}
	return m, nil
}

func (s *SQLStore) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.ttl).UTC()
	res, err := s.db.ExecContext(ctx, `DELETE FROM task_mappings WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
