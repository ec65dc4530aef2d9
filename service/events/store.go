package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"pinga/service/database"
)

const DefaultRetention = 7 * 24 * time.Hour

var ErrEventNotFound = errors.New("event not found")

type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
	StatusFailed    Status = "failed"
	StatusIgnored   Status = "ignored"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessed, StatusFailed, StatusIgnored:
		return true
	}
	return false
}

// Event is a stored inbound webhook.
type Event struct {
	ID        string          `json:"id"`
	Source    string          `json:"source"`
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload"`
	Status    Status          `json:"status"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

type eventRow struct {
	ID        string    `db:"id"`
	Source    string    `db:"source"`
	EventType string    `db:"event_type"`
	Payload   []byte    `db:"payload"`
	Status    string    `db:"status"`
	Error     string    `db:"error"`
	CreatedAt time.Time `db:"created_at"`
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		event_type TEXT NOT NULL DEFAULT '',
		payload BLOB NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at)`,
}

type Store struct {
	db        *sqlx.DB
	retention time.Duration
	now       func() time.Time
}

func NewStore(db *sqlx.DB, retention time.Duration) (*Store, error) {
	if err := database.Migrate(db, schema); err != nil {
		return nil, err
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Store{db: db, retention: retention, now: time.Now}, nil
}

// Save records a pending event and fills in its ID and creation time.
func (s *Store) Save(ctx context.Context, e *Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = StatusPending
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	if len(e.Payload) == 0 {
		e.Payload = json.RawMessage("{}")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, source, event_type, payload, status, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Source, e.EventType, []byte(e.Payload), string(e.Status), e.Error, e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("saving event: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*Event, error) {
	var row eventRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM events WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:        row.ID,
		Source:    row.Source,
		EventType: row.EventType,
		Payload:   json.RawMessage(row.Payload),
		Status:    Status(row.Status),
		Error:     row.Error,
		CreatedAt: row.CreatedAt,
	}, nil
}

// UpdateStatus records the processing outcome. errMsg is kept for failures.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status, errMsg string) error {
	if !status.Valid() {
		return fmt.Errorf("invalid event status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE events SET status = ?, error = ? WHERE id = ?`, string(status), errMsg, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEventNotFound
	}
	return nil
}

// Counts returns the number of stored events per status.
func (s *Store) Counts(ctx context.Context) (map[Status]int, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM events GROUP BY status`); err != nil {
		return nil, err
	}
	counts := make(map[Status]int, len(rows))
	for _, r := range rows {
		counts[Status(r.Status)] = r.N
	}
	return counts, nil
}

// Purge deletes events older than the retention window.
func (s *Store) Purge(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.retention).UTC()
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
