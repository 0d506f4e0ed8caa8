package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"bazaar/internal/domain"
)

const outboxSchema = `
CREATE TABLE IF NOT EXISTS outbox (
	id              TEXT PRIMARY KEY,
	event           TEXT NOT NULL,
	relays          TEXT NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	next_attempt_at INTEGER NOT NULL,
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS outbox_next_attempt ON outbox (next_attempt_at);
`

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// SQLiteOutbox persists outbox entries in a local SQLite database.
type SQLiteOutbox struct {
	sqlDB *sql.DB
}

// OpenOutbox opens (and migrates) the outbox database at path.
func OpenOutbox(path string) (*SQLiteOutbox, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("outbox path is required")
	}

	dsn := "file:" + filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(outboxSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create outbox schema: %w", err)
	}
	return &SQLiteOutbox{sqlDB: sqlDB}, nil
}

// Close closes the underlying database.
func (s *SQLiteOutbox) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *SQLiteOutbox) Enqueue(ctx context.Context, e domain.OutboxEntry) error {
	ev, relays, err := encodeEntry(e)
	if err != nil {
		return err
	}
	_, err = s.sqlDB.ExecContext(ctx, `
		INSERT INTO outbox (id, event, relays, attempts, last_error, next_attempt_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, ev, relays, e.Attempts, e.LastError, toMillis(e.NextAttemptAt), toMillis(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("enqueue outbox %s: %w", e.ID, err)
	}
	return nil
}

func (s *SQLiteOutbox) Due(ctx context.Context, now time.Time, limit int) ([]domain.OutboxEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT id, event, relays, attempts, last_error, next_attempt_at, created_at
		FROM outbox WHERE next_attempt_at <= ? ORDER BY next_attempt_at, id LIMIT ?`,
		toMillis(now), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var out []domain.OutboxEntry
	for rows.Next() {
		var (
			e         domain.OutboxEntry
			ev        string
			relays    string
			nextAt    int64
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &ev, &relays, &e.Attempts, &e.LastError, &nextAt, &createdAt); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		if err := json.Unmarshal([]byte(ev), &e.Event); err != nil {
			return nil, fmt.Errorf("decode outbox event %s: %w", e.ID, err)
		}
		if err := json.Unmarshal([]byte(relays), &e.Relays); err != nil {
			return nil, fmt.Errorf("decode outbox relays %s: %w", e.ID, err)
		}
		e.NextAttemptAt = fromMillis(nextAt)
		e.CreatedAt = fromMillis(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteOutbox) Update(ctx context.Context, e domain.OutboxEntry) error {
	_, relays, err := encodeEntry(e)
	if err != nil {
		return err
	}
	res, err := s.sqlDB.ExecContext(ctx, `
		UPDATE outbox SET relays = ?, attempts = ?, last_error = ?, next_attempt_at = ?
		WHERE id = ?`,
		relays, e.Attempts, e.LastError, toMillis(e.NextAttemptAt), e.ID,
	)
	if err != nil {
		return fmt.Errorf("update outbox %s: %w", e.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *SQLiteOutbox) Delete(ctx context.Context, id string) error {
	_, err := s.sqlDB.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id)
	return err
}

func encodeEntry(e domain.OutboxEntry) (string, string, error) {
	ev, err := json.Marshal(e.Event)
	if err != nil {
		return "", "", fmt.Errorf("marshal event: %w", err)
	}
	relays := e.Relays
	if relays == nil {
		relays = []string{}
	}
	rb, err := json.Marshal(relays)
	if err != nil {
		return "", "", fmt.Errorf("marshal relays: %w", err)
	}
	return string(ev), string(rb), nil
}

// Compile-time assertion that SQLiteOutbox implements domain.OutboxStore.
var _ domain.OutboxStore = (*SQLiteOutbox)(nil)
