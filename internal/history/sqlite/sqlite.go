package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/tessara/warden/internal/history"
)

// Sink writes history events to a SQLite database (modernc.org/sqlite
// driver, CGO-free). DSN is a filesystem path; use ":memory:" for in-memory.
type Sink struct {
	db *sql.DB
}

// New opens a SQLite database at path and ensures the schema exists.
func New(path string) (*Sink, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")

	s := &Sink{db: d}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = d.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS worker_history(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			occurred_at TIMESTAMP NOT NULL,
			event TEXT NOT NULL,
			state TEXT NOT NULL,
			pid INTEGER NOT NULL,
			version TEXT NOT NULL,
			detail TEXT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_worker_history_event ON worker_history(event);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	var detail sql.NullString
	if e.Record.Detail != "" {
		detail = sql.NullString{String: e.Record.Detail, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_history(occurred_at, event, state, pid, version, detail)
		VALUES(?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC(), string(e.Type), e.Record.State, e.Record.PID, e.Record.Version, detail)
	return err
}

func (s *Sink) Close() error { return s.db.Close() }
