package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/procwatch/internal/history"
)

// Sink appends history records to a SQLite database.
type Sink struct {
	db *sql.DB
}

// New opens a SQLite sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one connection: an in-memory database is per connection, and sqlite
	// serializes writers anyway
	db.SetMaxOpenConns(1)

	s := &Sink{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS event_history(
		event_id TEXT NOT NULL,
		type TEXT NOT NULL,
		source TEXT NOT NULL,
		occurred_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
		process_id TEXT,
		status TEXT,
		severity TEXT,
		message TEXT,
		payload TEXT
	);`
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

func (s *Sink) Send(ctx context.Context, r history.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_history(event_id, type, source, occurred_at, process_id, status, severity, message, payload)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		r.EventID, r.Type, r.Source, r.OccurredAt.UTC(), r.ProcessID, r.Status, r.Severity, r.Message, string(r.Payload))
	return err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
