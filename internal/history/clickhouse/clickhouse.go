package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/procwatch/internal/history"
)

// Options locate a ClickHouse table over the native protocol.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

// Sink appends history records to ClickHouse using the official client.
type Sink struct {
	conn  driver.Conn
	table string
}

func New(opts Options) (*Sink, error) {
	if opts.Addr == "" {
		opts.Addr = "localhost:9000"
	}
	if opts.Database == "" {
		opts.Database = "default"
	}
	if opts.Username == "" {
		opts.Username = "default"
	}
	if opts.Table == "" {
		opts.Table = "event_history"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	ctx := context.Background()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	s := &Sink{conn: conn, table: opts.Table}
	if err := s.ensureTable(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureTable(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		event_id String,
		type LowCardinality(String),
		source LowCardinality(String),
		occurred_at DateTime64(3),
		process_id String,
		status String,
		severity String,
		message String,
		payload String
	) ENGINE = MergeTree() ORDER BY (occurred_at, type)`, s.table)
	if err := s.conn.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create ClickHouse table %s: %w", s.table, err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, r history.Record) error {
	query := fmt.Sprintf(`INSERT INTO %s (event_id, type, source, occurred_at, process_id, status, severity, message, payload) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)
	err := s.conn.Exec(ctx, query,
		r.EventID,
		r.Type,
		r.Source,
		r.OccurredAt.UTC(),
		r.ProcessID,
		r.Status,
		r.Severity,
		r.Message,
		string(r.Payload),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}
