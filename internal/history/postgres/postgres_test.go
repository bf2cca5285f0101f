package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/procwatch/internal/history"
)

func TestPostgresSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			t.Errorf("terminate postgres container: %v", err)
		}
	}()

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	sink, err := New(connStr)
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	now := time.Now().UTC()
	require.NoError(t, sink.Send(ctx, history.Record{
		EventID: "a", Type: "PROCESS_STARTED", Source: "manager", OccurredAt: now,
		ProcessID: "worker", Status: "running", Payload: []byte(`{"process_id":"worker"}`),
	}))
	require.NoError(t, sink.Send(ctx, history.Record{
		EventID: "b", Type: "PROCESS_ERROR", Source: "manager", OccurredAt: now,
		ProcessID: "worker", Status: "error", Message: "start_failed: exit 1",
	}))

	var count int
	require.NoError(t, sink.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM event_history WHERE process_id = $1", "worker").Scan(&count))
	assert.Equal(t, 2, count)
}

func TestNewRejectsEmptyDSN(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}
