package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/procwatch/internal/history"
)

func setupClickHouseContainer(ctx context.Context, t *testing.T) string {
	t.Helper()
	container, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword(""),
		clickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Errorf("terminate clickhouse container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)
	return host + ":" + port.Port()
}

func TestClickHouseSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	addr := setupClickHouseContainer(ctx, t)

	sink, err := New(Options{Addr: addr, Table: "event_history_test"})
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	now := time.Now().UTC()
	for i, typ := range []string{"PROCESS_STARTED", "PROCESS_HEALTH_CHECK", "WATCHDOG_ALERT"} {
		require.NoError(t, sink.Send(ctx, history.Record{
			EventID:    string(rune('a' + i)),
			Type:       typ,
			Source:     "manager",
			OccurredAt: now,
			ProcessID:  "api",
		}))
	}

	var count uint64
	require.NoError(t, sink.conn.QueryRow(ctx, "SELECT count() FROM event_history_test WHERE process_id = 'api'").Scan(&count))
	assert.Equal(t, uint64(3), count)
}

func TestNewFailsWithoutServer(t *testing.T) {
	if testing.Short() {
		t.Skip("dials the network")
	}
	_, err := New(Options{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}
