package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loykin/procwatch/internal/eventbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu      sync.Mutex
	records []Record
	err     error
	closed  bool
}

func (m *memSink) Send(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, r)
	return nil
}

func (m *memSink) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *memSink) all() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}

func TestFromEventProcessPayload(t *testing.T) {
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.FixedZone("KST", 9*3600))
	r := FromEvent(eventbus.Event{
		ID:        "e1",
		Type:      eventbus.ProcessError,
		Timestamp: at,
		Source:    "manager",
		Payload: eventbus.ProcessPayload{
			ProcessID:   "db",
			Status:      "restarting",
			Reason:      eventbus.ReasonRestarting,
			Attempt:     1,
			MaxAttempts: 3,
		},
	})
	assert.Equal(t, "e1", r.EventID)
	assert.Equal(t, "PROCESS_ERROR", r.Type)
	assert.Equal(t, "db", r.ProcessID)
	assert.Equal(t, "restarting (attempt 1/3)", r.Message)
	assert.Equal(t, time.UTC, r.OccurredAt.Location())
	assert.Contains(t, string(r.Payload), `"process_id":"db"`)
}

func TestFromEventAlertPayload(t *testing.T) {
	r := FromEvent(eventbus.Event{
		Type: eventbus.WatchdogAlert,
		Payload: eventbus.AlertPayload{
			AlertType: "memory_leak",
			Severity:  eventbus.SeverityWarning,
			Message:   "memory grew",
		},
	})
	assert.Equal(t, "memory_leak", r.Status)
	assert.Equal(t, "warning", r.Severity)
	assert.Equal(t, "memory grew", r.Message)
}

func TestRecorderForwardsAndFlushes(t *testing.T) {
	bus := eventbus.New()
	good := &memSink{}
	bad := &memSink{err: errors.New("unreachable")}
	rec := NewRecorder(bus, []Sink{bad, good})

	bus.Emit(eventbus.Event{Type: eventbus.ProcessStarted, Source: "manager", Payload: eventbus.ProcessPayload{ProcessID: "api", Status: "running"}})
	bus.Emit(eventbus.Event{Type: eventbus.SystemHealthy, Source: "manager", Payload: eventbus.SystemStatusPayload{Status: "healthy"}})

	require.NoError(t, rec.Close())
	got := good.all()
	require.Len(t, got, 2)
	assert.Equal(t, "PROCESS_STARTED", got[0].Type)
	assert.Equal(t, "healthy", got[1].Status)
	assert.True(t, good.closed)

	// closed recorder ignores further events
	bus.Emit(eventbus.Event{Type: eventbus.ProcessStarted})
	assert.Len(t, good.all(), 2)
	require.NoError(t, rec.Close())
}
