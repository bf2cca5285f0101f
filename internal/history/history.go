// Package history exports bus events to external stores as an append-only
// audit trail. Nothing here is read back by the supervisor.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loykin/procwatch/internal/eventbus"
)

// Record is the flattened, storage-friendly form of one bus event.
// For WATCHDOG_ALERT records Status holds the alert type.
type Record struct {
	EventID    string          `json:"event_id"`
	Type       string          `json:"type"`
	Source     string          `json:"source"`
	OccurredAt time.Time       `json:"occurred_at"`
	ProcessID  string          `json:"process_id,omitempty"`
	Status     string          `json:"status,omitempty"`
	Severity   string          `json:"severity,omitempty"`
	Message    string          `json:"message,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Sink is a destination for history records.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, r Record) error
}

// FromEvent flattens e into a Record.
func FromEvent(e eventbus.Event) Record {
	r := Record{
		EventID:    e.ID,
		Type:       string(e.Type),
		Source:     e.Source,
		OccurredAt: e.Timestamp.UTC(),
	}
	if e.Payload != nil {
		if b, err := json.Marshal(e.Payload); err == nil {
			r.Payload = b
		}
	}
	switch p := e.Payload.(type) {
	case eventbus.ProcessPayload:
		r.ProcessID = p.ProcessID
		r.Status = p.Status
		r.Message = string(p.Reason)
		if p.Error != "" {
			r.Message = fmt.Sprintf("%s: %s", p.Reason, p.Error)
		}
		if p.Attempt > 0 {
			r.Message = fmt.Sprintf("%s (attempt %d/%d)", r.Message, p.Attempt, p.MaxAttempts)
		}
	case eventbus.SystemStatusPayload:
		r.Status = p.Status
		r.Message = fmt.Sprintf("%d/%d running, %d healthy, %d restarts",
			p.Metrics.RunningProcesses, p.Metrics.TotalProcesses, p.Metrics.HealthyProcesses, p.Metrics.TotalRestarts)
		if p.Stable {
			r.Message += ", stable"
		}
	case eventbus.AlertPayload:
		r.Status = p.AlertType
		r.Severity = string(p.Severity)
		r.Message = p.Message
	}
	return r
}
