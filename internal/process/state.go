package process

import (
	"time"
)

// Status is a lifecycle state.
type Status string

const (
	StatusStopped    Status = "stopped"
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusStopping   Status = "stopping"
	StatusError      Status = "error"
	StatusRestarting Status = "restarting"
)

func (s Status) String() string { return string(s) }

// CanStart reports whether a start may begin from s.
func (s Status) CanStart() bool {
	switch s {
	case StatusStopped, StatusError, StatusRestarting:
		return true
	}
	return false
}

const (
	MaxHealthScore = 100
	MinHealthScore = 0
	// DefaultErrorLogSize bounds State.Errors.
	DefaultErrorLogSize = 50
)

// ErrorEntry is one line in a process error log.
type ErrorEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// State is the mutable lifecycle record of one process. The manager owns it;
// everything handed out is a Clone.
type State struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Status          Status        `json:"status"`
	StartedAt       time.Time     `json:"started_at,omitzero"`
	StoppedAt       time.Time     `json:"stopped_at,omitzero"`
	LastHealthCheck time.Time     `json:"last_health_check,omitzero"`
	RestartCount    int           `json:"restart_count"`
	Errors          []ErrorEntry  `json:"errors"`
	Uptime          time.Duration `json:"uptime"`
	HealthScore     int           `json:"health_score"`
	// Exhausted is set once the restart budget is spent. The process stays in
	// error until an operator resets it.
	Exhausted bool `json:"exhausted"`
}

// NewState returns the initial state for a freshly registered process.
func NewState(cfg Config) *State {
	return &State{
		ID:          cfg.ID,
		Name:        cfg.Name,
		Status:      StatusStopped,
		HealthScore: MaxHealthScore,
		Errors:      []ErrorEntry{},
	}
}

// Clone returns a deep copy.
func (s *State) Clone() State {
	c := *s
	c.Errors = append([]ErrorEntry(nil), s.Errors...)
	return c
}

// AppendError adds an entry, dropping the oldest beyond limit.
func (s *State) AppendError(at time.Time, msg string, limit int) {
	if limit <= 0 {
		limit = DefaultErrorLogSize
	}
	s.Errors = append(s.Errors, ErrorEntry{Timestamp: at, Message: msg})
	if over := len(s.Errors) - limit; over > 0 {
		s.Errors = append([]ErrorEntry(nil), s.Errors[over:]...)
	}
}

// ErrorsSince counts log entries at or after t.
func (s *State) ErrorsSince(t time.Time) int {
	n := 0
	for _, e := range s.Errors {
		if !e.Timestamp.Before(t) {
			n++
		}
	}
	return n
}

// AdjustHealth adds delta to the health score and clamps it to [0,100].
func (s *State) AdjustHealth(delta int) int {
	s.HealthScore = ClampScore(s.HealthScore + delta)
	return s.HealthScore
}

// MarkStopped records a stop at t. Uptime grows only when the process was
// running before the stop began.
func (s *State) MarkStopped(at time.Time, wasRunning bool) {
	if wasRunning && !s.StartedAt.IsZero() && at.After(s.StartedAt) {
		s.Uptime += at.Sub(s.StartedAt)
	}
	s.Status = StatusStopped
	s.StoppedAt = at
}

// ClampScore bounds v to [MinHealthScore, MaxHealthScore].
func ClampScore(v int) int {
	if v < MinHealthScore {
		return MinHealthScore
	}
	if v > MaxHealthScore {
		return MaxHealthScore
	}
	return v
}
