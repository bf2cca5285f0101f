package eventbus

import "time"

// Type identifies an event. The set is closed: subscribers switch on it.
type Type string

const (
	ProcessStarted     Type = "PROCESS_STARTED"
	ProcessError       Type = "PROCESS_ERROR"
	ProcessHealthCheck Type = "PROCESS_HEALTH_CHECK"
	SystemHealthy      Type = "SYSTEM_HEALTHY"
	SystemDegraded     Type = "SYSTEM_DEGRADED"
	SystemError        Type = "SYSTEM_ERROR"
	WatchdogAlert      Type = "WATCHDOG_ALERT"
)

// Types lists every event type in a stable order.
func Types() []Type {
	return []Type{
		ProcessStarted,
		ProcessError,
		ProcessHealthCheck,
		SystemHealthy,
		SystemDegraded,
		SystemError,
		WatchdogAlert,
	}
}

// SystemTypes are the aggregate status events published by the manager.
func SystemTypes() []Type { return []Type{SystemHealthy, SystemDegraded, SystemError} }

// Valid reports whether t belongs to the closed vocabulary.
func (t Type) Valid() bool {
	switch t {
	case ProcessStarted, ProcessError, ProcessHealthCheck,
		SystemHealthy, SystemDegraded, SystemError, WatchdogAlert:
		return true
	}
	return false
}

// Event is the envelope delivered to handlers. Payload holds one of
// ProcessPayload, SystemStatusPayload or AlertPayload depending on Type.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Payload   any       `json:"payload"`
}

// Reason refines a process event.
type Reason string

const (
	ReasonStarted             Reason = "started"
	ReasonStartFailed         Reason = "start_failed"
	ReasonStopFailed          Reason = "stop_failed"
	ReasonRestarting          Reason = "restarting"
	ReasonMaxRestartsExceeded Reason = "max_restarts_exceeded"
	ReasonHealthCheckFailed   Reason = "health_check_failed"
	ReasonLowHealth           Reason = "low_health"
)

// Resources is a point-in-time resource snapshot of the host process.
type Resources struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb"`
}

// ProcessPayload accompanies PROCESS_* events.
type ProcessPayload struct {
	ProcessID   string     `json:"process_id"`
	ProcessName string     `json:"process_name"`
	Status      string     `json:"status"`
	Reason      Reason     `json:"reason,omitempty"`
	Error       string     `json:"error,omitempty"`
	HealthScore int        `json:"health_score"`
	Attempt     int        `json:"attempt,omitempty"`
	MaxAttempts int        `json:"max_attempts,omitempty"`
	Resources   *Resources `json:"resources,omitempty"`
}

// ServiceState is the coarse status of one process inside a system status event.
type ServiceState string

const (
	ServiceUp       ServiceState = "up"
	ServiceDegraded ServiceState = "degraded"
	ServiceDown     ServiceState = "down"
)

// ServiceStatus describes one managed process as seen by the manager.
type ServiceStatus struct {
	ID     string       `json:"id"`
	Name   string       `json:"name"`
	Status ServiceState `json:"status"`
	// ResponseAge is the time since the last health check, zero when never checked.
	ResponseAge time.Duration `json:"response_age"`
}

// SystemCounters is the numeric part of a system status event.
type SystemCounters struct {
	Uptime           time.Duration `json:"uptime"`
	TotalProcesses   int           `json:"total_processes"`
	RunningProcesses int           `json:"running_processes"`
	HealthyProcesses int           `json:"healthy_processes"`
	TotalRestarts    int           `json:"total_restarts"`
}

// SystemStatusPayload accompanies SYSTEM_* events.
type SystemStatusPayload struct {
	Status   string          `json:"status"`
	Stable   bool            `json:"stable,omitempty"`
	Services []ServiceStatus `json:"services"`
	Metrics  SystemCounters  `json:"metrics"`
}

// Severity grades a watchdog alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertSnapshot is the watchdog state attached to an alert.
type AlertSnapshot struct {
	MemoryMB         float64 `json:"memory_mb"`
	CPUPercent       float64 `json:"cpu_percent"`
	ErrorRate        float64 `json:"error_rate"`
	RestartCount     int     `json:"restart_count"`
	PerformanceScore int     `json:"performance_score"`
	StabilityScore   int     `json:"stability_score"`
}

// AlertPayload accompanies WATCHDOG_ALERT events.
type AlertPayload struct {
	AlertType string        `json:"alert_type"`
	Severity  Severity      `json:"severity"`
	Message   string        `json:"message"`
	Metrics   AlertSnapshot `json:"metrics"`
}
