package client

import "time"

// ProcessState mirrors the daemon's per-process state.
type ProcessState struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Status          string        `json:"status"`
	StartedAt       time.Time     `json:"started_at,omitzero"`
	StoppedAt       time.Time     `json:"stopped_at,omitzero"`
	LastHealthCheck time.Time     `json:"last_health_check,omitzero"`
	RestartCount    int           `json:"restart_count"`
	Errors          []ErrorEntry  `json:"errors"`
	Uptime          time.Duration `json:"uptime"`
	HealthScore     int           `json:"health_score"`
	Exhausted       bool          `json:"exhausted"`
}

type ErrorEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

type SystemMetrics struct {
	TotalProcesses     int           `json:"total_processes"`
	RunningProcesses   int           `json:"running_processes"`
	HealthyProcesses   int           `json:"healthy_processes"`
	SystemUptime       time.Duration `json:"system_uptime"`
	MemoryUsageMB      float64       `json:"memory_usage_mb"`
	AverageHealthScore float64       `json:"average_health_score"`
	TotalRestarts      int           `json:"total_restarts"`
	LastStabilityCheck time.Time     `json:"last_stability_check,omitzero"`
}

type SystemStatus struct {
	Running   bool           `json:"running"`
	Health    string         `json:"health"`
	Processes []ProcessState `json:"processes"`
	Metrics   SystemMetrics  `json:"metrics"`
	StartedAt time.Time      `json:"started_at,omitzero"`
}

type StartResult struct {
	Success  bool     `json:"success"`
	Message  string   `json:"message"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

type StopResult struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Errors  []string `json:"errors"`
}

type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type WatchdogMetrics struct {
	CPU              []Point   `json:"cpu"`
	Memory           []Point   `json:"memory"`
	ErrorRate        float64   `json:"error_rate"`
	RestartCount     int       `json:"restart_count"`
	PerformanceScore int       `json:"performance_score"`
	StabilityScore   int       `json:"stability_score"`
	MemoryLeak       bool      `json:"memory_leak"`
	LastCollected    time.Time `json:"last_collected,omitzero"`
}

type Alert struct {
	ID        string        `json:"id"`
	Type      string        `json:"type"`
	Severity  string        `json:"severity"`
	Message   string        `json:"message"`
	Timestamp time.Time     `json:"timestamp"`
	Metrics   AlertSnapshot `json:"metrics"`
}

// AlertSnapshot is the watchdog state captured when an alert fired.
type AlertSnapshot struct {
	MemoryMB         float64 `json:"memory_mb"`
	CPUPercent       float64 `json:"cpu_percent"`
	ErrorRate        float64 `json:"error_rate"`
	RestartCount     int     `json:"restart_count"`
	PerformanceScore int     `json:"performance_score"`
	StabilityScore   int     `json:"stability_score"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// LoginResult is the answer to POST /auth/login.
type LoginResult struct {
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
	Token    *Token   `json:"token"`
}

type Token struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}
