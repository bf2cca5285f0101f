package manager

import (
	"log/slog"
	"time"

	"github.com/loykin/procwatch/internal/sysinfo"
	"k8s.io/utils/clock"
)

const (
	DefaultHealthCheckInterval = 30 * time.Second
	DefaultStabilityWindow     = 30 * time.Minute
	DefaultStartupDelay        = time.Second
	DefaultProbeAttempts       = 3
	DefaultProbeInterval       = time.Second
	DefaultRestartCooldown     = 2 * time.Second
	DefaultLowHealthThreshold  = 50
	DefaultHealthyThreshold    = 70

	// Escalation policy for failing health checks.
	highRestartScore    = 20
	mediumErrorBurst    = 3
	mediumErrorInterval = time.Minute
)

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock replaces the wall clock used for timestamps, tickers, timers and
// delays.
func WithClock(c clock.WithTickerAndDelayedExecution) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithSampler sets the resource reader used for health snapshots and
// MemoryUsageMB. A nil sampler disables resource readings.
func WithSampler(s sysinfo.Sampler) Option {
	return func(m *Manager) {
		m.sampler = s
		m.samplerSet = true
	}
}

func WithHealthCheckInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.healthInterval = d
		}
	}
}

func WithStabilityWindow(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.stabilityWindow = d
		}
	}
}

// WithStartupDelay sets the pause used for processes that do not set their own.
func WithStartupDelay(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.startupDelay = d
		}
	}
}

// WithProbe sets how many initial health probes a start may use and the
// pause between them.
func WithProbe(attempts int, interval time.Duration) Option {
	return func(m *Manager) {
		if attempts > 0 {
			m.probeAttempts = attempts
		}
		if interval >= 0 {
			m.probeInterval = interval
		}
	}
}

func WithRestartCooldown(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.restartCooldown = d
		}
	}
}

// WithHealthThresholds sets the score below which a degraded-health event is
// emitted and the score at or above which a running process counts as healthy.
func WithHealthThresholds(low, healthy int) Option {
	return func(m *Manager) {
		if low >= 0 && low <= 100 {
			m.lowHealth = low
		}
		if healthy >= 0 && healthy <= 100 {
			m.healthyScore = healthy
		}
	}
}

func WithErrorLogSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.errorLogSize = n
		}
	}
}
