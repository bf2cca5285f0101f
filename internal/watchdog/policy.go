package watchdog

import "time"

// Policy holds the scoring and alerting thresholds. Memory is in megabytes;
// CPU and error rate are percentages.
type Policy struct {
	MemoryWarnMB      float64 `mapstructure:"memory_warn_mb"`
	MemoryWarnPenalty int     `mapstructure:"memory_warn_penalty"`
	MemoryHighMB      float64 `mapstructure:"memory_high_mb"`
	MemoryHighPenalty int     `mapstructure:"memory_high_penalty"`

	CPUWarnPercent float64 `mapstructure:"cpu_warn_percent"`
	CPUWarnPenalty int     `mapstructure:"cpu_warn_penalty"`
	CPUHighPercent float64 `mapstructure:"cpu_high_percent"`
	CPUHighPenalty int     `mapstructure:"cpu_high_penalty"`

	ErrorRateWarn        float64 `mapstructure:"error_rate_warn"`
	ErrorRateWarnPenalty int     `mapstructure:"error_rate_warn_penalty"`
	ErrorRateHigh        float64 `mapstructure:"error_rate_high"`
	ErrorRateHighPenalty int     `mapstructure:"error_rate_high_penalty"`

	RestartWarn        int `mapstructure:"restart_warn"`
	RestartWarnPenalty int `mapstructure:"restart_warn_penalty"`
	RestartHigh        int `mapstructure:"restart_high"`
	RestartHighPenalty int `mapstructure:"restart_high_penalty"`

	LeakPenalty int `mapstructure:"leak_penalty"`
	// LeakSamples is how many trailing samples the leak heuristic inspects.
	LeakSamples int `mapstructure:"leak_samples"`
	// LeakRatio is the share of increasing consecutive pairs (LeakSamples-1
	// of them) that must be exceeded.
	LeakRatio float64 `mapstructure:"leak_ratio"`

	AlertBurst        int           `mapstructure:"alert_burst"`
	AlertBurstWindow  time.Duration `mapstructure:"alert_burst_window"`
	AlertBurstPenalty int           `mapstructure:"alert_burst_penalty"`

	// PerformanceAlertBelow raises performance_degradation under this score.
	PerformanceAlertBelow int `mapstructure:"performance_alert_below"`
}

// DefaultPolicy returns the stock thresholds.
func DefaultPolicy() Policy {
	return Policy{
		MemoryWarnMB:      500,
		MemoryWarnPenalty: 20,
		MemoryHighMB:      1024,
		MemoryHighPenalty: 30,

		CPUWarnPercent: 70,
		CPUWarnPenalty: 15,
		CPUHighPercent: 90,
		CPUHighPenalty: 25,

		ErrorRateWarn:        10,
		ErrorRateWarnPenalty: 20,
		ErrorRateHigh:        25,
		ErrorRateHighPenalty: 30,

		RestartWarn:        3,
		RestartWarnPenalty: 20,
		RestartHigh:        10,
		RestartHighPenalty: 40,

		LeakPenalty: 30,
		LeakSamples: 10,
		LeakRatio:   0.89,

		AlertBurst:        5,
		AlertBurstWindow:  10 * time.Minute,
		AlertBurstPenalty: 25,

		PerformanceAlertBelow: 50,
	}
}

// PerformanceScore scores resource pressure from rolling averages.
func (p Policy) PerformanceScore(avgMemMB, avgCPU, errorRate float64) int {
	score := 100
	if avgMemMB > p.MemoryWarnMB {
		score -= p.MemoryWarnPenalty
	}
	if avgMemMB > p.MemoryHighMB {
		score -= p.MemoryHighPenalty
	}
	if avgCPU > p.CPUWarnPercent {
		score -= p.CPUWarnPenalty
	}
	if avgCPU > p.CPUHighPercent {
		score -= p.CPUHighPenalty
	}
	if errorRate > p.ErrorRateWarn {
		score -= p.ErrorRateWarnPenalty
	}
	if errorRate > p.ErrorRateHigh {
		score -= p.ErrorRateHighPenalty
	}
	return clamp(score)
}

// StabilityScore scores volatility from restarts, a leak trend and the number
// of alerts raised within AlertBurstWindow.
func (p Policy) StabilityScore(restarts int, leak bool, recentAlerts int) int {
	score := 100
	if restarts > p.RestartWarn {
		score -= p.RestartWarnPenalty
	}
	if restarts > p.RestartHigh {
		score -= p.RestartHighPenalty
	}
	if leak {
		score -= p.LeakPenalty
	}
	if recentAlerts > p.AlertBurst {
		score -= p.AlertBurstPenalty
	}
	return clamp(score)
}

func clamp(v int) int {
	return min(100, max(0, v))
}
