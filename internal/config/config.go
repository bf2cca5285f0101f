// Package config loads the daemon configuration file (TOML, YAML or JSON)
// and turns it into runner specs and manager/watchdog options.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/loykin/procwatch/internal/auth"
	"github.com/loykin/procwatch/internal/logger"
	"github.com/loykin/procwatch/internal/manager"
	"github.com/loykin/procwatch/internal/process"
	"github.com/loykin/procwatch/internal/sysinfo"
	itls "github.com/loykin/procwatch/internal/tls"
	"github.com/loykin/procwatch/internal/watchdog"
)

// EnvPrefix prefixes environment overrides, e.g. PROCWATCH_SERVER_LISTEN.
const EnvPrefix = "PROCWATCH"

type Config struct {
	Log       logger.Config   `mapstructure:"log"`
	Manager   ManagerConfig   `mapstructure:"manager"`
	Watchdog  WatchdogConfig  `mapstructure:"watchdog"`
	Server    ServerConfig    `mapstructure:"server"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	History   []HistoryConfig `mapstructure:"history" validate:"dive"`
	Env       []string        `mapstructure:"env" validate:"dive,contains=="`
	EnvFiles  []string        `mapstructure:"env_files"`
	Processes []ProcessConfig `mapstructure:"processes" validate:"dive"`
}

type ManagerConfig struct {
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval" validate:"gt=0"`
	StabilityWindow     time.Duration `mapstructure:"stability_window" validate:"gt=0"`
	SkipStabilityCheck  bool          `mapstructure:"skip_stability_check"`
	StartupDelay        time.Duration `mapstructure:"startup_delay" validate:"gte=0"`
	ProbeAttempts       int           `mapstructure:"probe_attempts" validate:"gte=1"`
	ProbeInterval       time.Duration `mapstructure:"probe_interval" validate:"gte=0"`
	RestartCooldown     time.Duration `mapstructure:"restart_cooldown" validate:"gte=0"`
	LowHealth           int           `mapstructure:"low_health" validate:"gte=0,lte=100"`
	HealthyScore        int           `mapstructure:"healthy_score" validate:"gte=0,lte=100"`
	ErrorLogSize        int           `mapstructure:"error_log_size" validate:"gte=1"`
}

type WatchdogConfig struct {
	Enabled       bool            `mapstructure:"enabled"`
	Interval      time.Duration   `mapstructure:"interval" validate:"gt=0"`
	Retention     time.Duration   `mapstructure:"retention" validate:"gt=0"`
	CPUWindow     time.Duration   `mapstructure:"cpu_window" validate:"gt=0"`
	AlertCapacity int             `mapstructure:"alert_capacity" validate:"gte=1"`
	Policy        watchdog.Policy `mapstructure:"policy"`
}

type ServerConfig struct {
	Enabled  bool         `mapstructure:"enabled"`
	Listen   string       `mapstructure:"listen" validate:"required_if=Enabled true"`
	BasePath string       `mapstructure:"base_path" validate:"omitempty,startswith=/"`
	TLS      itls.Options `mapstructure:"tls"`
	Auth     auth.Config  `mapstructure:"auth"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// HistoryConfig names one history sink by DSN (see history/factory).
type HistoryConfig struct {
	DSN string `mapstructure:"dsn" validate:"required"`
}

// ProcessConfig is one [[processes]] entry.
type ProcessConfig struct {
	ID            string        `mapstructure:"id" validate:"required,excludesall=/\\ "`
	Name          string        `mapstructure:"name"`
	Command       string        `mapstructure:"command" validate:"required"`
	WorkDir       string        `mapstructure:"workdir"`
	Env           []string      `mapstructure:"env" validate:"dive,contains=="`
	PIDFile       string        `mapstructure:"pidfile"`
	CriticalLevel string        `mapstructure:"critical_level" validate:"omitempty,oneof=high medium low"`
	AutoRestart   bool          `mapstructure:"autorestart"`
	MaxRestarts   int           `mapstructure:"max_restarts" validate:"gte=0"`
	DependsOn     []string      `mapstructure:"depends_on" validate:"dive,required"`
	StartupDelay  time.Duration `mapstructure:"startup_delay" validate:"gte=0"`
	StartDuration time.Duration `mapstructure:"startsecs" validate:"gte=0"`
	StopTimeout   time.Duration `mapstructure:"stop_timeout" validate:"gte=0"`
	HealthURL     string        `mapstructure:"health_url" validate:"omitempty,url"`
	HealthCommand string        `mapstructure:"health_command"`
	HealthTimeout time.Duration `mapstructure:"health_timeout" validate:"gte=0"`

	// Log overrides the global [log.file] settings for this process.
	Log *logger.FileConfig `mapstructure:"log"`
}

// Defaults returns a Config holding every default; Load decodes the file
// over it.
func Defaults() Config {
	return Config{
		Log: logger.Config{Slog: logger.SlogConfig{Level: logger.LevelInfo, Format: logger.FormatText, TimeStamps: true}},
		Manager: ManagerConfig{
			HealthCheckInterval: manager.DefaultHealthCheckInterval,
			StabilityWindow:     manager.DefaultStabilityWindow,
			StartupDelay:        manager.DefaultStartupDelay,
			ProbeAttempts:       manager.DefaultProbeAttempts,
			ProbeInterval:       manager.DefaultProbeInterval,
			RestartCooldown:     manager.DefaultRestartCooldown,
			LowHealth:           manager.DefaultLowHealthThreshold,
			HealthyScore:        manager.DefaultHealthyThreshold,
			ErrorLogSize:        process.DefaultErrorLogSize,
		},
		Watchdog: WatchdogConfig{
			Enabled:       true,
			Interval:      watchdog.DefaultInterval,
			Retention:     watchdog.DefaultRetention,
			CPUWindow:     sysinfo.DefaultCPUWindow,
			AlertCapacity: watchdog.DefaultAlertCapacity,
			Policy:        watchdog.DefaultPolicy(),
		},
		Server: ServerConfig{Listen: "127.0.0.1:8090"},
	}
}

// Load reads path, applies PROCWATCH_* environment overrides for keys present
// in the file, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext == "" {
		v.SetConfigType("toml")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Defaults()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints, then that process IDs are unique and
// every dependency names a configured process.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			fe := ve[0]
			return fmt.Errorf("config: field %s fails %q", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("config: %w", err)
	}
	seen := make(map[string]bool, len(c.Processes))
	for _, p := range c.Processes {
		if seen[p.ID] {
			return fmt.Errorf("config: duplicate process id %q", p.ID)
		}
		seen[p.ID] = true
	}
	for _, p := range c.Processes {
		for _, d := range p.DependsOn {
			if !seen[d] {
				return fmt.Errorf("config: process %q depends on unknown process %q", p.ID, d)
			}
		}
	}
	return nil
}

// ManagerOptions converts the [manager] section.
func (c *Config) ManagerOptions() []manager.Option {
	m := c.Manager
	return []manager.Option{
		manager.WithHealthCheckInterval(m.HealthCheckInterval),
		manager.WithStabilityWindow(m.StabilityWindow),
		manager.WithStartupDelay(m.StartupDelay),
		manager.WithProbe(m.ProbeAttempts, m.ProbeInterval),
		manager.WithRestartCooldown(m.RestartCooldown),
		manager.WithHealthThresholds(m.LowHealth, m.HealthyScore),
		manager.WithErrorLogSize(m.ErrorLogSize),
	}
}

// WatchdogOptions converts the [watchdog] section.
func (c *Config) WatchdogOptions() []watchdog.Option {
	w := c.Watchdog
	return []watchdog.Option{
		watchdog.WithInterval(w.Interval),
		watchdog.WithRetention(w.Retention),
		watchdog.WithCPUWindow(w.CPUWindow),
		watchdog.WithAlertCapacity(w.AlertCapacity),
		watchdog.WithPolicy(w.Policy),
	}
}

// loadEnvFile parses KEY=VALUE lines; blank lines and # comments are skipped.
func loadEnvFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			continue
		}
		out = append(out, k+"="+strings.Trim(strings.TrimSpace(v), `"'`))
	}
	return out, nil
}
