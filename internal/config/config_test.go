package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/procwatch/internal/logger"
	"github.com/loykin/procwatch/internal/manager"
	"github.com/loykin/procwatch/internal/process"
	"github.com/loykin/procwatch/internal/runner"
	"github.com/loykin/procwatch/internal/watchdog"
)

func writeFile(t *testing.T, name, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(data), 0o600))
	return p
}

const fullTOML = `
env = ["APP_HOME=/srv/app", "MODE=prod"]

[log.slog]
level = "debug"
format = "json"

[log.file]
dir = "/var/log/procwatch"
max_size_mb = 20

[manager]
health_check_interval = "10s"
stability_window = "5m"
startup_delay = "0s"
probe_attempts = 5
restart_cooldown = "500ms"

[watchdog]
interval = "15s"

[watchdog.policy]
memory_warn_mb = 256
alert_burst_window = "2m"

[server]
enabled = true
listen = ":9000"

[metrics]
enabled = true

[[history]]
dsn = "sqlite:///var/lib/procwatch/history.db"

[[processes]]
id = "db"
command = "postgres -D /data"
critical_level = "high"
autorestart = true
max_restarts = 3
health_command = "pg_isready"

[[processes]]
id = "api"
name = "API server"
command = "api --port 8080"
depends_on = ["db"]
env = ["PORT=8080"]
health_url = "http://127.0.0.1:8080/healthz"
stop_timeout = "3s"
startsecs = "1s"
  [processes.log]
  dir = "/var/log/api"
`

func TestLoadFullTOML(t *testing.T) {
	cfg, err := Load(writeFile(t, "procwatch.toml", fullTOML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Slog.Level)
	assert.Equal(t, "json", cfg.Log.Slog.Format)
	assert.Equal(t, 10*time.Second, cfg.Manager.HealthCheckInterval)
	assert.Equal(t, time.Duration(0), cfg.Manager.StartupDelay)
	assert.Equal(t, 5, cfg.Manager.ProbeAttempts)
	// untouched keys keep their defaults
	assert.Equal(t, manager.DefaultProbeInterval, cfg.Manager.ProbeInterval)
	assert.Equal(t, manager.DefaultHealthyThreshold, cfg.Manager.HealthyScore)

	assert.True(t, cfg.Watchdog.Enabled)
	assert.Equal(t, 15*time.Second, cfg.Watchdog.Interval)
	assert.Equal(t, 256.0, cfg.Watchdog.Policy.MemoryWarnMB)
	assert.Equal(t, 2*time.Minute, cfg.Watchdog.Policy.AlertBurstWindow)
	assert.Equal(t, watchdog.DefaultPolicy().MemoryHighMB, cfg.Watchdog.Policy.MemoryHighMB)

	assert.True(t, cfg.Server.Enabled)
	assert.Equal(t, ":9000", cfg.Server.Listen)
	assert.True(t, cfg.Metrics.Enabled)
	require.Len(t, cfg.History, 1)
	assert.Equal(t, "sqlite:///var/lib/procwatch/history.db", cfg.History[0].DSN)

	require.Len(t, cfg.Processes, 2)
	api := cfg.Processes[1]
	assert.Equal(t, []string{"db"}, api.DependsOn)
	assert.Equal(t, 3*time.Second, api.StopTimeout)
	assert.Equal(t, time.Second, api.StartDuration)
	require.NotNil(t, api.Log)
	assert.Equal(t, "/var/log/api", api.Log.Dir)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "procwatch.yaml", `
manager:
  health_check_interval: 1m
processes:
  - id: worker
    command: worker --queue jobs
    critical_level: low
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cfg.Manager.HealthCheckInterval)
	require.Len(t, cfg.Processes, 1)
	assert.Equal(t, "low", cfg.Processes[0].CriticalLevel)
}

func TestEnvironmentOverridesFileValue(t *testing.T) {
	t.Setenv("PROCWATCH_SERVER_LISTEN", "0.0.0.0:7000")
	cfg, err := Load(writeFile(t, "c.toml", "[server]\nenabled = true\nlisten = \":9000\"\n"))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:7000", cfg.Server.Listen)
}

func TestLoadServerTLS(t *testing.T) {
	cfg, err := Load(writeFile(t, "c.toml", `
[server]
enabled = true
listen = "127.0.0.1:8443"

[server.tls]
enabled = true
dir = "/var/lib/procwatch/tls"
auto_generate = true
min_version = "1.2"

[server.tls.auto_gen]
common_name = "procwatch.local"
dns_names = ["procwatch.local"]
valid_days = 30
`))
	require.NoError(t, err)
	tls := cfg.Server.TLS
	assert.True(t, tls.Enabled)
	assert.True(t, tls.AutoGenerate)
	assert.Equal(t, "1.2", tls.MinVersion)
	assert.Equal(t, "procwatch.local", tls.AutoGen.CommonName)
	assert.Equal(t, []string{"procwatch.local"}, tls.AutoGen.DNSNames)
	assert.Equal(t, 30, tls.AutoGen.ValidDays)
}

func TestLoadServerAuth(t *testing.T) {
	cfg, err := Load(writeFile(t, "c.toml", `
[server]
enabled = true

[server.auth]
enabled = true
token_ttl = "30m"

[[server.auth.users]]
username = "ops"
password_hash = "$2a$10$abcdefghijklmnopqrstuuJ1b3Zl7n0eS8Y0y7Q1m2l3k4j5h6g7e"
roles = ["operator"]
`))
	require.NoError(t, err)
	a := cfg.Server.Auth
	assert.True(t, a.Enabled)
	assert.Equal(t, 30*time.Minute, a.TokenTTL)
	require.Len(t, a.Users, 1)
	assert.Equal(t, []string{"operator"}, a.Users[0].Roles)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"missing command", "[[processes]]\nid = \"a\"\n", "Command"},
		{"bad level", "[[processes]]\nid = \"a\"\ncommand = \"x\"\ncritical_level = \"urgent\"\n", "CriticalLevel"},
		{"duplicate id", "[[processes]]\nid = \"a\"\ncommand = \"x\"\n[[processes]]\nid = \"a\"\ncommand = \"y\"\n", "duplicate"},
		{"unknown dependency", "[[processes]]\nid = \"a\"\ncommand = \"x\"\ndepends_on = [\"ghost\"]\n", "ghost"},
		{"bad env entry", "env = [\"NOVALUE\"]\n", "Env"},
		{"empty history dsn", "[[history]]\ndsn = \"\"\n", "DSN"},
		{"bad health url", "[[processes]]\nid = \"a\"\ncommand = \"x\"\nhealth_url = \"not a url\"\n", "HealthURL"},
		{"bad log level", "[log.slog]\nlevel = \"loud\"\n", "Level"},
		{"auth without users", "[server.auth]\nenabled = true\n", "Users"},
		{"bad auth role", "[[server.auth.users]]\nusername = \"u\"\npassword_hash = \"h\"\nroles = [\"root\"]\n", "Roles"},
		{"bad tls version", "[server.tls]\nenabled = true\nmin_version = \"1.0\"\n", "MinVersion"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "c.toml", tt.data))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestRunnerSpecMergesLogSettings(t *testing.T) {
	cfg := Defaults()
	cfg.Log.File = logger.FileConfig{Dir: "/var/log/pw", MaxSizeMB: 5, MaxBackups: 2}
	spec := cfg.RunnerSpec(ProcessConfig{
		ID:          "api",
		Command:     "api",
		Env:         []string{"A=1"},
		StopTimeout: time.Second,
		Log:         &logger.FileConfig{Dir: "/var/log/api", MaxBackups: 9},
	})
	assert.Equal(t, runner.Spec{
		Name:        "api",
		Command:     "api",
		Env:         []string{"A=1"},
		StopTimeout: time.Second,
		Log:         logger.FileConfig{Dir: "/var/log/api", MaxSizeMB: 5, MaxBackups: 9},
	}, spec)

	plain := cfg.RunnerSpec(ProcessConfig{ID: "w", Command: "w"})
	assert.Equal(t, cfg.Log.File, plain.Log)
}

func TestProcessConfigs(t *testing.T) {
	cfg, err := Load(writeFile(t, "procwatch.toml", fullTOML))
	require.NoError(t, err)
	e, err := cfg.GlobalEnv()
	require.NoError(t, err)

	pcs, err := cfg.ProcessConfigs(e, nil)
	require.NoError(t, err)
	require.Len(t, pcs, 2)

	db := pcs[0]
	assert.Equal(t, "db", db.ID)
	assert.Equal(t, process.CriticalHigh, db.CriticalLevel)
	assert.True(t, db.AutoRestart)
	assert.Equal(t, 3, db.MaxRestarts)
	require.NoError(t, db.Validate())

	api := pcs[1]
	assert.Equal(t, "API server", api.Name)
	assert.Equal(t, process.CriticalMedium, api.CriticalLevel)
	assert.Equal(t, []string{"db"}, api.Dependencies)
	cmd, ok := api.Process.(*runner.Command)
	require.True(t, ok)
	assert.Equal(t, "http://127.0.0.1:8080/healthz", cmd.Spec().HealthURL)
}

func TestGlobalEnvLayersFiles(t *testing.T) {
	envFile := writeFile(t, "app.env", "# comment\nexport DB_HOST=db.local\nMODE='dev'\n\nbroken\n")
	cfg := Defaults()
	cfg.EnvFiles = []string{envFile}
	cfg.Env = []string{"MODE=prod"}

	e, err := cfg.GlobalEnv()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"DB_HOST": "db.local", "MODE": "prod"}, map[string]string(e.Vars()))

	cfg.EnvFiles = []string{filepath.Join(t.TempDir(), "nope.env")}
	_, err = cfg.GlobalEnv()
	assert.Error(t, err)
}

func TestManagerAndWatchdogOptions(t *testing.T) {
	cfg := Defaults()
	assert.Len(t, cfg.ManagerOptions(), 7)
	assert.Len(t, cfg.WatchdogOptions(), 5)
	require.NoError(t, cfg.Validate())
}
