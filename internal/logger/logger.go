package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"

	FormatText = "text"
	FormatJSON = "json"
)

// Config combines the daemon's own structured log with the rotating files
// that capture supervised commands' output.
type Config struct {
	Slog SlogConfig `mapstructure:"slog"`
	File FileConfig `mapstructure:"file"`
}

// SlogConfig configures the daemon logger.
type SlogConfig struct {
	Level      string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Format     string `mapstructure:"format" validate:"omitempty,oneof=text json"`
	Color      bool   `mapstructure:"color"`
	TimeStamps bool   `mapstructure:"timestamps"`
	Source     bool   `mapstructure:"source"`
	// Output is a file path; empty means stderr.
	Output string `mapstructure:"output"`
}

// FileConfig describes where command output goes.
// If StdoutPath/StderrPath are empty and Dir is set, files will be
// Dir/<name>.stdout.log and Dir/<name>.stderr.log.
// Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Dir        string `mapstructure:"dir"`
	StdoutPath string `mapstructure:"stdout"`
	StderrPath string `mapstructure:"stderr"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// ParseLevel maps a level name to slog.Level; unknown names mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn, "warning":
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewSlogger builds the daemon logger writing to stderr or a rotating file.
func (c Config) NewSlogger() *slog.Logger {
	var w io.Writer = os.Stderr
	if c.Slog.Output != "" {
		w = c.File.rotating(c.Slog.Output)
	}
	return slog.New(c.Slog.Handler(w))
}

// Handler returns the slog handler for w.
func (s SlogConfig) Handler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: ParseLevel(s.Level), AddSource: s.Source}
	if !s.TimeStamps {
		opts.ReplaceAttr = dropTime
	}
	switch {
	case s.Format == FormatJSON:
		return slog.NewJSONHandler(w, opts)
	case s.Color:
		return NewColorTextHandler(w, opts)
	default:
		return slog.NewTextHandler(w, opts)
	}
}

func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}

// ProcessWriters returns rotating writers for a command's stdout and stderr.
// A stream with no configured destination gets a nil writer.
func (c Config) ProcessWriters(name string) (io.WriteCloser, io.WriteCloser, error) {
	return c.File.Writers(name)
}

// Writers returns io.WriteClosers for stdout and stderr for the given name.
func (c FileConfig) Writers(name string) (io.WriteCloser, io.WriteCloser, error) {
	if strings.ContainsAny(name, `/\`) {
		return nil, nil, fmt.Errorf("invalid log name %q", name)
	}
	stdout := c.StdoutPath
	stderr := c.StderrPath
	if stdout == "" && c.Dir != "" {
		stdout = filepath.Join(c.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if stderr == "" && c.Dir != "" {
		stderr = filepath.Join(c.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	var outW, errW io.WriteCloser
	if stdout != "" {
		outW = c.rotating(stdout)
	}
	if stderr != "" {
		errW = c.rotating(stderr)
	}
	return outW, errW, nil
}

func (c FileConfig) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
