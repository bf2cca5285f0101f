package process

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// CriticalLevel controls how a startup failure propagates.
type CriticalLevel string

const (
	// CriticalHigh aborts the whole system start and triggers an emergency shutdown.
	CriticalHigh   CriticalLevel = "high"
	CriticalMedium CriticalLevel = "medium"
	CriticalLow    CriticalLevel = "low"
)

// ParseCriticalLevel maps a config string to a CriticalLevel. Empty means medium.
func ParseCriticalLevel(s string) (CriticalLevel, error) {
	switch CriticalLevel(strings.ToLower(strings.TrimSpace(s))) {
	case "", CriticalMedium:
		return CriticalMedium, nil
	case CriticalHigh:
		return CriticalHigh, nil
	case CriticalLow:
		return CriticalLow, nil
	}
	return "", fmt.Errorf("unknown critical level %q", s)
}

// Config describes a managed unit. It is supplied once at registration and
// never mutated afterwards.
type Config struct {
	ID            string        `json:"id" validate:"required,excludesall=/\\ "`
	Name          string        `json:"name"`
	Process       Process       `json:"-" validate:"required"`
	CriticalLevel CriticalLevel `json:"critical_level" validate:"omitempty,oneof=high medium low"`
	AutoRestart   bool          `json:"auto_restart"`
	MaxRestarts   int           `json:"max_restarts" validate:"gte=0"`
	Dependencies  []string      `json:"dependencies" validate:"dive,required"`
	// StartupDelay is the pause after this process reports running before the
	// next one is started. Zero selects the manager default.
	StartupDelay time.Duration `json:"startup_delay" validate:"gte=0"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Normalize returns a copy with defaults applied: Name falls back to ID and
// an empty CriticalLevel becomes medium. Dependencies are copied.
func (c Config) Normalize() Config {
	if strings.TrimSpace(c.Name) == "" {
		c.Name = c.ID
	}
	if c.CriticalLevel == "" {
		c.CriticalLevel = CriticalMedium
	}
	c.Dependencies = append([]string(nil), c.Dependencies...)
	return c
}

// Validate checks the struct tags and the self-dependency rule.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("process %q: field %s fails %q", c.ID, fe.Field(), fe.Tag())
		}
		return fmt.Errorf("process %q: %w", c.ID, err)
	}
	for _, d := range c.Dependencies {
		if d == c.ID {
			return fmt.Errorf("process %q depends on itself", c.ID)
		}
	}
	return nil
}
