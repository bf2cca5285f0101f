package manager

import "errors"

var (
	ErrUnknownProcess         = errors.New("unknown process")
	ErrDuplicateProcess       = errors.New("process already registered")
	ErrDependencyCycle        = errors.New("dependency cycle")
	ErrDependencyNotReady     = errors.New("dependency not running")
	ErrAlreadyRunning         = errors.New("system already running")
	ErrNotRunning             = errors.New("system not running")
	ErrRestartBudgetExhausted = errors.New("restart budget exhausted")
)

// Result codes placed in StartResult.Errors / StopResult.Errors by the
// running-state guards.
const (
	CodeAlreadyRunning = "ALREADY_RUNNING"
	CodeNotRunning     = "NOT_RUNNING"
)
