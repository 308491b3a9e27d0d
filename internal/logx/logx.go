// Package logx sets up the bridge's structured logging. It follows the shape
// of kryptco-kr's logging.go: one shared stderr backend, one colorised
// formatter, and a *logging.Logger per component so the CTAPHID/CTAPBLE side
// and the uhid kernel facility can run at independently configured levels
// (spec §6's --log-level and --uhid-log-level).
package logx

import (
	"fmt"
	"os"

	"github.com/op/go-logging"
)

var stderrFormat = logging.MustStringFormatter(
	`%{color}%{time:15:04:05.000} %{level:.4s}%{color:reset} [%{module}] %{message}`,
)

// ParseLevel maps the CLI's {debug,info,warn,error} vocabulary (spec §6) onto
// go-logging's level enum.
func ParseLevel(s string) (logging.Level, error) {
	switch s {
	case "debug":
		return logging.DEBUG, nil
	case "info":
		return logging.INFO, nil
	case "warn":
		return logging.WARNING, nil
	case "error":
		return logging.ERROR, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

// Registry owns the shared backend and hands out per-module loggers at
// independently configurable levels.
type Registry struct {
	leveled logging.LeveledBackend
}

// NewRegistry installs the shared stderr backend and returns a Registry ready
// to mint per-component loggers.
func NewRegistry() *Registry {
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatted := logging.NewBackendFormatter(backend, stderrFormat)
	leveled := logging.AddModuleLevel(formatted)
	logging.SetBackend(leveled)
	return &Registry{leveled: leveled}
}

// Logger returns the logger for module, gated at level. Each module's level
// is independent of every other module registered on the same Registry.
func (r *Registry) Logger(module string, level logging.Level) *logging.Logger {
	r.leveled.SetLevel(level, module)
	return logging.MustGetLogger(module)
}
