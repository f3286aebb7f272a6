package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Config selects the level, encoding and sink of a Logger.
type Config struct {
	// Level is the minimum level written: debug, info, warn, error or fatal.
	// Empty means info.
	Level string
	// Format is json (default) or text; console is accepted for text.
	Format string
	// Output is stderr (default), stdout or a file path. Parent directories
	// of a file path are created.
	Output string
	// Verbosity is the solver verbosity of a sweep. 1 guarantees the
	// per-run lines (info), 2 the per-iteration lines (debug), whatever
	// Level says.
	Verbosity int
}

// DefaultConfig returns info-level JSON logging to stderr.
func DefaultConfig() *Config {
	return &Config{Level: "info", Format: "json", Output: "stderr"}
}

// NewLogger builds a Logger from cfg. A nil cfg means DefaultConfig.
func NewLogger(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	switch {
	case cfg.Verbosity >= 2:
		level = DebugLevel
	case cfg.Verbosity == 1 && levelRank[level] > levelRank[InfoLevel]:
		level = InfoLevel
	}

	output, err := openOutput(cfg.Output)
	if err != nil {
		return nil, err
	}
	return New(level, output).WithFormat(parseFormat(cfg.Format)), nil
}

// ParseLevel converts a level name, case-insensitively. Empty means info.
func ParseLevel(level string) (LogLevel, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DebugLevel, nil
	case "", "INFO":
		return InfoLevel, nil
	case "WARN", "WARNING":
		return WarnLevel, nil
	case "ERROR":
		return ErrorLevel, nil
	case "FATAL":
		return FatalLevel, nil
	default:
		return InfoLevel, fmt.Errorf("logging: unknown level %q", level)
	}
}

func parseFormat(format string) Format {
	switch strings.ToLower(format) {
	case "text", "console":
		return TextFormat
	default:
		return JSONFormat
	}
}

func openOutput(output string) (io.Writer, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}
	if dir := filepath.Dir(output); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("logging: creating %s: %w", dir, err)
		}
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: opening %s: %w", output, err)
	}
	return f, nil
}
