// Package logging constructs the zap logger used throughout the daemon,
// applying the configured level and encoding before anything else runs.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a *zap.SugaredLogger from a level string ("debug", "info",
// "warn", "error", "none") and a JSON-encoding toggle. An unrecognized
// level is an error rather than a silent fallback, since a mistyped
// AUTHFLUSH_LOG_LEVEL should fail fast at startup.
func New(level string, jsonEncoding bool) (*zap.SugaredLogger, error) {
	parsed, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	if !jsonEncoding {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(parsed)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: building logger: %w", err)
	}
	return logger.Sugar(), nil
}

func parseLevel(level string) (zapcore.Level, error) {
	if level == "" {
		return zapcore.InfoLevel, nil
	}
	if strings.EqualFold(level, "none") {
		return zapcore.FatalLevel + 1, nil
	}

	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return 0, fmt.Errorf("logging: invalid log level %q: %w", level, err)
	}
	return l, nil
}
