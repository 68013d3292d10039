// Package logging provides the engine's structured logger: a thin
// zap.Logger construction helper shared by every package that needs to
// log (consolidation, maintenance, search, manager), so configuration of level,
// encoding, and output sink lives in one place.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the logger's verbosity and output encoding.
type Config struct {
	// Level is one of "debug", "info", "warn", "error". Defaults to
	// "info" when empty or unrecognized.
	Level string
	// Development enables human-readable console encoding with
	// stack traces on warn+; production uses JSON encoding.
	Development bool
}

// New builds a *zap.Logger from cfg. Callers should defer Sync() on the
// returned logger.
func New(cfg Config) (*zap.Logger, error) {
	level := parseLevel(cfg.Level)

	if cfg.Development {
		zapCfg := zap.NewDevelopmentConfig()
		zapCfg.Level = zap.NewAtomicLevelAt(level)
		return zapCfg.Build()
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}

// Nop returns a logger that discards everything, used as a default when
// no logger is supplied.
func Nop() *zap.Logger {
	return zap.NewNop()
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
