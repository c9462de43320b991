// Package logging builds the process logger.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Options struct {
	// Level is one of debug, info, warn, error.
	Level string
	// Format is json or console.
	Format string
	// Output paths; stderr when empty.
	Output []string
}

// New returns a logger and the level handle that can change it at runtime.
func New(opts Options) (*zap.Logger, zap.AtomicLevel, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(opts.Level))); err != nil {
			return nil, level, fmt.Errorf("log level %q: %w", opts.Level, err)
		}
	}

	var cfg zap.Config
	switch strings.ToLower(opts.Format) {
	case "", "json":
		cfg = zap.NewProductionConfig()
	case "console":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, level, fmt.Errorf("log format %q: want json or console", opts.Format)
	}
	cfg.Level = level
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Sampling = nil
	cfg.OutputPaths = []string{"stderr"}
	if len(opts.Output) > 0 {
		cfg.OutputPaths = opts.Output
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, level, err
	}
	return logger.Named("mergeline"), level, nil
}

// Session scopes a logger to one unit of work.
func Session(logger *zap.Logger, sessionID, correlationID string) *zap.Logger {
	return logger.With(zap.String("session_id", sessionID), zap.String("correlation_id", correlationID))
}
