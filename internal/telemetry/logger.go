package telemetry

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger creates a structured logger configured for the given environment.
// mode should be "development" or "production".
func NewLogger(mode string) (*zap.Logger, error) {
	return NewLoggerWithLevel(mode, "")
}

// NewLoggerWithLevel is NewLogger with an explicit minimum level ("debug",
// "info", "warn", "error"). An empty level keeps the mode's default.
func NewLoggerWithLevel(mode, level string) (*zap.Logger, error) {
	var cfg zap.Config
	switch mode {
	case "development", "dev":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case "production", "prod":
		cfg = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("telemetry: unknown logger mode %q (want 'development' or 'production')", mode)
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("telemetry: invalid log level %q: %w", level, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return cfg.Build()
}

// NewNopLogger returns a no-op logger (useful for tests).
func NewNopLogger() *zap.Logger {
	return zap.NewNop()
}
