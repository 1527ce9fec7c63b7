package logging

import (
	"fmt"
	"strings"

	"github.com/dunamismax/avatarflow/internal/pipeline"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Level  string
	Format string
}

// New builds the process logger. Format is "json" (default) or "console".
func New(cfg Config, name string) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if strings.TrimSpace(cfg.Level) != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
		}
	}

	var zc zap.Config
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "json":
		zc = zap.NewProductionConfig()
	case "console":
		zc = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unsupported log format: %s", cfg.Format)
	}
	zc.Level = level
	zc.EncoderConfig.TimeKey = "ts"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger.Named(name), nil
}

// PipelineReporter forwards pipeline diagnostics to logger. Recovered
// orientation problems are logged at debug level, fatal stages at warn.
func PipelineReporter(logger *zap.Logger) pipeline.Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return pipeline.ReporterFunc(func(stage pipeline.Stage, err error) {
		fields := []zap.Field{zap.String("stage", string(stage)), zap.Error(err)}
		if stage == pipeline.StageOrientation {
			logger.Debug("orientation metadata ignored", fields...)
			return
		}
		logger.Warn("avatar pipeline failed", fields...)
	})
}
