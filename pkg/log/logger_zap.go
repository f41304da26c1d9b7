package log

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger maps the level set of Logger onto zap's sugared logger.
// Alert, Critical and Emergency are written at error level with a "severity" field.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

func NewZapLogger(level string, format string) (*ZapLogger, error) {
	var zl zapcore.Level
	if err := zl.UnmarshalText([]byte(level)); err != nil {
		zl = zapcore.InfoLevel
	}

	var zc zap.Config
	switch format {
	case "console":
		zc = zap.NewDevelopmentConfig()
	default:
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(zl)

	raw, err := zc.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}
	return &ZapLogger{sugar: raw.Sugar()}, nil
}

// NewNopLogger discards everything.
func NewNopLogger() *ZapLogger {
	return &ZapLogger{sugar: zap.NewNop().Sugar()}
}

// Named returns a child logger tagged with the component name.
func (l *ZapLogger) Named(component string) *ZapLogger {
	return &ZapLogger{sugar: l.sugar.Named(component)}
}

func (l *ZapLogger) Sync() error {
	return l.sugar.Sync()
}

func (l *ZapLogger) Info(ctx context.Context, format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

func (l *ZapLogger) Alert(ctx context.Context, format string, args ...interface{}) {
	l.sugar.With("severity", "alert").Errorf(format, args...)
}

func (l *ZapLogger) Error(ctx context.Context, format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

func (l *ZapLogger) Warn(ctx context.Context, format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

func (l *ZapLogger) Debug(ctx context.Context, format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

func (l *ZapLogger) Notice(ctx context.Context, format string, args ...interface{}) {
	l.sugar.With("severity", "notice").Infof(format, args...)
}

func (l *ZapLogger) Critical(ctx context.Context, format string, args ...interface{}) {
	l.sugar.With("severity", "critical").Errorf(format, args...)
}

func (l *ZapLogger) Emergency(ctx context.Context, format string, args ...interface{}) {
	l.sugar.With("severity", "emergency").Errorf(format, args...)
}
