package log

import (
	"context"

	"github.com/thep200/gitpulse/cfg"
)

type Logger interface {
	Info(ctx context.Context, format string, args ...interface{})
	Alert(ctx context.Context, format string, args ...interface{})
	Error(ctx context.Context, format string, args ...interface{})
	Warn(ctx context.Context, format string, args ...interface{})
	Debug(ctx context.Context, format string, args ...interface{})
	Notice(ctx context.Context, format string, args ...interface{})
	Critical(ctx context.Context, format string, args ...interface{})
	Emergency(ctx context.Context, format string, args ...interface{})
}

func NewLogger(logger Logger) (Logger, error) {
	return logger, nil
}

// FromConfig picks the logger implementation configured under log.format.
func FromConfig(config *cfg.Config) (Logger, error) {
	if config.Log.Format == "plain" {
		return NewCslLogger()
	}
	return NewZapLogger(config.Log.Level, config.Log.Format)
}
