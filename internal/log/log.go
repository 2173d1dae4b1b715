package log

import (
	"context"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

const loggerContextKey contextKey = "doh-proxy-logger"

// NewZapLogger returns a zap production sugared logger at the given level.
//
// An empty level falls back to the LOG_LEVEL environment variable, then to
// info. An unparsable level is an error.
func NewZapLogger(level string) (*zap.SugaredLogger, error) {
	loggerConfig := zap.NewProductionConfig()
	loggerConfig.Level.SetLevel(zapcore.InfoLevel)
	loggerConfig.EncoderConfig.MessageKey = "message"
	loggerConfig.EncoderConfig.EncodeTime = zapcore.EpochMillisTimeEncoder

	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}

	if level != "" {
		ll, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		loggerConfig.Level.SetLevel(ll)
	}

	logger, err := loggerConfig.Build()
	if err != nil {
		return nil, err
	}

	return logger.Sugar(), nil
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.SugaredLogger) context.Context {
	return context.WithValue(ctx, loggerContextKey, logger)
}

// FromContext extracts a logger from the context, or returns a no-op logger.
func FromContext(ctx context.Context) *zap.SugaredLogger {
	if logger, ok := ctx.Value(loggerContextKey).(*zap.SugaredLogger); ok && logger != nil {
		return logger
	}
	return zap.NewNop().Sugar()
}
