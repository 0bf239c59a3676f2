package observability

import (
	"context"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/bookhaven/api/internal/platform/requestctx"
)

const defaultLogLevel = "info"

// LoggerOption customises NewLogger.
type LoggerOption func(*loggerConfig)

type loggerConfig struct {
	level   string
	service string
	outputs []string
}

// WithLevel overrides LOG_LEVEL.
func WithLevel(level string) LoggerOption {
	return func(cfg *loggerConfig) {
		if level = strings.TrimSpace(level); level != "" {
			cfg.level = level
		}
	}
}

// WithServiceName stamps every entry with a service field.
func WithServiceName(name string) LoggerOption {
	return func(cfg *loggerConfig) {
		cfg.service = strings.TrimSpace(name)
	}
}

// WithOutputPaths redirects log output, e.g. to a file during local runs.
func WithOutputPaths(paths ...string) LoggerOption {
	return func(cfg *loggerConfig) {
		if len(paths) > 0 {
			cfg.outputs = paths
		}
	}
}

// NewLogger constructs a production-ready zap logger emitting structured JSON.
func NewLogger(opts ...LoggerOption) (*zap.Logger, error) {
	cfg := loggerConfig{
		level:   os.Getenv("LOG_LEVEL"),
		outputs: []string{"stdout"},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(cfg.level)))); err != nil {
		_ = level.UnmarshalText([]byte(defaultLogLevel))
	}

	encoderCfg := zapcore.EncoderConfig{
		MessageKey: "message",
		TimeKey:    "timestamp",
		LevelKey:   "severity",
		NameKey:    "logger",
		EncodeTime: zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(strings.ToUpper(level.String()))
		},
		EncodeDuration: zapcore.MillisDurationEncoder,
		CallerKey:      "caller",
		EncodeCaller:   zapcore.ShortCallerEncoder,
		StacktraceKey:  "stacktrace",
	}

	zcfg := zap.Config{
		Level:             level,
		Encoding:          "json",
		EncoderConfig:     encoderCfg,
		OutputPaths:       cfg.outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     false,
		DisableStacktrace: true,
	}
	if cfg.service != "" {
		zcfg.InitialFields = map[string]any{"service": cfg.service}
	}

	return zcfg.Build()
}

// WithLogger injects the logger into the provided context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return requestctx.WithLogger(ctx, logger)
}

// FromContext retrieves the logger from context, defaulting to a no-op logger.
func FromContext(ctx context.Context) *zap.Logger {
	return requestctx.Logger(ctx)
}

// EventLogger adapts zap to the event hook signature taken by services. The request-scoped
// logger is preferred so entries carry request and trace ids; base is used outside requests.
func EventLogger(base *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	if base == nil {
		base = zap.NewNop()
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := requestctx.LoggerOr(ctx, base)
		keys := make([]string, 0, len(fields))
		for key := range fields {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		zfields := make([]zap.Field, 0, len(keys)+1)
		zfields = append(zfields, zap.String("event", event))
		var failure error
		for _, key := range keys {
			value := fields[key]
			if err, ok := value.(error); ok {
				failure = err
				zfields = append(zfields, zap.NamedError(key, err))
				continue
			}
			zfields = append(zfields, zap.Any(key, value))
		}
		switch {
		case failure != nil || strings.HasSuffix(event, ".failed") || strings.HasSuffix(event, ".error"):
			logger.Warn(event, zfields...)
		default:
			logger.Info(event, zfields...)
		}
	}
}

// PrintfAdapter adapts zap to printf-style logging interfaces such as kafka-go's Logger.
type PrintfAdapter struct {
	logger *zap.SugaredLogger
	level  zapcore.Level
}

// NewPrintfAdapter creates a PrintfAdapter logging at info level.
func NewPrintfAdapter(logger *zap.Logger) PrintfAdapter {
	return newPrintfAdapter(logger, zapcore.InfoLevel)
}

// NewErrorPrintfAdapter creates a PrintfAdapter logging at error level.
func NewErrorPrintfAdapter(logger *zap.Logger) PrintfAdapter {
	return newPrintfAdapter(logger, zapcore.ErrorLevel)
}

func newPrintfAdapter(logger *zap.Logger, level zapcore.Level) PrintfAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return PrintfAdapter{logger: logger.Sugar(), level: level}
}

// Printf implements the Printf-style logging expected by legacy interfaces.
func (a PrintfAdapter) Printf(format string, args ...any) {
	if a.logger == nil {
		return
	}
	a.logger.Logf(a.level, format, args...)
}

// WithRequestFields augments the logger with standard request-scoped fields.
func WithRequestFields(logger *zap.Logger, fields ...zap.Field) *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return logger.With(fields...)
}
