// pkg/logger/logger.go
//
// Пакет logger - обёртка над zap с полями корреляции из контекста:
// request_id управляющего API, socket_id соединения и trace_id/span_id OpenTelemetry.
package logger

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	socketIDKey
)

// Config: Level - debug|info|warn|error (по умолчанию info);
// DevMode включает консольный вывод вместо JSON.
type Config struct {
	Level   string `mapstructure:"level"`
	DevMode bool   `mapstructure:"dev_mode"`
}

func (c Config) level() (zapcore.Level, error) {
	lvl := zapcore.InfoLevel
	if c.Level == "" {
		return lvl, nil
	}
	if err := lvl.UnmarshalText([]byte(c.Level)); err != nil {
		return lvl, fmt.Errorf("logger: invalid level %q: %w", c.Level, err)
	}
	return lvl, nil
}

// Logger - тонкая обёртка над *zap.Logger.
type Logger struct {
	raw *zap.Logger
}

// New строит логгер по Config.
func New(cfg Config) (*Logger, error) {
	lvl, err := cfg.level()
	if err != nil {
		return nil, err
	}

	zc := zap.NewProductionConfig()
	if cfg.DevMode {
		zc = zap.NewDevelopmentConfig()
	} else {
		// события сокета приходят пачками, сэмплируем одинаковые сообщения
		zc.Sampling = &zap.SamplingConfig{Initial: 100, Thereafter: 100}
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.EncoderConfig.TimeKey = "ts"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	zl, err := zc.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, fmt.Errorf("logger: build zap: %w", err)
	}
	return &Logger{raw: zl}, nil
}

// FromZap оборачивает готовый *zap.Logger, например с observer-ядром в тестах.
func FromZap(zl *zap.Logger) *Logger { return &Logger{raw: zl} }

// NewNop - логгер, который ничего не пишет.
func NewNop() *Logger { return &Logger{raw: zap.NewNop()} }

// Sync сбрасывает буферы, ошибка игнорируется (stderr на некоторых ОС не синкается).
func (l *Logger) Sync() { _ = l.raw.Sync() }

func (l *Logger) Named(name string) *Logger { return &Logger{raw: l.raw.Named(name)} }

func (l *Logger) With(fields ...zap.Field) *Logger { return &Logger{raw: l.raw.With(fields...)} }

// WithContext добавляет поля корреляции из ctx. Без них возвращает тот же логгер.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	var fields []zap.Field
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		fields = append(fields, zap.String("request_id", v))
	}
	if v, ok := ctx.Value(socketIDKey).(string); ok {
		fields = append(fields, zap.String("socket_id", v))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if len(fields) == 0 {
		return l
	}
	return l.With(fields...)
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.raw.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.raw.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.raw.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.raw.Error(msg, fields...) }

// ContextWithRequestID кладёт id запроса управляющего API в контекст.
func ContextWithRequestID(ctx context.Context, rid string) context.Context {
	return context.WithValue(ctx, requestIDKey, rid)
}

// ContextWithSocketID кладёт id Socket.IO-сессии в контекст.
func ContextWithSocketID(ctx context.Context, sid string) context.Context {
	return context.WithValue(ctx, socketIDKey, sid)
}
