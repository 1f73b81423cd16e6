// pkg/telemetry/otel.go
//
// Пакет telemetry поднимает OTLP/gRPC экспорт трейсов. Span'ы пишут
// менеджер соединения, коррелятор ставок, фасад и Kafka-продьюсер.
package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"

	"github.com/YaganovValera/live-bidding/pkg/logger"
)

// Config - параметры экспорта. При Enabled=false остальное не проверяется.
type Config struct {
	Enabled        bool          `mapstructure:"enabled"`
	Endpoint       string        `mapstructure:"otel_endpoint"` // host:port коллектора
	Insecure       bool          `mapstructure:"insecure"`
	ServiceName    string        `mapstructure:"-"`
	ServiceVersion string        `mapstructure:"-"`
	SamplerRatio   float64       `mapstructure:"sampler_ratio"`
	Timeout        time.Duration `mapstructure:"timeout"` // на старт и на остановку
}

// ShutdownFunc сбрасывает накопленные span'ы и останавливает провайдер.
type ShutdownFunc func(context.Context) error

func noop(context.Context) error { return nil }

// normalize подставляет дефолты и проверяет обязательные поля.
func (c *Config) normalize() error {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.SamplerRatio <= 0 || c.SamplerRatio > 1 {
		c.SamplerRatio = 1
	}
	var errs []error
	if c.Endpoint == "" {
		errs = append(errs, errors.New("endpoint is required"))
	}
	if c.ServiceName == "" {
		errs = append(errs, errors.New("service name is required"))
	}
	if c.ServiceVersion == "" {
		errs = append(errs, errors.New("service version is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return errors.Join(errors.New("telemetry: invalid config"), err)
	}
	return nil
}

// Init ставит глобальный TracerProvider и W3C-пропагатор.
func Init(ctx context.Context, cfg Config, log *logger.Logger) (ShutdownFunc, error) {
	log = log.Named("telemetry")
	if !cfg.Enabled {
		log.Info("tracing disabled")
		return noop, nil
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	initCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(initCtx, opts...)
	if err != nil {
		log.Error("otlp exporter failed", zap.String("endpoint", cfg.Endpoint), zap.Error(err))
		return nil, errors.Join(errors.New("telemetry: exporter"), err)
	}

	res, err := newResource(cfg)
	if err != nil {
		_ = exp.Shutdown(initCtx)
		return nil, errors.Join(errors.New("telemetry: resource"), err)
	}

	tp := newTracerProvider(exp, res, cfg)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	log.Info("tracing enabled",
		zap.String("endpoint", cfg.Endpoint),
		zap.Float64("sampler_ratio", cfg.SamplerRatio),
	)

	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Error("tracer provider shutdown failed", zap.Error(err))
			return err
		}
		return nil
	}, nil
}

// newResource описывает процесс агента; instance id различает несколько агентов
// одного пользователя.
func newResource(cfg Config) (*resource.Resource, error) {
	return resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			semconv.ServiceInstanceIDKey.String(uuid.NewString()),
		),
	)
}

func newTracerProvider(exp sdktrace.SpanExporter, res *resource.Resource, cfg Config) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplerRatio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
}
