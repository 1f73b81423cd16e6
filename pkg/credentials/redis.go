// pkg/credentials/redis.go
package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/live-bidding/pkg/backoff"
	"github.com/YaganovValera/live-bidding/pkg/logger"
)

var (
	redisOps = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "livebid", Subsystem: "credentials", Name: "redis_op_seconds",
		Help:    "Redis credential operations by op and result, retries included",
		Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
	}, []string{"op", "result"})

	tracer = otel.Tracer("livebid/credentials")
)

// RedisConfig хранит параметры подключения к Redis.
type RedisConfig struct {
	URL       string         `mapstructure:"url"` // redis://[user:pass@]host:6379/0
	KeyPrefix string         `mapstructure:"key_prefix"`
	TTL       time.Duration  `mapstructure:"ttl"` // 0 - токен хранится бессрочно
	Backoff   backoff.Config `mapstructure:"backoff"`
}

func (c *RedisConfig) applyDefaults() {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "livebid:"
	}
	if c.TTL < 0 {
		c.TTL = 0
	}
}

func (c RedisConfig) validate() error {
	if c.URL == "" {
		return fmt.Errorf("credentials: redis URL required")
	}
	return nil
}

// Redis - Store поверх go-redis с retry, трейсингом и метриками.
type Redis struct {
	client     *redis.Client
	prefix     string
	ttl        time.Duration
	log        *logger.Logger
	backoffCfg backoff.Config
}

var _ Store = (*Redis)(nil)

// NewRedis соединяется с Redis, проверяя доступность через PING с retry.
func NewRedis(ctx context.Context, cfg RedisConfig, log *logger.Logger) (*Redis, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log = log.Named("credentials-redis")

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("credentials: parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	r := &Redis{
		client:     client,
		prefix:     cfg.KeyPrefix,
		ttl:        cfg.TTL,
		log:        log,
		backoffCfg: cfg.Backoff,
	}
	if err := r.run(ctx, "ping", "", func(ctx context.Context) error { return client.Ping(ctx).Err() }); err != nil {
		_ = client.Close()
		return nil, err
	}
	log.Info("redis connected", zap.String("addr", opts.Addr), zap.Int("db", opts.DB))
	return r, nil
}

func (r *Redis) key(k string) string { return r.prefix + k }

// run выполняет fn с ретраями, метриками и span'ом. ErrNotFound - не сбой.
func (r *Redis) run(ctx context.Context, op, key string, fn backoff.RetryableFunc) error {
	ctx, span := tracer.Start(ctx, "redis."+op, trace.WithAttributes(attribute.String("credentials.key", key)))
	defer span.End()

	start := time.Now()
	err := backoff.Execute(ctx, r.backoffCfg, r.log, fn)
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		result = "not_found"
		err = ErrNotFound
	default:
		result = "error"
		span.RecordError(err)
		r.log.WithContext(ctx).Error("redis operation failed", zap.String("op", op), zap.String("key", key), zap.Error(err))
		err = fmt.Errorf("credentials: redis %s %q: %w", op, key, err)
	}
	redisOps.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
	return err
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	var val string
	err := r.run(ctx, "get", key, func(ctx context.Context) error {
		v, err := r.client.Get(ctx, r.key(key)).Result()
		if errors.Is(err, redis.Nil) {
			return backoff.Permanent(ErrNotFound)
		}
		val = v
		return err
	})
	return val, err
}

func (r *Redis) Set(ctx context.Context, key, value string) error {
	return r.run(ctx, "set", key, func(ctx context.Context) error {
		return r.client.Set(ctx, r.key(key), value, r.ttl).Err()
	})
}

func (r *Redis) Remove(ctx context.Context, key string) error {
	return r.run(ctx, "del", key, func(ctx context.Context) error {
		return r.client.Del(ctx, r.key(key)).Err()
	})
}

// Ping проверяет доступность Redis (для readiness).
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
