// pkg/backoff/backoff.go
//
// Пакет backoff - повторы с экспоненциальной задержкой поверх cenkalti/backoff.
// Execute повторяет операцию до успеха или исчерпания времени, Schedule
// выдаёт задержки переподключения по одной.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/YaganovValera/live-bidding/pkg/logger"
)

var serviceLabel = "unknown"

// SetServiceLabel задаёт лейбл service для метрик; вызывается один раз в main.
func SetServiceLabel(name string) { serviceLabel = name }

var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "livebid", Subsystem: "backoff", Name: "retries_total",
		Help: "Retry attempts after a failed operation",
	}, []string{"service"})

	outcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "livebid", Subsystem: "backoff", Name: "outcomes_total",
		Help: "Final outcome of retried operations (success, exhausted, permanent)",
	}, []string{"service", "outcome"})

	retryDelay = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "livebid", Subsystem: "backoff", Name: "retry_delay_seconds",
		Help:    "Delay before the next retry (seconds)",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 4, 8, 16, 30},
	}, []string{"service"})
)

// Config - параметры Execute. Нулевые поля заменяются дефолтами.
type Config struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`

	// RandomizationFactor - доля jitter, 0..1.
	RandomizationFactor float64 `mapstructure:"randomization_factor"`

	Multiplier  float64       `mapstructure:"multiplier"`
	MaxInterval time.Duration `mapstructure:"max_interval"`

	// MaxElapsedTime - общий бюджет на все попытки; 0 = без ограничения.
	MaxElapsedTime time.Duration `mapstructure:"max_elapsed_time"`

	// PerAttemptTimeout ограничивает один вызов fn; 0 = без ограничения.
	PerAttemptTimeout time.Duration `mapstructure:"per_attempt_timeout"`
}

func (c *Config) applyDefaults() {
	if c.InitialInterval <= 0 {
		c.InitialInterval = time.Second
	}
	if c.RandomizationFactor <= 0 {
		c.RandomizationFactor = 0.5
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 30 * time.Second
	}
}

func (c Config) validate() error {
	switch {
	case c.RandomizationFactor < 0 || c.RandomizationFactor > 1:
		return fmt.Errorf("randomization_factor %v out of [0,1]", c.RandomizationFactor)
	case c.Multiplier < 1:
		return fmt.Errorf("multiplier %v < 1", c.Multiplier)
	case c.MaxElapsedTime < 0 || c.PerAttemptTimeout < 0:
		return errors.New("negative time limit")
	}
	return nil
}

// exponential собирает ExponentialBackOff; общий конструктор для Execute и Schedule.
func exponential(initial, max time.Duration, mult, jitter float64, budget time.Duration) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.MaxInterval = max
	bo.Multiplier = mult
	bo.RandomizationFactor = jitter
	bo.MaxElapsedTime = budget
	bo.Reset()
	return bo
}

// RetryableFunc - одна попытка операции.
type RetryableFunc func(ctx context.Context) error

// ErrMaxRetries возвращается Execute, когда fn так и не завершилась успешно.
// Unwrap отдаёт последнюю ошибку fn.
type ErrMaxRetries struct {
	Err      error
	Attempts int
}

func (e *ErrMaxRetries) Error() string {
	return fmt.Sprintf("backoff: gave up after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ErrMaxRetries) Unwrap() error { return e.Err }

// Permanent помечает ошибку как неповторяемую: Execute вернёт её сразу.
func Permanent(err error) error { return backoff.Permanent(err) }

// Execute вызывает fn, пока она не вернёт nil, не кончится MaxElapsedTime
// или не отменится ctx. Любая неудача возвращается как *ErrMaxRetries.
func Execute(ctx context.Context, cfg Config, log *logger.Logger, fn RetryableFunc) error {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("backoff: invalid config: %w", err)
	}

	bo := exponential(cfg.InitialInterval, cfg.MaxInterval, cfg.Multiplier, cfg.RandomizationFactor, cfg.MaxElapsedTime)

	var (
		attempts  int
		permanent bool
	)
	attempt := func() error {
		attempts++
		actx := ctx
		if cfg.PerAttemptTimeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, cfg.PerAttemptTimeout)
			defer cancel()
		}
		err := fn(actx)
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			permanent = true
		}
		return err
	}
	onRetry := func(err error, delay time.Duration) {
		retriesTotal.WithLabelValues(serviceLabel).Inc()
		retryDelay.WithLabelValues(serviceLabel).Observe(delay.Seconds())
		log.Warn("retrying",
			zap.Int("attempt", attempts),
			zap.Duration("next_in", delay),
			zap.Error(err),
		)
	}

	err := backoff.RetryNotify(attempt, backoff.WithContext(bo, ctx), onRetry)
	if err == nil {
		outcomesTotal.WithLabelValues(serviceLabel, "success").Inc()
		return nil
	}

	outcome := "exhausted"
	if permanent {
		outcome = "permanent"
	}
	outcomesTotal.WithLabelValues(serviceLabel, outcome).Inc()
	log.Error("giving up",
		zap.String("outcome", outcome),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
	return &ErrMaxRetries{Err: err, Attempts: attempts}
}
