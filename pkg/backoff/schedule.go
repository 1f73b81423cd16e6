// pkg/backoff/schedule.go
package backoff

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ScheduleConfig описывает детерминированную (без jitter) экспоненциальную
// последовательность задержек с ограничением на число попыток.
type ScheduleConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
}

func (c *ScheduleConfig) applyDefaults() {
	if c.InitialInterval <= 0 {
		c.InitialInterval = time.Second
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 30 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
}

func (c ScheduleConfig) validate() error {
	if c.Multiplier < 1 {
		return fmt.Errorf("backoff: multiplier %v < 1", c.Multiplier)
	}
	if c.MaxInterval < c.InitialInterval {
		return fmt.Errorf("backoff: max_interval %v < initial_interval %v", c.MaxInterval, c.InitialInterval)
	}
	return nil
}

// Schedule выдаёт задержки min(initial·multiplier^n, max) для n = 0..MaxAttempts-1.
// Не потокобезопасен: владелец синхронизирует доступ сам.
type Schedule struct {
	cfg      ScheduleConfig
	bo       *backoff.ExponentialBackOff
	attempts int
}

// NewSchedule создаёт Schedule; нулевые поля cfg заменяются значениями по умолчанию.
func NewSchedule(cfg ScheduleConfig) (*Schedule, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	bo := exponential(cfg.InitialInterval, cfg.MaxInterval, cfg.Multiplier, 0, 0)
	return &Schedule{cfg: cfg, bo: bo}, nil
}

// Next возвращает задержку перед следующей попыткой и увеличивает счётчик.
// ok=false, когда лимит попыток исчерпан.
func (s *Schedule) Next() (delay time.Duration, ok bool) {
	if s.attempts >= s.cfg.MaxAttempts {
		return 0, false
	}
	d := s.bo.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	s.attempts++
	return d, true
}

// Reset обнуляет счётчик попыток и возвращает задержку к InitialInterval.
func (s *Schedule) Reset() {
	s.attempts = 0
	s.bo.Reset()
}

// Attempts - сколько задержек выдано с последнего Reset.
func (s *Schedule) Attempts() int { return s.attempts }

// MaxAttempts - лимит попыток.
func (s *Schedule) MaxAttempts() int { return s.cfg.MaxAttempts }

// Exhausted сообщает, что Next больше ничего не выдаст.
func (s *Schedule) Exhausted() bool { return s.attempts >= s.cfg.MaxAttempts }
