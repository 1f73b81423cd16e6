// internal/connection/config.go
package connection

import (
	"fmt"
	"strings"
	"time"
)

// Config - параметры менеджера соединения.
type Config struct {
	MaxRetryAttempts int           `mapstructure:"max_attempts"`
	InitialDelay     time.Duration `mapstructure:"initial_delay"`
	MaxDelay         time.Duration `mapstructure:"max_delay"`
	FeedRequestDelay time.Duration `mapstructure:"feed_request_delay"`
	TokenKey         string        `mapstructure:"token_key"`
	FeedEvent        string        `mapstructure:"feed_event"`
}

func (c *Config) applyDefaults() {
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = 5
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.FeedRequestDelay <= 0 {
		c.FeedRequestDelay = 500 * time.Millisecond
	}
	if c.TokenKey == "" {
		c.TokenKey = "auth_token"
	}
	if c.FeedEvent == "" {
		c.FeedEvent = "liveCars"
	}
}

func (c Config) validate() error {
	var errs []string
	if c.MaxDelay < c.InitialDelay {
		errs = append(errs, "max_delay must be >= initial_delay")
	}
	if strings.TrimSpace(c.TokenKey) == "" {
		errs = append(errs, "token_key is required")
	}
	if len(errs) > 0 {
		return fmt.Errorf("connection: invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}
