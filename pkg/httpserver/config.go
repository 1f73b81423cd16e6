// pkg/httpserver/config.go
package httpserver

import (
	"errors"
	"strings"
	"time"
)

// Config - адрес, таймауты и служебные пути сервера.
type Config struct {
	Addr string `mapstructure:"addr"`

	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout должен покрывать ожидание ответа на ставку.
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	MetricsPath string `mapstructure:"metrics_path"`
	HealthzPath string `mapstructure:"healthz_path"`
	ReadyzPath  string `mapstructure:"readyz_path"`
	APIPrefix   string `mapstructure:"api_prefix"`

	// CORSOrigins пуст - CORS не включается.
	CORSOrigins []string `mapstructure:"cors_origins"`
}

func (c *Config) applyDefaults() {
	def := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	def(&c.ReadTimeout, 10*time.Second)
	def(&c.WriteTimeout, 15*time.Second)
	def(&c.IdleTimeout, time.Minute)
	def(&c.ShutdownTimeout, 5*time.Second)

	path := func(p *string, v string) {
		if *p == "" {
			*p = v
		}
	}
	path(&c.MetricsPath, "/metrics")
	path(&c.HealthzPath, "/healthz")
	path(&c.ReadyzPath, "/readyz")
	path(&c.APIPrefix, "/api")
}

func (c Config) validate() error {
	if c.Addr == "" {
		return errors.New("httpserver: addr is required")
	}
	for _, p := range []string{c.MetricsPath, c.HealthzPath, c.ReadyzPath, c.APIPrefix} {
		if !strings.HasPrefix(p, "/") {
			return errors.New("httpserver: path " + p + " must start with /")
		}
	}
	return nil
}
