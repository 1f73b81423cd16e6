// internal/config/config.go
//
// Пакет config собирает настройки агента: defaults, затем YAML-файл,
// затем переменные окружения LIVEBID_*.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/YaganovValera/live-bidding/pkg/backoff"
)

// EnvPrefix - префикс переменных окружения (LIVEBID_SERVER_URL и т.п.).
const EnvPrefix = "LIVEBID"

// Config - все настройки агента.
type Config struct {
	ServiceName    string            `mapstructure:"service_name"`
	ServiceVersion string            `mapstructure:"service_version"`
	Server         ServerConfig      `mapstructure:"server"`
	Auth           AuthConfig        `mapstructure:"auth"`
	Reconnect      ReconnectConfig   `mapstructure:"reconnect"`
	Bidding        BiddingConfig     `mapstructure:"bidding"`
	Credentials    CredentialsConfig `mapstructure:"credentials"`
	Kafka          KafkaConfig       `mapstructure:"kafka"`
	Telemetry      Telemetry         `mapstructure:"telemetry"`
	Logging        Logging           `mapstructure:"logging"`
	HTTP           HTTPConfig        `mapstructure:"http"`
}

// ServerConfig - адрес сервера аукциона (Socket.IO).
type ServerConfig struct {
	URL            string        `mapstructure:"url"`
	Path           string        `mapstructure:"path"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

// AuthConfig - ключ хранения токена и необязательный стартовый токен.
type AuthConfig struct {
	TokenKey string `mapstructure:"token_key"`
	Token    string `mapstructure:"token"`
}

// ReconnectConfig - политика автоматического переподключения.
type ReconnectConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

// BiddingConfig - таймауты ставок и запроса ленты.
type BiddingConfig struct {
	ResponseTimeout  time.Duration `mapstructure:"response_timeout"`
	FeedRequestDelay time.Duration `mapstructure:"feed_request_delay"`
}

// CredentialsConfig - где хранится токен.
type CredentialsConfig struct {
	Backend string      `mapstructure:"backend"`
	Redis   RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	URL       string         `mapstructure:"url"`
	KeyPrefix string         `mapstructure:"key_prefix"`
	TTL       time.Duration  `mapstructure:"ttl"`
	Backoff   backoff.Config `mapstructure:"backoff"`
}

// KafkaConfig хранит настройки Kafka.
type KafkaConfig struct {
	Enabled         bool           `mapstructure:"enabled"`
	Brokers         []string       `mapstructure:"brokers"`
	LiveCarsTopic   string         `mapstructure:"live_cars_topic"`
	BidResultsTopic string         `mapstructure:"bid_results_topic"`
	Acks            string         `mapstructure:"acks"`
	Compression     string         `mapstructure:"compression"`
	Timeout         time.Duration  `mapstructure:"timeout"`
	BufferSize      int            `mapstructure:"buffer_size"`
	Backoff         backoff.Config `mapstructure:"backoff"`
}

// Telemetry хранит настройки OpenTelemetry.
type Telemetry struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otel_endpoint"`
	Insecure     bool   `mapstructure:"insecure"`
}

// Logging хранит настройки логгера.
type Logging struct {
	Level   string `mapstructure:"level"`
	DevMode bool   `mapstructure:"dev_mode"`
}

// HTTPConfig хранит конфигурацию HTTP-сервера (метрики, пробы, API).
type HTTPConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MetricsPath     string        `mapstructure:"metrics_path"`
	HealthzPath     string        `mapstructure:"healthz_path"`
	ReadyzPath      string        `mapstructure:"readyz_path"`
	APIPrefix       string        `mapstructure:"api_prefix"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// defaults - значения по умолчанию, ключи в нотации viper.
var defaults = map[string]any{
	"service_name":    "live-bidding",
	"service_version": "v1.0.0",

	"server.url":             "http://10.37.206.200:8091",
	"server.path":            "/socket.io/",
	"server.connect_timeout": "20s",
	"server.write_timeout":   "5s",

	"auth.token_key": "auth_token",
	"auth.token":     "",

	"reconnect.max_attempts":  5,
	"reconnect.initial_delay": "1s",
	"reconnect.max_delay":     "30s",

	"bidding.response_timeout":   "10s",
	"bidding.feed_request_delay": "500ms",

	"credentials.backend":          "memory",
	"credentials.redis.url":        "redis://localhost:6379/0",
	"credentials.redis.key_prefix": "livebid:",
	"credentials.redis.ttl":        "0s",

	"kafka.enabled":           false,
	"kafka.brokers":           []string{},
	"kafka.live_cars_topic":   "auction.live_cars",
	"kafka.bid_results_topic": "auction.bid_results",
	"kafka.acks":              "all",
	"kafka.compression":       "none",
	"kafka.timeout":           "5s",
	"kafka.buffer_size":       64,

	"telemetry.enabled":       false,
	"telemetry.otel_endpoint": "otel-collector:4317",
	"telemetry.insecure":      true,

	"logging.level":    "info",
	"logging.dev_mode": false,

	"http.port":             8080,
	"http.read_timeout":     "10s",
	"http.write_timeout":    "15s",
	"http.idle_timeout":     "60s",
	"http.shutdown_timeout": "5s",
	"http.metrics_path":     "/metrics",
	"http.healthz_path":     "/healthz",
	"http.readyz_path":      "/readyz",
	"http.api_prefix":       "/api",
	"http.cors_origins":     []string{"*"},
}

// Load читает конфиг из path (пустой - только defaults и ENV) и валидирует его.
func Load(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(v.AllSettings())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		return v, nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	return v, nil
}

// decode раскладывает настройки viper в Config. ENV приходят строками,
// поэтому включён WeaklyTypedInput и хуки для duration, списков и bool.
func decode(settings map[string]any) (*Config, error) {
	var cfg Config
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			parseBoolHook,
		),
	})
	if err != nil {
		return nil, fmt.Errorf("config decoder: %w", err)
	}
	if err := dec.Decode(settings); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

func parseBoolHook(from, to reflect.Kind, data any) (any, error) {
	if from != reflect.String || to != reflect.Bool {
		return data, nil
	}
	return strconv.ParseBool(data.(string))
}

// Validate проверяет все секции и возвращает все найденные ошибки разом.
func (c *Config) Validate() error {
	var errs []error
	if c.ServiceName == "" || c.ServiceVersion == "" {
		errs = append(errs, errors.New("service_name and service_version are required"))
	}
	errs = append(errs,
		c.Server.validate(),
		c.Auth.validate(),
		c.Reconnect.validate(),
		c.Bidding.validate(),
		c.Credentials.validate(),
		c.Kafka.validate(),
	)
	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		errs = append(errs, errors.New("telemetry.otel_endpoint is required when telemetry.enabled"))
	}
	if !oneOf(strings.ToLower(c.Logging.Level), "debug", "info", "warn", "error") {
		errs = append(errs, fmt.Errorf("logging.level %q must be one of debug, info, warn, error", c.Logging.Level))
	}
	errs = append(errs, c.HTTP.validate())
	return errors.Join(errs...)
}

func (s ServerConfig) validate() error {
	u, err := url.Parse(s.URL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("server.url %q must be an absolute URL", s.URL)
	}
	if !oneOf(u.Scheme, "http", "https", "ws", "wss") {
		return fmt.Errorf("server.url scheme %q must be one of http, https, ws, wss", u.Scheme)
	}
	if s.ConnectTimeout <= 0 {
		return errors.New("server.connect_timeout must be > 0")
	}
	return nil
}

func (a AuthConfig) validate() error {
	if a.TokenKey == "" {
		return errors.New("auth.token_key is required")
	}
	return nil
}

func (r ReconnectConfig) validate() error {
	if r.MaxAttempts <= 0 {
		return errors.New("reconnect.max_attempts must be > 0")
	}
	if r.InitialDelay <= 0 || r.MaxDelay < r.InitialDelay {
		return errors.New("reconnect delays must satisfy 0 < initial_delay <= max_delay")
	}
	return nil
}

func (b BiddingConfig) validate() error {
	if b.ResponseTimeout <= 0 {
		return errors.New("bidding.response_timeout must be > 0")
	}
	if b.FeedRequestDelay < 0 {
		return errors.New("bidding.feed_request_delay must be >= 0")
	}
	return nil
}

func (c CredentialsConfig) validate() error {
	switch c.Backend {
	case "memory":
		return nil
	case "redis":
		if c.Redis.URL == "" {
			return errors.New("credentials.redis.url is required for the redis backend")
		}
		return nil
	}
	return fmt.Errorf("credentials.backend %q must be memory or redis", c.Backend)
}

func (k KafkaConfig) validate() error {
	if !k.Enabled {
		return nil
	}
	var errs []error
	if len(k.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers is required when kafka.enabled"))
	}
	if k.LiveCarsTopic == "" || k.BidResultsTopic == "" {
		errs = append(errs, errors.New("kafka.live_cars_topic and kafka.bid_results_topic are required"))
	}
	if !oneOf(strings.ToLower(k.Acks), "all", "leader", "none") {
		errs = append(errs, fmt.Errorf("kafka.acks %q must be one of all, leader, none", k.Acks))
	}
	if !oneOf(strings.ToLower(k.Compression), "none", "gzip", "snappy", "lz4", "zstd") {
		errs = append(errs, fmt.Errorf("kafka.compression %q is not supported", k.Compression))
	}
	return errors.Join(errs...)
}

func (h HTTPConfig) validate() error {
	if h.Port <= 0 || h.Port > 65535 {
		return fmt.Errorf("http.port %d out of range 1..65535", h.Port)
	}
	for name, d := range map[string]time.Duration{
		"read_timeout":     h.ReadTimeout,
		"write_timeout":    h.WriteTimeout,
		"idle_timeout":     h.IdleTimeout,
		"shutdown_timeout": h.ShutdownTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("http.%s must be > 0", name)
		}
	}
	for name, p := range map[string]string{
		"metrics_path": h.MetricsPath,
		"healthz_path": h.HealthzPath,
		"readyz_path":  h.ReadyzPath,
		"api_prefix":   h.APIPrefix,
	} {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("http.%s %q must start with /", name, p)
		}
	}
	return nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// Redacted - копия без секретов: токен и пароль в URL Redis скрыты.
func (c Config) Redacted() Config {
	if c.Auth.Token != "" {
		c.Auth.Token = "***"
	}
	if u, err := url.Parse(c.Credentials.Redis.URL); err == nil && u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "***")
			c.Credentials.Redis.URL = u.String()
		}
	}
	return c
}

// Print пишет Redacted-версию конфига в w в виде JSON.
func (c Config) Print(w io.Writer) {
	b, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	fmt.Fprintf(w, "loaded configuration:\n%s\n", b)
}
