// internal/app/app.go
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/YaganovValera/live-bidding/internal/bidding"
	"github.com/YaganovValera/live-bidding/internal/config"
	"github.com/YaganovValera/live-bidding/internal/connection"
	"github.com/YaganovValera/live-bidding/internal/feedsink"
	"github.com/YaganovValera/live-bidding/internal/httpapi"
	"github.com/YaganovValera/live-bidding/internal/livefeed"
	"github.com/YaganovValera/live-bidding/internal/metrics"
	"github.com/YaganovValera/live-bidding/pkg/backoff"
	"github.com/YaganovValera/live-bidding/pkg/credentials"
	"github.com/YaganovValera/live-bidding/pkg/httpserver"
	"github.com/YaganovValera/live-bidding/pkg/kafka"
	"github.com/YaganovValera/live-bidding/pkg/logger"
	"github.com/YaganovValera/live-bidding/pkg/socketio"
	"github.com/YaganovValera/live-bidding/pkg/telemetry"
)

// Agent - собранный клиент аукциона: хранилище токена, соединение, лента, фасад.
type Agent struct {
	Client  *bidding.Client
	Manager *connection.Manager
	Cache   *livefeed.Cache
	Store   credentials.Store

	cfg *config.Config
	log *logger.Logger
}

// InitServiceName задаёт единое имя сервиса для метрик backoff и Kafka.
func InitServiceName(name string) {
	backoff.SetServiceLabel(name)
	kafka.SetServiceLabel(name)
}

// NewStore открывает хранилище токена согласно credentials.backend.
func NewStore(ctx context.Context, cfg config.CredentialsConfig, log *logger.Logger) (credentials.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return credentials.NewMemory(), nil
	case "redis":
		return credentials.NewRedis(ctx, credentials.RedisConfig{
			URL:       cfg.Redis.URL,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       cfg.Redis.TTL,
			Backoff:   cfg.Redis.Backoff,
		}, log)
	default:
		return nil, fmt.Errorf("credentials: unknown backend %q", cfg.Backend)
	}
}

// SocketFactory создаёт Socket.IO-клиенты с токеном в query.
func SocketFactory(cfg config.ServerConfig, log *logger.Logger) connection.Factory {
	return func(token string) socketio.Socket {
		q := url.Values{}
		q.Set("token", token)
		return socketio.New(socketio.Options{
			URL:            cfg.URL,
			Path:           cfg.Path,
			Query:          q,
			ConnectTimeout: cfg.ConnectTimeout,
			WriteTimeout:   cfg.WriteTimeout,
		}, log)
	}
}

// NewAgent собирает зависимости, но не подключается.
func NewAgent(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Agent, error) {
	store, err := NewStore(ctx, cfg.Credentials, log)
	if err != nil {
		return nil, fmt.Errorf("credentials init: %w", err)
	}

	mgr, err := connection.New(connection.Config{
		MaxRetryAttempts: cfg.Reconnect.MaxAttempts,
		InitialDelay:     cfg.Reconnect.InitialDelay,
		MaxDelay:         cfg.Reconnect.MaxDelay,
		FeedRequestDelay: cfg.Bidding.FeedRequestDelay,
		TokenKey:         cfg.Auth.TokenKey,
	}, SocketFactory(cfg.Server, log), store, log)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("connection manager init: %w", err)
	}

	cache := livefeed.New()
	client := bidding.New(bidding.Config{ResponseTimeout: cfg.Bidding.ResponseTimeout}, mgr, cache, log)

	return &Agent{
		Client:  client,
		Manager: mgr,
		Cache:   cache,
		Store:   store,
		cfg:     cfg,
		log:     log,
	}, nil
}

// Start загружает сохранённый токен и запускает первое подключение.
// Токен из конфига имеет приоритет над сохранённым.
func (a *Agent) Start(ctx context.Context, token string) error {
	if err := a.Manager.LoadToken(ctx); err != nil {
		a.log.WithContext(ctx).Warn("stored token unavailable", zap.Error(err))
	}
	if token == "" {
		token = a.cfg.Auth.Token
	}
	return a.Client.Connect(ctx, token)
}

// Close разрывает соединение и закрывает хранилище.
func (a *Agent) Close() error {
	a.Client.Disconnect()
	return a.Store.Close()
}

// Run запускает агента: соединение, Kafka-sink (если включён) и HTTP-сервер.
func Run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	InitServiceName(cfg.ServiceName)
	metrics.Register(nil)

	shutdownTracer, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		Insecure:       cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer shutdownSafe(ctx, "telemetry", shutdownTracer, log)

	agent, err := NewAgent(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer shutdownSafe(ctx, "agent", func(context.Context) error { return agent.Close() }, log)

	var sink *feedsink.Sink
	if cfg.Kafka.Enabled {
		prod, err := kafka.New(ctx, kafka.Config{
			Brokers:      cfg.Kafka.Brokers,
			RequiredAcks: cfg.Kafka.Acks,
			Timeout:      cfg.Kafka.Timeout,
			Compression:  cfg.Kafka.Compression,
			Backoff:      cfg.Kafka.Backoff,
		}, log)
		if err != nil {
			return fmt.Errorf("kafka producer init: %w", err)
		}
		defer shutdownSafe(ctx, "kafka-producer", func(context.Context) error { return prod.Close() }, log)

		sink = feedsink.New(feedsink.Config{
			LiveCarsTopic:   cfg.Kafka.LiveCarsTopic,
			BidResultsTopic: cfg.Kafka.BidResultsTopic,
			BufferSize:      cfg.Kafka.BufferSize,
		}, prod, log)
		sink.Attach(agent.Cache, agent.Client)
	}

	readiness := func() error {
		if !agent.Client.Status().IsConnected {
			return connection.ErrNotConnected
		}
		return nil
	}
	httpSrv, err := httpserver.New(
		httpserver.Config{
			Addr:            fmt.Sprintf(":%d", cfg.HTTP.Port),
			ReadTimeout:     cfg.HTTP.ReadTimeout,
			WriteTimeout:    cfg.HTTP.WriteTimeout,
			IdleTimeout:     cfg.HTTP.IdleTimeout,
			ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
			MetricsPath:     cfg.HTTP.MetricsPath,
			HealthzPath:     cfg.HTTP.HealthzPath,
			ReadyzPath:      cfg.HTTP.ReadyzPath,
			APIPrefix:       cfg.HTTP.APIPrefix,
			CORSOrigins:     cfg.HTTP.CORSOrigins,
		},
		readiness,
		log,
		httpapi.Routes(httpapi.NewHandler(agent.Client, log)),
	)
	if err != nil {
		return fmt.Errorf("httpserver init: %w", err)
	}

	// Без токена агент всё равно стартует: токен можно передать через POST /api/connect.
	if err := agent.Start(ctx, ""); err != nil {
		log.WithContext(ctx).Warn("initial connect failed", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpSrv.Start(gctx) })
	if sink != nil {
		g.Go(func() error { return sink.Run(gctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.WithContext(ctx).Error("live-bidding exited with error", zap.Error(err))
		return err
	}
	log.WithContext(ctx).Info("live-bidding exited cleanly")
	return nil
}

// PlaceOnce подключается, ждёт соединения не дольше wait и делает одну ставку.
func PlaceOnce(ctx context.Context, cfg *config.Config, log *logger.Logger, token string, bid bidding.BidUserData, wait time.Duration) (json.RawMessage, error) {
	InitServiceName(cfg.ServiceName)

	agent, err := NewAgent(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	defer shutdownSafe(ctx, "agent", func(context.Context) error { return agent.Close() }, log)

	if err := agent.Start(ctx, token); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if err := agent.Manager.WaitConnected(waitCtx); err != nil {
		st := agent.Client.Status()
		return nil, fmt.Errorf("wait connected (%s %s): %w", st.ConnectionStatus, st.ConnectionError, err)
	}
	return agent.Client.PlaceBid(ctx, bid)
}

// SetToken сохраняет токен в настроенном хранилище.
func SetToken(ctx context.Context, cfg *config.Config, log *logger.Logger, token string) error {
	store, err := NewStore(ctx, cfg.Credentials, log)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.Set(ctx, cfg.Auth.TokenKey, token)
}

// ClearToken удаляет токен из настроенного хранилища.
func ClearToken(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	store, err := NewStore(ctx, cfg.Credentials, log)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.Remove(ctx, cfg.Auth.TokenKey)
}

// shutdownTimeout ограничивает каждый шаг остановки.
const shutdownTimeout = 10 * time.Second

// shutdownSafe вызывает fn с отдельным таймаутом: ctx к этому моменту уже
// отменён, от него берутся только значения для логов.
func shutdownSafe(ctx context.Context, name string, fn func(context.Context) error, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	log = log.WithContext(ctx)
	log.Info(name + ": shutting down")
	if err := fn(ctx); err != nil {
		log.Error(name+" shutdown failed", zap.Error(err))
	} else {
		log.Info(name + ": shutdown complete")
	}
}
