// pkg/kafka/producer.go
//
// Пакет kafka - синхронный продьюсер для ленты лотов и исходов ставок.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/dnwe/otelsarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/live-bidding/pkg/backoff"
	"github.com/YaganovValera/live-bidding/pkg/logger"
)

// Producer публикует сообщения в Kafka.
type Producer interface {
	// Publish ждёт подтверждения согласно acks, временные ошибки повторяет.
	Publish(ctx context.Context, topic string, key, value []byte) error
	// Ping обновляет метаданные кластера.
	Ping(ctx context.Context) error
	Close() error
}

var serviceLabel = "unknown"

// SetServiceLabel задаёт лейбл service метрик и заголовок source сообщений.
func SetServiceLabel(name string) { serviceLabel = name }

var (
	publishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "livebid", Subsystem: "kafka", Name: "publish_total",
		Help: "Kafka publishes by topic and result (ok, error)",
	}, []string{"service", "topic", "result"})

	publishLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "livebid", Subsystem: "kafka", Name: "publish_latency_seconds",
		Help:    "Time to get broker acknowledgement, retries included",
		Buckets: prometheus.DefBuckets,
	}, []string{"service", "topic"})

	clientErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "livebid", Subsystem: "kafka", Name: "client_errors_total",
		Help: "Kafka client failures by operation (connect, ping, close)",
	}, []string{"service", "op"})
)

var tracer = otel.Tracer("livebid/kafka")

// Config - параметры продьюсера. Нулевые значения заменяются дефолтами.
type Config struct {
	Brokers []string `mapstructure:"brokers"`
	// RequiredAcks: all (по умолчанию), leader, none.
	RequiredAcks string        `mapstructure:"acks"`
	Timeout      time.Duration `mapstructure:"timeout"`
	// Compression: none (по умолчанию), gzip, snappy, lz4, zstd.
	Compression string         `mapstructure:"compression"`
	Backoff     backoff.Config `mapstructure:"backoff"`
}

var (
	acksByName = map[string]sarama.RequiredAcks{
		"all":    sarama.WaitForAll,
		"leader": sarama.WaitForLocal,
		"none":   sarama.NoResponse,
	}
	codecByName = map[string]sarama.CompressionCodec{
		"none":   sarama.CompressionNone,
		"gzip":   sarama.CompressionGZIP,
		"snappy": sarama.CompressionSnappy,
		"lz4":    sarama.CompressionLZ4,
		"zstd":   sarama.CompressionZSTD,
	}
)

// sarama переводит Config в *sarama.Config.
func (c Config) sarama() (*sarama.Config, error) {
	if c.RequiredAcks == "" {
		c.RequiredAcks = "all"
	}
	if c.Compression == "" {
		c.Compression = "none"
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	acks, ok := acksByName[strings.ToLower(c.RequiredAcks)]
	if !ok {
		return nil, fmt.Errorf("kafka: unknown acks %q", c.RequiredAcks)
	}
	codec, ok := codecByName[strings.ToLower(c.Compression)]
	if !ok {
		return nil, fmt.Errorf("kafka: unknown compression %q", c.Compression)
	}

	sc := sarama.NewConfig()
	sc.Version = sarama.V2_1_0_0
	sc.ClientID = "live-bidding"
	sc.Producer.RequiredAcks = acks
	sc.Producer.Compression = codec
	sc.Producer.Timeout = c.Timeout
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	// снимок ленты не должен задваиваться при ретраях sarama
	if acks == sarama.WaitForAll {
		sc.Producer.Idempotent = true
		sc.Net.MaxOpenRequests = 1
	}
	return sc, nil
}

type producer struct {
	sync    sarama.SyncProducer
	refresh func() error
	closeFn func() error
	bo      backoff.Config
	log     *logger.Logger
}

// New подключается к брокерам (с ретраями по cfg.Backoff) и оборачивает
// продьюсер в otelsarama, чтобы контекст трейса уходил в заголовках.
func New(ctx context.Context, cfg Config, log *logger.Logger) (Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: brokers required")
	}
	sc, err := cfg.sarama()
	if err != nil {
		return nil, err
	}
	log = log.Named("kafka")

	ctx, span := tracer.Start(ctx, "kafka.Connect", trace.WithAttributes(attribute.StringSlice("kafka.brokers", cfg.Brokers)))
	defer span.End()

	var client sarama.Client
	var sp sarama.SyncProducer
	err = backoff.Execute(ctx, cfg.Backoff, log, func(context.Context) error {
		c, err := sarama.NewClient(cfg.Brokers, sc)
		if err != nil {
			clientErrors.WithLabelValues(serviceLabel, "connect").Inc()
			return err
		}
		p, err := sarama.NewSyncProducerFromClient(c)
		if err != nil {
			_ = c.Close()
			clientErrors.WithLabelValues(serviceLabel, "connect").Inc()
			return err
		}
		client, sp = c, p
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("kafka: connect %v: %w", cfg.Brokers, err)
	}

	log.Info("producer connected", zap.Strings("brokers", cfg.Brokers), zap.String("acks", cfg.RequiredAcks))
	refresh := func() error { return client.RefreshMetadata() }
	return newProducer(otelsarama.WrapSyncProducer(sc, sp), refresh, client.Close, cfg.Backoff, log), nil
}

func newProducer(sp sarama.SyncProducer, refresh, closeFn func() error, bo backoff.Config, log *logger.Logger) *producer {
	return &producer{sync: sp, refresh: refresh, closeFn: closeFn, bo: bo, log: log}
}

// ошибки, которые повтор не исправит
var permanentErrs = []error{
	sarama.ErrMessageSizeTooLarge,
	sarama.ErrInvalidTopic,
	sarama.ErrTopicAuthorizationFailed,
}

func classify(err error) error {
	for _, p := range permanentErrs {
		if errors.Is(err, p) {
			return backoff.Permanent(err)
		}
	}
	return err
}

func (p *producer) Publish(ctx context.Context, topic string, key, value []byte) error {
	ctx, span := tracer.Start(ctx, "kafka.Publish", trace.WithAttributes(attribute.String("kafka.topic", topic)))
	defer span.End()

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("content-type"), Value: []byte("application/json")},
			{Key: []byte("source"), Value: []byte(serviceLabel)},
		},
	}
	if key != nil {
		msg.Key = sarama.ByteEncoder(key)
	}

	start := time.Now()
	var partition int32
	var offset int64
	err := backoff.Execute(ctx, p.bo, p.log, func(context.Context) error {
		var err error
		partition, offset, err = p.sync.SendMessage(msg)
		return classify(err)
	})
	publishLatency.WithLabelValues(serviceLabel, topic).Observe(time.Since(start).Seconds())

	if err != nil {
		publishTotal.WithLabelValues(serviceLabel, topic, "error").Inc()
		span.RecordError(err)
		return fmt.Errorf("kafka: publish to %s: %w", topic, err)
	}
	publishTotal.WithLabelValues(serviceLabel, topic, "ok").Inc()
	span.SetAttributes(attribute.Int("kafka.partition", int(partition)), attribute.Int64("kafka.offset", offset))
	p.log.Debug("published", zap.String("topic", topic), zap.Int32("partition", partition), zap.Int64("offset", offset))
	return nil
}

func (p *producer) Ping(ctx context.Context) error {
	_, span := tracer.Start(ctx, "kafka.Ping")
	defer span.End()
	if p.refresh == nil {
		return nil
	}
	if err := p.refresh(); err != nil {
		clientErrors.WithLabelValues(serviceLabel, "ping").Inc()
		span.RecordError(err)
		return err
	}
	return nil
}

// Close закрывает продьюсер, затем клиент; закрытый клиент не ошибка.
func (p *producer) Close() error {
	err := p.sync.Close()
	if p.closeFn != nil {
		if cerr := p.closeFn(); cerr != nil && !errors.Is(cerr, sarama.ErrClosedClient) {
			err = errors.Join(err, cerr)
		}
	}
	if err != nil {
		clientErrors.WithLabelValues(serviceLabel, "close").Inc()
		p.log.Error("close failed", zap.Error(err))
		return err
	}
	p.log.Info("producer closed")
	return nil
}
