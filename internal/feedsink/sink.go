// internal/feedsink/sink.go
//
// Пакет feedsink пересылает снимки ленты и исходы ставок в Kafka.
package feedsink

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/YaganovValera/live-bidding/internal/auction"
	"github.com/YaganovValera/live-bidding/internal/bidding"
	"github.com/YaganovValera/live-bidding/internal/livefeed"
	"github.com/YaganovValera/live-bidding/internal/metrics"
	"github.com/YaganovValera/live-bidding/pkg/kafka"
	"github.com/YaganovValera/live-bidding/pkg/logger"
)

var tracer = otel.Tracer("livebid/feedsink")

type Config struct {
	LiveCarsTopic   string `mapstructure:"live_cars_topic"`
	BidResultsTopic string `mapstructure:"bid_results_topic"`
	BufferSize      int    `mapstructure:"buffer_size"`
}

func (c *Config) applyDefaults() {
	if c.LiveCarsTopic == "" {
		c.LiveCarsTopic = "auction.live_cars"
	}
	if c.BidResultsTopic == "" {
		c.BidResultsTopic = "auction.bid_results"
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
}

// FeedSource - источник снимков ленты.
type FeedSource interface {
	Subscribe(fn func(livefeed.Snapshot))
}

// BidSource - источник исходов ставок.
type BidSource interface {
	OnBidResult(fn func(bidding.BidResult))
}

// liveCarsMessage - значение в топике ленты.
type liveCarsMessage struct {
	Version   uint64         `json:"version"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Items     []auction.Item `json:"items"`
}

type message struct {
	topic string
	key   []byte
	value []byte
}

// Sink буферизует сообщения и публикует их из одной горутины.
// Переполнение буфера не блокирует обработку событий сокета: сообщение
// отбрасывается и учитывается в метриках.
type Sink struct {
	cfg  Config
	prod kafka.Producer
	log  *logger.Logger
	ch   chan message
}

func New(cfg Config, prod kafka.Producer, log *logger.Logger) *Sink {
	cfg.applyDefaults()
	return &Sink{
		cfg:  cfg,
		prod: prod,
		log:  log.Named("feedsink"),
		ch:   make(chan message, cfg.BufferSize),
	}
}

// Attach подписывает sink на ленту и на результаты ставок.
func (s *Sink) Attach(feed FeedSource, bids BidSource) {
	if feed != nil {
		feed.Subscribe(s.onSnapshot)
	}
	if bids != nil {
		bids.OnBidResult(s.onBidResult)
	}
}

// Run публикует сообщения до отмены ctx.
func (s *Sink) Run(ctx context.Context) error {
	s.log.Info("feed sink started",
		zap.String("live_cars_topic", s.cfg.LiveCarsTopic),
		zap.String("bid_results_topic", s.cfg.BidResultsTopic),
	)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("feed sink stopped", zap.Int("pending", len(s.ch)))
			return nil
		case m := <-s.ch:
			s.publish(ctx, m)
		}
	}
}

func (s *Sink) publish(ctx context.Context, m message) {
	ctx, span := tracer.Start(ctx, "Publish")
	defer span.End()
	if err := s.prod.Publish(ctx, m.topic, m.key, m.value); err != nil {
		metrics.SinkErrors.WithLabelValues(m.topic).Inc()
		span.RecordError(err)
		s.log.WithContext(ctx).Error("publish failed", zap.String("topic", m.topic), zap.Error(err))
		return
	}
	metrics.SinkPublished.WithLabelValues(m.topic).Inc()
}

func (s *Sink) onSnapshot(snap livefeed.Snapshot) {
	s.enqueue(s.cfg.LiveCarsTopic, strconv.FormatUint(snap.Version, 10), liveCarsMessage{
		Version:   snap.Version,
		UpdatedAt: snap.UpdatedAt,
		Items:     snap.Items,
	})
}

func (s *Sink) onBidResult(res bidding.BidResult) {
	s.enqueue(s.cfg.BidResultsTopic, strconv.FormatInt(res.Request.BidCarID, 10), res)
}

func (s *Sink) enqueue(topic, key string, v any) {
	value, err := json.Marshal(v)
	if err != nil {
		metrics.SinkErrors.WithLabelValues(topic).Inc()
		s.log.Error("marshal failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	select {
	case s.ch <- message{topic: topic, key: []byte(key), value: value}:
	default:
		metrics.SinkDrops.Inc()
		s.log.Warn("buffer full, dropping message", zap.String("topic", topic))
	}
}
