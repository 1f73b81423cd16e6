// internal/bidding/client.go
package bidding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/live-bidding/internal/auction"
	"github.com/YaganovValera/live-bidding/internal/connection"
	"github.com/YaganovValera/live-bidding/internal/correlator"
	"github.com/YaganovValera/live-bidding/internal/livefeed"
	"github.com/YaganovValera/live-bidding/internal/metrics"
	"github.com/YaganovValera/live-bidding/pkg/logger"
	"github.com/YaganovValera/live-bidding/pkg/socketio"
)

var tracer = otel.Tracer("livebid/bidding")

// ErrInvalidBid - входные данные ставки не удалось превратить в placeBid.
var ErrInvalidBid = errors.New("bidding: invalid bid")

// Config - параметры фасада.
type Config struct {
	ResponseTimeout  time.Duration `mapstructure:"response_timeout"`
	BidEvent         string        `mapstructure:"bid_event"`
	BidResponseEvent string        `mapstructure:"bid_response_event"`
	FeedEvent        string        `mapstructure:"feed_event"`
}

func (c *Config) applyDefaults() {
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 10 * time.Second
	}
	if c.BidEvent == "" {
		c.BidEvent = "placeBid"
	}
	if c.BidResponseEvent == "" {
		c.BidResponseEvent = "placeBidResponse"
	}
	if c.FeedEvent == "" {
		c.FeedEvent = "liveCars"
	}
}

// Connection - то, что фасаду нужно от менеджера соединения.
type Connection interface {
	Connect(ctx context.Context, token string) error
	Disconnect()
	Retry(ctx context.Context) error
	RequestFeed() bool
	Live() (socketio.Socket, error)
	Status() connection.Status
	Handle(event string, h socketio.Handler)
}

// BidUserData - ставка от вызывающего кода.
//
// BidCarID должен быть целым числом целиком (пробелы по краям допустимы):
// "12abc" и "12.5" не усекаются до 12, а дают ErrInvalidBid.
type BidUserData struct {
	UserID   string  `json:"userId"`
	BidCarID string  `json:"bidCarId"`
	Amount   float64 `json:"amount"`
}

// BidResult - исход одного вызова PlaceBid.
type BidResult struct {
	Request  auction.BidRequest `json:"request"`
	Response json.RawMessage    `json:"response,omitempty"`
	Error    string             `json:"error,omitempty"`
	Latency  time.Duration      `json:"latencyNs"`
	At       time.Time          `json:"at"`
}

// Status - состояние соединения в терминах приложения.
type Status struct {
	IsConnected      bool             `json:"isConnected"`
	IsAuthenticated  bool             `json:"isAuthenticated"`
	ConnectionStatus connection.State `json:"connectionStatus"`
	ConnectionError  string           `json:"connectionError,omitempty"`
}

// DebugInfo - диагностический снимок.
type DebugInfo struct {
	SocketExists      bool             `json:"socketExists"`
	SocketConnected   bool             `json:"socketConnected"`
	SocketID          string           `json:"socketId,omitempty"`
	ConnectionStatus  connection.State `json:"connectionStatus"`
	TokenLength       int              `json:"tokenLength"`
	RetryCount        int              `json:"retryCount"`
	AttemptInProgress bool             `json:"attemptInProgress"`
	LiveCarsCount     int              `json:"liveCarsCount"`
	LiveCarsSample    []auction.Item   `json:"liveCarsSample"`
}

// Client - публичный фасад: соединение, лента лотов и ставки.
type Client struct {
	cfg   Config
	conn  Connection
	corr  *correlator.Correlator
	cache *livefeed.Cache
	log   *logger.Logger
	now   func() time.Time

	mu      sync.Mutex
	bidSubs []func(BidResult)
}

// New связывает фасад с менеджером соединения и кэшем ленты.
func New(cfg Config, conn Connection, cache *livefeed.Cache, log *logger.Logger) *Client {
	cfg.applyDefaults()
	log = log.Named("bidding")
	c := &Client{
		cfg:   cfg,
		conn:  conn,
		corr:  correlator.New(log, correlator.BidMatcher),
		cache: cache,
		log:   log,
		now:   time.Now,
	}
	conn.Handle(cfg.FeedEvent, c.onLiveCars)
	return c
}

func (c *Client) Connect(ctx context.Context, token string) error { return c.conn.Connect(ctx, token) }
func (c *Client) Disconnect()                                     { c.conn.Disconnect() }
func (c *Client) Retry(ctx context.Context) error                 { return c.conn.Retry(ctx) }

// GetLiveCars запрашивает ленту; сам снимок придёт событием позже.
func (c *Client) GetLiveCars() bool { return c.conn.RequestFeed() }

// LiveCars - копия текущего снимка ленты.
func (c *Client) LiveCars() []auction.Item { return c.cache.Items() }

// Feed - текущий снимок с версией.
func (c *Client) Feed() livefeed.Snapshot { return c.cache.Snapshot() }

func (c *Client) Status() Status {
	st := c.conn.Status()
	return Status{
		IsConnected:      st.Connected,
		IsAuthenticated:  st.Authenticated,
		ConnectionStatus: st.State,
		ConnectionError:  st.Error,
	}
}

// OnBidResult подписывает fn на исходы всех ставок.
func (c *Client) OnBidResult(fn func(BidResult)) {
	c.mu.Lock()
	c.bidSubs = append(c.bidSubs, fn)
	c.mu.Unlock()
}

// PlaceBid отправляет ставку и ждёт placeBidResponse.
func (c *Client) PlaceBid(ctx context.Context, d BidUserData) (json.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "PlaceBid", trace.WithAttributes(
		attribute.String("bid.car_id", d.BidCarID),
		attribute.Float64("bid.amount", d.Amount),
	))
	defer span.End()
	log := c.log.WithContext(ctx)

	sock, err := c.conn.Live()
	if err != nil {
		metrics.BidCalls.WithLabelValues("not_connected").Inc()
		span.RecordError(err)
		return nil, err
	}

	req, err := auction.NewBidRequest(d.UserID, d.BidCarID, d.Amount, c.now())
	if err != nil {
		metrics.BidCalls.WithLabelValues("invalid").Inc()
		err = fmt.Errorf("%w: %v", ErrInvalidBid, err)
		span.RecordError(err)
		return nil, err
	}

	start := c.now()
	resp, err := c.corr.Call(ctx, sock, c.cfg.BidEvent, req, c.cfg.BidResponseEvent, c.cfg.ResponseTimeout)
	latency := c.now().Sub(start)

	res := BidResult{Request: req, Response: resp, Latency: latency, At: start}
	if err != nil {
		res.Error = err.Error()
		metrics.BidCalls.WithLabelValues(outcome(err)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome(err))
		log.Warn("bid failed",
			zap.Int64("bid_car_id", req.BidCarID),
			zap.Float64("amount", req.Amount),
			zap.Error(err),
		)
	} else {
		metrics.BidCalls.WithLabelValues("ok").Inc()
		metrics.BidLatency.Observe(latency.Seconds())
		log.Info("bid response received",
			zap.Int64("bid_car_id", req.BidCarID),
			zap.Duration("latency", latency),
		)
	}
	c.publish(res)
	return resp, err
}

// Test - если нет соединения, подключается; иначе запрашивает ленту.
func (c *Client) Test(ctx context.Context) error {
	st := c.conn.Status()
	c.log.Info("connection test",
		zap.String("status", string(st.State)),
		zap.Bool("connected", st.Connected),
		zap.Bool("authenticated", st.Authenticated),
		zap.String("socket_id", st.SocketID),
		zap.Int("live_cars", c.cache.Len()),
		zap.Bool("has_token", st.HasToken),
		zap.Bool("attempt_in_progress", st.Attempting),
		zap.Int("retry_count", st.RetryCount),
	)
	if _, err := c.conn.Live(); err != nil {
		return c.conn.Connect(ctx, "")
	}
	if !c.conn.RequestFeed() {
		return connection.ErrNotConnected
	}
	return nil
}

// Debug возвращает диагностику: сокет, токен, счётчик и первые два лота.
func (c *Client) Debug() DebugInfo {
	st := c.conn.Status()
	sock, err := c.conn.Live()
	items := c.cache.Items()
	sample := items
	if len(sample) > 2 {
		sample = sample[:2]
	}
	info := DebugInfo{
		SocketExists:      st.SocketID != "" || st.Attempting || st.Connected,
		SocketConnected:   err == nil && sock.Connected(),
		SocketID:          st.SocketID,
		ConnectionStatus:  st.State,
		TokenLength:       st.TokenLength,
		RetryCount:        st.RetryCount,
		AttemptInProgress: st.Attempting,
		LiveCarsCount:     len(items),
		LiveCarsSample:    sample,
	}
	c.log.Debug("debug info", zap.Any("info", info))
	return info
}

func (c *Client) onLiveCars(data json.RawMessage) {
	items := auction.Normalize(data)
	snap := c.cache.Replace(items)
	metrics.FeedItems.Set(float64(len(items)))
	c.log.Info("live feed replaced",
		zap.Int("items", len(items)),
		zap.Uint64("version", snap.Version),
	)
}

func (c *Client) publish(res BidResult) {
	c.mu.Lock()
	subs := append([]func(BidResult){}, c.bidSubs...)
	c.mu.Unlock()
	for _, fn := range subs {
		fn(res)
	}
}

func outcome(err error) string {
	var te *socketio.TransportError
	switch {
	case errors.Is(err, correlator.ErrTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.As(err, &te):
		return "transport"
	default:
		return "error"
	}
}
