// internal/metrics/metrics.go
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// ConnectionState - 1 для текущего состояния соединения, 0 для остальных.
	ConnectionState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "livebid",
		Subsystem: "connection",
		Name:      "state",
		Help:      "Current connection state (1 = active)",
	}, []string{"state"})

	// ConnectAttempts - число созданных сокетов по типу попытки (manual/auto).
	ConnectAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "livebid",
		Subsystem: "connection",
		Name:      "attempts_total",
		Help:      "Total connection attempts",
	}, []string{"kind"})

	// ConnectResults - исход handshake: connected, connect_error, connect_timeout.
	ConnectResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "livebid",
		Subsystem: "connection",
		Name:      "results_total",
		Help:      "Outcome of connection attempts",
	}, []string{"result"})

	// Disconnects - разрывы по причине.
	Disconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "livebid",
		Subsystem: "connection",
		Name:      "disconnects_total",
		Help:      "Disconnections by reason",
	}, []string{"reason"})

	// ReconnectsScheduled - запланированные автоматические переподключения.
	ReconnectsScheduled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "livebid",
		Subsystem: "connection",
		Name:      "reconnects_scheduled_total",
		Help:      "Automatic reconnections scheduled",
	})

	// RetryCount - текущее значение счётчика попыток.
	RetryCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "livebid",
		Subsystem: "connection",
		Name:      "retry_count",
		Help:      "Current reconnection retry counter",
	})

	// ServerEvents - входящие события сервера по имени.
	ServerEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "livebid",
		Subsystem: "feed",
		Name:      "server_events_total",
		Help:      "Inbound server events by name",
	}, []string{"event"})

	// FeedItems - размер текущего снимка ленты.
	FeedItems = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "livebid",
		Subsystem: "feed",
		Name:      "items",
		Help:      "Number of auction items in the live feed snapshot",
	})

	// BidCalls - исходы placeBid: ok, timeout, not_connected, invalid, transport, canceled.
	BidCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "livebid",
		Subsystem: "bids",
		Name:      "calls_total",
		Help:      "placeBid calls by outcome",
	}, []string{"outcome"})

	// BidLatency - время от отправки placeBid до ответа.
	BidLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "livebid",
		Subsystem: "bids",
		Name:      "latency_seconds",
		Help:      "Latency between placeBid and placeBidResponse (seconds)",
		Buckets:   prometheus.DefBuckets,
	})

	// SinkPublished - сообщения, опубликованные в Kafka, по топику.
	SinkPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "livebid",
		Subsystem: "sink",
		Name:      "published_total",
		Help:      "Messages published to Kafka by topic",
	}, []string{"topic"})

	// SinkErrors - ошибки публикации в Kafka.
	SinkErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "livebid",
		Subsystem: "sink",
		Name:      "publish_errors_total",
		Help:      "Errors when publishing to Kafka",
	}, []string{"topic"})

	// SinkDrops - сообщения, отброшенные из-за переполнения буфера.
	SinkDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "livebid",
		Subsystem: "sink",
		Name:      "buffer_drops_total",
		Help:      "Number of messages dropped because buffer was full",
	})

	// HTTPRequests - запросы к управляющему API по шаблону маршрута.
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "livebid",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total control API requests",
	}, []string{"route", "method", "code"})

	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "livebid",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Control API request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})
)

// Register регистрирует все метрики в заданном реестре.
// Можно вызвать без аргументов, чтобы зарегистрировать в DefaultRegisterer.
func Register(registerers ...prometheus.Registerer) {
	once.Do(func() {
		var reg prometheus.Registerer
		if len(registerers) > 0 && registerers[0] != nil {
			reg = registerers[0]
		} else {
			reg = prometheus.DefaultRegisterer
		}
		reg.MustRegister(
			ConnectionState,
			ConnectAttempts,
			ConnectResults,
			Disconnects,
			ReconnectsScheduled,
			RetryCount,
			ServerEvents,
			FeedItems,
			BidCalls,
			BidLatency,
			SinkPublished,
			SinkErrors,
			SinkDrops,
			HTTPRequests,
			HTTPDuration,
		)
	})
}

var states = []string{"disconnected", "connecting", "connected", "error"}

// SetState отмечает текущее состояние соединения.
func SetState(current string) {
	for _, s := range states {
		v := 0.0
		if s == current {
			v = 1
		}
		ConnectionState.WithLabelValues(s).Set(v)
	}
}
