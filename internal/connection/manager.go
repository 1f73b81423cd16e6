// internal/connection/manager.go
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/live-bidding/internal/auction"
	"github.com/YaganovValera/live-bidding/internal/metrics"
	"github.com/YaganovValera/live-bidding/pkg/backoff"
	"github.com/YaganovValera/live-bidding/pkg/credentials"
	"github.com/YaganovValera/live-bidding/pkg/logger"
	"github.com/YaganovValera/live-bidding/pkg/socketio"
)

var tracer = otel.Tracer("livebid/connection")

// State - состояние соединения.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

var (
	// ErrMissingToken - нет ни переданного, ни сохранённого токена.
	ErrMissingToken = errors.New("no authentication token available")
	// ErrNotConnected - нет живого подключённого сокета.
	ErrNotConnected = errors.New("connection: not connected")
)

const (
	msgConnectFailed  = "Socket.IO connection failed"
	msgConnectTimeout = "connection timeout"
	msgSocketError    = "Socket.IO error occurred"
)

// События сервера, которые только логируются и считаются.
var infoEvents = []string{"bids", "topBid", "topBids", "topThreeBids"}

// Factory создаёт неоткрытый сокет для токена.
type Factory func(token string) socketio.Socket

// Status - снимок состояния для внешних потребителей.
type Status struct {
	State         State  `json:"connectionStatus"`
	Connected     bool   `json:"isConnected"`
	Authenticated bool   `json:"isAuthenticated"`
	Error         string `json:"connectionError,omitempty"`
	RetryCount    int    `json:"retryCount"`
	Attempting    bool   `json:"attemptInProgress"`
	HasToken      bool   `json:"hasToken"`
	TokenLength   int    `json:"tokenLength"`
	SocketID      string `json:"socketId,omitempty"`
}

type handlerReg struct {
	event string
	h     socketio.Handler
}

// Manager владеет единственным сокетом и его жизненным циклом:
// подключение, автоматическое переподключение с экспоненциальной
// задержкой, ручное отключение. Все переходы выполняются под mu.
type Manager struct {
	cfg   Config
	dial  Factory
	store credentials.Store
	log   *logger.Logger
	now   func() time.Time

	mu            sync.Mutex
	token         string
	sock          socketio.Socket
	state         State
	connected     bool
	authenticated bool
	attempting    bool
	lastErr       string
	schedule      *backoff.Schedule
	handlers      []handlerReg
	changed       chan struct{}

	reconnectTimer *time.Timer
	reconnectSeq   uint64
	feedTimer      *time.Timer
	feedSeq        uint64
}

// New создаёт Manager. store может быть nil - тогда токен живёт только в памяти.
func New(cfg Config, dial Factory, store credentials.Store, log *logger.Logger) (*Manager, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if dial == nil {
		return nil, errors.New("connection: nil socket factory")
	}
	sched, err := backoff.NewSchedule(backoff.ScheduleConfig{
		InitialInterval: cfg.InitialDelay,
		MaxInterval:     cfg.MaxDelay,
		Multiplier:      2,
		MaxAttempts:     cfg.MaxRetryAttempts,
	})
	if err != nil {
		return nil, err
	}
	if store == nil {
		store = credentials.NewMemory()
	}

	m := &Manager{
		cfg:      cfg,
		dial:     dial,
		store:    store,
		log:      log.Named("connection"),
		now:      time.Now,
		state:    StateDisconnected,
		schedule: sched,
		changed:  make(chan struct{}),
	}
	metrics.SetState(string(StateDisconnected))
	return m, nil
}

// LoadToken читает сохранённый токен. Отсутствие токена не ошибка.
func (m *Manager) LoadToken(ctx context.Context) error {
	tok, err := m.store.Get(ctx, m.cfg.TokenKey)
	if errors.Is(err, credentials.ErrNotFound) {
		m.log.Info("no stored token")
		return nil
	}
	if err != nil {
		m.log.Warn("failed to read stored token", zap.Error(err))
		return err
	}
	m.mu.Lock()
	m.token = tok
	m.notifyLocked()
	m.mu.Unlock()
	m.log.Info("loaded stored token")
	return nil
}

// Connect запускает подключение с token (или с сохранённым, если token пуст).
// Ручной вызов сбрасывает счётчик попыток.
func (m *Manager) Connect(ctx context.Context, token string) error {
	return m.connect(ctx, token, true)
}

// Retry сбрасывает счётчик и подключается с сохранённым токеном.
func (m *Manager) Retry(ctx context.Context) error {
	m.mu.Lock()
	m.schedule.Reset()
	has := m.token != ""
	m.notifyLocked()
	m.mu.Unlock()
	if !has {
		return ErrMissingToken
	}
	return m.connect(ctx, "", true)
}

// Disconnect полностью разбирает соединение. Повторный вызов безопасен.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	old := m.teardownLocked(true)
	m.notifyLocked()
	m.mu.Unlock()

	if old != nil {
		m.log.Info("disconnected by client")
		_ = old.Close()
	}
}

// RequestFeed отправляет запрос ленты. false - сокет не подключён или emit не удался.
func (m *Manager) RequestFeed() bool {
	m.mu.Lock()
	sock := m.sock
	m.mu.Unlock()
	return m.emitFeed(sock)
}

// Live возвращает текущий подключённый сокет.
func (m *Manager) Live() (socketio.Socket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sock == nil || !m.sock.Connected() {
		return nil, ErrNotConnected
	}
	return m.sock, nil
}

// Status возвращает снимок состояния.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		State:         m.state,
		Connected:     m.connected,
		Authenticated: m.authenticated,
		Error:         m.lastErr,
		RetryCount:    m.schedule.Attempts(),
		Attempting:    m.attempting,
		HasToken:      m.token != "",
		TokenLength:   len(m.token),
	}
	if m.sock != nil {
		st.SocketID = m.sock.ID()
	}
	return st
}

// Changed возвращает канал, который закроется при следующем изменении состояния.
func (m *Manager) Changed() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changed
}

// WaitConnected блокируется до подключения или отмены ctx.
func (m *Manager) WaitConnected(ctx context.Context) error {
	for {
		m.mu.Lock()
		ok := m.connected
		ch := m.changed
		m.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Handle регистрирует обработчик события, который привязывается к каждому
// новому сокету. События от заменённых сокетов до него не доходят.
func (m *Manager) Handle(event string, h socketio.Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg := handlerReg{event: event, h: h}
	m.handlers = append(m.handlers, reg)
	if m.sock != nil {
		m.bindHandler(m.sock, reg)
	}
}

func (m *Manager) connect(ctx context.Context, token string, manual bool) error {
	ctx, span := tracer.Start(ctx, "Connect", trace.WithAttributes(attribute.Bool("manual", manual)))
	defer span.End()
	log := m.log.WithContext(ctx)

	m.mu.Lock()
	persist := ""
	if token != "" && token != m.token {
		m.token = token
		persist = token
	}
	sock, stale, err := m.startLocked(log, manual)
	m.mu.Unlock()

	m.launch(sock, stale)
	if persist != "" {
		if err := m.store.Set(ctx, m.cfg.TokenKey, persist); err != nil {
			log.Warn("failed to persist token", zap.Error(err))
		} else {
			log.Info("new auth token saved")
		}
	}
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// startLocked создаёт новый сокет, если это допустимо. Возвращает сокет,
// который нужно открыть, и заменённый сокет, который нужно закрыть.
func (m *Manager) startLocked(log *logger.Logger, manual bool) (sock, stale socketio.Socket, err error) {
	if m.attempting {
		log.Debug("connection attempt already in progress, skipping")
		return nil, nil, nil
	}
	if m.sock != nil && m.sock.Connected() && m.authenticated {
		log.Debug("already connected and authenticated, skipping")
		return nil, nil, nil
	}
	if m.token == "" {
		log.Error("no token available for connection")
		m.state = StateError
		m.lastErr = ErrMissingToken.Error()
		m.notifyLocked()
		return nil, nil, ErrMissingToken
	}

	if manual {
		m.schedule.Reset()
	}
	stale = m.teardownLocked(false)

	kind := "auto"
	if manual {
		kind = "manual"
	}
	sock = m.dial(m.token)
	m.sock = sock
	m.attempting = true
	m.state = StateConnecting
	m.lastErr = ""
	m.bindLocked(sock)
	metrics.ConnectAttempts.WithLabelValues(kind).Inc()
	log.Info("creating socket",
		zap.String("kind", kind),
		zap.Int("retry_count", m.schedule.Attempts()),
	)
	m.notifyLocked()
	return sock, stale, nil
}

func (m *Manager) launch(sock, stale socketio.Socket) {
	if stale != nil {
		_ = stale.Close()
	}
	if sock != nil {
		sock.Open()
	}
}

// teardownLocked останавливает таймеры, снимает слушатели и отвязывает сокет.
// Закрыть возвращённый сокет нужно вне блокировки.
func (m *Manager) teardownLocked(resetCounter bool) socketio.Socket {
	m.stopReconnectLocked()
	m.stopFeedLocked()

	old := m.sock
	if old != nil {
		old.RemoveAllListeners()
		m.sock = nil
	}
	m.attempting = false
	m.connected = false
	m.authenticated = false
	m.state = StateDisconnected
	if resetCounter {
		m.schedule.Reset()
	}
	return old
}

func (m *Manager) bindLocked(sock socketio.Socket) {
	sock.On(socketio.EventConnect, func(json.RawMessage) { m.onConnect(sock) })
	sock.On(socketio.EventConnectError, func(data json.RawMessage) {
		m.onConnectFailed(sock, "connect_error", messageOr(data, msgConnectFailed))
	})
	sock.On(socketio.EventConnectTimeout, func(json.RawMessage) {
		m.onConnectFailed(sock, "connect_timeout", msgConnectTimeout)
	})
	sock.On(socketio.EventDisconnect, func(data json.RawMessage) {
		m.onDisconnect(sock, socketio.DecodeString(data))
	})
	sock.On(socketio.EventError, func(data json.RawMessage) {
		m.onError(sock, messageOr(data, msgSocketError))
	})
	for _, ev := range infoEvents {
		ev := ev
		sock.On(ev, func(data json.RawMessage) { m.onInfo(sock, ev, data) })
	}
	for _, reg := range m.handlers {
		m.bindHandler(sock, reg)
	}
}

func (m *Manager) bindHandler(sock socketio.Socket, reg handlerReg) {
	sock.On(reg.event, func(data json.RawMessage) {
		if !m.isCurrent(sock) {
			return
		}
		metrics.ServerEvents.WithLabelValues(reg.event).Inc()
		reg.h(data)
	})
}

func (m *Manager) isCurrent(sock socketio.Socket) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sock == sock
}

func (m *Manager) onConnect(sock socketio.Socket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sock != sock {
		return
	}
	m.attempting = false
	m.connected = true
	m.authenticated = true
	m.state = StateConnected
	m.lastErr = ""
	m.schedule.Reset()
	m.stopReconnectLocked()
	m.scheduleFeedLocked(sock)
	metrics.ConnectResults.WithLabelValues("connected").Inc()

	sid := sock.ID()
	m.log.WithContext(logger.ContextWithSocketID(context.Background(), sid)).Info("connected")
	m.notifyLocked()
}

func (m *Manager) onConnectFailed(sock socketio.Socket, result, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sock != sock {
		return
	}
	m.attempting = false
	m.connected = false
	m.authenticated = false
	m.state = StateError
	m.lastErr = msg
	metrics.ConnectResults.WithLabelValues(result).Inc()
	m.log.Warn("connection failed", zap.String("result", result), zap.String("error", msg))
	m.scheduleReconnectLocked()
	m.notifyLocked()
}

func (m *Manager) onDisconnect(sock socketio.Socket, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sock != sock {
		return
	}
	m.attempting = false
	m.connected = false
	m.authenticated = false
	m.state = StateDisconnected
	m.stopFeedLocked()
	metrics.Disconnects.WithLabelValues(reason).Inc()
	m.log.Info("disconnected", zap.String("reason", reason))

	if reason != socketio.ReasonServerDisconnect {
		m.scheduleReconnectLocked()
	}
	m.notifyLocked()
}

func (m *Manager) onError(sock socketio.Socket, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sock != sock {
		return
	}
	m.state = StateError
	m.lastErr = msg
	m.log.Error("socket error", zap.String("error", msg))
	m.notifyLocked()
}

func (m *Manager) onInfo(sock socketio.Socket, event string, data json.RawMessage) {
	if !m.isCurrent(sock) {
		return
	}
	metrics.ServerEvents.WithLabelValues(event).Inc()
	m.log.Debug("server event", zap.String("event", event), zap.Int("bytes", len(data)))
}

// scheduleReconnectLocked планирует автоматическое переподключение,
// если есть токен и не исчерпан лимит попыток.
func (m *Manager) scheduleReconnectLocked() {
	if m.reconnectTimer != nil {
		return
	}
	if m.token == "" {
		m.log.Warn("no token, reconnection not scheduled")
		return
	}
	attempt := m.schedule.Attempts()
	delay, ok := m.schedule.Next()
	if !ok {
		m.log.Warn("max reconnection attempts reached", zap.Int("max", m.schedule.MaxAttempts()))
		return
	}
	m.reconnectSeq++
	seq := m.reconnectSeq
	m.reconnectTimer = time.AfterFunc(delay, func() { m.onReconnectTimer(seq) })
	metrics.ReconnectsScheduled.Inc()
	m.log.Info("reconnection scheduled",
		zap.Duration("delay", delay),
		zap.Int("attempt", attempt+1),
		zap.Int("max", m.schedule.MaxAttempts()),
	)
}

func (m *Manager) onReconnectTimer(seq uint64) {
	m.mu.Lock()
	if seq != m.reconnectSeq || m.reconnectTimer == nil {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	if m.token == "" {
		m.mu.Unlock()
		return
	}
	sock, stale, _ := m.startLocked(m.log, false)
	m.mu.Unlock()

	m.launch(sock, stale)
}

func (m *Manager) stopReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.reconnectSeq++
}

func (m *Manager) scheduleFeedLocked(sock socketio.Socket) {
	m.stopFeedLocked()
	seq := m.feedSeq
	m.feedTimer = time.AfterFunc(m.cfg.FeedRequestDelay, func() { m.onFeedTimer(sock, seq) })
}

func (m *Manager) onFeedTimer(sock socketio.Socket, seq uint64) {
	m.mu.Lock()
	if seq != m.feedSeq || m.sock != sock {
		m.mu.Unlock()
		return
	}
	m.feedTimer = nil
	m.mu.Unlock()

	if !m.emitFeed(sock) {
		m.log.Warn("initial feed request failed")
	}
}

func (m *Manager) stopFeedLocked() {
	if m.feedTimer != nil {
		m.feedTimer.Stop()
		m.feedTimer = nil
	}
	m.feedSeq++
}

func (m *Manager) emitFeed(sock socketio.Socket) bool {
	if sock == nil || !sock.Connected() {
		m.log.Warn("cannot request feed: not connected")
		return false
	}
	if err := sock.Emit(m.cfg.FeedEvent, auction.NewFeedRequest(m.now())); err != nil {
		m.log.Error("feed request failed", zap.Error(err))
		return false
	}
	m.log.Debug("feed requested")
	return true
}

func (m *Manager) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
	metrics.SetState(string(m.state))
	metrics.RetryCount.Set(float64(m.schedule.Attempts()))
}

func messageOr(data json.RawMessage, def string) string {
	if msg := socketio.DecodeString(data); msg != "" && msg != "null" {
		return msg
	}
	return def
}
