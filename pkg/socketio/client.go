// pkg/socketio/client.go
package socketio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/YaganovValera/live-bidding/pkg/logger"
)

// Options задаёт параметры подключения к Socket.IO v2 серверу (Engine.IO v3,
// только websocket-транспорт, без встроенного переподключения).
type Options struct {
	URL            string            // базовый адрес, http(s):// или ws(s)://
	Path           string            // путь Engine.IO, по умолчанию "/socket.io/"
	Query          url.Values        // дополнительные параметры, например token
	Header         http.Header       // заголовки рукопожатия
	ConnectTimeout time.Duration     // dial + handshake, по умолчанию 20s
	WriteTimeout   time.Duration     // WriteDeadline для каждого кадра, по умолчанию 5s
	Dialer         *websocket.Dialer // nil → websocket.DefaultDialer
}

func (o *Options) applyDefaults() {
	if o.Path == "" {
		o.Path = "/socket.io/"
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 20 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
}

func (o Options) validate() error {
	if o.URL == "" {
		return errors.New("socketio: URL is required")
	}
	return nil
}

// Endpoint возвращает итоговый websocket-адрес.
func (o Options) Endpoint() (string, error) {
	o.applyDefaults()
	if err := o.validate(); err != nil {
		return "", err
	}
	u, err := url.Parse(o.URL)
	if err != nil {
		return "", fmt.Errorf("socketio: parse URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("socketio: unsupported scheme %q", u.Scheme)
	}
	u.Path = o.Path
	q := url.Values{}
	for k, vs := range o.Query {
		q[k] = append([]string(nil), vs...)
	}
	q.Set("EIO", "3")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Client - Socket.IO клиент поверх gorilla/websocket.
// Один Client соответствует одной попытке подключения: после разрыва
// создаётся новый экземпляр.
type Client struct {
	Emitter

	opts Options
	log  *logger.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	sid    string
	opened bool
	closed bool
	cancel context.CancelFunc
	done   chan struct{}

	writeMu   sync.Mutex
	connected atomic.Bool
	closing   atomic.Bool
}

var _ Socket = (*Client)(nil)

// New создаёт неоткрытый Client. Ошибки конфигурации приходят событием
// connect_error после Open.
func New(opts Options, log *logger.Logger) *Client {
	opts.applyDefaults()
	return &Client{
		opts: opts,
		log:  log.Named("socketio").With(zap.String("client_id", uuid.NewString())),
		done: make(chan struct{}),
	}
}

// Open запускает подключение в фоне. Повторный вызов и вызов после Close игнорируются.
func (c *Client) Open() {
	c.mu.Lock()
	if c.opened || c.closed {
		c.mu.Unlock()
		return
	}
	c.opened = true
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(ctx)
}

// Done закрывается, когда фоновая горутина завершилась.
// До Open канал не закроется никогда.
func (c *Client) Done() <-chan struct{} { return c.done }

// Connected сообщает, что handshake пройден и соединение живо.
func (c *Client) Connected() bool { return c.connected.Load() }

// ID - Engine.IO sid, пустой до handshake.
func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sid
}

// Emit отправляет событие с одним аргументом.
func (c *Client) Emit(event string, payload any) error {
	if !c.connected.Load() {
		return &TransportError{Op: "emit " + event, Err: ErrNotConnected}
	}
	frame, err := EncodeEvent(event, payload)
	if err != nil {
		return &TransportError{Op: "encode " + event, Err: err}
	}
	if err := c.write(frame); err != nil {
		return &TransportError{Op: "write " + event, Err: err}
	}
	return nil
}

// Close закрывает соединение. Если handshake был пройден, слушатели
// получат disconnect с причиной "io client disconnect".
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn, cancel := c.conn, c.cancel
	c.mu.Unlock()

	c.closing.Store(true)
	if cancel != nil {
		cancel()
	}
	if conn == nil {
		return nil
	}
	if c.connected.Load() {
		// best-effort: сообщаем серверу о выходе из namespace
		_ = c.write(EncodePacket(PacketDisconnect))
	}
	return conn.Close()
}

func (c *Client) write(frame []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	// 1) Адрес
	endpoint, err := c.opts.Endpoint()
	if err != nil {
		c.log.Warn("invalid options", zap.Error(err))
		c.Dispatch(EventConnectError, Quote(err.Error()))
		return
	}

	// 2) Dial
	deadline := time.Now().Add(c.opts.ConnectTimeout)
	dialCtx, cancelDial := context.WithDeadline(ctx, deadline)
	conn, _, err := c.opts.Dialer.DialContext(dialCtx, endpoint, c.opts.Header)
	cancelDial()
	if err != nil {
		if c.closing.Load() {
			return
		}
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			c.log.Warn("dial timeout", zap.Duration("timeout", c.opts.ConnectTimeout))
			c.Dispatch(EventConnectTimeout, nil)
			return
		}
		c.log.Warn("dial failed", zap.Error(err))
		c.Dispatch(EventConnectError, Quote(err.Error()))
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	// 3) Handshake: open-пакет Engine.IO и connect-пакет Socket.IO
	hs, err := c.handshake(conn, deadline)
	if err != nil {
		_ = conn.Close()
		if c.closing.Load() {
			return
		}
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			c.log.Warn("handshake timeout")
			c.Dispatch(EventConnectTimeout, nil)
			return
		}
		c.log.Warn("handshake failed", zap.Error(err))
		c.Dispatch(EventConnectError, Quote(err.Error()))
		return
	}

	c.mu.Lock()
	c.sid = hs.SID
	c.mu.Unlock()
	c.connected.Store(true)
	c.log.Info("connected",
		zap.String("sid", hs.SID),
		zap.Int64("ping_interval_ms", hs.PingInterval),
		zap.Int64("ping_timeout_ms", hs.PingTimeout),
	)
	c.Dispatch(EventConnect, nil)

	// 4) Ping-горутина
	pingCtx, cancelPing := context.WithCancel(ctx)
	go c.pingLoop(pingCtx, time.Duration(hs.PingInterval)*time.Millisecond)

	// 5) Чтение до разрыва
	reason := c.readLoop(conn, hs)
	cancelPing()
	c.connected.Store(false)
	_ = conn.Close()
	if c.closing.Load() {
		reason = ReasonClientDisconnect
	}

	c.log.Info("disconnected", zap.String("reason", reason))
	c.Dispatch(EventDisconnect, Quote(reason))
}

// handshakeError - ошибка, присланная сервером в пакете 44.
type handshakeError struct{ msg string }

func (e *handshakeError) Error() string { return e.msg }

func (c *Client) handshake(conn *websocket.Conn, deadline time.Time) (Handshake, error) {
	_ = conn.SetReadDeadline(deadline)

	var hs Handshake
	opened := false
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return Handshake{}, err
		}
		pkt, err := DecodeEngine(frame)
		if err != nil {
			c.log.Debug("skip frame", zap.Error(err))
			continue
		}
		switch pkt.Type {
		case EngineOpen:
			if err := json.Unmarshal(pkt.Data, &hs); err != nil {
				return Handshake{}, fmt.Errorf("socketio: open packet: %w", err)
			}
			if hs.PingInterval <= 0 {
				hs.PingInterval = 25000
			}
			if hs.PingTimeout <= 0 {
				hs.PingTimeout = 5000
			}
			opened = true
		case EngineClose:
			return Handshake{}, errors.New("socketio: closed during handshake")
		case EngineMessage:
			if !opened {
				continue
			}
			msg, err := DecodeMessage(pkt.Data)
			if err != nil {
				c.log.Debug("skip packet", zap.Error(err))
				continue
			}
			switch msg.Type {
			case PacketConnect:
				return hs, nil
			case PacketError:
				return Handshake{}, &handshakeError{msg: DecodeString(msg.Data)}
			}
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(EncodeEngine(EnginePing, nil)); err != nil {
				c.log.Warn("ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn, hs Handshake) string {
	readTimeout := time.Duration(hs.PingInterval+hs.PingTimeout) * time.Millisecond
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if c.closing.Load() {
				return ReasonClientDisconnect
			}
			if isTimeout(err) {
				return ReasonPingTimeout
			}
			c.log.Debug("read error", zap.Error(err))
			return ReasonTransportClose
		}

		pkt, err := DecodeEngine(frame)
		if err != nil {
			c.log.Debug("skip frame", zap.Error(err))
			continue
		}
		switch pkt.Type {
		case EngineClose:
			return ReasonTransportClose
		case EnginePing:
			if err := c.write(EncodeEngine(EnginePong, pkt.Data)); err != nil {
				c.log.Warn("pong failed", zap.Error(err))
			}
		case EngineMessage:
			if reason, stop := c.handlePacket(pkt.Data); stop {
				return reason
			}
		}
	}
}

func (c *Client) handlePacket(data []byte) (string, bool) {
	msg, err := DecodeMessage(data)
	if err != nil {
		c.log.Warn("bad packet", zap.Error(err))
		return "", false
	}
	switch msg.Type {
	case PacketDisconnect:
		return ReasonServerDisconnect, true
	case PacketEvent:
		name, arg, err := msg.Event()
		if err != nil {
			c.log.Warn("bad event", zap.Error(err))
			return "", false
		}
		if isReserved(name) {
			c.log.Warn("server sent reserved event", zap.String("event", name))
			return "", false
		}
		c.Dispatch(name, arg)
	case PacketError:
		c.Dispatch(EventError, msg.Data)
	}
	return "", false
}

func isReserved(name string) bool {
	switch name {
	case EventConnect, EventConnectError, EventConnectTimeout, EventDisconnect:
		return true
	}
	return false
}

func isTimeout(err error) bool {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "i/o timeout")
}
