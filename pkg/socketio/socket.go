// pkg/socketio/socket.go
package socketio

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Локальные события жизненного цикла сокета.
const (
	EventConnect        = "connect"
	EventConnectError   = "connect_error"
	EventConnectTimeout = "connect_timeout"
	EventDisconnect     = "disconnect"
	EventError          = "error"
)

// Причины разрыва, передаются JSON-строкой в EventDisconnect.
const (
	ReasonServerDisconnect = "io server disconnect"
	ReasonClientDisconnect = "io client disconnect"
	ReasonTransportClose   = "transport close"
	ReasonPingTimeout      = "ping timeout"
)

// ErrNotConnected возвращается из Emit, пока сокет не прошёл handshake.
var ErrNotConnected = errors.New("socketio: socket is not connected")

// Handler получает первый аргумент события (или nil, если аргументов нет).
type Handler func(data json.RawMessage)

// ListenerID идентифицирует подписку для последующего Off.
type ListenerID uint64

// Socket - минимальный контракт Socket.IO-клиента, которым пользуется
// менеджер соединения. Реализации: *Client и socketiotest.Socket.
type Socket interface {
	On(event string, h Handler) ListenerID
	Off(event string, id ListenerID)
	RemoveAllListeners()
	// Emit отправляет событие; ошибки имеют тип *TransportError.
	Emit(event string, payload any) error
	// Open запускает подключение. Результат приходит событиями.
	Open()
	Connected() bool
	ID() string
	Close() error
}

// TransportError - сбой отправки/кодирования на уровне транспорта.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("socketio: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
