// pkg/socketio/socketiotest/socket.go

// Package socketiotest содержит in-memory реализацию socketio.Socket для тестов.
package socketiotest

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/YaganovValera/live-bidding/pkg/socketio"
)

// Emitted - событие, отправленное через Emit.
type Emitted struct {
	Event   string
	Payload json.RawMessage
}

// EmitHook вызывается после записи события (вне внутренних блокировок).
// Ненулевая ошибка возвращается из Emit как *socketio.TransportError.
type EmitHook func(s *Socket, event string, payload json.RawMessage) error

// Socket - управляемый из теста сокет. События доставляются синхронно
// в горутине вызывающего Fire.
type Socket struct {
	socketio.Emitter

	Token string

	mu        sync.Mutex
	id        string
	opened    bool
	closed    bool
	connected bool
	emitted   []Emitted
	hook      EmitHook
}

var _ socketio.Socket = (*Socket)(nil)

// New создаёт неоткрытый сокет с заданным id.
func New(id string) *Socket { return &Socket{id: id} }

// SetEmitHook задаёт реакцию на Emit, например ответ сервера.
func (s *Socket) SetEmitHook(h EmitHook) {
	s.mu.Lock()
	s.hook = h
	s.mu.Unlock()
}

func (s *Socket) Open() {
	s.mu.Lock()
	s.opened = true
	s.mu.Unlock()
}

func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Socket) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Socket) Emit(event string, payload any) error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return &socketio.TransportError{Op: "emit " + event, Err: socketio.ErrNotConnected}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		s.mu.Unlock()
		return &socketio.TransportError{Op: "encode " + event, Err: err}
	}
	s.emitted = append(s.emitted, Emitted{Event: event, Payload: raw})
	hook := s.hook
	s.mu.Unlock()

	if hook != nil {
		if err := hook(s, event, raw); err != nil {
			return &socketio.TransportError{Op: "write " + event, Err: err}
		}
	}
	return nil
}

// Close помечает сокет закрытым; если он был подключён, слушатели
// получают disconnect("io client disconnect"), как у настоящего клиента.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	was := s.connected
	s.connected = false
	s.mu.Unlock()

	if was {
		s.Dispatch(socketio.EventDisconnect, socketio.Quote(socketio.ReasonClientDisconnect))
	}
	return nil
}

// Fire доставляет событие слушателям. data кодируется в JSON,
// json.RawMessage передаётся как есть, nil - без аргумента.
// connect/disconnect дополнительно меняют флаг Connected.
func (s *Socket) Fire(event string, data any) int {
	var raw json.RawMessage
	switch v := data.(type) {
	case nil:
	case json.RawMessage:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			panic(fmt.Sprintf("socketiotest: marshal %q: %v", event, err))
		}
		raw = b
	}

	s.mu.Lock()
	switch event {
	case socketio.EventConnect:
		s.connected = true
	case socketio.EventDisconnect:
		s.connected = false
	}
	s.mu.Unlock()

	return s.Dispatch(event, raw)
}

// FireConnect имитирует успешный handshake.
func (s *Socket) FireConnect() int { return s.Fire(socketio.EventConnect, nil) }

// FireDisconnect имитирует разрыв с указанной причиной.
func (s *Socket) FireDisconnect(reason string) int {
	return s.Fire(socketio.EventDisconnect, reason)
}

// FireConnectError имитирует ошибку handshake.
func (s *Socket) FireConnectError(msg string) int {
	return s.Fire(socketio.EventConnectError, msg)
}

// SetConnected меняет флаг без рассылки событий.
func (s *Socket) SetConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

func (s *Socket) Opened() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

func (s *Socket) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Emitted возвращает копию журнала отправленных событий.
func (s *Socket) Emitted() []Emitted {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Emitted(nil), s.emitted...)
}

// EmittedNamed возвращает отправленные события с заданным именем.
func (s *Socket) EmittedNamed(event string) []Emitted {
	var out []Emitted
	for _, e := range s.Emitted() {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

// Dialer выдаёт новые Socket и запоминает их по порядку.
type Dialer struct {
	mu      sync.Mutex
	sockets []*Socket
	// OnCreate вызывается для каждого нового сокета до возврата из Factory.
	OnCreate func(*Socket)
}

// Factory совместима с connection.Factory.
func (d *Dialer) Factory(token string) socketio.Socket {
	d.mu.Lock()
	s := New(fmt.Sprintf("sid-%d", len(d.sockets)+1))
	s.Token = token
	d.sockets = append(d.sockets, s)
	onCreate := d.OnCreate
	d.mu.Unlock()

	if onCreate != nil {
		onCreate(s)
	}
	return s
}

// Sockets - все созданные сокеты.
func (d *Dialer) Sockets() []*Socket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Socket(nil), d.sockets...)
}

// Count - число созданных сокетов.
func (d *Dialer) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sockets)
}

// Last - последний созданный сокет или nil.
func (d *Dialer) Last() *Socket {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sockets) == 0 {
		return nil
	}
	return d.sockets[len(d.sockets)-1]
}

// Live - сокеты, которые не закрыты.
func (d *Dialer) Live() []*Socket {
	var out []*Socket
	for _, s := range d.Sockets() {
		if !s.Closed() {
			out = append(out, s)
		}
	}
	return out
}
