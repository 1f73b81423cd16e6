// pkg/socketio/emitter.go
package socketio

import (
	"encoding/json"
	"sync"
)

type listener struct {
	id ListenerID
	h  Handler
}

// Emitter хранит подписчиков по имени события. Нулевое значение готово к работе.
type Emitter struct {
	mu        sync.Mutex
	next      ListenerID
	listeners map[string][]listener
}

// On регистрирует обработчик и возвращает его идентификатор.
func (e *Emitter) On(event string, h Handler) ListenerID {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[string][]listener)
	}
	e.next++
	e.listeners[event] = append(e.listeners[event], listener{id: e.next, h: h})
	return e.next
}

// Off снимает обработчик; повторный вызов безопасен.
func (e *Emitter) Off(event string, id ListenerID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ls := e.listeners[event]
	for i, l := range ls {
		if l.id == id {
			ls = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	if len(ls) == 0 {
		delete(e.listeners, event)
		return
	}
	e.listeners[event] = ls
}

// RemoveAllListeners снимает все обработчики всех событий.
func (e *Emitter) RemoveAllListeners() {
	e.mu.Lock()
	e.listeners = nil
	e.mu.Unlock()
}

// ListenerCount - число обработчиков события.
func (e *Emitter) ListenerCount(event string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners[event])
}

// Dispatch вызывает обработчики события по порядку регистрации и
// возвращает число вызванных. Обработчик, снятый другим обработчиком
// во время рассылки, уже не вызывается.
func (e *Emitter) Dispatch(event string, data json.RawMessage) int {
	e.mu.Lock()
	snapshot := append([]listener(nil), e.listeners[event]...)
	e.mu.Unlock()

	n := 0
	for _, l := range snapshot {
		if !e.registered(event, l.id) {
			continue
		}
		l.h(data)
		n++
	}
	return n
}

func (e *Emitter) registered(event string, id ListenerID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, l := range e.listeners[event] {
		if l.id == id {
			return true
		}
	}
	return false
}
