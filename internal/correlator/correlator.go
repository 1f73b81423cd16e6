// internal/correlator/correlator.go
package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/YaganovValera/live-bidding/pkg/logger"
	"github.com/YaganovValera/live-bidding/pkg/socketio"
)

var tracer = otel.Tracer("livebid/correlator")

// ErrTimeout - ответ не пришёл за отведённое время. Действие на сервере не отменяется.
var ErrTimeout = errors.New("correlator: response timeout")

// Channel - общий канал событий, по которому идут запрос и ответ.
type Channel interface {
	On(event string, h socketio.Handler) socketio.ListenerID
	Off(event string, id socketio.ListenerID)
	Emit(event string, payload any) error
}

// Matcher решает, относится ли ответ к запросу с данным payload.
type Matcher func(payload any, response json.RawMessage) bool

type waiter struct {
	payload any
	done    chan json.RawMessage
}

type routeKey struct {
	ch    Channel
	event string
}

// route - очередь ожидающих на одном (канал, событие) и общий слушатель.
type route struct {
	id    socketio.ListenerID
	queue []*waiter
}

// Correlator сопоставляет входящие события с ожидающими вызовами.
// Каждое входящее событие закрывает ровно один вызов: самый старый,
// который принимает Matcher.
type Correlator struct {
	log   *logger.Logger
	match Matcher

	mu     sync.Mutex
	routes map[routeKey]*route
}

// New создаёт Correlator. match == nil - строгий FIFO.
func New(log *logger.Logger, match Matcher) *Correlator {
	return &Correlator{
		log:    log.Named("correlator"),
		match:  match,
		routes: make(map[routeKey]*route),
	}
}

// Call отправляет out с payload и ждёт первое подходящее событие in.
func (c *Correlator) Call(ctx context.Context, ch Channel, out string, payload any, in string, timeout time.Duration) (json.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "Call")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.out", out),
		attribute.String("event.in", in),
	)

	key := routeKey{ch: ch, event: in}
	w := &waiter{payload: payload, done: make(chan json.RawMessage, 1)}
	c.enqueue(key, w)

	if err := ch.Emit(out, payload); err != nil {
		c.remove(key, w)
		var te *socketio.TransportError
		if !errors.As(err, &te) {
			err = &socketio.TransportError{Op: "emit " + out, Err: err}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "emit failed")
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-w.done:
		return resp, nil
	case <-timer.C:
		if !c.remove(key, w) {
			return <-w.done, nil
		}
		c.log.Warn("response timeout",
			zap.String("out", out),
			zap.String("in", in),
			zap.Duration("timeout", timeout),
		)
		span.RecordError(ErrTimeout)
		span.SetStatus(codes.Error, "timeout")
		return nil, ErrTimeout
	case <-ctx.Done():
		if !c.remove(key, w) {
			return <-w.done, nil
		}
		span.RecordError(ctx.Err())
		return nil, ctx.Err()
	}
}

// Pending - число ожидающих вызовов по всем каналам.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.routes {
		n += len(r.queue)
	}
	return n
}

func (c *Correlator) enqueue(key routeKey, w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.routes[key]
	if !ok {
		r = &route{}
		c.routes[key] = r
		r.id = key.ch.On(key.event, func(data json.RawMessage) { c.deliver(key, data) })
	}
	r.queue = append(r.queue, w)
}

// remove убирает ожидающего; false - его уже закрыл deliver.
func (c *Correlator) remove(key routeKey, w *waiter) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.routes[key]
	if !ok {
		return false
	}
	for i, q := range r.queue {
		if q == w {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			c.dropIfIdle(key, r)
			return true
		}
	}
	return false
}

func (c *Correlator) deliver(key routeKey, data json.RawMessage) {
	c.mu.Lock()
	r, ok := c.routes[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	idx := -1
	for i, w := range r.queue {
		if c.match == nil || c.match(w.payload, data) {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		c.log.Debug("unmatched response", zap.String("event", key.event), zap.ByteString("data", data))
		return
	}
	w := r.queue[idx]
	r.queue = append(r.queue[:idx], r.queue[idx+1:]...)
	c.dropIfIdle(key, r)
	c.mu.Unlock()

	w.done <- data
}

// dropIfIdle снимает общий слушатель, когда очередь опустела. Вызывается под mu.
func (c *Correlator) dropIfIdle(key routeKey, r *route) {
	if len(r.queue) > 0 {
		return
	}
	key.ch.Off(key.event, r.id)
	delete(c.routes, key)
}
