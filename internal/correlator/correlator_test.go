// internal/correlator/correlator_test.go
package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/YaganovValera/live-bidding/internal/auction"
	"github.com/YaganovValera/live-bidding/pkg/logger"
	"github.com/YaganovValera/live-bidding/pkg/socketio"
	"github.com/YaganovValera/live-bidding/pkg/socketio/socketiotest"
)

const (
	outEvent = "placeBid"
	inEvent  = "placeBidResponse"
)

type result struct {
	resp json.RawMessage
	err  error
}

func connectedSocket() *socketiotest.Socket {
	s := socketiotest.New("sid")
	s.SetConnected(true)
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func call(c *Correlator, s socketio.Socket, payload any, timeout time.Duration) <-chan result {
	out := make(chan result, 1)
	go func() {
		resp, err := c.Call(context.Background(), s, outEvent, payload, inEvent, timeout)
		out <- result{resp, err}
	}()
	return out
}

func recv(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("call did not return")
	}
	return result{}
}

func TestCall_SingleResponse(t *testing.T) {
	s := connectedSocket()
	s.SetEmitHook(func(s *socketiotest.Socket, event string, payload json.RawMessage) error {
		s.Fire(inEvent, map[string]any{"success": true})
		return nil
	})
	c := New(logger.NewNop(), nil)

	resp, err := c.Call(context.Background(), s, outEvent, map[string]int{"amount": 1}, inEvent, time.Second)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(resp) != `{"success":true}` {
		t.Errorf("resp = %s", resp)
	}
	if s.ListenerCount(inEvent) != 0 || c.Pending() != 0 {
		t.Errorf("listeners=%d pending=%d after response", s.ListenerCount(inEvent), c.Pending())
	}
	if len(s.EmittedNamed(outEvent)) != 1 {
		t.Errorf("expected one emit, got %v", s.Emitted())
	}
}

func TestCall_FIFO(t *testing.T) {
	s := connectedSocket()
	c := New(logger.NewNop(), nil)

	first := call(c, s, "a", time.Second)
	waitFor(t, func() bool { return c.Pending() == 1 && len(s.Emitted()) == 1 })
	second := call(c, s, "b", time.Second)
	waitFor(t, func() bool { return c.Pending() == 2 && len(s.Emitted()) == 2 })

	if s.ListenerCount(inEvent) != 1 {
		t.Errorf("expected one shared listener, got %d", s.ListenerCount(inEvent))
	}

	s.Fire(inEvent, "r1")
	s.Fire(inEvent, "r2")

	if r := recv(t, first); r.err != nil || string(r.resp) != `"r1"` {
		t.Errorf("first = %s %v", r.resp, r.err)
	}
	if r := recv(t, second); r.err != nil || string(r.resp) != `"r2"` {
		t.Errorf("second = %s %v", r.resp, r.err)
	}
	if s.ListenerCount(inEvent) != 0 {
		t.Errorf("listener not removed: %d", s.ListenerCount(inEvent))
	}
}

func TestCall_BidMatcherNotSwapped(t *testing.T) {
	s := connectedSocket()
	c := New(logger.NewNop(), BidMatcher)

	reqA := auction.BidRequest{UserID: "u1", BidCarID: 1, Amount: 100}
	reqB := auction.BidRequest{UserID: "u1", BidCarID: 2, Amount: 200}

	a := call(c, s, reqA, time.Second)
	waitFor(t, func() bool { return c.Pending() == 1 })
	b := call(c, s, reqB, time.Second)
	waitFor(t, func() bool { return c.Pending() == 2 })

	// ответы приходят в обратном порядке
	s.Fire(inEvent, map[string]any{"bidCarId": 2, "status": "ok"})
	s.Fire(inEvent, map[string]any{"data": map[string]any{"bidCarId": "1"}, "status": "ok"})

	rb := recv(t, b)
	ra := recv(t, a)
	if rb.err != nil || string(rb.resp) != `{"bidCarId":2,"status":"ok"}` {
		t.Errorf("B got %s %v", rb.resp, rb.err)
	}
	if ra.err != nil || string(ra.resp) != `{"data":{"bidCarId":"1"},"status":"ok"}` {
		t.Errorf("A got %s %v", ra.resp, ra.err)
	}
}

func TestCall_UnmatchedResponseIgnored(t *testing.T) {
	s := connectedSocket()
	c := New(logger.NewNop(), BidMatcher)

	a := call(c, s, auction.BidRequest{UserID: "u1", BidCarID: 5}, time.Second)
	waitFor(t, func() bool { return c.Pending() == 1 })

	s.Fire(inEvent, map[string]any{"bidCarId": 99})
	if c.Pending() != 1 {
		t.Fatalf("unmatched response must not resolve a call")
	}
	s.Fire(inEvent, map[string]any{"message": "accepted"})
	if r := recv(t, a); r.err != nil {
		t.Errorf("err = %v", r.err)
	}
}

func TestCall_Timeout(t *testing.T) {
	s := connectedSocket()
	c := New(logger.NewNop(), nil)

	start := time.Now()
	_, err := c.Call(context.Background(), s, outEvent, nil, inEvent, 30*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v; want ErrTimeout", err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Error("returned before timeout elapsed")
	}
	if s.ListenerCount(inEvent) != 0 || c.Pending() != 0 {
		t.Errorf("listeners=%d pending=%d after timeout", s.ListenerCount(inEvent), c.Pending())
	}

	// поздний ответ никого не задевает
	if n := s.Fire(inEvent, "late"); n != 0 {
		t.Errorf("late response delivered to %d listeners", n)
	}
}

func TestCall_ContextCancel(t *testing.T) {
	s := connectedSocket()
	c := New(logger.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Call(ctx, s, outEvent, nil, inEvent, time.Minute)
		done <- err
	}()
	waitFor(t, func() bool { return c.Pending() == 1 })
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v; want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call did not return after cancel")
	}
	if s.ListenerCount(inEvent) != 0 {
		t.Errorf("listener leaked after cancel")
	}
}

func TestCall_EmitError(t *testing.T) {
	s := socketiotest.New("sid") // не подключён
	c := New(logger.NewNop(), nil)

	_, err := c.Call(context.Background(), s, outEvent, nil, inEvent, time.Second)
	var te *socketio.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v; want *TransportError", err)
	}
	if !errors.Is(err, socketio.ErrNotConnected) {
		t.Errorf("err = %v; want wrapped ErrNotConnected", err)
	}
	if s.ListenerCount(inEvent) != 0 || c.Pending() != 0 {
		t.Error("waiter must be removed after emit failure")
	}
}

func TestCall_EmitHookError(t *testing.T) {
	s := connectedSocket()
	s.SetEmitHook(func(*socketiotest.Socket, string, json.RawMessage) error { return errors.New("broken pipe") })
	c := New(logger.NewNop(), nil)

	_, err := c.Call(context.Background(), s, outEvent, nil, inEvent, time.Second)
	var te *socketio.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v; want *TransportError", err)
	}
}

func TestBidMatcher(t *testing.T) {
	req := auction.BidRequest{UserID: "u1", BidCarID: 7}
	cases := []struct {
		name string
		resp string
		want bool
	}{
		{"noIDs", `{"success":true}`, true},
		{"string", `"ok"`, true},
		{"matchingCar", `{"bidCarId":7}`, true},
		{"matchingCarString", `{"bidCarId":"7"}`, true},
		{"otherCar", `{"bidCarId":8}`, false},
		{"otherUser", `{"bidCarId":7,"userId":"u2"}`, false},
		{"nestedMatch", `{"data":{"bidCarId":7,"userId":"u1"}}`, true},
		{"nestedOther", `{"data":{"userId":"u9"}}`, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := BidMatcher(req, json.RawMessage(c.resp)); got != c.want {
				t.Errorf("BidMatcher(%s) = %v; want %v", c.resp, got, c.want)
			}
		})
	}
	if !BidMatcher("not a bid", json.RawMessage(`{"bidCarId":1}`)) {
		t.Error("non-bid payloads fall back to FIFO")
	}
}
