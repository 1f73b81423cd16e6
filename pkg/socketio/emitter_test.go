// pkg/socketio/emitter_test.go
package socketio

import (
	"encoding/json"
	"testing"
)

func TestEmitter_OrderAndOff(t *testing.T) {
	var e Emitter
	var got []int
	e.On("x", func(json.RawMessage) { got = append(got, 1) })
	id := e.On("x", func(json.RawMessage) { got = append(got, 2) })
	e.On("x", func(json.RawMessage) { got = append(got, 3) })

	if n := e.Dispatch("x", nil); n != 3 {
		t.Fatalf("dispatched %d; want 3", n)
	}
	e.Off("x", id)
	e.Off("x", id)
	e.Dispatch("x", nil)

	want := []int{1, 2, 3, 1, 3}
	if len(got) != len(want) {
		t.Fatalf("got %v; want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v; want %v", got, want)
		}
	}
	if e.ListenerCount("x") != 2 {
		t.Errorf("ListenerCount = %d", e.ListenerCount("x"))
	}
}

func TestEmitter_OffDuringDispatch(t *testing.T) {
	var e Emitter
	var second ListenerID
	called := false
	e.On("x", func(json.RawMessage) { e.Off("x", second) })
	second = e.On("x", func(json.RawMessage) { called = true })

	if n := e.Dispatch("x", nil); n != 1 {
		t.Errorf("dispatched %d; want 1", n)
	}
	if called {
		t.Error("listener removed during dispatch must not be called")
	}
	if e.ListenerCount("x") != 1 {
		t.Errorf("ListenerCount = %d", e.ListenerCount("x"))
	}
}

func TestEmitter_RemoveAll(t *testing.T) {
	var e Emitter
	e.On("a", func(json.RawMessage) {})
	e.On("b", func(json.RawMessage) {})
	e.RemoveAllListeners()
	if e.Dispatch("a", nil) != 0 || e.ListenerCount("b") != 0 {
		t.Error("expected no listeners after RemoveAllListeners")
	}
}
