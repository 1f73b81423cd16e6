// internal/feedsink/sink_test.go
package feedsink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/YaganovValera/live-bidding/internal/auction"
	"github.com/YaganovValera/live-bidding/internal/bidding"
	"github.com/YaganovValera/live-bidding/internal/livefeed"
	"github.com/YaganovValera/live-bidding/pkg/logger"
)

type published struct {
	topic string
	key   string
	value []byte
}

type fakeProducer struct {
	mu    sync.Mutex
	msgs  []published
	err   error
	calls int
}

func (f *fakeProducer) Publish(_ context.Context, topic string, key, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{topic: topic, key: string(key), value: value})
	return nil
}
func (f *fakeProducer) Ping(context.Context) error { return nil }
func (f *fakeProducer) Close() error               { return nil }

func (f *fakeProducer) snapshot() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.msgs...)
}

type fakeBids struct{ fn func(bidding.BidResult) }

func (b *fakeBids) OnBidResult(fn func(bidding.BidResult)) { b.fn = fn }

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

func TestSink_PublishesSnapshotsAndBids(t *testing.T) {
	prod := &fakeProducer{}
	s := New(Config{}, prod, logger.NewNop())
	cache := livefeed.New()
	bids := &fakeBids{}
	s.Attach(cache, bids)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cache.Replace([]auction.Item{{ID: "7", Make: "Car", Model: "Model", City: "Unknown"}})
	bids.fn(bidding.BidResult{Request: auction.BidRequest{BidCarID: 7, UserID: "u"}, Response: json.RawMessage(`{"ok":true}`)})

	waitFor(t, func() bool { return len(prod.snapshot()) == 2 })
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	msgs := prod.snapshot()
	if msgs[0].topic != "auction.live_cars" || msgs[0].key != "1" {
		t.Errorf("live cars message = %+v", msgs[0])
	}
	var feed struct {
		Version uint64 `json:"version"`
		Items   []struct {
			ID string `json:"id"`
		} `json:"items"`
	}
	if err := json.Unmarshal(msgs[0].value, &feed); err != nil || feed.Version != 1 || len(feed.Items) != 1 || feed.Items[0].ID != "7" {
		t.Errorf("live cars value = %s", msgs[0].value)
	}
	if msgs[1].topic != "auction.bid_results" || msgs[1].key != "7" {
		t.Errorf("bid message = %+v", msgs[1])
	}
}

func TestSink_DropsWhenBufferFull(t *testing.T) {
	prod := &fakeProducer{}
	s := New(Config{BufferSize: 1}, prod, logger.NewNop())
	cache := livefeed.New()
	s.Attach(cache, nil)

	// Run не запущен: первое сообщение занимает буфер, остальные отбрасываются.
	for i := 0; i < 3; i++ {
		cache.Replace(nil)
	}
	if len(s.ch) != 1 {
		t.Fatalf("buffered = %d; want 1", len(s.ch))
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = s.Run(ctx) }()
	waitFor(t, func() bool { return len(prod.snapshot()) == 1 })
	cancel()
	if got := prod.snapshot()[0].key; got != "1" {
		t.Errorf("kept message key = %q; want first snapshot", got)
	}
}

func TestSink_PublishErrorDoesNotStopWorker(t *testing.T) {
	prod := &fakeProducer{err: errors.New("broker down")}
	s := New(Config{}, prod, logger.NewNop())
	cache := livefeed.New()
	s.Attach(cache, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	cache.Replace(nil)
	waitFor(t, func() bool {
		prod.mu.Lock()
		defer prod.mu.Unlock()
		return prod.calls == 1
	})

	prod.mu.Lock()
	prod.err = nil
	prod.mu.Unlock()
	cache.Replace(nil)
	waitFor(t, func() bool { return len(prod.snapshot()) == 1 })
	if prod.snapshot()[0].key != "2" {
		t.Errorf("key = %q", prod.snapshot()[0].key)
	}
}
