// internal/connection/manager_test.go
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/YaganovValera/live-bidding/pkg/credentials"
	"github.com/YaganovValera/live-bidding/pkg/logger"
	"github.com/YaganovValera/live-bidding/pkg/socketio"
	"github.com/YaganovValera/live-bidding/pkg/socketio/socketiotest"
)

func testConfig() Config {
	return Config{
		MaxRetryAttempts: 5,
		InitialDelay:     5 * time.Millisecond,
		MaxDelay:         40 * time.Millisecond,
		FeedRequestDelay: 5 * time.Millisecond,
	}
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *socketiotest.Dialer, *credentials.Memory) {
	t.Helper()
	d := &socketiotest.Dialer{}
	store := credentials.NewMemory()
	m, err := New(cfg, d.Factory, store, logger.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(m.Disconnect)
	return m, d, store
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout: %s", msg)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestConfig_Defaults(t *testing.T) {
	var c Config
	c.applyDefaults()
	if c.MaxRetryAttempts != 5 || c.InitialDelay != time.Second || c.MaxDelay != 30*time.Second ||
		c.FeedRequestDelay != 500*time.Millisecond || c.TokenKey != "auth_token" || c.FeedEvent != "liveCars" {
		t.Errorf("defaults = %+v", c)
	}
	bad := Config{InitialDelay: time.Minute, MaxDelay: time.Second, TokenKey: "k"}
	if err := bad.validate(); err == nil {
		t.Error("expected validation error")
	}
}

func TestConnect_MissingToken(t *testing.T) {
	m, d, _ := newTestManager(t, testConfig())

	err := m.Connect(context.Background(), "")
	if !errors.Is(err, ErrMissingToken) {
		t.Fatalf("err = %v; want ErrMissingToken", err)
	}
	st := m.Status()
	if st.State != StateError || st.Error != "no authentication token available" {
		t.Errorf("status = %+v", st)
	}
	if d.Count() != 0 {
		t.Errorf("no socket must be created, got %d", d.Count())
	}
}

func TestConnect_Flow(t *testing.T) {
	m, d, store := newTestManager(t, testConfig())
	ctx := context.Background()

	if err := m.Connect(ctx, "tok"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	s := d.Last()
	if s == nil || !s.Opened() || s.Token != "tok" {
		t.Fatalf("socket not created/opened: %+v", s)
	}
	if st := m.Status(); st.State != StateConnecting || !st.Attempting || st.Connected {
		t.Errorf("status while connecting = %+v", st)
	}
	if v, _ := store.Get(ctx, "auth_token"); v != "tok" {
		t.Errorf("token not persisted: %q", v)
	}

	s.FireConnect()
	st := m.Status()
	if st.State != StateConnected || !st.Connected || !st.Authenticated || st.Error != "" || st.RetryCount != 0 || st.Attempting {
		t.Errorf("status after connect = %+v", st)
	}
	if st.SocketID != "sid-1" {
		t.Errorf("socket id = %q", st.SocketID)
	}

	eventually(t, func() bool { return len(s.EmittedNamed("liveCars")) == 1 }, "initial feed request")
	var req struct {
		RequestID int64  `json:"requestId"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal(s.EmittedNamed("liveCars")[0].Payload, &req); err != nil || req.RequestID == 0 || req.Timestamp == "" {
		t.Errorf("feed request payload = %s", s.EmittedNamed("liveCars")[0].Payload)
	}
}

func TestConnect_AttemptGuard(t *testing.T) {
	m, d, _ := newTestManager(t, testConfig())
	ctx := context.Background()

	_ = m.Connect(ctx, "tok")
	_ = m.Connect(ctx, "tok")
	_ = m.Connect(ctx, "")
	if d.Count() != 1 {
		t.Errorf("sockets = %d; want 1 while attempt in progress", d.Count())
	}
}

func TestConnect_AlreadyConnectedStoresNewToken(t *testing.T) {
	m, d, store := newTestManager(t, testConfig())
	ctx := context.Background()

	_ = m.Connect(ctx, "tok")
	d.Last().FireConnect()

	if err := m.Connect(ctx, "tok2"); err != nil {
		t.Fatal(err)
	}
	if d.Count() != 1 {
		t.Errorf("sockets = %d; want 1", d.Count())
	}
	if v, _ := store.Get(ctx, "auth_token"); v != "tok2" {
		t.Errorf("stored token = %q", v)
	}
	if m.Status().TokenLength != 4 {
		t.Errorf("token length = %d", m.Status().TokenLength)
	}
}

func TestReconnect_OnTransportClose(t *testing.T) {
	m, d, _ := newTestManager(t, testConfig())

	_ = m.Connect(context.Background(), "tok")
	first := d.Last()
	first.FireConnect()
	first.FireDisconnect(socketio.ReasonTransportClose)

	if st := m.Status(); st.State != StateDisconnected || st.Connected || st.Authenticated {
		t.Errorf("status after disconnect = %+v", st)
	}
	eventually(t, func() bool { return d.Count() == 2 }, "automatic reconnection")

	if !first.Closed() {
		t.Error("superseded socket must be closed")
	}
	if rc := m.Status().RetryCount; rc != 1 {
		t.Errorf("retry count = %d; automatic connect must not reset it", rc)
	}
	second := d.Last()
	if second.Token != "tok" {
		t.Errorf("reconnect token = %q", second.Token)
	}
	second.FireConnect()
	if rc := m.Status().RetryCount; rc != 0 {
		t.Errorf("retry count after successful connect = %d", rc)
	}
}

func TestNoReconnect_OnServerDisconnect(t *testing.T) {
	m, d, _ := newTestManager(t, testConfig())

	_ = m.Connect(context.Background(), "tok")
	d.Last().FireConnect()
	d.Last().FireDisconnect(socketio.ReasonServerDisconnect)

	time.Sleep(100 * time.Millisecond)
	if d.Count() != 1 {
		t.Errorf("sockets = %d; server disconnect must not reconnect", d.Count())
	}
	if m.Status().State != StateDisconnected {
		t.Errorf("state = %s", m.Status().State)
	}
}

func TestReconnect_MaxAttempts(t *testing.T) {
	d := &socketiotest.Dialer{}
	d.OnCreate = func(s *socketiotest.Socket) {
		go func() {
			for !s.Opened() && !s.Closed() {
				time.Sleep(time.Millisecond)
			}
			s.FireConnectError("connection refused")
		}()
	}
	m, err := New(testConfig(), d.Factory, nil, logger.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer m.Disconnect()

	_ = m.Connect(context.Background(), "tok")

	eventually(t, func() bool { return d.Count() == 6 }, "1 initial + 5 automatic attempts")
	eventually(t, func() bool { return m.Status().State == StateError && !m.Status().Attempting }, "final failure")
	time.Sleep(150 * time.Millisecond)

	if d.Count() != 6 {
		t.Errorf("sockets = %d; want 6", d.Count())
	}
	st := m.Status()
	if st.RetryCount != 5 || st.Error != "connection refused" {
		t.Errorf("status = %+v", st)
	}
	if live := d.Live(); len(live) != 1 {
		t.Errorf("live sockets = %d; want at most one", len(live))
	}
}

func TestReconnect_ArmedDelays(t *testing.T) {
	d := &socketiotest.Dialer{}
	d.OnCreate = func(s *socketiotest.Socket) {
		go func() {
			for !s.Opened() && !s.Closed() {
				time.Sleep(time.Millisecond)
			}
			s.FireConnectError("connection refused")
		}()
	}
	core, logs := observer.New(zapcore.InfoLevel)
	m, err := New(testConfig(), d.Factory, nil, logger.FromZap(zap.New(core)))
	if err != nil {
		t.Fatal(err)
	}
	defer m.Disconnect()

	_ = m.Connect(context.Background(), "tok")
	eventually(t, func() bool { return d.Count() == 6 && !m.Status().Attempting }, "all attempts")

	// min(initial*2^n, max) при initial=5ms, max=40ms
	want := []time.Duration{5, 10, 20, 40, 40}
	got := logs.FilterMessage("reconnection scheduled").All()
	if len(got) != len(want) {
		t.Fatalf("scheduled %d times; want %d", len(got), len(want))
	}
	for i, e := range got {
		delay, _ := e.ContextMap()["delay"].(time.Duration)
		if delay != want[i]*time.Millisecond {
			t.Errorf("attempt %d: delay = %v; want %v", i+1, delay, want[i]*time.Millisecond)
		}
	}
}

func TestConnectTimeout_SchedulesReconnect(t *testing.T) {
	m, d, _ := newTestManager(t, testConfig())

	_ = m.Connect(context.Background(), "tok")
	d.Last().Fire(socketio.EventConnectTimeout, nil)

	st := m.Status()
	if st.State != StateError || st.Error != "connection timeout" || st.RetryCount != 1 {
		t.Errorf("status = %+v", st)
	}
	eventually(t, func() bool { return d.Count() == 2 }, "reconnect after timeout")
}

func TestDisconnect_CancelsReconnect(t *testing.T) {
	cfg := testConfig()
	cfg.InitialDelay = 50 * time.Millisecond
	cfg.MaxDelay = 50 * time.Millisecond
	m, d, _ := newTestManager(t, cfg)

	_ = m.Connect(context.Background(), "tok")
	s := d.Last()
	s.FireConnectError("refused")
	m.Disconnect()
	m.Disconnect()

	time.Sleep(150 * time.Millisecond)
	if d.Count() != 1 {
		t.Errorf("sockets = %d; Disconnect must cancel pending reconnection", d.Count())
	}
	st := m.Status()
	if st.State != StateDisconnected || st.RetryCount != 0 || st.Attempting || st.Error != "refused" {
		t.Errorf("status = %+v", st)
	}
	if !s.Closed() {
		t.Error("socket must be closed")
	}
}

func TestStaleSocketEventsIgnored(t *testing.T) {
	m, d, _ := newTestManager(t, testConfig())
	var feed atomic.Int32
	m.Handle("liveCars", func(json.RawMessage) { feed.Add(1) })

	_ = m.Connect(context.Background(), "tok")
	first := d.Last()
	first.FireConnectError("refused")

	// ручной Connect заменяет сокет до срабатывания таймера
	_ = m.Connect(context.Background(), "")
	second := d.Last()
	if first == second || !first.Closed() {
		t.Fatal("expected the failed socket to be replaced and closed")
	}

	if n := first.FireConnect(); n != 0 {
		t.Errorf("stale socket still has %d connect listeners", n)
	}
	first.Fire("liveCars", []int{1})
	if m.Status().State != StateConnecting || feed.Load() != 0 {
		t.Errorf("stale events changed state: %+v feed=%d", m.Status(), feed.Load())
	}

	second.FireConnect()
	second.Fire("liveCars", []int{1})
	if feed.Load() != 1 {
		t.Errorf("handler calls = %d; want 1", feed.Load())
	}
	if live := d.Live(); len(live) != 1 {
		t.Errorf("live sockets = %d", len(live))
	}
}

func TestHandle_BoundToEverySocket(t *testing.T) {
	m, d, _ := newTestManager(t, testConfig())
	_ = m.Connect(context.Background(), "tok")

	var got atomic.Int32
	m.Handle("liveCars", func(json.RawMessage) { got.Add(1) })

	d.Last().FireConnect()
	d.Last().Fire("liveCars", nil)
	d.Last().FireDisconnect(socketio.ReasonTransportClose)
	eventually(t, func() bool { return d.Count() == 2 }, "reconnect")

	d.Last().FireConnect()
	d.Last().Fire("liveCars", nil)
	if got.Load() != 2 {
		t.Errorf("handler calls = %d; want 2", got.Load())
	}
}

func TestErrorEventAfterConnect(t *testing.T) {
	m, d, _ := newTestManager(t, testConfig())
	_ = m.Connect(context.Background(), "tok")
	d.Last().FireConnect()

	d.Last().Fire(socketio.EventError, map[string]string{"message": "boom"})
	st := m.Status()
	if st.State != StateError || st.Error != "boom" || !st.Connected {
		t.Errorf("status = %+v", st)
	}
	time.Sleep(30 * time.Millisecond)
	if d.Count() != 1 {
		t.Error("error event alone must not reconnect")
	}
}

func TestRequestFeedAndLive(t *testing.T) {
	cfg := testConfig()
	cfg.FeedRequestDelay = time.Hour
	m, d, _ := newTestManager(t, cfg)

	if m.RequestFeed() {
		t.Error("RequestFeed must fail without socket")
	}
	if _, err := m.Live(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Live err = %v", err)
	}

	_ = m.Connect(context.Background(), "tok")
	if m.RequestFeed() {
		t.Error("RequestFeed must fail before connect")
	}
	d.Last().FireConnect()
	if !m.RequestFeed() {
		t.Error("RequestFeed must succeed when connected")
	}
	if n := len(d.Last().EmittedNamed("liveCars")); n != 1 {
		t.Errorf("liveCars emits = %d", n)
	}
	if s, err := m.Live(); err != nil || s != d.Last() {
		t.Errorf("Live = %v, %v", s, err)
	}
}

func TestWaitConnected(t *testing.T) {
	m, d, _ := newTestManager(t, testConfig())
	_ = m.Connect(context.Background(), "tok")

	go func() {
		time.Sleep(10 * time.Millisecond)
		d.Last().FireConnect()
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.WaitConnected(ctx); err != nil {
		t.Fatalf("WaitConnected: %v", err)
	}

	m.Disconnect()
	short, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	if err := m.WaitConnected(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v; want DeadlineExceeded", err)
	}
}

func TestLoadTokenAndRetry(t *testing.T) {
	m, d, store := newTestManager(t, testConfig())
	ctx := context.Background()

	if err := m.Retry(ctx); !errors.Is(err, ErrMissingToken) {
		t.Errorf("Retry without token: err = %v", err)
	}
	if d.Count() != 0 {
		t.Fatal("Retry without token must not create a socket")
	}

	_ = store.Set(ctx, "auth_token", "stored")
	if err := m.LoadToken(ctx); err != nil {
		t.Fatal(err)
	}
	if err := m.Retry(ctx); err != nil {
		t.Fatal(err)
	}
	if d.Count() != 1 || d.Last().Token != "stored" {
		t.Errorf("retry did not use stored token")
	}
}

type failingStore struct{ credentials.Store }

func (failingStore) Get(context.Context, string) (string, error) { return "", errors.New("io") }
func (failingStore) Set(context.Context, string, string) error   { return errors.New("io") }

func TestTokenPersistenceFailureNotFatal(t *testing.T) {
	d := &socketiotest.Dialer{}
	m, err := New(testConfig(), d.Factory, failingStore{credentials.NewMemory()}, logger.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer m.Disconnect()

	if err := m.LoadToken(context.Background()); err == nil {
		t.Error("LoadToken must surface store errors")
	}
	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Errorf("Connect must not fail on persistence errors: %v", err)
	}
	if d.Count() != 1 {
		t.Errorf("sockets = %d", d.Count())
	}
}

func TestChangedSignals(t *testing.T) {
	m, _, _ := newTestManager(t, testConfig())
	ch := m.Changed()
	_ = m.Connect(context.Background(), "tok")
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("Changed not signalled")
	}
}
