package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	appconfig "predictflow/config"
	"predictflow/models"
)

const testVenue = models.Venue("testvenue")

// fakeAdapter implements venue.Adapter with trivial payloads so tests can
// inspect what the manager sends.
type fakeAdapter struct {
	authRequired bool
	authErr      error
}

func (a *fakeAdapter) Venue() models.Venue { return testVenue }
func (a *fakeAdapter) URL() string         { return "ws://fake" }

func (a *fakeAdapter) AuthPayload() ([]byte, bool, error) {
	if a.authErr != nil {
		return nil, false, a.authErr
	}
	return []byte("auth"), true, nil
}

func (a *fakeAdapter) AuthRequired() bool { return a.authRequired }

func (a *fakeAdapter) SubscribePayload(channel string) ([]byte, error) {
	return []byte("sub:" + channel), nil
}

func (a *fakeAdapter) UnsubscribePayload(channel string) ([]byte, error) {
	return []byte("unsub:" + channel), nil
}

func (a *fakeAdapter) MarketChannels(marketID string, orderbook, trades bool) []string {
	var channels []string
	if orderbook {
		channels = append(channels, "orderbook."+marketID)
	}
	if trades {
		channels = append(channels, "trades."+marketID)
	}
	return channels
}

func (a *fakeAdapter) Parse(raw []byte) (models.MarketEvent, bool) {
	if !strings.HasPrefix(string(raw), "evt:") {
		return models.MarketEvent{}, false
	}
	return models.NewMessageEvent(testVenue, "", raw), true
}

type fakeConn struct {
	msgs   chan []byte
	errs   chan error
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	writes []string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		msgs:   make(chan []byte, 16),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case m := <-c.msgs:
		return 1, m, nil
	case err := <-c.errs:
		return 0, nil, err
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	c.writes = append(c.writes, string(data))
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) sentSubscribes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var subs []string
	for _, w := range c.writes {
		if strings.HasPrefix(w, "sub:") {
			subs = append(subs, strings.TrimPrefix(w, "sub:"))
		}
	}
	return subs
}

func (c *fakeConn) dropWith(err error) {
	c.errs <- err
}

// fakeDialer hands out one fakeConn per dial and counts attempts.
type fakeDialer struct {
	mu      sync.Mutex
	conns   []*fakeConn
	dials   int
	failAll bool
}

func (d *fakeDialer) dial(ctx context.Context, url string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failAll {
		return nil, fmt.Errorf("dial refused (attempt %d)", d.dials)
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func testStreamConfig() appconfig.StreamConfig {
	return appconfig.StreamConfig{
		ReconnectInterval:    time.Millisecond,
		MaxReconnectAttempts: 3,
		RateLimit:            appconfig.RateLimitConfig{RequestsPerSecond: 1000, BurstSize: 100},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestReconnectAttemptsBounded(t *testing.T) {
	dialer := &fakeDialer{failAll: true}
	m := NewManager(&fakeAdapter{}, testStreamConfig(), NewDispatcher()).WithDialer(dialer.dial)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer m.Stop()

	waitFor(t, "manager to stop", func() bool { return m.State() == StateStopped })

	if got := dialer.dialCount(); got != 3 {
		t.Fatalf("expected exactly 3 dial attempts, got %d", got)
	}
	if !errors.Is(m.Err(), ErrMaxReconnects) {
		t.Fatalf("expected ErrMaxReconnects, got %v", m.Err())
	}

	// No further attempts after stopping.
	time.Sleep(10 * time.Millisecond)
	if got := dialer.dialCount(); got != 3 {
		t.Fatalf("manager kept dialing after Stopped: %d attempts", got)
	}
}

func TestResubscribeAfterReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManager(&fakeAdapter{}, testStreamConfig(), NewDispatcher()).WithDialer(dialer.dial)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer m.Stop()

	waitFor(t, "initial connect", func() bool { return m.State() == StateConnected })

	if err := m.SubscribeMarket("MKT-A", true, true); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := m.SubscribeMarket("MKT-B", true, false); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	before := m.Subscriptions()

	dialer.conn(0).dropWith(errors.New("connection reset"))
	waitFor(t, "reconnect", func() bool {
		return dialer.dialCount() == 2 && m.State() == StateConnected
	})

	conn := dialer.conn(1)
	waitFor(t, "resubscribe frames", func() bool {
		return len(conn.sentSubscribes()) == len(before)
	})

	replayed := conn.sentSubscribes()
	sort.Strings(replayed)
	want := append([]string(nil), before...)
	sort.Strings(want)
	if len(replayed) != len(want) {
		t.Fatalf("resubscribed %d channels, want %d", len(replayed), len(want))
	}
	for i := range want {
		if replayed[i] != want[i] {
			t.Fatalf("resubscription mismatch: got %v want %v", replayed, want)
		}
	}
}

func TestSendNotConnected(t *testing.T) {
	m := NewManager(&fakeAdapter{}, testStreamConfig(), NewDispatcher())

	if err := m.Send([]byte("hello")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestStopEmitsDisconnected(t *testing.T) {
	dialer := &fakeDialer{}
	dispatcher := NewDispatcher()

	var mu sync.Mutex
	var types []models.EventType
	record := func(event models.MarketEvent) {
		mu.Lock()
		types = append(types, event.Type)
		mu.Unlock()
	}
	dispatcher.Register(models.EventConnected, record)
	dispatcher.Register(models.EventDisconnected, record)

	m := NewManager(&fakeAdapter{}, testStreamConfig(), dispatcher).WithDialer(dialer.dial)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitFor(t, "connect", func() bool { return m.State() == StateConnected })

	m.Stop()

	if m.State() != StateStopped {
		t.Fatalf("expected Stopped after Stop, got %s", m.State())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(types) == 0 || types[len(types)-1] != models.EventDisconnected {
		t.Fatalf("expected trailing Disconnected event, got %v", types)
	}
}

func TestMalformedMessageSkipped(t *testing.T) {
	dialer := &fakeDialer{}
	dispatcher := NewDispatcher()

	var mu sync.Mutex
	var payloads []string
	dispatcher.Register(models.EventMessage, func(event models.MarketEvent) {
		mu.Lock()
		payloads = append(payloads, string(event.Raw))
		mu.Unlock()
	})

	m := NewManager(&fakeAdapter{}, testStreamConfig(), dispatcher).WithDialer(dialer.dial)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer m.Stop()

	waitFor(t, "connect", func() bool { return m.State() == StateConnected })

	conn := dialer.conn(0)
	conn.msgs <- []byte("\xff\xfe garbage")
	conn.msgs <- []byte("evt:valid")

	waitFor(t, "valid event after malformed frame", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(payloads) == 1 && payloads[0] == "evt:valid"
	})
}

func TestStartIdempotent(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManager(&fakeAdapter{}, testStreamConfig(), NewDispatcher()).WithDialer(dialer.dial)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer m.Stop()
	waitFor(t, "connect", func() bool { return m.State() == StateConnected })

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("second start errored: %v", err)
	}
	if got := dialer.dialCount(); got != 1 {
		t.Fatalf("second Start dialed again: %d dials", got)
	}
}

func TestOptionalAuthFailureStillConnects(t *testing.T) {
	dialer := &fakeDialer{}
	adapter := &fakeAdapter{authErr: errors.New("signature rejected")}
	m := NewManager(adapter, testStreamConfig(), NewDispatcher()).WithDialer(dialer.dial)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer m.Stop()

	waitFor(t, "connect despite failed optional auth", func() bool {
		return m.State() == StateConnected
	})

	if got := dialer.dialCount(); got != 1 {
		t.Fatalf("optional auth failure should not burn reconnect attempts, got %d dials", got)
	}
}

func TestRequiredAuthFailureCountsAttempts(t *testing.T) {
	dialer := &fakeDialer{}
	adapter := &fakeAdapter{authRequired: true, authErr: errors.New("invalid api key")}
	m := NewManager(adapter, testStreamConfig(), NewDispatcher()).WithDialer(dialer.dial)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer m.Stop()

	waitFor(t, "manager to give up", func() bool { return m.State() == StateStopped })

	if got := dialer.dialCount(); got != 3 {
		t.Fatalf("expected 3 attempts before giving up, got %d", got)
	}
	if !errors.Is(m.Err(), ErrMaxReconnects) {
		t.Fatalf("expected ErrMaxReconnects, got %v", m.Err())
	}
}

func TestRestartAfterTerminalFailure(t *testing.T) {
	dialer := &fakeDialer{failAll: true}
	m := NewManager(&fakeAdapter{}, testStreamConfig(), NewDispatcher()).WithDialer(dialer.dial)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitFor(t, "first cycle to give up", func() bool { return m.State() == StateStopped })
	if got := dialer.dialCount(); got != 3 {
		t.Fatalf("expected 3 dials in first cycle, got %d", got)
	}

	// The terminal failure released the manager; a new Start must dial again.
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	defer m.Stop()

	waitFor(t, "second cycle to dial", func() bool { return dialer.dialCount() > 3 })
	waitFor(t, "second cycle to give up", func() bool {
		return dialer.dialCount() == 6 && m.State() == StateStopped
	})
	if !errors.Is(m.Err(), ErrMaxReconnects) {
		t.Fatalf("expected ErrMaxReconnects after restart, got %v", m.Err())
	}
}
