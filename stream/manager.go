// Package stream owns the websocket connection lifecycle for one venue:
// connect, authenticate, subscribe, receive, reconnect, stop. It is
// venue-agnostic; all protocol knowledge lives behind venue.Adapter.
package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	appconfig "predictflow/config"
	"predictflow/logger"
	"predictflow/models"
	"predictflow/venue"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateConnected      State = "connected"
	StateReconnecting   State = "reconnecting"
	StateStopped        State = "stopped"
)

var (
	// ErrNotConnected is returned by Send when the manager is not in the
	// Connected state.
	ErrNotConnected = errors.New("stream: not connected")
	// ErrMaxReconnects is the terminal error after the reconnect budget
	// is exhausted.
	ErrMaxReconnects = errors.New("stream: max reconnect attempts reached")
)

// Manager runs one logical venue connection. Two goroutines cooperate: the
// supervisor owns dialing, authentication and reconnect pacing, and the
// receive loop reads frames and dispatches parsed events. The receive loop
// reports connection loss to the supervisor over a channel.
type Manager struct {
	adapter    venue.Adapter
	cfg        appconfig.StreamConfig
	dispatcher *Dispatcher
	dial       Dialer
	limiter    *rate.Limiter
	log        *logger.Log

	mu            sync.Mutex
	state         State
	conn          Transport
	subscriptions []string
	subIndex      map[string]struct{}
	running       bool
	ctx           context.Context
	cancel        context.CancelFunc
	terminalErr   error

	wg sync.WaitGroup
}

// NewManager builds a stopped manager for the adapter's venue.
func NewManager(adapter venue.Adapter, cfg appconfig.StreamConfig, dispatcher *Dispatcher) *Manager {
	rps := cfg.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.RateLimit.BurstSize
	if burst <= 0 {
		burst = 1
	}

	return &Manager{
		adapter:    adapter,
		cfg:        cfg,
		dispatcher: dispatcher,
		dial:       DefaultDialer,
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		log:        logger.GetLogger(),
		state:      StateDisconnected,
		subIndex:   make(map[string]struct{}),
	}
}

// WithDialer swaps the transport dialer. Used by tests.
func (m *Manager) WithDialer(dial Dialer) *Manager {
	if dial != nil {
		m.dial = dial
	}
	return m
}

// Start launches the supervisor. It is idempotent while running.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.terminalErr = nil
	m.ctx, m.cancel = context.WithCancel(ctx)
	runCtx := m.ctx
	m.mu.Unlock()

	m.log.WithComponent("stream_manager").WithFields(logger.Fields{
		"venue": m.adapter.Venue(),
		"url":   m.adapter.URL(),
	}).Info("starting connection manager")

	m.wg.Add(1)
	go m.supervise(runCtx)
	return nil
}

// Stop tears the connection down. It is safe to call concurrently with an
// in-flight receive or dispatch; once it returns, no further events are
// emitted.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	conn := m.conn
	m.mu.Unlock()

	cancel()
	if conn != nil {
		conn.Close()
	}
	m.wg.Wait()

	m.mu.Lock()
	m.running = false
	m.mu.Unlock()

	m.log.WithComponent("stream_manager").WithFields(logger.Fields{
		"venue": m.adapter.Venue(),
	}).Info("connection manager stopped")
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the terminal error, non-nil only after the reconnect budget
// was exhausted.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminalErr
}

// Subscriptions returns a copy of the active channel subscription set.
func (m *Manager) Subscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.subscriptions))
	copy(out, m.subscriptions)
	return out
}

// SubscribeMarket subscribes the requested feeds for one market. The
// channel set is recorded so it can be replayed after a reconnect; when
// currently connected the subscribe frames are sent immediately.
func (m *Manager) SubscribeMarket(marketID string, orderbook, trades bool) error {
	channels := m.adapter.MarketChannels(marketID, orderbook, trades)

	m.mu.Lock()
	added := make([]string, 0, len(channels))
	for _, ch := range channels {
		if _, ok := m.subIndex[ch]; ok {
			continue
		}
		m.subIndex[ch] = struct{}{}
		m.subscriptions = append(m.subscriptions, ch)
		added = append(added, ch)
	}
	connected := m.state == StateConnected
	conn := m.conn
	m.mu.Unlock()

	if !connected || conn == nil {
		return nil
	}

	for _, ch := range added {
		if err := m.sendSubscribe(conn, ch); err != nil {
			return err
		}
	}
	return nil
}

// UnsubscribeMarket removes the market's channels from the subscription
// set and, when connected, sends the unsubscribe frames.
func (m *Manager) UnsubscribeMarket(marketID string, orderbook, trades bool) error {
	channels := m.adapter.MarketChannels(marketID, orderbook, trades)

	m.mu.Lock()
	removed := make([]string, 0, len(channels))
	for _, ch := range channels {
		if _, ok := m.subIndex[ch]; !ok {
			continue
		}
		delete(m.subIndex, ch)
		for i, existing := range m.subscriptions {
			if existing == ch {
				m.subscriptions = append(m.subscriptions[:i:i], m.subscriptions[i+1:]...)
				break
			}
		}
		removed = append(removed, ch)
	}
	connected := m.state == StateConnected
	conn := m.conn
	m.mu.Unlock()

	if !connected || conn == nil {
		return nil
	}

	for _, ch := range removed {
		payload, err := m.adapter.UnsubscribePayload(ch)
		if err != nil {
			return err
		}
		if err := m.write(conn, payload); err != nil {
			return err
		}
	}
	return nil
}

// Send writes an outbound payload. It fails with ErrNotConnected while the
// manager is in any state other than Connected.
func (m *Manager) Send(payload []byte) error {
	m.mu.Lock()
	connected := m.state == StateConnected
	conn := m.conn
	m.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}
	return m.write(conn, payload)
}

func (m *Manager) supervise(ctx context.Context) {
	defer m.wg.Done()

	log := m.log.WithComponent("stream_manager").WithFields(logger.Fields{
		"venue": m.adapter.Venue(),
	})

	attempts := 0
	maxAttempts := m.cfg.MaxReconnectAttempts

	for {
		if ctx.Err() != nil {
			m.shutdown()
			return
		}

		m.setState(StateConnecting)
		conn, err := m.dial(ctx, m.adapter.URL())
		if err != nil {
			attempts++
			log.WithError(err).WithFields(logger.Fields{
				"attempt":      attempts,
				"max_attempts": maxAttempts,
			}).Warn("failed to connect")
			if attempts >= maxAttempts {
				m.fail(ErrMaxReconnects)
				return
			}
			m.setState(StateReconnecting)
			if !m.waitReconnect(ctx) {
				m.shutdown()
				return
			}
			continue
		}

		m.setConn(conn)
		m.setState(StateAuthenticating)
		if err := m.authenticate(ctx, conn); err != nil {
			if m.adapter.AuthRequired() {
				attempts++
				log.WithError(err).Error("authentication failed")
				conn.Close()
				m.setConn(nil)
				if attempts >= maxAttempts {
					m.fail(ErrMaxReconnects)
					return
				}
				m.setState(StateReconnecting)
				if !m.waitReconnect(ctx) {
					m.shutdown()
					return
				}
				continue
			}
			log.WithError(err).Warn("authentication failed, but connection established")
		}

		m.setState(StateConnected)
		attempts = 0
		m.resubscribe(conn)
		m.emit(models.NewConnectedEvent(m.adapter.Venue(), m.adapter.URL()))
		log.Info("websocket connected")

		lost := make(chan error, 1)
		m.wg.Add(1)
		go m.receiveLoop(conn, lost)
		stopPing := m.startPingLoop(ctx, conn)

		select {
		case <-ctx.Done():
			stopPing()
			conn.Close()
			<-lost
			m.setConn(nil)
			m.shutdown()
			return
		case err := <-lost:
			stopPing()
			conn.Close()
			m.setConn(nil)
			if ctx.Err() != nil {
				m.shutdown()
				return
			}
			log.WithError(err).Warn("websocket connection lost")
			m.emit(models.NewErrorEvent(m.adapter.Venue(), err))
			m.setState(StateReconnecting)
			if !m.waitReconnect(ctx) {
				m.shutdown()
				return
			}
		}
	}
}

// receiveLoop reads frames until the transport fails, reporting the
// terminal error to the supervisor. Parse failures are non-fatal: the
// adapter logs them and the loop keeps reading.
func (m *Manager) receiveLoop(conn Transport, lost chan<- error) {
	defer m.wg.Done()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			lost <- err
			return
		}
		event, ok := m.adapter.Parse(raw)
		if !ok {
			continue
		}
		m.emit(event)
	}
}

func (m *Manager) authenticate(ctx context.Context, conn Transport) error {
	payload, needed, err := m.adapter.AuthPayload()
	if err != nil {
		return err
	}
	if !needed {
		return nil
	}
	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// resubscribe replays every recorded channel subscription so the set held
// before a disconnect is restored exactly. Subscribers never re-subscribe
// themselves after a drop.
func (m *Manager) resubscribe(conn Transport) {
	m.mu.Lock()
	channels := make([]string, len(m.subscriptions))
	copy(channels, m.subscriptions)
	m.mu.Unlock()

	log := m.log.WithComponent("stream_manager").WithFields(logger.Fields{
		"venue": m.adapter.Venue(),
	})
	for _, ch := range channels {
		if err := m.sendSubscribe(conn, ch); err != nil {
			log.WithError(err).WithFields(logger.Fields{"channel": ch}).Warn("failed to resubscribe channel")
			continue
		}
		log.WithFields(logger.Fields{"channel": ch}).Debug("resubscribed channel")
	}
}

func (m *Manager) sendSubscribe(conn Transport, channel string) error {
	payload, err := m.adapter.SubscribePayload(channel)
	if err != nil {
		return err
	}
	return m.write(conn, payload)
}

func (m *Manager) write(conn Transport, payload []byte) error {
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()
	if ctx == nil {
		return ErrNotConnected
	}
	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (m *Manager) startPingLoop(ctx context.Context, conn Transport) context.CancelFunc {
	interval := m.cfg.PingInterval
	if interval <= 0 {
		return func() {}
	}
	pingCtx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
					m.log.WithComponent("stream_manager").WithError(err).Warn("failed to send websocket ping")
					return
				}
			}
		}
	}()
	return cancel
}

// waitReconnect sleeps the reconnect interval. It returns false when the
// context was cancelled while waiting.
func (m *Manager) waitReconnect(ctx context.Context) bool {
	delay := m.cfg.ReconnectInterval
	if delay <= 0 {
		delay = 5 * time.Second
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// shutdown emits the final Disconnected event and parks the state machine.
func (m *Manager) shutdown() {
	m.emit(models.NewDisconnectedEvent(m.adapter.Venue()))
	m.setState(StateStopped)
}

// fail records the terminal error and stops the state machine. No further
// connection attempts are made; a subsequent Start begins a fresh cycle.
func (m *Manager) fail(err error) {
	m.mu.Lock()
	m.terminalErr = err
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()
	cancel()

	m.log.WithComponent("stream_manager").WithError(err).WithFields(logger.Fields{
		"venue": m.adapter.Venue(),
	}).Error("connection manager giving up")
	m.emit(models.NewErrorEvent(m.adapter.Venue(), err))
	m.emit(models.NewDisconnectedEvent(m.adapter.Venue()))
	m.setState(StateStopped)
}

func (m *Manager) setState(state State) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
}

func (m *Manager) setConn(conn Transport) {
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
}

func (m *Manager) emit(event models.MarketEvent) {
	if m.dispatcher != nil {
		m.dispatcher.Dispatch(event)
	}
}
