package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	appconfig "cryptomon/config"
	"cryptomon/logger"
	"cryptomon/metrics"
	"cryptomon/models"
)

// Manager owns one logical exchange websocket session. It dials, subscribes
// the configured symbols on the trade and depth channels, decodes inbound
// frames into typed events and hands them to the dispatcher in arrival
// order. Network failures feed a capped exponential backoff reconnect loop;
// fatal server rejections surface through Errors() instead.
type Manager struct {
	config *appconfig.Config

	events chan models.Event
	errors chan error

	writeMu sync.Mutex
	conn    *websocket.Conn

	stateMu sync.Mutex
	state   models.ConnectionState

	// pending tracks symbols whose fresh snapshot is still outstanding,
	// either after (re)connect or after a sequence gap.
	pendingMu sync.Mutex
	pending   map[string]struct{}

	resyncMu     sync.Mutex
	resyncQueued map[string]struct{}
	resyncKick   chan struct{}
	limiter      *rate.Limiter

	forceReconnect chan struct{}

	closeMu sync.RWMutex
	closed  bool

	ctx       context.Context
	wg        *sync.WaitGroup
	runningMu sync.Mutex
	running   bool
	log       *logger.Log
}

// NewManager creates a manager for the canonical feed endpoint in cfg.
func NewManager(cfg *appconfig.Config) *Manager {
	perSecond := cfg.Feed.ResyncPerSecond
	if perSecond <= 0 {
		perSecond = 5
	}
	return &Manager{
		config:         cfg,
		events:         make(chan models.Event, cfg.Dispatcher.EventBuffer),
		errors:         make(chan error, 1),
		state:          models.StateDisconnected,
		pending:        make(map[string]struct{}),
		resyncQueued:   make(map[string]struct{}),
		resyncKick:     make(chan struct{}, 1),
		limiter:        rate.NewLimiter(rate.Limit(perSecond), 1),
		forceReconnect: make(chan struct{}, 1),
		wg:             &sync.WaitGroup{},
		log:            logger.GetLogger(),
	}
}

// Events is the decoded event stream consumed by the dispatcher.
func (m *Manager) Events() <-chan models.Event {
	return m.events
}

// Errors carries fatal failures to the supervisor. The manager stops its
// reconnect loop after sending one.
func (m *Manager) Errors() <-chan error {
	return m.errors
}

// Status reports the current connection state.
func (m *Manager) Status() models.ConnectionState {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.state
}

// Start launches the connection and resync workers.
func (m *Manager) Start(ctx context.Context) error {
	m.runningMu.Lock()
	if m.running {
		m.runningMu.Unlock()
		return fmt.Errorf("feed manager already running")
	}
	m.running = true
	m.ctx = ctx
	m.runningMu.Unlock()

	log := m.log.WithComponent("feed").WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{
		"url":     m.config.Feed.URL,
		"symbols": len(m.config.Feed.Symbols),
	}).Info("starting feed manager")

	m.wg.Add(2)
	go m.connectionLoop()
	go m.resyncLoop()

	log.Info("feed manager started successfully")
	return nil
}

// Stop waits for the workers after the context has been cancelled.
func (m *Manager) Stop() {
	m.runningMu.Lock()
	m.running = false
	m.runningMu.Unlock()

	m.log.WithComponent("feed").Info("stopping feed manager")
	m.closeConn()
	m.wg.Wait()

	// Late resync or state callbacks must not hit a closed channel.
	m.closeMu.Lock()
	m.closed = true
	close(m.events)
	m.closeMu.Unlock()
	m.log.WithComponent("feed").Info("feed manager stopped")
}

// Reconnect drops the current session; the connection loop redials.
func (m *Manager) Reconnect() {
	select {
	case m.forceReconnect <- struct{}{}:
	default:
	}
	m.closeConn()
}

// RequestResync schedules a fresh depth snapshot for symbol. Requests are
// coalesced per symbol and rate limited, so a burst of gaps across the book
// does not flood the exchange.
func (m *Manager) RequestResync(symbol string) {
	m.markPending(symbol)
	m.setState(models.StateResyncing, "sequence gap on "+symbol)

	m.resyncMu.Lock()
	m.resyncQueued[symbol] = struct{}{}
	m.resyncMu.Unlock()

	metrics.Resyncs.WithLabelValues(symbol).Inc()
	select {
	case m.resyncKick <- struct{}{}:
	default:
	}
}

func (m *Manager) connectionLoop() {
	defer m.wg.Done()

	log := m.log.WithComponent("feed").WithFields(logger.Fields{"worker": "connection"})
	log.Info("starting connection loop")

	retry := &backoff.Backoff{
		Min:    m.config.Feed.Backoff.Base,
		Max:    m.config.Feed.Backoff.Max,
		Factor: m.config.Feed.Backoff.Factor,
		Jitter: true,
	}

	for {
		if m.ctx.Err() != nil {
			log.Info("connection loop stopped due to context cancellation")
			return
		}

		m.setState(models.StateConnecting, "dialing")
		conn, _, err := websocket.DefaultDialer.DialContext(m.ctx, m.config.Feed.URL, nil)
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			if !m.waitBackoff(log, retry, fmt.Errorf("dial %s: %w", m.config.Feed.URL, err)) {
				return
			}
			continue
		}

		m.writeMu.Lock()
		m.conn = conn
		m.writeMu.Unlock()
		metrics.Reconnects.Inc()
		connectedAt := time.Now()

		err = m.runSession(conn)

		m.closeConn()
		if m.ctx.Err() != nil {
			log.Info("connection loop stopped due to context cancellation")
			return
		}

		var fatal *FatalError
		if errors.As(err, &fatal) {
			m.setState(models.StateDegraded, fatal.Error())
			log.WithError(fatal).Error("fatal feed error, halting reconnect loop")
			select {
			case m.errors <- fatal:
			default:
			}
			return
		}

		// A session that stayed healthy long enough resets the backoff
		// schedule to its base interval.
		if time.Since(connectedAt) >= m.config.Feed.Backoff.ResetAfter {
			retry.Reset()
		}
		if !m.waitBackoff(log, retry, err) {
			return
		}
	}
}

// waitBackoff sleeps for the next backoff interval. Returns false when the
// context is cancelled.
func (m *Manager) waitBackoff(log *logger.Entry, retry *backoff.Backoff, cause error) bool {
	delay := retry.Duration()
	state := models.StateDisconnected
	if delay >= m.config.Feed.Backoff.Max {
		state = models.StateDegraded
	}
	reason := "connection closed"
	if cause != nil {
		reason = cause.Error()
	}
	m.setState(state, reason)
	log.WithError(cause).WithField("delay", delay).Warn("feed disconnected, reconnecting")

	select {
	case <-time.After(delay):
		return true
	case <-m.ctx.Done():
		return false
	}
}

// runSession subscribes and reads frames until the connection breaks or a
// fatal error arrives. All subscribed symbols become pending; the session
// reaches Synced once each has received a fresh snapshot.
func (m *Manager) runSession(conn *websocket.Conn) error {
	m.setState(models.StateSubscribing, "subscribing symbols")

	m.pendingMu.Lock()
	m.pending = make(map[string]struct{}, len(m.config.Feed.Symbols))
	for _, s := range m.config.Feed.Symbols {
		m.pending[s] = struct{}{}
	}
	m.pendingMu.Unlock()

	for _, symbol := range m.config.Feed.Symbols {
		for _, channel := range []string{channelTrade, channelDepth} {
			if err := m.send(subscribeRequest{Op: "subscribe", Channel: channel, Symbol: symbol}); err != nil {
				return fmt.Errorf("subscribe %s/%s: %w", symbol, channel, err)
			}
		}
	}

	pingDone := make(chan struct{})
	defer close(pingDone)
	go m.pingLoop(conn, pingDone)

	for {
		select {
		case <-m.forceReconnect:
			return fmt.Errorf("reconnect requested")
		default:
		}

		if m.config.Feed.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(m.config.Feed.ReadTimeout))
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		if string(data) == "ping" {
			m.writeMu.Lock()
			err = conn.WriteMessage(websocket.TextMessage, []byte("pong"))
			m.writeMu.Unlock()
			if err != nil {
				return err
			}
			continue
		}

		event, err := decodeFrame(data)
		if err != nil {
			var fatal *FatalError
			if errors.As(err, &fatal) {
				return fatal
			}
			metrics.ProtocolErrors.Inc()
			m.log.WithComponent("feed").WithError(err).Warn("skipping malformed frame")
			continue
		}
		if event == nil {
			continue
		}

		m.observe(event)
		select {
		case m.events <- event:
		case <-m.ctx.Done():
			return m.ctx.Err()
		}
	}
}

// observe updates sync-tracking state from a decoded event before it is
// forwarded.
func (m *Manager) observe(event models.Event) {
	snap, ok := event.(models.DepthSnapshotEvent)
	if !ok {
		return
	}

	m.pendingMu.Lock()
	delete(m.pending, snap.Snapshot.Symbol)
	synced := len(m.pending) == 0
	m.pendingMu.Unlock()

	if synced {
		m.setState(models.StateSynced, "all symbols snapshotted")
	}
}

func (m *Manager) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	interval := m.config.Feed.PingInterval
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.writeMu.Lock()
			err := conn.WriteMessage(websocket.TextMessage, []byte("ping"))
			m.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-done:
			return
		case <-m.ctx.Done():
			return
		}
	}
}

// resyncLoop drains queued resync requests by re-subscribing the depth
// channel, which makes the server push a fresh snapshot.
func (m *Manager) resyncLoop() {
	defer m.wg.Done()

	log := m.log.WithComponent("feed").WithFields(logger.Fields{"worker": "resync"})
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.resyncKick:
		}

		for {
			symbol, ok := m.popResync()
			if !ok {
				break
			}
			if err := m.limiter.Wait(m.ctx); err != nil {
				return
			}
			if err := m.send(subscribeRequest{Op: "subscribe", Channel: channelDepth, Symbol: symbol}); err != nil {
				// The connection loop handles the broken session; the
				// symbol stays pending and re-syncs after reconnect.
				log.WithError(err).WithField("symbol", symbol).Warn("resync request failed")
				break
			}
			log.WithField("symbol", symbol).Info("requested fresh depth snapshot")
		}
	}
}

func (m *Manager) popResync() (string, bool) {
	m.resyncMu.Lock()
	defer m.resyncMu.Unlock()
	for s := range m.resyncQueued {
		delete(m.resyncQueued, s)
		return s, true
	}
	return "", false
}

func (m *Manager) markPending(symbol string) {
	m.pendingMu.Lock()
	m.pending[symbol] = struct{}{}
	m.pendingMu.Unlock()
}

func (m *Manager) send(req subscribeRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.conn == nil {
		return fmt.Errorf("not connected")
	}
	return m.conn.WriteMessage(websocket.TextMessage, data)
}

func (m *Manager) closeConn() {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
}

// setState records a transition and publishes it as an event so the
// dispatcher can gate read liveness and notify observers.
func (m *Manager) setState(state models.ConnectionState, reason string) {
	m.stateMu.Lock()
	if m.state == state {
		m.stateMu.Unlock()
		return
	}
	prev := m.state
	m.state = state
	m.stateMu.Unlock()

	m.log.WithComponent("feed").WithFields(logger.Fields{
		"from":   prev.String(),
		"to":     state.String(),
		"reason": reason,
	}).Info("connection state changed")

	event := models.ConnectionStateChanged{State: state, Reason: reason}
	m.closeMu.RLock()
	defer m.closeMu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.events <- event:
	default:
		// State is still observable through Status(); never block the
		// session on a full event buffer.
	}
}
