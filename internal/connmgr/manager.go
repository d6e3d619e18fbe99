// Package connmgr owns the per-chain connection state machine. It prefers
// WebSocket, falls back to HTTP when WS is unavailable, reconnects with
// exponential backoff on loss, and quietly recovers to WS while polling.
package connmgr

import (
	"context"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/cygnus-wealth/evm-access/infrastructure/chains"
	apperrors "github.com/cygnus-wealth/evm-access/infrastructure/errors"
	"github.com/cygnus-wealth/evm-access/infrastructure/events"
	"github.com/cygnus-wealth/evm-access/infrastructure/logging"
	"github.com/cygnus-wealth/evm-access/infrastructure/metrics"
	"github.com/cygnus-wealth/evm-access/internal/transport"
)

// Status is the connection state of one chain.
type Status string

const (
	Disconnected  Status = "disconnected"
	Connecting    Status = "connecting"
	ConnectedWS   Status = "connected_ws"
	ConnectedHTTP Status = "connected_http"
	Reconnecting  Status = "reconnecting"
	Failed        Status = "failed"
)

var statusGauge = map[Status]float64{
	Disconnected:  0,
	Connecting:    1,
	ConnectedWS:   2,
	ConnectedHTTP: 3,
	Reconnecting:  4,
	Failed:        5,
}

// Info is the observable connection state for a chain.
type Info struct {
	Status            Status
	Transport         transport.Kind
	URL               string
	ConnectedAt       time.Time
	LastError         error
	ReconnectAttempts int
	SubscriptionCount int
}

// Config holds reconnect and recovery timing.
type Config struct {
	Transport            transport.Config
	PreferWS             bool
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
	WSRecoveryInterval   time.Duration
}

// DefaultConfig returns the standard timings.
func DefaultConfig() Config {
	return Config{
		Transport:            transport.DefaultConfig(),
		PreferWS:             true,
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 10,
		WSRecoveryInterval:   60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = def.ReconnectBaseDelay
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = def.ReconnectMaxDelay
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if c.WSRecoveryInterval <= 0 {
		c.WSRecoveryInterval = def.WSRecoveryInterval
	}
	return c
}

// WSTransport is the WS client surface the manager needs beyond Transport.
type WSTransport interface {
	transport.Transport
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
	StartHeartbeat(onLost func(error))
}

// dialers are swappable for tests.
type wsDialer func(ctx context.Context, chain *chains.Chain, cfg transport.Config, log *logging.Logger) (WSTransport, error)
type httpBuilder func(chain *chains.Chain, cfg transport.Config, log *logging.Logger) (transport.Transport, error)

type conn struct {
	chain *chains.Chain

	mu                sync.Mutex
	status            Status
	ws                WSTransport
	http              transport.Transport
	active            transport.Transport
	connectedAt       time.Time
	lastError         error
	reconnectAttempts int
	subCount          int
	recoveryStop      chan struct{}
}

// Manager drives one connection state machine per chain. Chains are fully
// independent: a stall on one never blocks another.
type Manager struct {
	registry *chains.Registry
	cfg      Config
	bus      *events.Bus
	log      *logging.Logger
	metrics  *metrics.Metrics

	dialWS  wsDialer
	newHTTP httpBuilder

	mu     sync.Mutex
	conns  map[uint64]*conn
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a connection manager.
func New(registry *chains.Registry, cfg Config, bus *events.Bus, log *logging.Logger, m *metrics.Metrics) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		registry: registry,
		cfg:      cfg.withDefaults(),
		bus:      bus,
		log:      log.Named("connmgr"),
		metrics:  m,
		conns:    make(map[uint64]*conn),
		ctx:      ctx,
		cancel:   cancel,
		dialWS: func(ctx context.Context, chain *chains.Chain, tcfg transport.Config, log *logging.Logger) (WSTransport, error) {
			return transport.DialWS(ctx, chain, tcfg, log)
		},
		newHTTP: func(chain *chains.Chain, tcfg transport.Config, log *logging.Logger) (transport.Transport, error) {
			return transport.NewHTTP(chain, tcfg, log)
		},
	}
}

func (m *Manager) conn(chainID uint64) (*conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, apperrors.Cancelled("connection manager closed")
	}
	c, ok := m.conns[chainID]
	if !ok {
		chain, err := m.registry.Get(chainID)
		if err != nil {
			return nil, err
		}
		c = &conn{chain: chain, status: Disconnected}
		m.conns[chainID] = c
	}
	return c, nil
}

func (m *Manager) setStatus(c *conn, s Status) {
	c.status = s
	if m.metrics != nil {
		m.metrics.ConnectionState.WithLabelValues(chainLabel(c.chain.ID)).Set(statusGauge[s])
	}
}

// Connect establishes (or returns) the chain's transport. WS is preferred
// when configured; HTTP is the fallback. Idempotent.
func (m *Manager) Connect(ctx context.Context, chainID uint64) (transport.Transport, error) {
	c, err := m.conn(chainID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return c.active, nil
	}
	m.setStatus(c, Connecting)

	var wsErr error
	if m.cfg.PreferWS && c.chain.HasWS() {
		ws, err := m.dialWS(ctx, c.chain, m.cfg.Transport, m.log)
		if err == nil {
			m.adoptWSLocked(c, ws)
			return c.active, nil
		}
		wsErr = err
		m.log.WithChain(chainID).WithError(err).Warn("ws connect failed, trying http")
	}

	httpClient, err := m.newHTTP(c.chain, m.cfg.Transport, m.log)
	if err == nil {
		c.http = httpClient
		c.active = httpClient
		c.connectedAt = time.Now()
		c.lastError = nil
		m.setStatus(c, ConnectedHTTP)
		if m.cfg.PreferWS && c.chain.HasWS() {
			// WS was wanted but unavailable; poll and keep trying to restore.
			m.publish(events.TransportFallbackToPolling, chainID, wsErr)
			if m.metrics != nil {
				m.metrics.TransportFallbacks.WithLabelValues(chainLabel(chainID)).Inc()
			}
			m.startRecoveryLocked(c)
		}
		return c.active, nil
	}

	c.lastError = err
	m.setStatus(c, Failed)
	if wsErr != nil {
		err = apperrors.NoTransport(chainID, wsErr)
	} else {
		err = apperrors.NoTransport(chainID, err)
	}
	return nil, err
}

// adoptWSLocked installs a WS client as the active transport; c.mu held.
func (m *Manager) adoptWSLocked(c *conn, ws WSTransport) {
	c.ws = ws
	c.active = ws
	c.connectedAt = time.Now()
	c.lastError = nil
	c.reconnectAttempts = 0
	m.setStatus(c, ConnectedWS)
	m.publish(events.WebSocketConnected, c.chain.ID, ws.URL())
	chainID := c.chain.ID
	ws.StartHeartbeat(func(err error) {
		m.handleWSLoss(chainID, err)
	})
}

// ReportWSLoss lets a subscription watcher surface a dead WS subscription.
func (m *Manager) ReportWSLoss(chainID uint64, cause error) {
	m.handleWSLoss(chainID, cause)
}

func (m *Manager) handleWSLoss(chainID uint64, cause error) {
	c, err := m.conn(chainID)
	if err != nil {
		return
	}

	c.mu.Lock()
	if c.ws == nil || c.status == Reconnecting {
		c.mu.Unlock()
		return
	}
	dead := c.ws
	c.ws = nil
	if c.active == dead {
		c.active = nil
	}
	c.lastError = cause
	m.setStatus(c, Reconnecting)
	c.mu.Unlock()

	go dead.Close()
	m.publish(events.WebSocketDisconnected, chainID, cause)

	m.wg.Add(1)
	go m.reconnectLoop(c)
}

// reconnectLoop retries WS with exponential backoff and jitter; once the
// attempts are exhausted it falls back to HTTP polling and arms WS recovery.
func (m *Manager) reconnectLoop(c *conn) {
	defer m.wg.Done()
	chainID := c.chain.ID

	for attempt := 1; attempt <= m.cfg.MaxReconnectAttempts; attempt++ {
		delay := m.reconnectDelay(attempt)
		select {
		case <-m.ctx.Done():
			return
		case <-time.After(delay):
		}

		c.mu.Lock()
		c.reconnectAttempts = attempt
		c.mu.Unlock()
		m.publish(events.WebSocketReconnecting, chainID, attempt)
		if m.metrics != nil {
			m.metrics.WSReconnectsTotal.WithLabelValues(chainLabel(chainID)).Inc()
		}

		ws, err := m.dialWS(m.ctx, c.chain, m.cfg.Transport, m.log)
		if err == nil {
			c.mu.Lock()
			m.adoptWSLocked(c, ws)
			c.mu.Unlock()
			return
		}
		m.log.WithChain(chainID).WithFields(map[string]any{
			"attempt": attempt,
			"error":   err.Error(),
		}).Warn("ws reconnect attempt failed")
	}

	// Attempts exhausted: poll over HTTP if possible, else the chain is down.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.http == nil {
		httpClient, err := m.newHTTP(c.chain, m.cfg.Transport, m.log)
		if err != nil {
			c.lastError = err
			m.setStatus(c, Failed)
			m.publish(events.WebSocketFailed, chainID, err)
			return
		}
		c.http = httpClient
	}
	c.active = c.http
	c.connectedAt = time.Now()
	m.setStatus(c, ConnectedHTTP)
	m.publish(events.TransportFallbackToPolling, chainID, c.lastError)
	if m.metrics != nil {
		m.metrics.TransportFallbacks.WithLabelValues(chainLabel(chainID)).Inc()
	}
	m.startRecoveryLocked(c)
}

func (m *Manager) reconnectDelay(attempt int) time.Duration {
	base := float64(m.cfg.ReconnectBaseDelay) * math.Pow(2, float64(attempt-1))
	capped := math.Min(base, float64(m.cfg.ReconnectMaxDelay))
	jitter := capped * 0.1 * (2*rand.Float64() - 1)
	return time.Duration(capped + jitter)
}

// startRecoveryLocked arms the WS recovery timer; c.mu held.
func (m *Manager) startRecoveryLocked(c *conn) {
	if !c.chain.HasWS() || c.recoveryStop != nil {
		return
	}
	stop := make(chan struct{})
	c.recoveryStop = stop

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.WSRecoveryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				ws, err := m.dialWS(m.ctx, c.chain, m.cfg.Transport, m.log)
				if err != nil {
					continue
				}
				c.mu.Lock()
				c.recoveryStop = nil
				m.adoptWSLocked(c, ws)
				c.mu.Unlock()
				m.publish(events.TransportRestoredToWS, c.chain.ID, ws.URL())
				return
			}
		}
	}()
}

// Active returns the chain's current transport without connecting.
func (m *Manager) Active(chainID uint64) (transport.Transport, error) {
	c, err := m.conn(chainID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return nil, apperrors.New(apperrors.KindConnection, "not connected").
			WithDetail("chain_id", chainID)
	}
	return c.active, nil
}

// ActiveWS returns the chain's WS client when WS is the live transport.
func (m *Manager) ActiveWS(chainID uint64) (WSTransport, bool) {
	c, err := m.conn(chainID)
	if err != nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws != nil && c.active == transport.Transport(c.ws) {
		return c.ws, true
	}
	return nil, false
}

// Info reports the chain's connection state.
func (m *Manager) Info(chainID uint64) Info {
	c, err := m.conn(chainID)
	if err != nil {
		return Info{Status: Disconnected}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	info := Info{
		Status:            c.status,
		ConnectedAt:       c.connectedAt,
		LastError:         c.lastError,
		ReconnectAttempts: c.reconnectAttempts,
		SubscriptionCount: c.subCount,
	}
	if c.active != nil {
		info.Transport = c.active.Kind()
		info.URL = c.active.URL()
	}
	return info
}

// AddSubscription / RemoveSubscription track live handles per chain.
func (m *Manager) AddSubscription(chainID uint64) {
	if c, err := m.conn(chainID); err == nil {
		c.mu.Lock()
		c.subCount++
		c.mu.Unlock()
	}
}

func (m *Manager) RemoveSubscription(chainID uint64) {
	if c, err := m.conn(chainID); err == nil {
		c.mu.Lock()
		if c.subCount > 0 {
			c.subCount--
		}
		c.mu.Unlock()
	}
}

// Disconnect tears down one chain's transports and timers. Requests already
// in flight are not cancelled: each transport's Close waits for them to
// finish. Calls made on a closed transport fail with a cancellation error.
func (m *Manager) Disconnect(chainID uint64) {
	m.mu.Lock()
	c, ok := m.conns[chainID]
	m.mu.Unlock()
	if !ok {
		return
	}

	c.mu.Lock()
	if c.recoveryStop != nil {
		close(c.recoveryStop)
		c.recoveryStop = nil
	}
	ws, httpClient := c.ws, c.http
	c.ws = nil
	c.http = nil
	c.active = nil
	m.setStatus(c, Disconnected)
	c.mu.Unlock()

	if ws != nil {
		ws.Close()
	}
	if httpClient != nil {
		httpClient.Close()
	}
}

// Close tears down every chain and stops all background work.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	ids := make([]uint64, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	m.cancel()
	for _, id := range ids {
		m.Disconnect(id)
	}
	m.wg.Wait()
}

func (m *Manager) publish(t events.Type, chainID uint64, data any) {
	if m.bus != nil {
		m.bus.Publish(events.Event{Type: t, ChainID: chainID, Data: data})
	}
}

func chainLabel(chainID uint64) string {
	return strconv.FormatUint(chainID, 10)
}
