// Package subscription runs one newHeads watcher per chain and multiplexes
// block-driven balance and transfer updates out to caller-owned handles.
// The watcher follows the chain's transport: WS when available, polling
// otherwise, switching back when WS recovers.
package subscription

import (
	"context"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	"github.com/cygnus-wealth/evm-access/domain/model"
	"github.com/cygnus-wealth/evm-access/infrastructure/chains"
	apperrors "github.com/cygnus-wealth/evm-access/infrastructure/errors"
	"github.com/cygnus-wealth/evm-access/infrastructure/events"
	"github.com/cygnus-wealth/evm-access/infrastructure/logging"
	"github.com/cygnus-wealth/evm-access/infrastructure/metrics"
	"github.com/cygnus-wealth/evm-access/internal/connmgr"
	"github.com/cygnus-wealth/evm-access/internal/pipeline"
	"github.com/cygnus-wealth/evm-access/internal/transport"
)

// Type is the kind of data a handle receives.
type Type string

const (
	TypeBalance      Type = "balance"
	TypeTransactions Type = "transactions"
)

// HandleStatus is the lifecycle state of a subscription handle.
type HandleStatus string

const (
	StatusActive HandleStatus = "active"
	StatusPaused HandleStatus = "paused"
	StatusError  HandleStatus = "error"
	StatusClosed HandleStatus = "closed"
)

// Config tunes the subscription engine.
type Config struct {
	PollInterval   time.Duration
	TransferBuffer int
}

// DefaultConfig returns the standard polling cadence.
func DefaultConfig() Config {
	return Config{
		PollInterval:   30 * time.Second,
		TransferBuffer: 256,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.TransferBuffer <= 0 {
		c.TransferBuffer = def.TransferBuffer
	}
	return c
}

// ChainSource is the adapter surface a watcher drives.
type ChainSource interface {
	ChainID() uint64
	LatestBlock(ctx context.Context) (uint64, error)
	BlockInfo(ctx context.Context, number uint64) (*model.BlockInfo, error)
	BalancesAt(ctx context.Context, addrs []common.Address, blockNumber uint64) ([]*big.Int, error)
	TransferLogs(ctx context.Context, fromBlock, toBlock uint64) ([]types.Log, error)
	NativeAsset() model.Asset
	AssetFor(tokenAddr common.Address) model.Asset
}

// ConnProvider is the connection-manager surface the engine needs.
type ConnProvider interface {
	Connect(ctx context.Context, chainID uint64) (transport.Transport, error)
	ActiveWS(chainID uint64) (connmgr.WSTransport, bool)
	ReportWSLoss(chainID uint64, cause error)
	AddSubscription(chainID uint64)
	RemoveSubscription(chainID uint64)
}

// Handle is the caller-owned token for one live subscription. The engine
// owns the chain-wide watcher underneath; dropping the last handle on a
// chain tears the watcher down.
type Handle struct {
	ID        string
	Type      Type
	ChainID   uint64
	Address   string
	CreatedAt time.Time

	engine *Engine

	mu        sync.Mutex
	status    HandleStatus
	transport transport.Kind
	onData    func(any)
	onError   func(error)
	onStatus  func(HandleStatus)

	// latest-wins slot for balance updates; slow consumers only ever see
	// the most recent balance.
	balMu     sync.Mutex
	balLatest *model.BalanceUpdate
	balSignal chan struct{}

	// transfers are never dropped silently: bounded buffer, overflow marks
	// the handle errored.
	transferCh chan model.TransferEvent

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Status returns the handle's current status.
func (h *Handle) Status() HandleStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Transport reports which transport currently feeds the handle.
func (h *Handle) Transport() transport.Kind {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transport
}

// Unsubscribe detaches the handle. Already-emitted events may still fire
// once; handlers must be idempotent.
func (h *Handle) Unsubscribe() {
	h.engine.unsubscribe(h)
}

func (h *Handle) setStatus(s HandleStatus) {
	h.mu.Lock()
	if h.status == s || h.status == StatusClosed {
		h.mu.Unlock()
		return
	}
	h.status = s
	cb := h.onStatus
	h.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (h *Handle) setTransport(k transport.Kind) {
	h.mu.Lock()
	h.transport = k
	h.mu.Unlock()
}

func (h *Handle) fail(err error) {
	h.mu.Lock()
	cb := h.onError
	h.mu.Unlock()
	if cb != nil {
		cb(err)
	}
	h.setStatus(StatusError)
}

// recover returns an errored handle to active after silent recovery.
func (h *Handle) recover() {
	h.mu.Lock()
	errored := h.status == StatusError
	h.mu.Unlock()
	if errored {
		h.setStatus(StatusActive)
	}
}

// pushBalance replaces the pending balance slot; order per handle follows
// emission order because only the dispatch goroutine drains the slot.
func (h *Handle) pushBalance(u model.BalanceUpdate) {
	h.balMu.Lock()
	h.balLatest = &u
	h.balMu.Unlock()
	select {
	case h.balSignal <- struct{}{}:
	default:
	}
}

func (h *Handle) pushTransfer(ev model.TransferEvent) bool {
	select {
	case h.transferCh <- ev:
		return true
	default:
		return false
	}
}

// dispatchLoop delivers buffered events to the caller outside the watcher's
// hot path.
func (h *Handle) dispatchLoop() {
	defer close(h.doneCh)
	for {
		select {
		case <-h.stopCh:
			return
		case <-h.balSignal:
			h.balMu.Lock()
			u := h.balLatest
			h.balLatest = nil
			h.balMu.Unlock()
			if u != nil {
				h.mu.Lock()
				cb := h.onData
				h.mu.Unlock()
				if cb != nil {
					cb(*u)
				}
			}
		case ev := <-h.transferCh:
			h.mu.Lock()
			cb := h.onData
			h.mu.Unlock()
			if cb != nil {
				cb(ev)
			}
		}
	}
}

func (h *Handle) stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
	})
	h.setStatus(StatusClosed)
}

// Option customizes a new handle.
type Option func(*Handle)

// WithError installs an error callback.
func WithError(fn func(error)) Option {
	return func(h *Handle) { h.onError = fn }
}

// WithStatusChange installs a status-change callback.
func WithStatusChange(fn func(HandleStatus)) Option {
	return func(h *Handle) { h.onStatus = fn }
}

// Engine owns the per-chain watchers and the handle registry.
type Engine struct {
	cfg     Config
	conns   ConnProvider
	sources func(chainID uint64) (ChainSource, error)
	bus     *events.Bus
	log     *logging.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	watchers map[uint64]*watcher
	handles  map[string]*Handle
	closed   bool
}

// NewEngine creates the subscription engine. sources resolves a chain's
// adapter lazily so watchers only exist for chains with live handles.
func NewEngine(cfg Config, conns ConnProvider, sources func(chainID uint64) (ChainSource, error), bus *events.Bus, log *logging.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		cfg:      cfg.withDefaults(),
		conns:    conns,
		sources:  sources,
		bus:      bus,
		log:      log.Named("subscription"),
		watchers: make(map[uint64]*watcher),
		handles:  make(map[string]*Handle),
		metrics:  m,
	}
}

// SubscribeBalance streams native balance updates for an address.
func (e *Engine) SubscribeBalance(ctx context.Context, chainID uint64, address string, onData func(model.BalanceUpdate), opts ...Option) (*Handle, error) {
	return e.subscribe(ctx, TypeBalance, chainID, address, func(v any) {
		if u, ok := v.(model.BalanceUpdate); ok {
			onData(u)
		}
	}, opts...)
}

// SubscribeTransactions streams ERC-20 transfers touching an address.
func (e *Engine) SubscribeTransactions(ctx context.Context, chainID uint64, address string, onData func(model.TransferEvent), opts ...Option) (*Handle, error) {
	return e.subscribe(ctx, TypeTransactions, chainID, address, func(v any) {
		if ev, ok := v.(model.TransferEvent); ok {
			onData(ev)
		}
	}, opts...)
}

func (e *Engine) subscribe(ctx context.Context, typ Type, chainID uint64, address string, onData func(any), opts ...Option) (*Handle, error) {
	if err := pipeline.ValidateAddress(address); err != nil {
		return nil, err
	}
	// The chain must have a transport before the watcher can observe heads.
	if _, err := e.conns.Connect(ctx, chainID); err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, apperrors.Cancelled("subscription engine closed")
	}

	w, ok := e.watchers[chainID]
	if !ok {
		src, err := e.sources(chainID)
		if err != nil {
			e.mu.Unlock()
			return nil, err
		}
		w = newWatcher(e, chainID, src)
		e.watchers[chainID] = w
		w.start()
	}

	h := &Handle{
		ID:         uuid.New().String(),
		Type:       typ,
		ChainID:    chainID,
		Address:    chains.NormalizeAddress(address),
		CreatedAt:  time.Now(),
		engine:     e,
		status:     StatusActive,
		onData:     onData,
		balSignal:  make(chan struct{}, 1),
		transferCh: make(chan model.TransferEvent, e.cfg.TransferBuffer),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	e.handles[h.ID] = h
	e.mu.Unlock()

	go h.dispatchLoop()
	w.track(h)
	e.conns.AddSubscription(chainID)
	if e.metrics != nil {
		e.metrics.ActiveSubscriptions.WithLabelValues(strconv.FormatUint(chainID, 10)).Inc()
	}
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type:    events.SubscriptionCreated,
			ChainID: chainID,
			Data:    map[string]any{"id": h.ID, "type": string(typ), "address": h.Address},
		})
	}
	return h, nil
}

func (e *Engine) unsubscribe(h *Handle) {
	e.mu.Lock()
	if _, live := e.handles[h.ID]; !live {
		e.mu.Unlock()
		return
	}
	delete(e.handles, h.ID)
	w := e.watchers[h.ChainID]
	e.mu.Unlock()

	if w != nil {
		if w.untrack(h) {
			// Last handle on the chain: the watcher winds down.
			e.mu.Lock()
			delete(e.watchers, h.ChainID)
			e.mu.Unlock()
			w.stop()
		}
	}
	h.stop()
	e.conns.RemoveSubscription(h.ChainID)
	if e.metrics != nil {
		e.metrics.ActiveSubscriptions.WithLabelValues(strconv.FormatUint(h.ChainID, 10)).Dec()
	}
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type:    events.SubscriptionRemoved,
			ChainID: h.ChainID,
			Data:    map[string]any{"id": h.ID},
		})
	}
}

// handle looks up a live handle by ID; watchers hold IDs, not pointers.
func (e *Engine) handle(id string) (*Handle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.handles[id]
	return h, ok
}

// HandleCount returns the number of live handles.
func (e *Engine) HandleCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handles)
}

// Close tears down every watcher and handle.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	watchers := make([]*watcher, 0, len(e.watchers))
	for _, w := range e.watchers {
		watchers = append(watchers, w)
	}
	handles := make([]*Handle, 0, len(e.handles))
	for _, h := range e.handles {
		handles = append(handles, h)
	}
	e.watchers = make(map[uint64]*watcher)
	e.handles = make(map[string]*Handle)
	e.mu.Unlock()

	for _, w := range watchers {
		w.stop()
	}
	for _, h := range handles {
		h.stop()
		e.conns.RemoveSubscription(h.ChainID)
	}
}
