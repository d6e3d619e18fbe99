// Package events provides the in-process typed pub/sub bus used for
// lifecycle and live-data events. A single dispatch goroutine drains the
// queue, so events are delivered to every handler in publish order.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cygnus-wealth/evm-access/infrastructure/logging"
)

// Type identifies an event category.
type Type string

const (
	WebSocketConnected         Type = "WEBSOCKET_CONNECTED"
	WebSocketDisconnected      Type = "WEBSOCKET_DISCONNECTED"
	WebSocketReconnecting      Type = "WEBSOCKET_RECONNECTING"
	WebSocketFailed            Type = "WEBSOCKET_FAILED"
	TransportFallbackToPolling Type = "TRANSPORT_FALLBACK_TO_POLLING"
	TransportRestoredToWS      Type = "TRANSPORT_RESTORED_TO_WS"
	SubscriptionCreated        Type = "SUBSCRIPTION_CREATED"
	SubscriptionRemoved        Type = "SUBSCRIPTION_REMOVED"
	CircuitStateChanged        Type = "CIRCUIT_STATE_CHANGED"
	LiveBlockReceived          Type = "LIVE_BLOCK_RECEIVED"
	LiveBalanceUpdated         Type = "LIVE_BALANCE_UPDATED"
	LiveTransferDetected       Type = "LIVE_TRANSFER_DETECTED"
)

// Event is a published occurrence. ChainID is zero for chain-agnostic events.
type Event struct {
	Type      Type
	ChainID   uint64
	Timestamp time.Time
	Data      any
}

// Handler receives events. Handlers run on the dispatch goroutine and must
// not block; anything slow belongs on the handler's own goroutine.
type Handler func(Event)

type registration struct {
	id      string
	types   map[Type]struct{} // nil means all types
	handler Handler
}

// Config controls bus queue sizing.
type Config struct {
	QueueSize int
	Logger    *logging.Logger
}

// Bus is the in-process event bus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]*registration
	queue    chan Event
	log      *logging.Logger

	published atomic.Int64
	dropped   atomic.Int64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewBus creates and starts an event bus.
func NewBus(cfg Config) *Bus {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewFromEnv("events")
	}
	b := &Bus{
		handlers: make(map[string]*registration),
		queue:    make(chan Event, cfg.QueueSize),
		log:      cfg.Logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go b.dispatchLoop()
	return b
}

// Subscribe registers a handler for the given event types. An empty type
// list subscribes to everything. The returned function removes the handler.
func (b *Bus) Subscribe(handler Handler, types ...Type) (unsubscribe func()) {
	reg := &registration{
		id:      uuid.New().String(),
		handler: handler,
	}
	if len(types) > 0 {
		reg.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			reg.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.handlers[reg.id] = reg
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, reg.id)
		b.mu.Unlock()
	}
}

// Publish enqueues an event without blocking. When the queue is full the
// event is dropped and counted; lifecycle consumers must tolerate gaps.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	select {
	case <-b.stopCh:
		return
	default:
	}
	select {
	case b.queue <- evt:
		b.published.Add(1)
	default:
		b.dropped.Add(1)
		b.log.WithFields(map[string]any{
			"type":     string(evt.Type),
			"chain_id": evt.ChainID,
		}).Warn("event queue full, dropping event")
	}
}

// Stats returns published and dropped counters.
func (b *Bus) Stats() (published, dropped int64) {
	return b.published.Load(), b.dropped.Load()
}

// Close stops the dispatch loop after draining queued events.
func (b *Bus) Close() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		<-b.doneCh
	})
}

func (b *Bus) dispatchLoop() {
	defer close(b.doneCh)
	for {
		select {
		case evt := <-b.queue:
			b.dispatch(evt)
		case <-b.stopCh:
			// Drain what is already queued, then stop.
			for {
				select {
				case evt := <-b.queue:
					b.dispatch(evt)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) dispatch(evt Event) {
	b.mu.RLock()
	regs := make([]*registration, 0, len(b.handlers))
	for _, reg := range b.handlers {
		regs = append(regs, reg)
	}
	b.mu.RUnlock()

	for _, reg := range regs {
		if reg.types != nil {
			if _, ok := reg.types[evt.Type]; !ok {
				continue
			}
		}
		reg.handler(evt)
	}
}
