// Package engine assembles the data access layer: registry, transports,
// resilience stack, adapters, subscription engine and the user-facing
// services, behind one explicitly-constructed root value. There is no
// hidden process state; applications create an Engine and own it.
package engine

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cygnus-wealth/evm-access/infrastructure/chains"
	apperrors "github.com/cygnus-wealth/evm-access/infrastructure/errors"
	"github.com/cygnus-wealth/evm-access/infrastructure/events"
	"github.com/cygnus-wealth/evm-access/infrastructure/health"
	"github.com/cygnus-wealth/evm-access/infrastructure/logging"
	"github.com/cygnus-wealth/evm-access/infrastructure/metrics"
	"github.com/cygnus-wealth/evm-access/infrastructure/ratelimit"
	"github.com/cygnus-wealth/evm-access/infrastructure/resilience"
	"github.com/cygnus-wealth/evm-access/infrastructure/tracing"
	"github.com/cygnus-wealth/evm-access/internal/adapter"
	"github.com/cygnus-wealth/evm-access/internal/connmgr"
	"github.com/cygnus-wealth/evm-access/internal/pipeline"
	"github.com/cygnus-wealth/evm-access/internal/subscription"
	"github.com/cygnus-wealth/evm-access/internal/transport"
	"github.com/cygnus-wealth/evm-access/services/accounts"
	"github.com/cygnus-wealth/evm-access/services/balance"
	"github.com/cygnus-wealth/evm-access/services/defi"
	"github.com/cygnus-wealth/evm-access/services/transaction"
)

// version is reported in engine_info; overridable at build time with
// -ldflags "-X github.com/cygnus-wealth/evm-access/engine.version=...".
var version = "dev"

// Engine is the root handle of the data access layer.
type Engine struct {
	cfg      Config
	log      *logging.Logger
	bus      *events.Bus
	metrics  *metrics.Metrics
	spans    *tracing.Manager
	health   *health.Monitor
	registry *chains.Registry
	conns    *connmgr.Manager
	stack    *pipeline.Stack

	mu       sync.Mutex
	adapters map[uint64]*adapter.Adapter

	subs       *subscription.Engine
	balanceSvc *balance.Service
	txSvc      *transaction.Service
	accounts   *accounts.Service
	defiSvc    *defi.Service

	ops       *http.Server
	destroyed atomic.Bool
}

// New constructs an Engine from configuration.
func New(cfg Config) (*Engine, error) {
	if len(cfg.Chains) == 0 {
		cfg.Chains = chains.Presets()
	}
	registry, err := chains.NewRegistry(cfg.Chains...)
	if err != nil {
		return nil, err
	}

	log := logging.New("evm-access", cfg.Logging.Level, cfg.Logging.Format)
	bus := events.NewBus(events.Config{Logger: log.Named("events")})
	m := metrics.New()
	m.EngineInfo.WithLabelValues(version, cfg.Environment).Set(1)

	stackOpts := pipeline.Options{
		EnableCache:          cfg.BalanceService.EnableCache,
		EnableRetry:          cfg.BalanceService.EnableRetry,
		EnableCircuitBreaker: cfg.BalanceService.EnableCircuitBreaker,
		CacheCapacity:        1000,
		DefaultCacheTTL:      time.Duration(cfg.BalanceService.CacheTTLSeconds) * time.Second,
		CacheEnvironment:     cfg.Environment,
		RateLimit: ratelimit.Config{
			Capacity:        cfg.RateLimit.Capacity,
			RefillPerSecond: cfg.RateLimit.RefillPerSecond,
			MaxWait:         ms(cfg.RateLimit.MaxWaitMs),
		},
		Breaker: resilience.BreakerConfig{
			FailureThreshold: cfg.BalanceService.FailureThreshold,
		},
		Retry:   resilience.DefaultRetryConfig(),
		Timeout: 15 * time.Second,
	}

	e := &Engine{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		metrics:  m,
		spans:    tracing.NewManager(512),
		health:   health.NewMonitor(5 * time.Second),
		registry: registry,
		adapters: make(map[uint64]*adapter.Adapter),
	}

	e.stack = pipeline.NewStack(stackOpts, m, bus, log, e.spans)

	connCfg := connmgr.Config{
		Transport: transport.Config{
			ConnectionTimeout: ms(cfg.WSConnection.ConnectionTimeoutMs),
			HeartbeatInterval: ms(cfg.WSConnection.HeartbeatIntervalMs),
			PongTimeout:       ms(cfg.WSConnection.PongTimeoutMs),
		},
		PreferWS:             true,
		ReconnectBaseDelay:   ms(cfg.WSConnection.ReconnectBaseDelayMs),
		ReconnectMaxDelay:    ms(cfg.WSConnection.ReconnectMaxDelayMs),
		MaxReconnectAttempts: cfg.WSConnection.MaxReconnectAttempts,
		WSRecoveryInterval:   ms(cfg.Polling.WSRecoveryIntervalMs),
	}
	e.conns = connmgr.New(registry, connCfg, bus, log, m)

	e.subs = subscription.NewEngine(
		subscription.Config{PollInterval: ms(cfg.Polling.PollIntervalMs)},
		e.conns,
		func(chainID uint64) (subscription.ChainSource, error) {
			return e.adapterFor(chainID)
		},
		bus, log, m,
	)

	e.balanceSvc = balance.New(registry, func(chainID uint64) (balance.Provider, error) {
		return e.adapterFor(chainID)
	}, log)
	e.txSvc = transaction.New(registry, func(chainID uint64) (transaction.Provider, error) {
		return e.adapterFor(chainID)
	}, transaction.Config{
		DefaultPageSize: cfg.Transactions.DefaultPageSize,
		MaxTransactions: cfg.Transactions.MaxTransactions,
	}, log)
	e.accounts = accounts.New(e.balanceSvc, e.txSvc, e.subs, log)

	readers := defi.ReaderSource(func(chainID uint64) (defi.ContractReader, error) {
		return e.adapterFor(chainID)
	})
	e.defiSvc = defi.New(log,
		defi.NewUniswapV3(readers),
		defi.NewAaveV3(readers),
		defi.NewCurve(readers),
	)

	e.registerHealthChecks()

	if cfg.Ops.ListenAddr != "" {
		e.startOps(cfg.Ops.ListenAddr)
	}
	return e, nil
}

// adapterFor returns the chain's adapter, creating it on first use.
func (e *Engine) adapterFor(chainID uint64) (*adapter.Adapter, error) {
	if e.destroyed.Load() {
		return nil, apperrors.Cancelled("engine destroyed")
	}
	chain, err := e.registry.Get(chainID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if a, ok := e.adapters[chainID]; ok {
		return a, nil
	}
	a := adapter.New(chain, e.conns, e.stack.For(chainID), adapter.Config{
		BalanceTTL:      time.Duration(e.cfg.BalanceService.CacheTTLSeconds) * time.Second,
		TransactionTTL:  time.Duration(e.cfg.Transactions.CacheTTLSeconds) * time.Second,
		EnableBatching:  e.cfg.BalanceService.EnableBatching,
		BatchWindow:     ms(e.cfg.BalanceService.BatchWindowMs),
		MaxBatchSize:    e.cfg.BalanceService.MaxBatchSize,
		DefaultPageSize: e.cfg.Transactions.DefaultPageSize,
		MaxTransactions: e.cfg.Transactions.MaxTransactions,
	}, e.log)
	e.adapters[chainID] = a
	return a, nil
}

func (e *Engine) registerHealthChecks() {
	for _, chain := range e.registry.All() {
		chainID := chain.ID
		e.health.Register("rpc-"+strconv.FormatUint(chainID, 10), true, func(ctx context.Context) error {
			a, err := e.adapterFor(chainID)
			if err != nil {
				return err
			}
			if !a.Healthy(ctx) {
				return apperrors.New(apperrors.KindConnection, "health probe failed").
					WithDetail("chain_id", chainID)
			}
			return nil
		})
	}
	e.health.Register("cache", false, func(ctx context.Context) error {
		_ = e.stack.Cache().Stats()
		return nil
	})
	e.health.Register("subscriptions", false, func(ctx context.Context) error {
		// The engine itself is healthy as long as it is not torn down.
		if e.destroyed.Load() {
			return apperrors.Cancelled("subscription engine")
		}
		return nil
	})
	e.health.Register("system", false, health.SystemResourcesCheck(90, 95))
}

func (e *Engine) startOps(addr string) {
	r := chi.NewRouter()
	r.Get("/healthz", e.health.Handler())
	r.Handle("/metrics", e.metrics.Handler())
	e.ops = &http.Server{Addr: addr, Handler: r}
	go func() {
		if err := e.ops.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			e.log.WithError(err).Error("ops listener failed")
		}
	}()
}

// Balances returns the balance service.
func (e *Engine) Balances() *balance.Service { return e.balanceSvc }

// Transactions returns the transaction service.
func (e *Engine) Transactions() *transaction.Service { return e.txSvc }

// Accounts returns the account attribution service.
func (e *Engine) Accounts() *accounts.Service { return e.accounts }

// DeFi returns the protocol position service.
func (e *Engine) DeFi() *defi.Service { return e.defiSvc }

// Subscriptions returns the subscription engine.
func (e *Engine) Subscriptions() *subscription.Engine { return e.subs }

// Events returns the lifecycle event bus.
func (e *Engine) Events() *events.Bus { return e.bus }

// Connections returns the per-chain connection manager.
func (e *Engine) Connections() *connmgr.Manager { return e.conns }

// Registry returns the chain registry.
func (e *Engine) Registry() *chains.Registry { return e.registry }

// Spans returns the span manager.
func (e *Engine) Spans() *tracing.Manager { return e.spans }

// Metrics returns the metrics collector; Export renders Prometheus text.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Health evaluates every registered check.
func (e *Engine) Health(ctx context.Context) health.Report {
	return e.health.Evaluate(ctx)
}

// Destroy tears down every timer and transport. Pending calls resolve with
// cancellation errors. Idempotent.
func (e *Engine) Destroy() {
	if !e.destroyed.CompareAndSwap(false, true) {
		return
	}
	if e.ops != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = e.ops.Shutdown(ctx)
		cancel()
	}
	e.subs.Close()
	e.conns.Close()

	e.mu.Lock()
	for _, a := range e.adapters {
		a.Close()
	}
	e.adapters = make(map[uint64]*adapter.Adapter)
	e.mu.Unlock()

	e.bus.Close()
}

// Default engine cell: a consumer-controlled slot, never implicitly filled.
var (
	defaultMu     sync.RWMutex
	defaultEngine *Engine
)

// SetDefault installs the process-wide default engine. Passing nil clears it.
func SetDefault(e *Engine) {
	defaultMu.Lock()
	defaultEngine = e
	defaultMu.Unlock()
}

// Default returns the installed default engine, or nil when none was set.
func Default() *Engine {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultEngine
}
