package transport

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/cygnus-wealth/evm-access/infrastructure/chains"
	apperrors "github.com/cygnus-wealth/evm-access/infrastructure/errors"
	"github.com/cygnus-wealth/evm-access/infrastructure/logging"
)

// endpoint is one URL in the HTTP fallback chain with health tracking,
// dialed lazily on first use.
type endpoint struct {
	url string

	mu          sync.Mutex
	rpc         *rpc.Client
	eth         *ethclient.Client
	lastFailure time.Time
	fails       int
}

// HTTPClient is the single live HTTP transport for a chain: a fallback chain
// over the configured URLs in priority order. A request fails over to the
// next URL on connection error, 5xx or timeout, and returns the first
// non-error response.
type HTTPClient struct {
	chain *chains.Chain
	cfg   Config
	log   *logging.Logger

	endpoints []*endpoint

	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
}

// NewHTTP builds the fallback chain. No connection is opened until the
// first request.
func NewHTTP(chain *chains.Chain, cfg Config, log *logging.Logger) (*HTTPClient, error) {
	cfg = cfg.withDefaults()
	if len(chain.HTTPURLs) == 0 {
		return nil, apperrors.New(apperrors.KindConnection, "no http endpoints configured").
			WithDetail("chain_id", chain.ID)
	}
	eps := make([]*endpoint, len(chain.HTTPURLs))
	for i, url := range chain.HTTPURLs {
		eps[i] = &endpoint{url: url}
	}
	return &HTTPClient{chain: chain, cfg: cfg, log: log, endpoints: eps}, nil
}

func (c *HTTPClient) Kind() Kind      { return KindHTTP }
func (c *HTTPClient) ChainID() uint64 { return c.chain.ID }

// URL returns the first healthy endpoint's URL.
func (c *HTTPClient) URL() string {
	now := time.Now()
	for _, ep := range c.endpoints {
		ep.mu.Lock()
		healthy := ep.fails == 0 || now.Sub(ep.lastFailure) > c.cfg.UnhealthyCooldown
		ep.mu.Unlock()
		if healthy {
			return ep.url
		}
	}
	return c.endpoints[0].url
}

func (ep *endpoint) clients(ctx context.Context, timeout time.Duration) (*rpc.Client, *ethclient.Client, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.rpc == nil {
		dialCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		rpcClient, err := rpc.DialContext(dialCtx, ep.url)
		if err != nil {
			return nil, nil, err
		}
		ep.rpc = rpcClient
		ep.eth = ethclient.NewClient(rpcClient)
	}
	return ep.rpc, ep.eth, nil
}

func (ep *endpoint) markFailure() {
	ep.mu.Lock()
	ep.fails++
	ep.lastFailure = time.Now()
	ep.mu.Unlock()
}

func (ep *endpoint) markSuccess() {
	ep.mu.Lock()
	ep.fails = 0
	ep.mu.Unlock()
}

// ordered returns the endpoints, healthy first, preserving priority order
// within each group.
func (c *HTTPClient) ordered() []*endpoint {
	now := time.Now()
	healthy := make([]*endpoint, 0, len(c.endpoints))
	cooling := make([]*endpoint, 0)
	for _, ep := range c.endpoints {
		ep.mu.Lock()
		inCooldown := ep.fails > 0 && now.Sub(ep.lastFailure) <= c.cfg.UnhealthyCooldown
		ep.mu.Unlock()
		if inCooldown {
			cooling = append(cooling, ep)
		} else {
			healthy = append(healthy, ep)
		}
	}
	return append(healthy, cooling...)
}

// do runs fn against each endpoint until one answers. Only failover-worthy
// errors advance the chain; an endpoint that actually answered settles the
// call.
func (c *HTTPClient) do(ctx context.Context, fn func(ctx context.Context, ep *endpoint, eth *ethclient.Client, raw *rpc.Client) error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return apperrors.Cancelled("http client closed")
	}
	c.pending.Add(1)
	c.mu.Unlock()
	defer c.pending.Done()

	var lastErr error
	for _, ep := range c.ordered() {
		if ctx.Err() != nil {
			return classify(c.chain.ID, ep.url, ctx.Err())
		}
		raw, eth, err := ep.clients(ctx, c.cfg.ConnectionTimeout)
		if err != nil {
			ep.markFailure()
			lastErr = classify(c.chain.ID, ep.url, err)
			continue
		}
		err = fn(ctx, ep, eth, raw)
		if err == nil {
			ep.markSuccess()
			return nil
		}
		classified := classify(c.chain.ID, ep.url, err)
		if !failoverWorthy(classified) {
			return classified
		}
		ep.markFailure()
		lastErr = classified
		c.log.WithChain(c.chain.ID).WithField("url", ep.url).
			WithField("error", err.Error()).Debug("http endpoint failed, trying next")
	}
	if lastErr == nil {
		lastErr = apperrors.New(apperrors.KindConnection, "no http endpoints available")
	}
	return lastErr
}

func (c *HTTPClient) CallContext(ctx context.Context, result any, method string, args ...any) error {
	return c.do(ctx, func(ctx context.Context, ep *endpoint, eth *ethclient.Client, raw *rpc.Client) error {
		return raw.CallContext(ctx, result, method, args...)
	})
}

func (c *HTTPClient) BatchCallContext(ctx context.Context, batch []rpc.BatchElem) error {
	return c.do(ctx, func(ctx context.Context, ep *endpoint, eth *ethclient.Client, raw *rpc.Client) error {
		return raw.BatchCallContext(ctx, batch)
	})
}

func (c *HTTPClient) BlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := c.do(ctx, func(ctx context.Context, ep *endpoint, eth *ethclient.Client, raw *rpc.Client) error {
		var err error
		n, err = eth.BlockNumber(ctx)
		return err
	})
	return n, err
}

func (c *HTTPClient) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	var bal *big.Int
	err := c.do(ctx, func(ctx context.Context, ep *endpoint, eth *ethclient.Client, raw *rpc.Client) error {
		var err error
		bal, err = eth.BalanceAt(ctx, account, blockNumber)
		return err
	})
	return bal, err
}

func (c *HTTPClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	var h *types.Header
	err := c.do(ctx, func(ctx context.Context, ep *endpoint, eth *ethclient.Client, raw *rpc.Client) error {
		var err error
		h, err = eth.HeaderByNumber(ctx, number)
		return err
	})
	return h, err
}

func (c *HTTPClient) BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error) {
	var b *types.Block
	err := c.do(ctx, func(ctx context.Context, ep *endpoint, eth *ethclient.Client, raw *rpc.Client) error {
		var err error
		b, err = eth.BlockByNumber(ctx, number)
		return err
	})
	return b, err
}

func (c *HTTPClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var out []byte
	err := c.do(ctx, func(ctx context.Context, ep *endpoint, eth *ethclient.Client, raw *rpc.Client) error {
		var err error
		out, err = eth.CallContract(ctx, msg, blockNumber)
		return err
	})
	return out, err
}

func (c *HTTPClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	var logs []types.Log
	err := c.do(ctx, func(ctx context.Context, ep *endpoint, eth *ethclient.Client, raw *rpc.Client) error {
		var err error
		logs, err = eth.FilterLogs(ctx, q)
		return err
	})
	return logs, err
}

// Close closes every dialed endpoint after pending requests drain.
func (c *HTTPClient) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.pending.Wait()
	for _, ep := range c.endpoints {
		ep.mu.Lock()
		if ep.rpc != nil {
			ep.rpc.Close()
			ep.rpc = nil
			ep.eth = nil
		}
		ep.mu.Unlock()
	}
}
