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

// WSClient is the single live WebSocket transport for a chain.
type WSClient struct {
	chain *chains.Chain
	cfg   Config
	url   string
	rpc   *rpc.Client
	eth   *ethclient.Client
	log   *logging.Logger

	mu       sync.Mutex
	closed   bool
	pending  sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// DialWS tries each WS URL in priority order. Each candidate must connect
// within the connection timeout and answer a cheap liveness call within the
// same bound; the first that does wins. Per-URL failures are logged, not
// returned, unless every URL fails.
func DialWS(ctx context.Context, chain *chains.Chain, cfg Config, log *logging.Logger) (*WSClient, error) {
	cfg = cfg.withDefaults()
	if !chain.HasWS() {
		return nil, apperrors.New(apperrors.KindConnection, "no ws endpoints configured").
			WithDetail("chain_id", chain.ID)
	}

	var lastErr error
	for _, url := range chain.WSURLs {
		dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectionTimeout)
		rpcClient, err := rpc.DialContext(dialCtx, url)
		cancel()
		if err != nil {
			lastErr = classify(chain.ID, url, err)
			log.WithChain(chain.ID).WithField("url", url).
				WithField("error", err.Error()).Debug("ws dial failed")
			continue
		}

		client := &WSClient{
			chain:  chain,
			cfg:    cfg,
			url:    url,
			rpc:    rpcClient,
			eth:    ethclient.NewClient(rpcClient),
			log:    log,
			stopCh: make(chan struct{}),
		}

		liveCtx, cancel := context.WithTimeout(ctx, cfg.ConnectionTimeout)
		_, err = client.eth.BlockNumber(liveCtx)
		cancel()
		if err != nil {
			rpcClient.Close()
			lastErr = classify(chain.ID, url, err)
			log.WithChain(chain.ID).WithField("url", url).
				WithField("error", err.Error()).Debug("ws liveness check failed")
			continue
		}
		return client, nil
	}

	if lastErr == nil {
		lastErr = apperrors.New(apperrors.KindConnection, "no ws endpoints configured")
	}
	return nil, apperrors.Wrap(apperrors.KindConnection, "all ws endpoints failed", lastErr).
		WithDetail("chain_id", chain.ID)
}

func (c *WSClient) Kind() Kind      { return KindWS }
func (c *WSClient) URL() string     { return c.url }
func (c *WSClient) ChainID() uint64 { return c.chain.ID }

// begin registers an in-flight request; the client outlives every request it
// admitted.
func (c *WSClient) begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return apperrors.Cancelled("ws client closed")
	}
	c.pending.Add(1)
	return nil
}

func (c *WSClient) CallContext(ctx context.Context, result any, method string, args ...any) error {
	if err := c.begin(); err != nil {
		return err
	}
	defer c.pending.Done()
	return classify(c.chain.ID, c.url, c.rpc.CallContext(ctx, result, method, args...))
}

func (c *WSClient) BatchCallContext(ctx context.Context, batch []rpc.BatchElem) error {
	if err := c.begin(); err != nil {
		return err
	}
	defer c.pending.Done()
	return classify(c.chain.ID, c.url, c.rpc.BatchCallContext(ctx, batch))
}

func (c *WSClient) BlockNumber(ctx context.Context) (uint64, error) {
	if err := c.begin(); err != nil {
		return 0, err
	}
	defer c.pending.Done()
	n, err := c.eth.BlockNumber(ctx)
	return n, classify(c.chain.ID, c.url, err)
}

func (c *WSClient) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	if err := c.begin(); err != nil {
		return nil, err
	}
	defer c.pending.Done()
	bal, err := c.eth.BalanceAt(ctx, account, blockNumber)
	return bal, classify(c.chain.ID, c.url, err)
}

func (c *WSClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	if err := c.begin(); err != nil {
		return nil, err
	}
	defer c.pending.Done()
	h, err := c.eth.HeaderByNumber(ctx, number)
	return h, classify(c.chain.ID, c.url, err)
}

func (c *WSClient) BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error) {
	if err := c.begin(); err != nil {
		return nil, err
	}
	defer c.pending.Done()
	b, err := c.eth.BlockByNumber(ctx, number)
	return b, classify(c.chain.ID, c.url, err)
}

func (c *WSClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if err := c.begin(); err != nil {
		return nil, err
	}
	defer c.pending.Done()
	out, err := c.eth.CallContract(ctx, msg, blockNumber)
	return out, classify(c.chain.ID, c.url, err)
}

func (c *WSClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if err := c.begin(); err != nil {
		return nil, err
	}
	defer c.pending.Done()
	logs, err := c.eth.FilterLogs(ctx, q)
	return logs, classify(c.chain.ID, c.url, err)
}

// SubscribeNewHead opens a newHeads subscription. WS only.
func (c *WSClient) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	if err := c.begin(); err != nil {
		return nil, err
	}
	defer c.pending.Done()
	sub, err := c.eth.SubscribeNewHead(ctx, ch)
	return sub, classify(c.chain.ID, c.url, err)
}

// StartHeartbeat pings the endpoint every heartbeat interval with a cheap
// call bounded by the pong timeout. A missed pong reports the connection
// lost exactly once; the connection manager owns what happens next.
func (c *WSClient) StartHeartbeat(onLost func(error)) {
	go func() {
		ticker := time.NewTicker(c.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PongTimeout)
				_, err := c.eth.BlockNumber(ctx)
				cancel()
				if err != nil {
					c.log.WithChain(c.chain.ID).WithField("url", c.url).
						WithField("error", err.Error()).Warn("ws heartbeat missed")
					onLost(classify(c.chain.ID, c.url, err))
					return
				}
			}
		}
	}()
}

// Close tears down the transport. Pending requests fail over to their own
// contexts; the underlying connection is closed after they drain.
func (c *WSClient) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.pending.Wait()
	c.rpc.Close()
}
