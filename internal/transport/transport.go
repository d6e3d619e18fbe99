// Package transport owns the live RPC clients. One client exists per
// (chain, kind); everything above talks to the Transport interface and never
// to a raw connection. Retry here is structural only: across endpoint URLs.
// Semantic retry lives in the resilience pipeline.
package transport

import (
	"context"
	"math/big"
	"net"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	apperrors "github.com/cygnus-wealth/evm-access/infrastructure/errors"
)

// Kind distinguishes the two transports.
type Kind string

const (
	KindWS   Kind = "ws"
	KindHTTP Kind = "http"
)

// Config holds transport-level timing.
type Config struct {
	ConnectionTimeout time.Duration
	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	// UnhealthyCooldown is how long a failed HTTP endpoint is deprioritized.
	UnhealthyCooldown time.Duration
}

// DefaultConfig returns the standard timings.
func DefaultConfig() Config {
	return Config{
		ConnectionTimeout: 10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		PongTimeout:       5 * time.Second,
		UnhealthyCooldown: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = def.ConnectionTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = def.PongTimeout
	}
	if c.UnhealthyCooldown <= 0 {
		c.UnhealthyCooldown = def.UnhealthyCooldown
	}
	return c
}

// Transport is the protocol-agnostic request surface shared by the WS and
// HTTP clients.
type Transport interface {
	Kind() Kind
	URL() string
	ChainID() uint64

	CallContext(ctx context.Context, result any, method string, args ...any) error
	BatchCallContext(ctx context.Context, batch []rpc.BatchElem) error

	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)

	Close()
}

// classify maps a raw transport error into the layer taxonomy.
func classify(chainID uint64, url string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.Error
	if apperrors.As(err, &appErr) {
		return err
	}
	if apperrors.Is(err, context.Canceled) {
		return apperrors.Cancelled("rpc call")
	}
	if apperrors.Is(err, context.DeadlineExceeded) {
		return apperrors.Wrap(apperrors.KindConnection, "rpc call timed out", err).WithDetail("url", url)
	}

	var httpErr rpc.HTTPError
	if apperrors.As(err, &httpErr) {
		if httpErr.StatusCode == 429 {
			return apperrors.RateLimited(chainID, time.Second)
		}
		return apperrors.ConnectionFailed(url, err).WithDetail("status", httpErr.StatusCode)
	}

	var netErr net.Error
	if apperrors.As(err, &netErr) {
		return apperrors.ConnectionFailed(url, err)
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "EOF"),
		strings.Contains(msg, "websocket"):
		return apperrors.ConnectionFailed(url, err)
	}

	// A JSON-RPC level error means the endpoint answered; bad payloads are
	// data errors, not connection errors.
	var rpcErr rpc.Error
	if apperrors.As(err, &rpcErr) {
		return apperrors.InvalidData("rpc error response", err).
			WithDetail("code", rpcErr.ErrorCode()).
			WithDetail("url", url)
	}

	return apperrors.Wrap(apperrors.KindUnknown, "rpc call failed", err).WithDetail("url", url)
}

// failoverWorthy reports whether the HTTP chain should try the next URL.
// Connection failures, timeouts and 5xx responses fail over; everything the
// endpoint actually answered (validation, data) does not.
func failoverWorthy(err error) bool {
	switch apperrors.KindOf(err) {
	case apperrors.KindConnection, apperrors.KindUnknown:
		return true
	default:
		return false
	}
}
