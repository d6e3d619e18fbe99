// Package coalesce deduplicates concurrent identical requests onto a single
// in-flight call. The key must encode every semantically-significant input
// (chain, operation, canonical args); see cache.Key for the composition rule.
package coalesce

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	apperrors "github.com/cygnus-wealth/evm-access/infrastructure/errors"
)

// Group coalesces in-flight calls by key. The in-flight entry is evicted on
// completion, success or failure, so later calls re-execute.
type Group struct {
	sf        singleflight.Group
	coalesced atomic.Int64
}

// Do executes fn under the given key. Concurrent callers with the same key
// wait for the first call and all receive its result. shared reports whether
// this caller piggybacked on another's execution.
func (g *Group) Do(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (v any, err error, shared bool) {
	resCh := g.sf.DoChan(key, func() (any, error) {
		return fn(ctx)
	})
	select {
	case res := <-resCh:
		if res.Shared {
			g.coalesced.Add(1)
		}
		return res.Val, res.Err, res.Shared
	case <-ctx.Done():
		// The winner keeps running for the remaining waiters; this caller
		// just stops waiting.
		return nil, apperrors.Cancelled("coalesced call"), false
	}
}

// Coalesced returns how many calls were answered by piggybacking on another
// in-flight execution.
func (g *Group) Coalesced() int64 {
	return g.coalesced.Load()
}
