// Package batch provides the micro-batch scheduler for point reads. Calls
// arriving within the batch window are flushed together through a single
// executor invocation; results come back in request order.
package batch

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/cygnus-wealth/evm-access/infrastructure/errors"
)

// Config sizes the batch window.
type Config struct {
	Window  time.Duration
	MaxSize int
}

// DefaultConfig returns the standard 50 ms window.
func DefaultConfig() Config {
	return Config{
		Window:  50 * time.Millisecond,
		MaxSize: 25,
	}
}

// Func executes one flushed batch. It must return exactly one result per
// request, in the same order.
type Func[Req, Res any] func(ctx context.Context, reqs []Req) ([]Res, error)

type pending[Req, Res any] struct {
	req  Req
	done chan outcome[Res]
}

type outcome[Res any] struct {
	res Res
	err error
}

// Batcher accumulates requests and flushes them on window expiry or when
// MaxSize requests have queued, whichever comes first.
type Batcher[Req, Res any] struct {
	cfg  Config
	exec Func[Req, Res]

	mu      sync.Mutex
	queue   []*pending[Req, Res]
	timer   *time.Timer
	closed  bool
	flushWG sync.WaitGroup
}

// New creates a batcher around an executor.
func New[Req, Res any](cfg Config, exec Func[Req, Res]) *Batcher[Req, Res] {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	return &Batcher[Req, Res]{cfg: cfg, exec: exec}
}

// Do enqueues a request and waits for its result.
func (b *Batcher[Req, Res]) Do(ctx context.Context, req Req) (Res, error) {
	var zero Res

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return zero, apperrors.Cancelled("batcher closed")
	}
	p := &pending[Req, Res]{req: req, done: make(chan outcome[Res], 1)}
	b.queue = append(b.queue, p)

	if len(b.queue) >= b.cfg.MaxSize {
		b.flushLocked()
	} else if b.timer == nil {
		b.timer = time.AfterFunc(b.cfg.Window, func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.flushLocked()
		})
	}
	b.mu.Unlock()

	select {
	case out := <-p.done:
		return out.res, out.err
	case <-ctx.Done():
		return zero, apperrors.Cancelled("batched call")
	}
}

// flushLocked hands the queued requests to the executor; caller holds the lock.
func (b *Batcher[Req, Res]) flushLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.queue) == 0 {
		return
	}
	batch := b.queue
	b.queue = nil

	b.flushWG.Add(1)
	go func() {
		defer b.flushWG.Done()
		reqs := make([]Req, len(batch))
		for i, p := range batch {
			reqs[i] = p.req
		}
		results, err := b.exec(context.Background(), reqs)
		if err == nil && len(results) != len(reqs) {
			err = apperrors.InvalidData("batch executor returned wrong result count", nil).
				WithDetail("expected", len(reqs)).
				WithDetail("received", len(results))
		}
		for i, p := range batch {
			if err != nil {
				p.done <- outcome[Res]{err: err}
				continue
			}
			p.done <- outcome[Res]{res: results[i]}
		}
	}()
}

// Close flushes anything queued and rejects future calls.
func (b *Batcher[Req, Res]) Close() {
	b.mu.Lock()
	b.closed = true
	b.flushLocked()
	b.mu.Unlock()
	b.flushWG.Wait()
}
