package retrieve

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("worker pool closed")

// Pool runs tasks on at most size goroutines. Submit never blocks the caller;
// tasks queue until a slot frees up.
type Pool struct {
	ctx   context.Context
	group errgroup.Group

	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
}

// NewPool builds a pool whose tasks receive ctx.
func NewPool(ctx context.Context, size int) *Pool {
	p := &Pool{ctx: ctx}
	if size > 0 {
		p.group.SetLimit(size)
	}
	return p
}

// Submit queues task.
func (p *Pool) Submit(task func(ctx context.Context)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.pending.Add(1)
	go func() {
		defer p.pending.Done()
		p.group.Go(func() error {
			task(p.ctx)
			return nil
		})
	}()
	return nil
}

// Close rejects new tasks and waits for queued and running ones. Cancel the
// pool's context first to make running tasks return early.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.pending.Wait()
	_ = p.group.Wait()
}
