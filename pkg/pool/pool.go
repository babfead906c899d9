package pool

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Pool runs work functions with at most max in flight. The first failure is
// remembered and stops further units from starting; units already running
// finish on their own. Cancelling the parent context has the same effect and
// surfaces the context error from Wait unless a unit failed first.
type Pool struct {
	g      *errgroup.Group
	ctx    context.Context
	parent context.Context

	mu      sync.Mutex
	stopped bool
	first   error
}

// New builds a pool bounded to max concurrent units. max <= 0 means
// unbounded.
func New(ctx context.Context, max int) *Pool {
	g, gctx := errgroup.WithContext(ctx)
	if max > 0 {
		g.SetLimit(max)
	}
	return &Pool{g: g, ctx: gctx, parent: ctx}
}

// Go schedules one unit. Blocks while the pool is at capacity; units
// submitted after a failure or cancellation are dropped without running.
func (p *Pool) Go(fn func(ctx context.Context) error) {
	p.g.Go(func() error {
		if p.aborted() {
			return nil
		}
		err := fn(p.ctx)
		if err != nil {
			p.abort(err)
		}
		return err
	})
}

// Wait blocks until all scheduled units have returned and reports the first
// recorded error, or the context error when the pool was cancelled from
// outside.
func (p *Pool) Wait() error {
	err := p.g.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.first != nil {
		return p.first
	}
	if err != nil {
		return err
	}
	// cancelled from outside with no unit failure; the group context is
	// always done after g.Wait, so only the parent tells cancellation apart
	// from a clean run
	if p.parent.Err() != nil {
		return context.Cause(p.parent)
	}
	return nil
}

func (p *Pool) aborted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return true
	}
	if p.ctx.Err() != nil {
		p.stopped = true
		return true
	}
	return false
}

func (p *Pool) abort(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	if p.first == nil {
		p.first = err
	}
}
