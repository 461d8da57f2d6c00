package pool

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

func (p *Pool) startMaintenance() {
	ctx, cancel := context.WithCancel(context.Background())
	p.maintainCancel = cancel
	p.maintainDone = make(chan struct{})
	go func() {
		defer close(p.maintainDone)
		p.maintainLoop(ctx)
	}()
}

func (p *Pool) stopMaintenance() {
	if p.maintainCancel == nil {
		return
	}
	p.maintainCancel()
	<-p.maintainDone
}

func (p *Pool) maintainLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.opts.clock.After(p.opts.maintainInterval):
		}
		p.maintain(ctx)
	}
}

// maintain closes idle-expired and stale available connections, then dials new
// ones until the pool holds at least the minimum size. Nothing is dialed while
// the pool is paused.
func (p *Pool) maintain(ctx context.Context) {
	p.mu.Lock()
	if p.state == stateClosed {
		p.mu.Unlock()
		return
	}

	now := p.opts.clock.Now()
	kept := make([]*Connection, 0, len(p.idle))
	var discard []closing
	for _, c := range p.idle {
		if reason := p.expiredLocked(c, now); reason != "" {
			p.removeLocked(c)
			discard = append(discard, closing{conn: c, reason: reason})
			continue
		}
		kept = append(kept, c)
	}
	p.idle = kept
	discard = append(discard, p.dispatchLocked()...)

	var slots []reservation
	if p.state == stateReady {
		for uint64(len(p.conns))+p.pending < p.opts.minPoolSize && p.hasCapacityLocked() {
			slots = append(slots, p.reserveLocked())
		}
	}
	p.mu.Unlock()

	p.closeAll(discard)
	if len(discard) > 0 {
		p.logger.Debug("pruned connections", "count", len(discard))
	}
	if len(slots) == 0 {
		return
	}

	var g errgroup.Group
	for _, r := range slots {
		g.Go(func() error {
			_, err := p.establish(ctx, r, false)
			if err == nil || ctx.Err() != nil || errors.Is(err, errStaleAfterDial) || errors.Is(err, ErrPoolClosed) {
				return nil
			}
			p.emit(&PoolEvent{Type: ConnectionCreateFailed, ConnectionID: r.id, Generation: r.generation, Error: err})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		p.logger.Warn("failed to populate pool to min size", "min_pool_size", p.opts.minPoolSize, "error", err)
	}
}
