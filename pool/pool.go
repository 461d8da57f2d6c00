package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type poolState int

const (
	statePaused poolState = iota
	stateReady
	stateClosed
)

// errStaleAfterDial signals that a clear happened while a connection was being
// dialed for a checkout; the checkout starts over.
var errStaleAfterDial = errors.New("connection went stale while dialing")

// Pool manages the connections to a single server.
//
// All bookkeeping (available stack, live set, pending dials, wait queue, state) is
// guarded by mu. Transports are dialed and closed outside the lock.
type Pool struct {
	address string
	opts    *poolOptions
	logger  *slog.Logger
	events  *eventQueue

	generation atomic.Uint64

	mu      sync.Mutex
	state   poolState
	nextID  uint64
	conns   map[uint64]*Connection // every live connection, available or checked out
	idle    []*Connection          // available connections, most recently used last
	pending uint64                 // dials in progress, counted against the max size
	waiters list.List              // FIFO of *wantConn

	maintainCancel context.CancelFunc
	maintainDone   chan struct{}
}

// reservation is a capacity slot taken before dialing.
type reservation struct {
	id         uint64
	generation uint64
}

// wantConn is a queued checkout. Exactly one of conn, slot or err is set when
// ready is closed.
type wantConn struct {
	elem   *list.Element
	ready  chan struct{}
	served bool
	conn   *Connection
	slot   *reservation
	err    error
}

type closing struct {
	conn   *Connection
	reason string
}

// Stats is a point-in-time snapshot of the pool.
// Available + CheckedOut == Total; CheckedOut includes dials in progress.
type Stats struct {
	Address    string
	Generation uint64
	Total      int
	Available  int
	CheckedOut int
	Pending    int
	Waiting    int
	Ready      bool
	Closed     bool
}

// NewPool creates a pool for address. The pool starts paused, so CheckOut waits
// until MarkReady is called, unless it is load balanced.
func NewPool(address string, opts ...Option) (*Pool, error) {
	if address == "" {
		return nil, ErrAddressRequired
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}

	p := &Pool{
		address: address,
		opts:    o,
		logger:  o.logger.With("address", address),
		conns:   make(map[uint64]*Connection),
	}
	if len(o.monitors) > 0 {
		p.events = newEventQueue(MultiMonitor(o.monitors...), o.eventQueueSize, p.logger)
	}

	p.emit(&PoolEvent{Type: PoolCreated, PoolOptions: o.monitorOptions()})
	if o.loadBalanced {
		p.state = stateReady
		p.emit(&PoolEvent{Type: PoolReady})
	}

	p.startMaintenance()
	p.logger.Debug("pool created", "max_pool_size", o.maxPoolSize, "min_pool_size", o.minPoolSize)
	return p, nil
}

// Address returns the server address of the pool.
func (p *Pool) Address() string { return p.address }

// Generation returns the current pool generation.
func (p *Pool) Generation() uint64 { return p.generation.Load() }

func (p *Pool) stale(c *Connection) bool {
	return c == nil || c.generation < p.generation.Load()
}

// CheckOut returns a connection for the caller's exclusive use. It waits while
// the pool is paused or full, until ctx or the wait queue timeout expires.
func (p *Pool) CheckOut(ctx context.Context) (*Connection, error) {
	start := time.Now()
	p.emit(&PoolEvent{Type: CheckOutStarted})

	if p.opts.waitQueueTimeout > 0 {
		var cancel context.CancelCauseFunc
		ctx, cancel = context.WithCancelCause(ctx)
		timer := p.opts.clock.AfterFunc(p.opts.waitQueueTimeout, func() {
			cancel(context.DeadlineExceeded)
		})
		defer func() {
			timer.Stop()
			cancel(context.Canceled)
		}()
	}

	var (
		c   *Connection
		err error
	)
	for {
		c, err = p.checkOut(ctx)
		if !errors.Is(err, errStaleAfterDial) {
			break
		}
	}
	if err != nil {
		p.emit(&PoolEvent{Type: CheckOutFailed, Reason: failureReason(err), Error: err, Duration: time.Since(start)})
		return nil, err
	}
	p.emit(&PoolEvent{Type: CheckedOut, ConnectionID: c.id, Generation: c.generation, Duration: time.Since(start)})
	return c, nil
}

func (p *Pool) checkOut(ctx context.Context) (*Connection, error) {
	if ctx.Err() != nil {
		return nil, timeoutError(context.Cause(ctx))
	}

	p.mu.Lock()
	if p.state == stateClosed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	var discard []closing
	if p.state == stateReady && p.waiters.Len() == 0 {
		c, d := p.popAvailableLocked()
		discard = d
		if c != nil {
			p.mu.Unlock()
			p.closeAll(discard)
			return c, nil
		}
		if p.hasCapacityLocked() {
			r := p.reserveLocked()
			p.mu.Unlock()
			p.closeAll(discard)
			return p.establish(ctx, r, true)
		}
	}

	w := &wantConn{ready: make(chan struct{})}
	w.elem = p.waiters.PushBack(w)
	p.mu.Unlock()
	p.closeAll(discard)

	select {
	case <-w.ready:
		return p.claim(ctx, w)
	case <-ctx.Done():
	}

	p.mu.Lock()
	if !w.served {
		p.waiters.Remove(w.elem)
		p.mu.Unlock()
		return nil, timeoutError(context.Cause(ctx))
	}
	p.mu.Unlock()

	// Served at the same moment the wait timed out: give back what we were handed.
	p.release(w)
	return nil, timeoutError(context.Cause(ctx))
}

// claim turns a served wait into a connection.
func (p *Pool) claim(ctx context.Context, w *wantConn) (*Connection, error) {
	switch {
	case w.err != nil:
		return nil, w.err
	case w.conn != nil:
		return w.conn, nil
	default:
		return p.establish(ctx, *w.slot, true)
	}
}

func (p *Pool) release(w *wantConn) {
	switch {
	case w.conn != nil:
		p.returnConn(w.conn)
	case w.slot != nil:
		p.mu.Lock()
		p.pending--
		discard := p.dispatchLocked()
		p.mu.Unlock()
		p.closeAll(discard)
	}
}

// establish dials a connection for a reserved slot and registers it, either
// checked out to the caller or as available.
func (p *Pool) establish(ctx context.Context, r reservation, checkOut bool) (*Connection, error) {
	c, err := p.dial(ctx, r.id, r.generation)

	p.mu.Lock()
	p.pending--
	if err != nil {
		discard := p.dispatchLocked()
		p.mu.Unlock()
		p.closeAll(discard)
		return nil, err
	}

	p.emit(&PoolEvent{Type: ConnectionCreated, ConnectionID: c.id, Generation: c.generation})

	var reason string
	switch {
	case p.state == stateClosed:
		reason, err = ReasonPoolClosed, ErrPoolClosed
	case p.stale(c):
		reason, err = ReasonStale, errStaleAfterDial
	}
	if reason != "" {
		discard := p.dispatchLocked()
		p.mu.Unlock()
		p.closeAll(discard)
		p.closeConn(c, reason)
		return nil, err
	}

	p.conns[c.id] = c
	if checkOut {
		c.state = ConnectionCheckedOut
	} else {
		c.state = ConnectionAvailable
		c.lastUsed = p.opts.clock.Now()
		p.idle = append(p.idle, c)
	}
	discard := p.dispatchLocked()
	p.mu.Unlock()
	p.closeAll(discard)
	return c, nil
}

// CheckIn returns a connection to the pool. Stale, broken or orphaned connections
// are closed instead of being made available.
func (p *Pool) CheckIn(c *Connection) error {
	if c == nil {
		return nil
	}
	if c.pool != p {
		return ErrWrongPool
	}
	p.emit(&PoolEvent{Type: CheckedIn, ConnectionID: c.id, Generation: c.generation})
	p.returnConn(c)
	return nil
}

func (p *Pool) returnConn(c *Connection) {
	p.mu.Lock()
	if c.state != ConnectionCheckedOut {
		// Already available, or already closed by Close or a prune.
		p.mu.Unlock()
		return
	}

	var reason string
	switch {
	case p.state == stateClosed:
		reason = ReasonPoolClosed
	case c.interrupted.Load():
		reason = ReasonInterrupted
	case p.stale(c):
		reason = ReasonStale
	case c.closed.Load() || c.errored.Load():
		reason = ReasonConnectionError
	}
	if reason != "" {
		p.removeLocked(c)
		discard := p.dispatchLocked()
		p.mu.Unlock()
		p.closeConn(c, reason)
		p.closeAll(discard)
		return
	}

	c.state = ConnectionAvailable
	c.lastUsed = p.opts.clock.Now()
	p.idle = append(p.idle, c)
	discard := p.dispatchLocked()
	p.mu.Unlock()
	p.closeAll(discard)
}

// ClearOption configures Clear.
type ClearOption func(*clearOptions)

type clearOptions struct {
	interruptInUse bool
}

// WithInterruptInUse makes Clear also close the transports of checked-out
// connections, so in-flight operations fail fast.
func WithInterruptInUse() ClearOption {
	return func(o *clearOptions) {
		o.interruptInUse = true
	}
}

// Clear invalidates every existing connection by bumping the generation.
// Available connections are closed now; checked-out ones are closed when they
// are checked in. The pool is paused until MarkReady unless it is load balanced.
func (p *Pool) Clear(opts ...ClearOption) {
	var co clearOptions
	for _, opt := range opts {
		opt(&co)
	}

	p.mu.Lock()
	if p.state == stateClosed {
		p.mu.Unlock()
		return
	}
	generation := p.generation.Add(1)
	if !p.opts.loadBalanced {
		p.state = statePaused
	}

	discard := make([]closing, 0, len(p.idle))
	for _, c := range p.idle {
		p.removeLocked(c)
		discard = append(discard, closing{conn: c, reason: ReasonStale})
	}
	p.idle = nil

	var inUse []*Connection
	if co.interruptInUse {
		for _, c := range p.conns {
			if c.state == ConnectionCheckedOut {
				inUse = append(inUse, c)
			}
		}
	}
	discard = append(discard, p.dispatchLocked()...)
	p.mu.Unlock()

	p.closeAll(discard)
	for _, c := range inUse {
		c.interrupted.Store(true)
		_ = c.Close()
	}

	p.emit(&PoolEvent{Type: PoolCleared, Generation: generation})
	p.logger.Info("pool cleared", "generation", generation, "interrupted", len(inUse))
}

// MarkReady opens a paused pool and serves queued checkouts.
func (p *Pool) MarkReady() {
	p.mu.Lock()
	if p.state != statePaused {
		p.mu.Unlock()
		return
	}
	p.state = stateReady
	p.emit(&PoolEvent{Type: PoolReady})
	discard := p.dispatchLocked()
	p.mu.Unlock()
	p.closeAll(discard)
}

// Ready reports whether checkouts are currently being served.
func (p *Pool) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == stateReady
}

// Close shuts the pool down: queued checkouts fail, the maintenance loop stops and
// every live connection, checked out or not, is closed. Calling Close twice
// returns ErrPoolClosed.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.state == stateClosed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.state = stateClosed

	for e := p.waiters.Front(); e != nil; e = e.Next() {
		w := e.Value.(*wantConn)
		w.err = ErrPoolClosed
		w.served = true
		close(w.ready)
	}
	p.waiters.Init()

	toClose := make([]closing, 0, len(p.conns))
	for _, c := range p.conns {
		c.state = ConnectionStateClosed
		toClose = append(toClose, closing{conn: c, reason: ReasonPoolClosed})
	}
	p.conns = make(map[uint64]*Connection)
	p.idle = nil
	p.mu.Unlock()

	p.stopMaintenance()
	p.closeAll(toClose)
	p.emit(&PoolEvent{Type: PoolClosedEvent})
	if p.events != nil {
		p.events.close(ctx)
	}
	p.logger.Debug("pool closed", "connections", len(toClose))
	return nil
}

// Stats returns a consistent snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := len(p.conns) + int(p.pending)
	return Stats{
		Address:    p.address,
		Generation: p.generation.Load(),
		Total:      total,
		Available:  len(p.idle),
		CheckedOut: total - len(p.idle),
		Pending:    int(p.pending),
		Waiting:    p.waiters.Len(),
		Ready:      p.state == stateReady,
		Closed:     p.state == stateClosed,
	}
}

// popAvailableLocked pops the most recently used healthy connection and
// collects the unusable ones it skipped over.
func (p *Pool) popAvailableLocked() (*Connection, []closing) {
	var discard []closing
	now := p.opts.clock.Now()
	for len(p.idle) > 0 {
		last := len(p.idle) - 1
		c := p.idle[last]
		p.idle[last] = nil
		p.idle = p.idle[:last]

		if reason := p.expiredLocked(c, now); reason != "" {
			p.removeLocked(c)
			discard = append(discard, closing{conn: c, reason: reason})
			continue
		}
		c.state = ConnectionCheckedOut
		return c, discard
	}
	return nil, discard
}

// expiredLocked returns why an available connection must not be handed out, or "".
func (p *Pool) expiredLocked(c *Connection, now time.Time) string {
	switch {
	case p.stale(c):
		return ReasonStale
	case p.opts.maxIdleTime > 0 && now.Sub(c.lastUsed) > p.opts.maxIdleTime:
		return ReasonIdle
	case c.closed.Load() || c.errored.Load():
		return ReasonConnectionError
	}
	return ""
}

func (p *Pool) hasCapacityLocked() bool {
	return p.opts.maxPoolSize == 0 || uint64(len(p.conns))+p.pending < p.opts.maxPoolSize
}

func (p *Pool) reserveLocked() reservation {
	p.pending++
	p.nextID++
	return reservation{id: p.nextID, generation: p.generation.Load()}
}

// removeLocked forgets a connection that is not in the available stack.
func (p *Pool) removeLocked(c *Connection) {
	delete(p.conns, c.id)
	c.state = ConnectionStateClosed
}

// dispatchLocked serves queued checkouts in FIFO order for as long as a
// connection or a capacity slot is available.
func (p *Pool) dispatchLocked() []closing {
	var discard []closing
	for p.state == stateReady && p.waiters.Len() > 0 {
		front := p.waiters.Front()
		w := front.Value.(*wantConn)

		c, d := p.popAvailableLocked()
		discard = append(discard, d...)
		switch {
		case c != nil:
			w.conn = c
		case p.hasCapacityLocked():
			r := p.reserveLocked()
			w.slot = &r
		default:
			return discard
		}
		p.waiters.Remove(front)
		w.served = true
		close(w.ready)
	}
	return discard
}

func (p *Pool) closeConn(c *Connection, reason string) {
	if err := c.Close(); err != nil {
		p.logger.Debug("error closing connection", "connection_id", c.id, "error", err)
	}
	p.emit(&PoolEvent{Type: ConnectionClosed, ConnectionID: c.id, Generation: c.generation, Reason: reason})
}

func (p *Pool) closeAll(cs []closing) {
	for _, cl := range cs {
		p.closeConn(cl.conn, cl.reason)
	}
}

func (p *Pool) emit(e *PoolEvent) {
	if p.events == nil {
		return
	}
	e.Address = p.address
	e.Time = p.opts.clock.Now()
	p.events.publish(e)
}

func timeoutError(err error) error {
	return fmt.Errorf("%w: %w", ErrPoolTimeout, err)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrPoolClosed):
		return ReasonPoolClosed
	case errors.Is(err, ErrPoolTimeout):
		return ReasonTimedOut
	default:
		return ReasonConnectionError
	}
}

// AppName returns the application name handshakers should announce.
func (p *Pool) AppName() string { return p.opts.appName }
