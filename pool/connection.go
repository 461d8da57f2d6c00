package pool

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// ConnectionState is the ownership state of a pooled connection.
type ConnectionState int32

const (
	// ConnectionAvailable connections are owned by the pool and may be checked out.
	ConnectionAvailable ConnectionState = iota
	// ConnectionCheckedOut connections are owned exclusively by a caller.
	ConnectionCheckedOut
	// ConnectionStateClosed connections have had their transport closed.
	ConnectionStateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionAvailable:
		return "available"
	case ConnectionCheckedOut:
		return "checkedOut"
	case ConnectionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is a single session with the pool's server.
//
// A checked-out Connection belongs to one caller; Read and Write are not safe
// for concurrent use. The state and lastUsed fields are guarded by the pool lock.
type Connection struct {
	id         uint64
	generation uint64
	address    string
	pool       *Pool
	nc         net.Conn
	createdAt  time.Time

	state    ConnectionState
	lastUsed time.Time

	errored     atomic.Bool
	interrupted atomic.Bool
	closeOnce   sync.Once
	closed      atomic.Bool
	closeErr    error
}

// ID returns the pool-unique connection id.
func (c *Connection) ID() uint64 { return c.id }

// Generation returns the pool generation the connection was created in.
func (c *Connection) Generation() uint64 { return c.generation }

// Address returns the server address.
func (c *Connection) Address() string { return c.address }

// CreatedAt returns the time the connection was established.
func (c *Connection) CreatedAt() time.Time { return c.createdAt }

// LastUsed returns the time the connection was last checked in.
func (c *Connection) LastUsed() time.Time {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	return c.lastUsed
}

// State returns the current ownership state.
func (c *Connection) State() ConnectionState {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	return c.state
}

// Stale reports whether the pool was cleared after this connection was created.
func (c *Connection) Stale() bool {
	return c.pool.stale(c)
}

// IsHealthy reports whether the connection can still be used: not closed, no
// network error seen, and not invalidated by a pool clear.
func (c *Connection) IsHealthy() bool {
	return !c.closed.Load() && !c.errored.Load() && !c.Stale()
}

// Write sends p, honouring the deadline of ctx.
func (c *Connection) Write(ctx context.Context, p []byte) error {
	if err := c.usable(ctx); err != nil {
		return err
	}
	if err := c.nc.SetWriteDeadline(deadline(ctx)); err != nil {
		return c.fail(err, "failed to set write deadline")
	}
	if _, err := c.nc.Write(p); err != nil {
		return c.fail(err, "unable to write to connection")
	}
	return nil
}

// Read reads into p, honouring the deadline of ctx.
func (c *Connection) Read(ctx context.Context, p []byte) (int, error) {
	if err := c.usable(ctx); err != nil {
		return 0, err
	}
	if err := c.nc.SetReadDeadline(deadline(ctx)); err != nil {
		return 0, c.fail(err, "failed to set read deadline")
	}
	n, err := c.nc.Read(p)
	if err != nil {
		return n, c.fail(err, "unable to read from connection")
	}
	return n, nil
}

// NetConn exposes the transport for handshakers and wire codecs.
func (c *Connection) NetConn() net.Conn { return c.nc }

// Close closes the transport. The connection must still be checked in so the
// pool can release its slot.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if err := c.nc.Close(); err != nil {
			c.closeErr = &ConnectionError{ConnectionID: c.id, Address: c.address, Wrapped: err, message: "failed to close net.Conn"}
		}
	})
	return c.closeErr
}

func (c *Connection) usable(ctx context.Context) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	if c.Stale() {
		return ErrPoolCleared
	}
	return ctx.Err()
}

// fail records a network failure so the pool discards the connection on check-in.
// Any I/O error, timeouts included, can leave the stream mid-message.
func (c *Connection) fail(err error, msg string) error {
	c.errored.Store(true)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		msg += " (deadline exceeded)"
	}
	return &ConnectionError{ConnectionID: c.id, Address: c.address, Wrapped: err, message: msg}
}

func deadline(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return time.Time{}
}

// dial opens and handshakes a transport for the pool. The returned Connection
// is not yet registered with the pool.
func (p *Pool) dial(ctx context.Context, id, generation uint64) (*Connection, error) {
	if p.opts.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.connectTimeout)
		defer cancel()
	}

	nc, err := p.opts.dialer.DialContext(ctx, "tcp", p.address)
	if err != nil {
		return nil, newCreationError(p.address, err)
	}

	if p.opts.tlsConfig != nil {
		cfg := p.opts.tlsConfig.Clone()
		if cfg.ServerName == "" {
			if host, _, splitErr := net.SplitHostPort(p.address); splitErr == nil {
				cfg.ServerName = host
			}
		}
		tlsConn := tls.Client(nc, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = nc.Close()
			return nil, newCreationError(p.address, err)
		}
		nc = tlsConn
	}

	c := &Connection{
		id:         id,
		generation: generation,
		address:    p.address,
		pool:       p,
		nc:         nc,
		createdAt:  p.opts.clock.Now(),
		state:      ConnectionCheckedOut,
	}

	if p.opts.handshaker != nil {
		if err := p.opts.handshaker.Handshake(ctx, c); err != nil {
			_ = c.Close()
			ce := newCreationError(p.address, err)
			ce.ConnectionID = id
			return nil, ce
		}
	}
	return c, nil
}
