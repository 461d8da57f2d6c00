package pool

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"time"

	"github.com/juju/clock"
	"github.com/rbaliyan/event/v3/transport"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Default configuration values
const (
	DefaultMaxPoolSize      uint64 = 10
	DefaultMaintainInterval        = 10 * time.Second
	DefaultConnectTimeout          = 30 * time.Second
	DefaultEventQueueSize          = 256
)

// Dialer opens the transport for a new connection.
// *net.Dialer satisfies it, as does options.ContextDialer.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Handshaker runs the connection handshake (hello, authentication, compression
// negotiation) on a freshly dialed connection before it joins the pool.
type Handshaker interface {
	Handshake(ctx context.Context, conn *Connection) error
}

// HandshakerFunc adapts a function to the Handshaker interface.
type HandshakerFunc func(ctx context.Context, conn *Connection) error

// Handshake calls f(ctx, conn).
func (f HandshakerFunc) Handshake(ctx context.Context, conn *Connection) error { return f(ctx, conn) }

type poolOptions struct {
	appName          string
	connectTimeout   time.Duration
	maxIdleTime      time.Duration
	maxPoolSize      uint64
	minPoolSize      uint64
	loadBalanced     bool
	tlsConfig        *tls.Config
	dialer           Dialer
	handshaker       Handshaker
	waitQueueTimeout time.Duration
	maintainInterval time.Duration
	monitors         []Monitor
	logger           *slog.Logger
	clock            clock.Clock
	eventQueueSize   int
}

func defaultOptions() *poolOptions {
	return &poolOptions{
		connectTimeout:   DefaultConnectTimeout,
		maxPoolSize:      DefaultMaxPoolSize,
		dialer:           &net.Dialer{},
		maintainInterval: DefaultMaintainInterval,
		logger:           transport.Logger("mongodb>pool"),
		clock:            clock.WallClock,
		eventQueueSize:   DefaultEventQueueSize,
	}
}

func (o *poolOptions) validate() error {
	if o.maxPoolSize != 0 && o.minPoolSize > o.maxPoolSize {
		return ErrInvalidOptions
	}
	return nil
}

// monitorOptions renders the options the way they are reported on PoolCreated.
func (o *poolOptions) monitorOptions() *MonitorPoolOptions {
	return &MonitorPoolOptions{
		MaxPoolSize:   o.maxPoolSize,
		MinPoolSize:   o.minPoolSize,
		MaxIdleTimeMS: uint64(o.maxIdleTime / time.Millisecond),
	}
}

// Option configures a Pool.
type Option func(*poolOptions)

// WithAppName sets the application name sent during the handshake.
func WithAppName(name string) Option {
	return func(o *poolOptions) {
		o.appName = name
	}
}

// WithConnectTimeout bounds dialing plus handshaking of a single connection.
// Zero disables the bound.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *poolOptions) {
		if d >= 0 {
			o.connectTimeout = d
		}
	}
}

// WithMaxIdleTime closes available connections that have been idle for longer than d.
// Zero (the default) means connections never idle-expire.
func WithMaxIdleTime(d time.Duration) Option {
	return func(o *poolOptions) {
		if d >= 0 {
			o.maxIdleTime = d
		}
	}
}

// WithMaxPoolSize limits the number of connections, checked out or available.
// Zero means no limit. Default is 10.
func WithMaxPoolSize(n uint64) Option {
	return func(o *poolOptions) {
		o.maxPoolSize = n
	}
}

// WithMinPoolSize makes the maintenance loop keep at least n connections open.
// The minimum is only enforced while the pool is ready: a paused or cleared pool
// does not dial until MarkReady is called.
func WithMinPoolSize(n uint64) Option {
	return func(o *poolOptions) {
		o.minPoolSize = n
	}
}

// WithLoadBalanced marks the pool as sitting behind a load balancer. A load-balanced
// pool is ready from the start and Clear never pauses it.
func WithLoadBalanced(lb bool) Option {
	return func(o *poolOptions) {
		o.loadBalanced = lb
	}
}

// WithTLSConfig wraps every dialed transport in a TLS client using cfg.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(o *poolOptions) {
		o.tlsConfig = cfg
	}
}

// WithDialer replaces the default net.Dialer.
func WithDialer(d Dialer) Option {
	return func(o *poolOptions) {
		if d != nil {
			o.dialer = d
		}
	}
}

// WithHandshaker sets the handshake run on each new connection.
func WithHandshaker(h Handshaker) Option {
	return func(o *poolOptions) {
		o.handshaker = h
	}
}

// WithWaitQueueTimeout bounds how long CheckOut waits in addition to its context.
func WithWaitQueueTimeout(d time.Duration) Option {
	return func(o *poolOptions) {
		if d > 0 {
			o.waitQueueTimeout = d
		}
	}
}

// WithMaintainInterval sets the period of the background maintenance loop.
func WithMaintainInterval(d time.Duration) Option {
	return func(o *poolOptions) {
		if d > 0 {
			o.maintainInterval = d
		}
	}
}

// WithMonitor adds a pool event monitor. It may be given more than once.
func WithMonitor(m Monitor) Option {
	return func(o *poolOptions) {
		if m != nil {
			o.monitors = append(o.monitors, m)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *poolOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock sets the clock used for idle expiry, wait queue timeouts and
// maintenance scheduling.
func WithClock(c clock.Clock) Option {
	return func(o *poolOptions) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithEventQueueSize sets how many events may be buffered for slow monitors.
func WithEventQueueSize(n int) Option {
	return func(o *poolOptions) {
		if n > 0 {
			o.eventQueueSize = n
		}
	}
}

// OptionsFromClientOptions maps the pool related settings of a MongoDB client
// configuration onto pool options. Unset fields keep the pool defaults.
func OptionsFromClientOptions(co *options.ClientOptions) []Option {
	if co == nil {
		return nil
	}
	var opts []Option
	if co.AppName != nil {
		opts = append(opts, WithAppName(*co.AppName))
	}
	if co.ConnectTimeout != nil {
		opts = append(opts, WithConnectTimeout(*co.ConnectTimeout))
	}
	if co.MaxConnIdleTime != nil {
		opts = append(opts, WithMaxIdleTime(*co.MaxConnIdleTime))
	}
	if co.MaxPoolSize != nil {
		opts = append(opts, WithMaxPoolSize(*co.MaxPoolSize))
	}
	if co.MinPoolSize != nil {
		opts = append(opts, WithMinPoolSize(*co.MinPoolSize))
	}
	if co.LoadBalanced != nil {
		opts = append(opts, WithLoadBalanced(*co.LoadBalanced))
	}
	if co.TLSConfig != nil {
		opts = append(opts, WithTLSConfig(co.TLSConfig))
	}
	if co.Dialer != nil {
		opts = append(opts, WithDialer(co.Dialer))
	}
	return opts
}

// OptionsFromURI parses a mongodb:// connection string and returns the pool options
// it implies together with the host list, one pool per host.
func OptionsFromURI(uri string) ([]string, []Option, error) {
	co := options.Client().ApplyURI(uri)
	if err := co.Validate(); err != nil {
		return nil, nil, err
	}
	return co.Hosts, OptionsFromClientOptions(co), nil
}
