// Package pool implements a per-server connection pool for MongoDB deployments.
//
// A Pool hands out exclusive Connections to one server address, bounded by a
// maximum size and kept warm by a background maintenance loop. Checkouts that
// cannot be served immediately wait in FIFO order until a connection is checked
// in, capacity frees up, or their context expires.
//
// # Lifecycle
//
// A new pool is paused: checkouts queue until MarkReady is called, normally once
// server monitoring has confirmed the server is reachable. Clear invalidates every
// existing connection by bumping the pool generation and pauses the pool again.
// Load-balanced pools are always ready.
//
//	p, err := pool.NewPool("localhost:27017",
//	    pool.WithMaxPoolSize(20),
//	    pool.WithMinPoolSize(2),
//	    pool.WithMaxIdleTime(5*time.Minute),
//	)
//	if err != nil {
//	    return err
//	}
//	defer p.Close(context.Background())
//	p.MarkReady()
//
//	conn, err := p.CheckOut(ctx)
//	if err != nil {
//	    return err
//	}
//	defer p.CheckIn(conn)
//
// # Events
//
// Lifecycle transitions are reported to Monitors (see WithMonitor) through a
// bounded queue, so a slow monitor never blocks a checkout. Metrics and
// LogMonitor are ready-made monitors.
//
// # Configuration
//
// OptionsFromURI and OptionsFromClientOptions derive pool options from a MongoDB
// connection string or a mongo-driver client configuration.
package pool
