package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Pool event types.
const (
	PoolCreated            = "ConnectionPoolCreated"
	PoolReady              = "ConnectionPoolReady"
	PoolCleared            = "ConnectionPoolCleared"
	PoolClosedEvent        = "ConnectionPoolClosed"
	ConnectionCreated      = "ConnectionCreated"
	ConnectionCreateFailed = "ConnectionCreateFailed"
	ConnectionClosed       = "ConnectionClosed"
	CheckOutStarted        = "ConnectionCheckOutStarted"
	CheckOutFailed         = "ConnectionCheckOutFailed"
	CheckedOut             = "ConnectionCheckedOut"
	CheckedIn              = "ConnectionCheckedIn"
)

// Reasons attached to ConnectionClosed and CheckOutFailed events.
const (
	ReasonIdle            = "idle"
	ReasonPoolClosed      = "poolClosed"
	ReasonStale           = "stale"
	ReasonConnectionError = "connectionError"
	ReasonTimedOut        = "timeout"
	ReasonInterrupted     = "interrupted"
)

// MonitorPoolOptions contains pool options as formatted in pool events.
type MonitorPoolOptions struct {
	MaxPoolSize   uint64 `json:"maxPoolSize"`
	MinPoolSize   uint64 `json:"minPoolSize"`
	MaxIdleTimeMS uint64 `json:"maxIdleTimeMS"`
}

// PoolEvent contains all information summarizing a pool event.
type PoolEvent struct {
	Type         string              `json:"type"`
	Address      string              `json:"address"`
	ConnectionID uint64              `json:"connectionId"`
	Generation   uint64              `json:"generation"`
	PoolOptions  *MonitorPoolOptions `json:"options,omitempty"`
	Reason       string              `json:"reason,omitempty"`
	Error        error               `json:"-"`
	Duration     time.Duration       `json:"durationMS"`
	Time         time.Time           `json:"time"`
}

// Monitor observes pool lifecycle transitions. Implementations must be safe for
// concurrent use; the pool delivers events from a single dispatcher goroutine and
// never waits on a slow monitor.
type Monitor interface {
	Event(*PoolEvent)
}

// MonitorFunc adapts a function to the Monitor interface.
type MonitorFunc func(*PoolEvent)

// Event calls f(e).
func (f MonitorFunc) Event(e *PoolEvent) { f(e) }

type multiMonitor []Monitor

func (m multiMonitor) Event(e *PoolEvent) {
	for _, mon := range m {
		mon.Event(e)
	}
}

// MultiMonitor fans each event out to every non-nil monitor in order.
func MultiMonitor(monitors ...Monitor) Monitor {
	var m multiMonitor
	for _, mon := range monitors {
		if mon != nil {
			m = append(m, mon)
		}
	}
	return m
}

// LogMonitor returns a Monitor that writes every event to logger at debug level,
// and failures at warn level.
func LogMonitor(logger *slog.Logger) Monitor {
	return MonitorFunc(func(e *PoolEvent) {
		attrs := []any{"type", e.Type, "address", e.Address}
		if e.ConnectionID != 0 {
			attrs = append(attrs, "connection_id", e.ConnectionID)
		}
		if e.Reason != "" {
			attrs = append(attrs, "reason", e.Reason)
		}
		if e.Error != nil {
			attrs = append(attrs, "error", e.Error)
			logger.Warn("pool event", attrs...)
			return
		}
		logger.Debug("pool event", attrs...)
	})
}

// eventQueue decouples the pool from its monitors with a bounded buffer.
// Events that do not fit are dropped and counted.
type eventQueue struct {
	monitor Monitor
	logger  *slog.Logger
	ch      chan *PoolEvent
	done    chan struct{}

	mu      sync.Mutex
	closed  bool
	dropped uint64
}

func newEventQueue(monitor Monitor, size int, logger *slog.Logger) *eventQueue {
	q := &eventQueue{
		monitor: monitor,
		logger:  logger,
		ch:      make(chan *PoolEvent, size),
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *eventQueue) run() {
	defer close(q.done)
	for e := range q.ch {
		q.monitor.Event(e)
	}
}

func (q *eventQueue) publish(e *PoolEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	select {
	case q.ch <- e:
	default:
		q.dropped++
		if q.dropped == 1 || q.dropped%100 == 0 {
			q.logger.Warn("pool event queue full, dropping events", "dropped", q.dropped, "type", e.Type)
		}
	}
}

// close stops accepting events and waits for queued ones to be delivered.
func (q *eventQueue) close(ctx context.Context) {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()

	select {
	case <-q.done:
	case <-ctx.Done():
	}
}

// Dropped returns the number of events dropped because the queue was full.
func (q *eventQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
