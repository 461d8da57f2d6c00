// Package mongolink provides a MongoDB change stream transport for the event library.
//
// The transport watches MongoDB for changes through a resumable
// changestream.Stream and delivers them as events. Publishing is implicit:
// writing to MongoDB triggers events automatically.
//
// Watch Levels:
//
//   - Collection-level: Watch a specific collection
//   - Database-level: Watch all collections in a database
//   - Cluster-level: Watch all databases in a cluster
//
// Features:
//   - Subscribe to changes (insert, update, delete, replace, drop, rename, invalidate)
//   - In-place resumption after transient errors, without gaps or duplicates
//   - Resume tokens persisted in MongoDB or Redis for resumption across restarts
//   - Optional acknowledgment tracking via MongoDB collection
//   - Automatic reopening with exponential backoff after terminal stream errors
//
// Limitations:
//   - Publish() is not supported - changes are triggered by database writes
//   - Only Broadcast delivery mode is supported (WorkerPool mode is ignored)
//   - All subscribers receive all changes
//
// Usage:
//
//	// Watch a specific collection
//	t, _ := mongolink.New(db,
//	    mongolink.WithCollection("orders"),
//	)
//
//	// Watch all collections in a database
//	t, _ := mongolink.New(db) // No WithCollection = database-level
//
//	// Watch all databases in a cluster
//	t, _ := mongolink.NewClusterWatch(client)
//
//	bus, _ := event.NewBus("orders", event.WithTransport(t))
//	orderChanges := event.New[mongolink.ChangeEvent]("order.changes")
//	event.Register(ctx, bus, orderChanges)
//	orderChanges.Subscribe(ctx, func(ctx context.Context, e event.Event[mongolink.ChangeEvent], change mongolink.ChangeEvent) error {
//	    fmt.Printf("Change in %s: %s\n", change.Namespace, change.OperationType)
//	    return nil
//	})
package mongolink

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/rbaliyan/event/v3/transport"
	"github.com/rbaliyan/event/v3/transport/base"
	"github.com/rbaliyan/event/v3/transport/channel"
	"github.com/rbaliyan/mongolink/changestream"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

const (
	statusClosed int32 = iota
	statusOpen
)

// DefaultResumeTokenCollection is the collection resume tokens are stored in
// unless WithResumeTokenStore or WithoutResume is given.
const DefaultResumeTokenCollection = "_event_resume_tokens"

// closeTimeout bounds killing the server cursor when a stream ends.
const closeTimeout = 5 * time.Second

// backoff spaces out reopening the change stream after terminal errors.
type backoff interface {
	Next() time.Duration
	Reset()
}

// Transport implements transport.Transport using MongoDB change streams.
type Transport struct {
	status           int32
	client           *mongo.Client   // For cluster-level watch
	db               *mongo.Database // For database/collection-level watch
	collectionName   string          // For collection-level watch (empty = database-level)
	watchLevel       WatchLevel
	source           changestream.CursorSource
	channelTransport *channel.Transport // Internal channel transport for fan-out
	registeredEvents sync.Map           // map[string]struct{} - tracks registered event names
	logger           *slog.Logger
	onError          func(error)
	bufferSize       int
	resumeTokenStore ResumeTokenStore
	resumeTokenID    string // Unique identifier for resume tokens (default: hostname)
	ackStore         AckStore
	disableResume    bool // If true, don't persist resume tokens
	metrics          *Metrics
	clock            clock.Clock
	newBackoff       func() backoff

	// Change stream options
	pipeline                 mongo.Pipeline
	fullDocument             FullDocumentOption
	fullDocumentBeforeChange FullDocumentOption
	batchSize                int32
	maxAwaitTime             time.Duration
	showExpandedEvents       bool

	// Payload options
	fullDocumentOnly         bool // If true, send only fullDocument as payload instead of ChangeEvent
	includeUpdateDescription bool // If true, add updated/removed fields to message metadata
	emptyUpdates             bool // If true, deliver updates that changed nothing
	maxUpdatedFieldsSize     int  // Drop updated_fields metadata above this many bytes (0 = no limit)

	// Watcher state
	watcherMu     sync.Mutex
	watcherCancel context.CancelFunc
	watcherWg     sync.WaitGroup
	stream        atomic.Pointer[changestream.Stream]
}

// Option configures the MongoDB transport
type Option func(*Transport)

// WithCollection sets the collection to watch for changes.
func WithCollection(name string) Option {
	return func(t *Transport) {
		if name != "" {
			t.collectionName = name
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithErrorHandler sets the callback invoked with every error that ends a
// change stream and with failures to process a single change.
func WithErrorHandler(fn func(error)) Option {
	return func(t *Transport) {
		if fn != nil {
			t.onError = fn
		}
	}
}

// WithBufferSize sets the default buffer size for subscriptions.
func WithBufferSize(size int) Option {
	return func(t *Transport) {
		if size > 0 {
			t.bufferSize = size
		}
	}
}

// WithResumeTokenStore sets a custom store for persisting resume tokens.
// By default, the transport automatically stores resume tokens in the
// "_event_resume_tokens" collection. Use this option to override the default,
// for example with a RedisResumeTokenStore.
func WithResumeTokenStore(store ResumeTokenStore) Option {
	return func(t *Transport) {
		t.resumeTokenStore = store
	}
}

// WithResumeTokenCollection sets a custom database and collection for resume tokens.
// This is a convenience wrapper around WithResumeTokenStore.
//
// Example:
//
//	// Store resume tokens in a different database
//	transport, _ := mongolink.New(db,
//	    mongolink.WithCollection("orders"),
//	    mongolink.WithResumeTokenCollection(client.Database("internal"), "_resume_tokens"),
//	)
func WithResumeTokenCollection(db *mongo.Database, collectionName string) Option {
	return func(t *Transport) {
		if db == nil {
			return
		}
		if store, err := NewMongoResumeTokenStore(db.Collection(collectionName)); err == nil {
			t.resumeTokenStore = store
		}
	}
}

// WithoutResume disables resume token persistence.
//
// Without resume tokens:
//   - On restart, the change stream starts from the CURRENT position (latest)
//   - Any changes that occurred while the service was down are MISSED
//
// Within a running process the stream still resumes after transient errors.
// Use this only for scenarios where missing changes during restarts is
// acceptable, such as real-time dashboards.
func WithoutResume() Option {
	return func(t *Transport) {
		t.disableResume = true
	}
}

// WithResumeTokenID sets a unique identifier for resume token storage.
// This allows multiple instances to maintain their own resume positions.
//
// By default, the hostname is used. Each instance stores its own resume token
// under "namespace:id" and resumes from its own last position on restart.
// For a shared position across instances, set the same ID everywhere.
//
// Example:
//
//	mongolink.New(db, mongolink.WithResumeTokenID(os.Getenv("INSTANCE_ID")))
func WithResumeTokenID(id string) Option {
	return func(t *Transport) {
		t.resumeTokenID = id
	}
}

// WithAckStore sets the store for tracking acknowledgments.
// This enables at-least-once delivery semantics.
func WithAckStore(store AckStore) Option {
	return func(t *Transport) {
		t.ackStore = store
	}
}

// WithPipeline sets an aggregation pipeline to filter change events.
// The pipeline must not remove the _id field, which is the event's resume token.
//
// Example - only watch insert and update operations:
//
//	pipeline := mongo.Pipeline{
//	    {{Key: "$match", Value: bson.M{
//	        "operationType": bson.M{"$in": []string{"insert", "update"}},
//	    }}},
//	}
//	mongolink.WithPipeline(pipeline)
func WithPipeline(pipeline mongo.Pipeline) Option {
	return func(t *Transport) {
		t.pipeline = pipeline
	}
}

// WithFullDocument configures full document lookup for update events.
//
// Use one of the FullDocument* constants:
//   - FullDocumentDefault: Only include full document for insert/replace
//   - FullDocumentUpdateLookup: Lookup current document for updates (most common)
//   - FullDocumentWhenAvailable: Return post-image if available (MongoDB 6.0+)
//   - FullDocumentRequired: Require post-image or fail (MongoDB 6.0+)
func WithFullDocument(option FullDocumentOption) Option {
	return func(t *Transport) {
		t.fullDocument = option
	}
}

// WithFullDocumentBeforeChange requests pre-images for update, replace and
// delete events. The collection must have changeStreamPreAndPostImages enabled.
func WithFullDocumentBeforeChange(option FullDocumentOption) Option {
	return func(t *Transport) {
		t.fullDocumentBeforeChange = option
	}
}

// WithBatchSize sets the batch size for change stream operations.
func WithBatchSize(size int32) Option {
	return func(t *Transport) {
		if size > 0 {
			t.batchSize = size
		}
	}
}

// WithMaxAwaitTime sets the maximum time to wait for new changes.
func WithMaxAwaitTime(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.maxAwaitTime = d
		}
	}
}

// WithShowExpandedEvents asks the server for DDL events such as createIndexes.
// Their operation types are delivered verbatim.
func WithShowExpandedEvents() Option {
	return func(t *Transport) {
		t.showExpandedEvents = true
	}
}

// WithFullDocumentOnly configures the transport to send only the fullDocument
// as the message payload instead of the entire ChangeEvent, so subscribers can
// use their document type directly:
//
//	orderEvent := event.New[Order]("order.created")
//
// It requires WithFullDocument with a value other than FullDocumentDefault.
// Delete events carry the document key as a plain string payload; other events
// without a full document are skipped. The operation type, database, and
// collection are still available in message metadata.
func WithFullDocumentOnly() Option {
	return func(t *Transport) {
		t.fullDocumentOnly = true
	}
}

// WithUpdateDescription adds the updated and removed fields of update events to
// message metadata. Read them back in a handler with ContextUpdateDescription.
func WithUpdateDescription() Option {
	return func(t *Transport) {
		t.includeUpdateDescription = true
	}
}

// WithEmptyUpdates delivers update events that changed no field. They are
// skipped by default.
func WithEmptyUpdates() Option {
	return func(t *Transport) {
		t.emptyUpdates = true
	}
}

// WithMaxUpdatedFieldsSize enables WithUpdateDescription and leaves the
// updated fields out of metadata when their JSON form exceeds size bytes.
// Handlers then rely on the full document, so WithFullDocument is required.
func WithMaxUpdatedFieldsSize(size int) Option {
	return func(t *Transport) {
		t.includeUpdateDescription = true
		if size > 0 {
			t.maxUpdatedFieldsSize = size
		}
	}
}

// WithMetrics records transport metrics. If the ack store implements
// AckQueryStore, the pending changes gauge is fed from it.
func WithMetrics(m *Metrics) Option {
	return func(t *Transport) {
		t.metrics = m
	}
}

// WithClock sets the clock used to wait between reopen attempts.
func WithClock(c clock.Clock) Option {
	return func(t *Transport) {
		if c != nil {
			t.clock = c
		}
	}
}

// WithCursorSource replaces the command based cursor source, for example to
// route change stream commands through a dedicated connection pool.
func WithCursorSource(src changestream.CursorSource) Option {
	return func(t *Transport) {
		if src != nil {
			t.source = src
		}
	}
}

// New creates a new MongoDB change stream transport.
//
// Watch levels:
//   - With WithCollection("name"): watches a specific collection
//   - Without WithCollection: watches all collections in the database
//
// For cluster-level watching (all databases), use NewClusterWatch instead.
//
// Resume tokens are automatically persisted to enable reliable resumption
// after restarts. Use WithoutResume() to disable this behavior.
func New(db *mongo.Database, opts ...Option) (*Transport, error) {
	if db == nil {
		return nil, ErrDatabaseRequired
	}

	t := newTransport(opts)
	t.db = db
	t.client = db.Client()

	if t.collectionName != "" {
		t.watchLevel = WatchLevelCollection
	} else {
		t.watchLevel = WatchLevelDatabase
	}

	if t.source == nil {
		src, err := NewCommandSource(db, t.collectionName)
		if err != nil {
			return nil, err
		}
		t.source = src
	}

	if err := t.init(db); err != nil {
		return nil, err
	}
	return t, nil
}

// NewClusterWatch creates a MongoDB transport that watches all databases.
//
// Resume tokens are stored in the "admin" database unless another store is
// configured.
//
// Example:
//
//	t, err := mongolink.NewClusterWatch(client,
//	    mongolink.WithFullDocument(mongolink.FullDocumentUpdateLookup),
//	)
func NewClusterWatch(client *mongo.Client, opts ...Option) (*Transport, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	adminDB := client.Database("admin")

	t := newTransport(opts)
	t.client = client
	t.db = adminDB
	t.collectionName = ""
	t.watchLevel = WatchLevelCluster

	if t.source == nil {
		src, err := NewClusterCommandSource(client)
		if err != nil {
			return nil, err
		}
		t.source = src
	}

	if err := t.init(adminDB); err != nil {
		return nil, err
	}
	return t, nil
}

func newTransport(opts []Option) *Transport {
	t := &Transport{
		status:     statusOpen,
		logger:     transport.Logger("transport>mongodb"),
		onError:    func(error) {},
		bufferSize: 100,
		clock:      clock.WallClock,
		newBackoff: func() backoff { return base.NewBackoff() },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// init validates the options and wires the defaults that depend on them.
func (t *Transport) init(tokenDB *mongo.Database) error {
	if err := t.validate(); err != nil {
		return err
	}

	t.channelTransport = channel.New(
		channel.WithBufferSize(uint(t.bufferSize)),
		channel.WithLogger(t.logger),
	)

	if t.resumeTokenID == "" {
		if hostname, err := os.Hostname(); err == nil {
			t.resumeTokenID = hostname
		} else {
			t.resumeTokenID = "default"
		}
	}

	if t.disableResume {
		t.resumeTokenStore = nil
	} else if t.resumeTokenStore == nil {
		store, err := NewMongoResumeTokenStore(tokenDB.Collection(DefaultResumeTokenCollection))
		if err != nil {
			return err
		}
		t.resumeTokenStore = store
		t.logger.Debug("using default resume token collection",
			"database", tokenDB.Name(), "collection", DefaultResumeTokenCollection)
	}

	if qs, ok := t.ackStore.(AckQueryStore); ok && t.metrics != nil {
		t.metrics.SetPendingCallback(func() int64 {
			ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			defer cancel()
			n, err := qs.Count(ctx, AckFilter{Status: AckStatusPending})
			if err != nil {
				t.logger.Debug("failed to count pending events", "error", err)
				return 0
			}
			return n
		})
	}
	return nil
}

// validate checks option combinations that cannot work together.
func (t *Transport) validate() error {
	hasFullDocument := t.fullDocument != "" && t.fullDocument != FullDocumentDefault
	if t.maxUpdatedFieldsSize > 0 && !hasFullDocument {
		return ErrMaxUpdatedFieldsSizeRequiresFull
	}
	if t.fullDocumentOnly && !hasFullDocument {
		return ErrFullDocumentRequired
	}
	return nil
}

func (t *Transport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == statusOpen
}

// RegisterEvent creates resources for an event and starts watching.
func (t *Transport) RegisterEvent(ctx context.Context, name string) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}

	if err := t.channelTransport.RegisterEvent(ctx, name); err != nil {
		return err
	}
	t.registeredEvents.Store(name, struct{}{})

	t.startWatcher()

	t.logger.Debug("registered event", "event", name, "collection", t.collectionName)
	return nil
}

// UnregisterEvent cleans up event resources.
func (t *Transport) UnregisterEvent(ctx context.Context, name string) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}

	if err := t.channelTransport.UnregisterEvent(ctx, name); err != nil {
		return err
	}
	t.registeredEvents.Delete(name)

	t.logger.Debug("unregistered event", "event", name)
	return nil
}

// Publish is not supported - changes are triggered by database writes.
func (t *Transport) Publish(ctx context.Context, name string, msg transport.Message) error {
	return ErrPublishNotSupported
}

// Subscribe creates a subscription to receive change events.
func (t *Transport) Subscribe(ctx context.Context, name string, opts ...transport.SubscribeOption) (transport.Subscription, error) {
	if !t.isOpen() {
		return nil, transport.ErrTransportClosed
	}

	sub, err := t.channelTransport.Subscribe(ctx, name, opts...)
	if err != nil {
		return nil, err
	}

	t.logger.Debug("added subscriber", "event", name, "subscriber", sub.ID())
	return sub, nil
}

// Close stops the watcher, releases the server cursor and closes all subscriptions.
func (t *Transport) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.status, statusOpen, statusClosed) {
		return nil
	}

	t.watcherMu.Lock()
	cancel := t.watcherCancel
	t.watcherMu.Unlock()
	if cancel != nil {
		cancel()
	}
	t.watcherWg.Wait()

	if src, ok := t.source.(*CommandSource); ok {
		src.EndSession(ctx)
	}

	if err := t.channelTransport.Close(ctx); err != nil {
		t.logger.Warn("failed to close channel transport", "error", err)
	}

	t.logger.Debug("transport closed")
	return nil
}

// Health performs a health check.
func (t *Transport) Health(ctx context.Context) *transport.HealthCheckResult {
	start := time.Now()

	result := &transport.HealthCheckResult{
		CheckedAt: start,
		Details:   make(map[string]any),
	}

	if !t.isOpen() {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "transport is closed"
		result.Latency = time.Since(start)
		return result
	}

	pingStart := time.Now()
	err := t.client.Ping(ctx, nil)
	pingLatency := time.Since(pingStart)

	if err != nil {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "mongodb ping failed"
		result.Latency = time.Since(start)
		result.Details["ping_error"] = err.Error()
		return result
	}

	channelHealth := t.channelTransport.Health(ctx)

	result.Status = transport.HealthStatusHealthy
	result.Message = "mongodb transport is healthy"
	result.Latency = time.Since(start)
	result.Details["type"] = "mongodb-changestream"
	result.Details["watch_level"] = t.watchLevel.String()
	if t.db != nil {
		result.Details["database"] = t.db.Name()
	}
	if t.collectionName != "" {
		result.Details["collection"] = t.collectionName
	}
	if st := t.stream.Load(); st != nil {
		result.Details["stream_state"] = st.State().String()
		result.Details["stream_resumes"] = st.Resumes()
	}
	result.Details["events"] = channelHealth.Details["events"]
	result.Details["subscribers"] = channelHealth.Details["subscribers"]
	result.Details["ping_latency_ms"] = pingLatency.Milliseconds()

	return result
}

// startWatcher starts the change stream watcher goroutine once.
func (t *Transport) startWatcher() {
	t.watcherMu.Lock()
	defer t.watcherMu.Unlock()
	if t.watcherCancel != nil {
		return
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	t.watcherCancel = cancel

	t.watcherWg.Add(1)
	go func() {
		defer t.watcherWg.Done()
		t.watchLoop(watchCtx)
	}()
}

// watchLoop keeps a change stream open until ctx is cancelled. The stream
// resumes in place after transient errors; the loop only reopens it after an
// invalidate event or a terminal error, the latter with backoff.
func (t *Transport) watchLoop(ctx context.Context) {
	bo := t.newBackoff()
	key := t.resumeTokenKey()
	position := t.loadResumeToken(ctx, key)

	for {
		if ctx.Err() != nil {
			return
		}

		next, err := t.watchOnce(ctx, key, position)
		if !next.Equal(position) {
			bo.Reset()
		}
		position = next

		if err == nil {
			// Invalidated: continue after the invalidate event.
			t.metrics.recordRestart(ctx, "invalidate")
			continue
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return
		}

		reason := "error"
		if IsChangeStreamHistoryLost(err) {
			t.logger.Warn("resume token is stale (oplog rolled past), clearing and starting fresh")
			reason = "history_lost"
			position = nil
			t.saveResumeToken(ctx, key, nil)
		}
		t.onError(err)
		t.metrics.recordRestart(ctx, reason)

		wait := bo.Next()
		t.logger.Error("change stream error, reopening", "error", err, "backoff", wait)
		select {
		case <-ctx.Done():
			return
		case <-t.clock.After(wait):
		}
	}
}

// watchOnce runs one change stream from position until it is invalidated (nil
// error) or fails. It returns the position after the last delivered event.
func (t *Transport) watchOnce(ctx context.Context, key string, position *changestream.ResumeToken) (*changestream.ResumeToken, error) {
	stream, err := changestream.Open(ctx, t.source, t.streamOptions(position)...)
	if err != nil {
		return position, err
	}
	t.stream.Store(stream)
	defer func() {
		t.metrics.recordResumes(ctx, stream.Resumes(), t.namespace())
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if err := stream.Close(closeCtx); err != nil {
			t.logger.Debug("failed to close change stream", "error", err)
		}
	}()

	t.logger.Info("change stream opened", "level", t.watchLevel.String(),
		"namespace", t.namespace(), "resumed", position != nil)

	last := position
	if last == nil {
		// Remember the opening position so a restart does not skip the
		// changes made before the first event arrives.
		if tok := stream.ResumeToken(); tok != nil {
			t.saveResumeToken(ctx, key, tok)
			last = tok
		}
	}

	for {
		ev, err := stream.Next(ctx)
		if errors.Is(err, changestream.ErrStreamClosed) {
			return last, nil
		}
		if err != nil {
			return last, err
		}

		if err := t.processChange(ctx, ev); err != nil {
			t.logger.Error("failed to process change", "error", err)
			t.onError(err)
		}

		last = stream.ResumeToken()
		t.saveResumeToken(ctx, key, last)
	}
}

// streamOptions opens at position with StartAfter, which also accepts the
// token of an invalidate event.
func (t *Transport) streamOptions(position *changestream.ResumeToken) []changestream.Option {
	opts := []changestream.Option{
		changestream.WithLogger(t.logger),
		changestream.WithPipeline(t.pipeline...),
	}
	if position != nil {
		opts = append(opts, changestream.WithStartAfter(position))
	}
	if t.fullDocument != "" {
		opts = append(opts, changestream.WithFullDocument(t.fullDocument))
	}
	if t.fullDocumentBeforeChange != "" {
		opts = append(opts, changestream.WithFullDocumentBeforeChange(t.fullDocumentBeforeChange))
	}
	if t.batchSize > 0 {
		opts = append(opts, changestream.WithBatchSize(t.batchSize))
	}
	if t.maxAwaitTime > 0 {
		opts = append(opts, changestream.WithMaxAwaitTime(t.maxAwaitTime))
	}
	if t.showExpandedEvents {
		opts = append(opts, changestream.WithShowExpandedEvents())
	}
	return opts
}

func (t *Transport) loadResumeToken(ctx context.Context, key string) *changestream.ResumeToken {
	if t.resumeTokenStore == nil {
		return nil
	}
	raw, err := t.resumeTokenStore.Load(ctx, key)
	if err != nil {
		t.logger.Warn("failed to load resume token", "key", key, "error", err)
		return nil
	}
	token := changestream.NewResumeToken(raw)
	if token != nil {
		t.logger.Debug("resuming from stored token", "key", key)
	}
	return token
}

func (t *Transport) saveResumeToken(ctx context.Context, key string, token *changestream.ResumeToken) {
	if t.resumeTokenStore == nil {
		return
	}
	if err := t.resumeTokenStore.Save(ctx, key, token.Raw()); err != nil {
		t.logger.Warn("failed to save resume token", "key", key, "error", err)
	}
}

// resumeTokenKey returns the key used for storing resume tokens.
// Format: "namespace:id" where namespace is based on watch level
// and id is the resumeTokenID (defaults to hostname).
func (t *Transport) resumeTokenKey() string {
	var namespace string
	switch t.watchLevel {
	case WatchLevelCollection:
		namespace = t.databaseName() + "." + t.collectionName
	case WatchLevelDatabase:
		namespace = t.databaseName() + ".*"
	case WatchLevelCluster:
		namespace = "*.*"
	default:
		namespace = "default"
	}
	return namespace + ":" + t.resumeTokenID
}

// namespace names what the transport watches, for logs and metrics.
func (t *Transport) namespace() string {
	switch t.watchLevel {
	case WatchLevelCollection:
		return t.databaseName() + "." + t.collectionName
	case WatchLevelDatabase:
		return t.databaseName()
	default:
		return "*"
	}
}

func (t *Transport) databaseName() string {
	if t.db == nil {
		return ""
	}
	return t.db.Name()
}

// processChange delivers a single change event to every registered event.
func (t *Transport) processChange(ctx context.Context, ev *changestream.Event) error {
	var collection string
	if t.watchLevel == WatchLevelCollection {
		collection = t.collectionName
	}
	change := newChangeEvent(ev, t.databaseName(), collection)

	if !t.emptyUpdates && isEmptyUpdate(change) {
		t.logger.Debug("skipping empty update", "document_key", change.DocumentKey)
		t.metrics.recordSkipped(ctx, "empty_update")
		return nil
	}

	var payload []byte
	var contentType string

	if t.fullDocumentOnly {
		contentType = "application/bson"
		// Raw fullDocument BSON preserves all MongoDB types
		payload = ev.FullDocument
		if len(payload) == 0 && change.OperationType == OperationDelete && change.DocumentKey != "" {
			// Subscribers using event.Event[string] receive the ID directly
			payload = []byte(change.DocumentKey)
			contentType = "text/plain"
		}
		if len(payload) == 0 {
			t.logger.Debug("skipping event without fullDocument",
				"operation", change.OperationType,
				"document_key", change.DocumentKey)
			t.metrics.recordSkipped(ctx, "no_full_document")
			return nil
		}
	} else {
		contentType = "application/json"
		var err error
		payload, err = json.Marshal(change)
		if err != nil {
			return err
		}
	}

	metadata := t.buildMetadata(change, ev, contentType)

	msg := transport.NewMessageWithAck(
		change.ID,
		"mongodb://"+change.Database+"/"+change.Collection,
		payload,
		metadata,
		0,
		func(err error) error {
			if err == nil && t.ackStore != nil {
				return t.ackStore.Ack(ctx, change.ID)
			}
			return nil
		},
	)

	if t.ackStore != nil {
		if err := t.ackStore.Store(ctx, change.ID); err != nil {
			t.logger.Warn("failed to store pending event", "event_id", change.ID, "error", err)
		}
	}

	t.registeredEvents.Range(func(key, value any) bool {
		eventName := key.(string)
		if err := t.channelTransport.Publish(ctx, eventName, msg); err != nil {
			t.logger.Warn("failed to publish to channel transport", "event", eventName, "error", err)
		}
		return true
	})
	t.metrics.recordPublished(ctx, change.Namespace, change.OperationType)

	return nil
}

// buildMetadata returns the message metadata for a change.
func (t *Transport) buildMetadata(change ChangeEvent, ev *changestream.Event, contentType string) map[string]string {
	md := map[string]string{
		MetadataContentType: contentType,
		MetadataOperation:   string(change.OperationType),
		MetadataDatabase:    change.Database,
		MetadataCollection:  change.Collection,
		MetadataNamespace:   change.Namespace,
		MetadataDocumentKey: change.DocumentKey,
	}
	if ev.ClusterTime != nil {
		md[MetadataClusterTime] = change.Timestamp.UTC().Format(time.RFC3339Nano)
	}

	if !t.includeUpdateDescription || change.UpdateDesc == nil {
		return md
	}
	if len(change.UpdateDesc.UpdatedFields) > 0 {
		if data, err := json.Marshal(change.UpdateDesc.UpdatedFields); err == nil {
			if t.maxUpdatedFieldsSize == 0 || len(data) <= t.maxUpdatedFieldsSize {
				md[MetadataUpdatedFields] = string(data)
			}
		}
	}
	if len(change.UpdateDesc.RemovedFields) > 0 {
		if data, err := json.Marshal(change.UpdateDesc.RemovedFields); err == nil {
			md[MetadataRemovedFields] = string(data)
		}
	}
	return md
}

// Compile-time checks
var (
	_ transport.Transport     = (*Transport)(nil)
	_ transport.HealthChecker = (*Transport)(nil)
)
