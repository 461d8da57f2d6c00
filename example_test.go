package mongolink_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rbaliyan/event/v3"
	"github.com/rbaliyan/event/v3/distributed"
	"github.com/rbaliyan/event/v3/idempotency"
	"github.com/rbaliyan/mongolink"
	"github.com/rbaliyan/mongolink/changestream"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Order represents an order document.
type Order struct {
	ID         bson.ObjectID `bson:"_id,omitempty" json:"id"`
	CustomerID string        `bson:"customer_id" json:"customer_id"`
	Product    string        `bson:"product" json:"product"`
	Amount     float64       `bson:"amount" json:"amount"`
	Status     string        `bson:"status" json:"status"`
}

// Example watches the orders collection and delivers every change as a
// ChangeEvent through an event bus.
//
// The transport has no publish side: events are produced by writes to MongoDB.
func Example() {
	ctx := context.Background()

	// Change streams require a replica set or sharded cluster.
	client, err := mongo.Connect(options.Client().ApplyURI("mongodb://localhost:27017"))
	if err != nil {
		fmt.Println("Connect error:", err)
		return
	}
	defer func() { _ = client.Disconnect(ctx) }()

	transport, err := mongolink.New(client.Database("myapp"),
		mongolink.WithCollection("orders"),
		mongolink.WithFullDocument(mongolink.FullDocumentUpdateLookup),
	)
	if err != nil {
		fmt.Println("Transport error:", err)
		return
	}

	bus, err := event.NewBus("orders-bus", event.WithTransport(transport))
	if err != nil {
		fmt.Println("Bus error:", err)
		return
	}
	defer bus.Close(ctx)

	orderChanges := event.New[mongolink.ChangeEvent]("order.changes")
	if err := event.Register(ctx, bus, orderChanges); err != nil {
		fmt.Println("Register error:", err)
		return
	}

	err = orderChanges.Subscribe(ctx, func(ctx context.Context, ev event.Event[mongolink.ChangeEvent], change mongolink.ChangeEvent) error {
		fmt.Printf("%s on %s: %s\n", change.OperationType, change.Namespace, change.DocumentKey)
		if desc := mongolink.ContextUpdateDescription(ctx); desc != nil {
			fmt.Println("updated:", desc.UpdatedFields)
		}
		return nil
	})
	if err != nil {
		fmt.Println("Subscribe error:", err)
		return
	}

	fmt.Println("Watching for changes...")
}

// Example_resumeTokenStores shows where the transport keeps its position.
//
// Each transport saves the token of the last delivered change under
// "<namespace>:<resume token id>" and reopens after it on restart, as long as
// the position is still within the oplog window.
func Example_resumeTokenStores() {
	ctx := context.Background()

	client, _ := mongo.Connect(options.Client().ApplyURI("mongodb://localhost:27017"))
	defer func() { _ = client.Disconnect(ctx) }()

	db := client.Database("myapp")

	// Default: the "_event_resume_tokens" collection of the watched database.
	t1, _ := mongolink.New(db, mongolink.WithCollection("orders"))

	// A separate database, one position per instance.
	t2, _ := mongolink.New(db,
		mongolink.WithCollection("orders"),
		mongolink.WithResumeTokenCollection(client.Database("myapp_internal"), "_resume_tokens"),
		mongolink.WithResumeTokenID("instance-1"),
	)

	// Redis, expiring positions that are older than the oplog window anyway.
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer rdb.Close()
	redisStore, _ := mongolink.NewRedisResumeTokenStore(rdb, mongolink.WithRedisTTL(72*time.Hour))
	t3, _ := mongolink.New(db,
		mongolink.WithCollection("orders"),
		mongolink.WithResumeTokenStore(redisStore),
	)

	// Always start from the current position.
	t4, _ := mongolink.New(db, mongolink.WithCollection("orders"), mongolink.WithoutResume())

	for _, t := range []*mongolink.Transport{t1, t2, t3, t4} {
		if t != nil {
			_ = t.Close(ctx)
		}
	}
	fmt.Println("Resume token stores configured")
}

// Example_withAckStore tracks which changes subscribers have acknowledged.
func Example_withAckStore() {
	ctx := context.Background()

	client, _ := mongo.Connect(options.Client().ApplyURI("mongodb://localhost:27017"))
	defer func() { _ = client.Disconnect(ctx) }()

	acks, _ := mongolink.NewMongoAckStore(
		client.Database("myapp_internal").Collection("_event_acks"),
		24*time.Hour, // keep acknowledged entries for a day
	)
	_ = acks.EnsureIndexes(ctx)

	metrics, _ := mongolink.NewMetrics(mongolink.WithMetricsNamespace("orders"))
	defer metrics.Close()

	// With metrics set, the number of pending entries is reported as a gauge.
	transport, _ := mongolink.New(client.Database("myapp"),
		mongolink.WithCollection("orders"),
		mongolink.WithAckStore(acks),
		mongolink.WithMetrics(metrics),
	)
	defer transport.Close(ctx)

	pending, _ := acks.List(ctx, mongolink.AckFilter{Status: mongolink.AckStatusPending, Limit: 10})
	for _, entry := range pending {
		fmt.Println("pending since", entry.CreatedAt, entry.EventID)
	}
	fmt.Println("Acknowledgment store configured")
}

// Example_withPipeline filters changes on the server.
func Example_withPipeline() {
	ctx := context.Background()

	client, _ := mongo.Connect(options.Client().ApplyURI("mongodb://localhost:27017"))
	defer func() { _ = client.Disconnect(ctx) }()

	highValue := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"operationType":       bson.M{"$in": []string{"insert", "update", "replace"}},
			"fullDocument.amount": bson.M{"$gt": 100},
		}}},
	}

	transport, _ := mongolink.New(client.Database("myapp"),
		mongolink.WithCollection("orders"),
		mongolink.WithFullDocument(mongolink.FullDocumentUpdateLookup),
		mongolink.WithPipeline(highValue),
		mongolink.WithBatchSize(100),
		mongolink.WithMaxAwaitTime(time.Second),
	)
	defer transport.Close(ctx)

	fmt.Println("Pipeline filtering configured")
}

// Example_fullDocumentOnly delivers the documents themselves instead of
// ChangeEvent, so subscribers decode straight into their own type.
func Example_fullDocumentOnly() {
	ctx := context.Background()

	client, _ := mongo.Connect(options.Client().ApplyURI("mongodb://localhost:27017"))
	defer func() { _ = client.Disconnect(ctx) }()

	// Updates only carry a document with a full document mode other than default.
	transport, err := mongolink.New(client.Database("myapp"),
		mongolink.WithCollection("orders"),
		mongolink.WithFullDocument(mongolink.FullDocumentUpdateLookup),
		mongolink.WithFullDocumentOnly(),
	)
	if err != nil {
		fmt.Println("Transport error:", err)
		return
	}

	bus, _ := event.NewBus("orders", event.WithTransport(transport))
	defer bus.Close(ctx)

	orderEvent := event.New[Order]("order.changes")
	_ = event.Register(ctx, bus, orderEvent)

	_ = orderEvent.Subscribe(ctx, func(ctx context.Context, ev event.Event[Order], order Order) error {
		md := mongolink.ContextChangeMetadata(ctx)
		fmt.Printf("%s order %s: %s ($%.2f)\n", md.Operation, order.ID.Hex(), order.Product, order.Amount)
		return nil
	}, mongolink.CoalesceByDocumentKey[Order]())

	fmt.Println("Full document only mode configured")
}

// Example_watchLevels shows collection, database and cluster streams.
func Example_watchLevels() {
	ctx := context.Background()

	client, _ := mongo.Connect(options.Client().ApplyURI("mongodb://localhost:27017"))
	defer func() { _ = client.Disconnect(ctx) }()

	db := client.Database("myapp")

	collection, _ := mongolink.New(db, mongolink.WithCollection("orders"))
	database, _ := mongolink.New(db)
	// Cluster streams keep their resume tokens in the admin database.
	cluster, _ := mongolink.NewClusterWatch(client, mongolink.WithShowExpandedEvents())

	for _, t := range []*mongolink.Transport{collection, database, cluster} {
		if t != nil {
			_ = t.Close(ctx)
		}
	}
	fmt.Println("Watch levels configured")
}

// Example_withWorkerClaims hands each change to exactly one of several
// application instances.
//
// Every transport receives every change; the claim middleware lets one
// instance win the change and the others skip it. Claims of a crashed worker
// are released by the recovery runner.
func Example_withWorkerClaims() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, _ := mongo.Connect(options.Client().ApplyURI("mongodb://localhost:27017"))
	defer func() { _ = client.Disconnect(context.Background()) }()

	claimer := distributed.NewMongoStateManager(client.Database("myapp_internal")).
		WithCollection("_order_claims").
		WithCompletedTTL(24 * time.Hour)
	_ = claimer.EnsureIndexes(ctx)

	transport, _ := mongolink.New(client.Database("myapp"), mongolink.WithCollection("orders"))
	bus, _ := event.NewBus("orders", event.WithTransport(transport))
	defer bus.Close(context.Background())

	orderChanges := event.New[mongolink.ChangeEvent]("order.changes")
	_ = event.Register(ctx, bus, orderChanges)

	// The claim must outlive the slowest handler run.
	_ = orderChanges.Subscribe(ctx, func(ctx context.Context, ev event.Event[mongolink.ChangeEvent], change mongolink.ChangeEvent) error {
		fmt.Printf("Processing: %s %s\n", change.OperationType, change.DocumentKey)
		return nil
	}, event.WithMiddleware(
		distributed.WorkerPoolMiddleware[mongolink.ChangeEvent](claimer, 5*time.Minute),
	))

	recovery := distributed.NewRecoveryRunner(claimer,
		distributed.WithStaleTimeout(2*time.Minute),
		distributed.WithCheckInterval(30*time.Second),
	)
	go recovery.Run(ctx)

	fmt.Println("Worker claims configured")
}

// Example_withIdempotency skips changes that were already processed.
//
// The transport delivers at least once: after a crash the changes since the
// last saved resume token are delivered again.
func Example_withIdempotency() {
	ctx := context.Background()

	client, _ := mongo.Connect(options.Client().ApplyURI("mongodb://localhost:27017"))
	defer func() { _ = client.Disconnect(ctx) }()

	processed := idempotency.NewMemoryStore(7 * 24 * time.Hour)
	defer processed.Close()

	transport, _ := mongolink.New(client.Database("myapp"), mongolink.WithCollection("orders"))
	bus, _ := event.NewBus("orders", event.WithTransport(transport))
	defer bus.Close(ctx)

	orderChanges := event.New[mongolink.ChangeEvent]("order.changes")
	_ = event.Register(ctx, bus, orderChanges)

	_ = orderChanges.Subscribe(ctx, func(ctx context.Context, ev event.Event[mongolink.ChangeEvent], change mongolink.ChangeEvent) error {
		// change.ID is the resume token of the change, unique per change.
		dup, err := processed.IsDuplicate(ctx, change.ID)
		if err != nil {
			return fmt.Errorf("idempotency check: %w", err)
		}
		if dup {
			return nil
		}
		fmt.Printf("Processing: %s %s\n", change.OperationType, change.DocumentKey)
		return processed.MarkProcessed(ctx, change.ID)
	})

	fmt.Println("Deduplication configured")
}

// Example_changeStream reads a change stream directly, without a bus.
//
// The stream resumes on its own after network errors and primary elections.
func Example_changeStream() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	client, _ := mongo.Connect(options.Client().ApplyURI("mongodb://localhost:27017"))
	defer func() { _ = client.Disconnect(context.Background()) }()

	src, err := mongolink.NewCommandSource(client.Database("myapp"), "orders")
	if err != nil {
		fmt.Println("Source error:", err)
		return
	}
	defer src.EndSession(context.Background())

	stream, err := changestream.Open(ctx, src,
		changestream.WithFullDocument(changestream.FullDocumentUpdateLookup),
		changestream.WithMaxAwaitTime(time.Second),
	)
	if err != nil {
		fmt.Println("Open error:", err)
		return
	}
	defer stream.Close(context.Background())

	// Iteration ends after an invalidate event or the first error.
	for ev, err := range stream.All(ctx) {
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				break
			}
			fmt.Println("Stream error:", err)
			break
		}
		fmt.Println(ev.OperationType, ev.Namespace, "resume token:", stream.ResumeToken())
	}
}
