package mongolink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rbaliyan/mongolink/changestream"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// Server error codes that matter for change stream resumption.
const (
	codeCursorNotFound          = 43
	codeCappedPositionLost      = 136
	codeChangeStreamFatalError  = 280
	codeChangeStreamHistoryLost = 286

	labelResumableChangeStreamError = "ResumableChangeStreamError"
)

// resumableCodes are the errors servers without the ResumableChangeStreamError
// label report for conditions a change stream survives by reopening.
var resumableCodes = []int{
	6,     // HostUnreachable
	7,     // HostNotFound
	63,    // StaleShardVersion
	89,    // NetworkTimeout
	91,    // ShutdownInProgress
	133,   // FailedToSatisfyReadPreference
	150,   // StaleEpoch
	189,   // PrimarySteppedDown
	234,   // RetryChangeStream
	262,   // ExceededTimeLimit
	9001,  // SocketException
	10107, // NotWritablePrimary
	11600, // InterruptedAtShutdown
	11602, // InterruptedDueToReplStateChange
	13388, // StaleConfig
	13435, // NotPrimaryNoSecondaryOk
	13436, // NotPrimaryOrSecondary
	codeCursorNotFound,
}

var nonResumableCodes = []int{
	codeCappedPositionLost,
	codeChangeStreamFatalError,
	codeChangeStreamHistoryLost,
}

// classifyError marks driver errors after which a change stream may resume.
// Context errors and everything else are returned unchanged.
func classifyError(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if mongo.IsNetworkError(err) {
		return changestream.Resumable(err)
	}
	var se mongo.ServerError
	if !errors.As(err, &se) {
		return err
	}
	for _, code := range nonResumableCodes {
		if se.HasErrorCode(code) {
			return err
		}
	}
	if se.HasErrorLabel(labelResumableChangeStreamError) {
		return changestream.Resumable(err)
	}
	for _, code := range resumableCodes {
		if se.HasErrorCode(code) {
			return changestream.Resumable(err)
		}
	}
	return err
}

// CommandSource runs change stream cursors with aggregate, getMore and
// killCursors commands. All commands share one explicit session.
type CommandSource struct {
	client     *mongo.Client
	db         *mongo.Database
	collection string
	level      WatchLevel

	mu      sync.Mutex
	session *mongo.Session
	cursors map[int64]cursorInfo
}

// cursorInfo is what getMore and killCursors need to address an open cursor.
type cursorInfo struct {
	ns           string
	batchSize    int32
	maxAwaitTime time.Duration
}

// NewCommandSource creates a cursor source watching db, or the collection of db
// when collection is set.
func NewCommandSource(db *mongo.Database, collection string) (*CommandSource, error) {
	if db == nil {
		return nil, ErrDatabaseRequired
	}
	level := WatchLevelDatabase
	if collection != "" {
		level = WatchLevelCollection
	}
	return &CommandSource{
		client:     db.Client(),
		db:         db,
		collection: collection,
		level:      level,
		cursors:    make(map[int64]cursorInfo),
	}, nil
}

// NewClusterCommandSource creates a cursor source watching every database of
// the deployment.
func NewClusterCommandSource(client *mongo.Client) (*CommandSource, error) {
	if client == nil {
		return nil, ErrClientRequired
	}
	return &CommandSource{
		client:  client,
		db:      client.Database("admin"),
		level:   WatchLevelCluster,
		cursors: make(map[int64]cursorInfo),
	}, nil
}

// cursorReply is the cursor sub-document of aggregate and getMore replies.
type cursorReply struct {
	Cursor struct {
		ID                   int64      `bson:"id"`
		NS                   string     `bson:"ns"`
		FirstBatch           []bson.Raw `bson:"firstBatch"`
		NextBatch            []bson.Raw `bson:"nextBatch"`
		PostBatchResumeToken bson.Raw   `bson:"postBatchResumeToken,omitempty"`
	} `bson:"cursor"`
}

// Open runs the $changeStream aggregation.
func (s *CommandSource) Open(ctx context.Context, opts changestream.OpenOptions) (*changestream.CursorSpec, error) {
	sctx, err := s.sessionContext(ctx)
	if err != nil {
		return nil, err
	}

	var aggregate any = int32(1)
	if s.level == WatchLevelCollection {
		aggregate = s.collection
	}
	pipeline := append(bson.A{bson.D{{Key: "$changeStream", Value: s.stage(opts)}}}, toArray(opts.Pipeline)...)
	cursor := bson.D{}
	if opts.BatchSize > 0 {
		cursor = append(cursor, bson.E{Key: "batchSize", Value: opts.BatchSize})
	}
	cmd := bson.D{
		{Key: "aggregate", Value: aggregate},
		{Key: "pipeline", Value: pipeline},
		{Key: "cursor", Value: cursor},
	}

	var reply cursorReply
	if err := s.db.RunCommand(sctx, cmd).Decode(&reply); err != nil {
		return nil, classifyError(err)
	}
	if reply.Cursor.ID != 0 {
		s.mu.Lock()
		s.cursors[reply.Cursor.ID] = cursorInfo{
			ns:           reply.Cursor.NS,
			batchSize:    opts.BatchSize,
			maxAwaitTime: opts.MaxAwaitTime,
		}
		s.mu.Unlock()
	}
	return &changestream.CursorSpec{
		ID: reply.Cursor.ID,
		Batch: changestream.Batch{
			CursorID:             reply.Cursor.ID,
			Events:               reply.Cursor.FirstBatch,
			PostBatchResumeToken: changestream.NewResumeToken(reply.Cursor.PostBatchResumeToken),
		},
	}, nil
}

// GetMore fetches the next batch, waiting up to the stream's MaxAwaitTime on
// the server.
func (s *CommandSource) GetMore(ctx context.Context, cursorID int64) (*changestream.Batch, error) {
	sctx, err := s.sessionContext(ctx)
	if err != nil {
		return nil, err
	}
	info := s.cursor(cursorID)
	db, coll := s.namespace(info)

	cmd := bson.D{
		{Key: "getMore", Value: cursorID},
		{Key: "collection", Value: coll},
	}
	if info.batchSize > 0 {
		cmd = append(cmd, bson.E{Key: "batchSize", Value: info.batchSize})
	}
	if info.maxAwaitTime > 0 {
		cmd = append(cmd, bson.E{Key: "maxTimeMS", Value: info.maxAwaitTime.Milliseconds()})
	}

	var reply cursorReply
	if err := db.RunCommand(sctx, cmd).Decode(&reply); err != nil {
		return nil, classifyError(err)
	}
	if reply.Cursor.ID == 0 {
		s.forget(cursorID)
	}
	return &changestream.Batch{
		CursorID:             reply.Cursor.ID,
		Events:               reply.Cursor.NextBatch,
		PostBatchResumeToken: changestream.NewResumeToken(reply.Cursor.PostBatchResumeToken),
	}, nil
}

// Close kills the cursor.
func (s *CommandSource) Close(ctx context.Context, cursorID int64) error {
	if cursorID == 0 {
		return nil
	}
	sctx, err := s.sessionContext(ctx)
	if err != nil {
		return err
	}
	db, coll := s.namespace(s.cursor(cursorID))
	s.forget(cursorID)

	cmd := bson.D{
		{Key: "killCursors", Value: coll},
		{Key: "cursors", Value: bson.A{cursorID}},
	}
	return db.RunCommand(sctx, cmd).Err()
}

// EndSession ends the session shared by the source's commands. The source may
// be used again afterwards; a new session is started on demand.
func (s *CommandSource) EndSession(ctx context.Context) {
	s.mu.Lock()
	sess := s.session
	s.session = nil
	s.mu.Unlock()
	if sess != nil {
		sess.EndSession(ctx)
	}
}

// stage builds the $changeStream stage document.
func (s *CommandSource) stage(opts changestream.OpenOptions) bson.D {
	stage := bson.D{}
	if opts.FullDocument != "" {
		stage = append(stage, bson.E{Key: "fullDocument", Value: string(opts.FullDocument)})
	}
	if opts.FullDocumentBeforeChange != "" {
		stage = append(stage, bson.E{Key: "fullDocumentBeforeChange", Value: string(opts.FullDocumentBeforeChange)})
	}
	if opts.ResumeAfter != nil {
		stage = append(stage, bson.E{Key: "resumeAfter", Value: opts.ResumeAfter.Raw()})
	}
	if opts.StartAfter != nil {
		stage = append(stage, bson.E{Key: "startAfter", Value: opts.StartAfter.Raw()})
	}
	if opts.StartAtOperationTime != nil {
		stage = append(stage, bson.E{Key: "startAtOperationTime", Value: *opts.StartAtOperationTime})
	}
	if s.level == WatchLevelCluster {
		stage = append(stage, bson.E{Key: "allChangesForCluster", Value: true})
	}
	if opts.ShowExpandedEvents {
		stage = append(stage, bson.E{Key: "showExpandedEvents", Value: true})
	}
	return stage
}

func (s *CommandSource) sessionContext(ctx context.Context) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		sess, err := s.client.StartSession()
		if err != nil {
			return nil, fmt.Errorf("start session: %w", err)
		}
		s.session = sess
	}
	return mongo.NewSessionContext(ctx, s.session), nil
}

func (s *CommandSource) cursor(cursorID int64) cursorInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[cursorID]
}

// namespace resolves the database and collection a cursor lives on. The server
// reports "db.$cmd.aggregate" for database and cluster streams.
func (s *CommandSource) namespace(info cursorInfo) (*mongo.Database, string) {
	if db, coll, found := strings.Cut(info.ns, "."); found {
		return s.client.Database(db), coll
	}
	if s.level == WatchLevelCollection {
		return s.db, s.collection
	}
	return s.db, "$cmd.aggregate"
}

func (s *CommandSource) forget(cursorID int64) {
	s.mu.Lock()
	delete(s.cursors, cursorID)
	s.mu.Unlock()
}

func toArray(stages []bson.D) bson.A {
	a := make(bson.A, 0, len(stages))
	for _, st := range stages {
		a = append(a, st)
	}
	return a
}

var _ changestream.CursorSource = (*CommandSource)(nil)
