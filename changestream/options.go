package changestream

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/event/v3/transport"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// FullDocumentOption specifies how to return full documents in change events.
//
// For insert and replace operations, the full document is always included.
// This option controls behavior for update and delete operations.
type FullDocumentOption string

const (
	// FullDocumentDefault returns the full document only for insert and replace.
	FullDocumentDefault FullDocumentOption = "default"

	// FullDocumentUpdateLookup looks up the current document for update events.
	// The document returned is the current state, which may already include
	// later updates.
	FullDocumentUpdateLookup FullDocumentOption = "updateLookup"

	// FullDocumentWhenAvailable returns the post-image if the collection records one.
	FullDocumentWhenAvailable FullDocumentOption = "whenAvailable"

	// FullDocumentRequired returns the post-image or fails the stream.
	FullDocumentRequired FullDocumentOption = "required"

	// FullDocumentOff disables pre-images. Only meaningful for
	// WithFullDocumentBeforeChange.
	FullDocumentOff FullDocumentOption = "off"
)

// OpenOptions is what a CursorSource needs to open or reopen a change stream cursor.
type OpenOptions struct {
	ResumeAfter              *ResumeToken
	StartAfter               *ResumeToken
	StartAtOperationTime     *bson.Timestamp
	BatchSize                int32
	MaxAwaitTime             time.Duration
	FullDocument             FullDocumentOption
	FullDocumentBeforeChange FullDocumentOption
	// Pipeline stages appended after $changeStream.
	Pipeline           []bson.D
	ShowExpandedEvents bool
}

// Option configures a Stream.
type Option func(*streamOptions)

type streamOptions struct {
	open   OpenOptions
	logger *slog.Logger
}

func defaultOptions() *streamOptions {
	return &streamOptions{
		logger: transport.Logger("mongodb>changestream"),
	}
}

func (o *streamOptions) validate() error {
	if o.open.ResumeAfter != nil && o.open.StartAfter != nil {
		return ErrConflictingResumeOptions
	}
	return nil
}

// WithResumeAfter resumes notifications after the event identified by token.
// It cannot be used to resume past an invalidate event; use WithStartAfter for that.
func WithResumeAfter(token *ResumeToken) Option {
	return func(o *streamOptions) {
		o.open.ResumeAfter = token
	}
}

// WithStartAfter starts notifications after the event identified by token,
// including after an invalidate event.
func WithStartAfter(token *ResumeToken) Option {
	return func(o *streamOptions) {
		o.open.StartAfter = token
	}
}

// WithStartAtOperationTime starts notifications at the given cluster time.
func WithStartAtOperationTime(ts bson.Timestamp) Option {
	return func(o *streamOptions) {
		o.open.StartAtOperationTime = &ts
	}
}

// WithBatchSize sets the cursor batch size.
func WithBatchSize(n int32) Option {
	return func(o *streamOptions) {
		if n > 0 {
			o.open.BatchSize = n
		}
	}
}

// WithMaxAwaitTime bounds how long the server waits for new events on each getMore.
func WithMaxAwaitTime(d time.Duration) Option {
	return func(o *streamOptions) {
		if d > 0 {
			o.open.MaxAwaitTime = d
		}
	}
}

// WithFullDocument sets the post-image policy.
func WithFullDocument(opt FullDocumentOption) Option {
	return func(o *streamOptions) {
		o.open.FullDocument = opt
	}
}

// WithFullDocumentBeforeChange sets the pre-image policy.
func WithFullDocumentBeforeChange(opt FullDocumentOption) Option {
	return func(o *streamOptions) {
		o.open.FullDocumentBeforeChange = opt
	}
}

// WithPipeline appends aggregation stages after $changeStream.
func WithPipeline(stages ...bson.D) Option {
	return func(o *streamOptions) {
		o.open.Pipeline = append(o.open.Pipeline, stages...)
	}
}

// WithShowExpandedEvents asks the server for DDL and other expanded events.
func WithShowExpandedEvents() Option {
	return func(o *streamOptions) {
		o.open.ShowExpandedEvents = true
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *streamOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}
