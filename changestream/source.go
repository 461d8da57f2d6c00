package changestream

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// CursorSource opens and drives server-side change stream cursors.
//
// Errors that allow the stream to resume must be returned as *ResumableError
// (see Resumable); anything else is terminal for the stream.
type CursorSource interface {
	// Open runs the aggregation and returns the new cursor with its first batch.
	Open(ctx context.Context, opts OpenOptions) (*CursorSpec, error)
	// GetMore fetches the next batch of the cursor.
	GetMore(ctx context.Context, cursorID int64) (*Batch, error)
	// Close kills the cursor on the server.
	Close(ctx context.Context, cursorID int64) error
}

// CursorSpec describes a freshly opened cursor.
type CursorSpec struct {
	ID    int64
	Batch Batch
}

// Batch is one server reply of raw events.
type Batch struct {
	// CursorID is the cursor id echoed by the server; zero means the server closed
	// the cursor.
	CursorID int64
	Events   []bson.Raw
	// PostBatchResumeToken is the position after the last event of the batch,
	// present on servers that report it even when the batch is empty.
	PostBatchResumeToken *ResumeToken
}

// InitialResumeToken computes the token a stream holds right after its cursor was
// opened with opts: the post-batch token when the first batch is empty, otherwise
// the requested start position, StartAfter taking precedence over ResumeAfter.
func InitialResumeToken(opts OpenOptions, spec *CursorSpec) *ResumeToken {
	if spec != nil && len(spec.Batch.Events) == 0 && spec.Batch.PostBatchResumeToken != nil {
		return spec.Batch.PostBatchResumeToken
	}
	if opts.StartAfter != nil {
		return opts.StartAfter
	}
	return opts.ResumeAfter
}
