package changestream

import (
	"errors"
	"fmt"

	eventerrors "github.com/rbaliyan/event/v3/errors"
)

// Sentinel errors for change streams.
var (
	// ErrStreamClosed is returned by Next after Close, or after an Invalidate
	// event has been delivered.
	ErrStreamClosed = errors.New("change stream is closed")

	// ErrMissingResumeToken is returned when the server sends an event without an
	// _id, typically because a pipeline stage projected it away. The stream cannot
	// be resumed past such an event.
	ErrMissingResumeToken = errors.New("change stream event is missing its resume token (_id)")

	// ErrConflictingResumeOptions is returned by Open when both WithResumeAfter and
	// WithStartAfter are given.
	// This wraps ErrInvalidArgument from the shared errors package.
	ErrConflictingResumeOptions = fmt.Errorf("resumeAfter and startAfter are mutually exclusive: %w", eventerrors.ErrInvalidArgument)

	// ErrSourceRequired is returned by Open when the cursor source is nil.
	// This wraps ErrInvalidArgument from the shared errors package.
	ErrSourceRequired = fmt.Errorf("cursor source is required: %w", eventerrors.ErrInvalidArgument)

	// errCursorExhausted is the resumable cause used when the server closed the
	// cursor without invalidating the stream.
	errCursorExhausted = errors.New("server closed the change stream cursor")
)

// ResumableError marks a cursor failure after which the stream may be resumed.
// CursorSource implementations return it (see Resumable) for network errors and
// the server error codes that allow a resume.
type ResumableError struct {
	Err error
}

func (e *ResumableError) Error() string {
	return "resumable change stream error: " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *ResumableError) Unwrap() error { return e.Err }

// Resumable wraps err as a *ResumableError. A nil err stays nil.
func Resumable(err error) error {
	if err == nil {
		return nil
	}
	return &ResumableError{Err: err}
}

// IsResumable reports whether err allows the stream to resume.
func IsResumable(err error) bool {
	var re *ResumableError
	return errors.As(err, &re)
}

// NonResumableError is the terminal failure of a stream: the resume attempt
// itself failed, the server reported a non-resumable condition such as lost
// history, or an event could not be decoded.
type NonResumableError struct {
	Err error
	// Cause is the resumable error that triggered the failed resume, if any.
	Cause error
}

func (e *NonResumableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("change stream failed: %v (resuming after: %v)", e.Err, e.Cause)
	}
	return "change stream failed: " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *NonResumableError) Unwrap() error { return e.Err }

// IsInvalidArgument checks if an error indicates an invalid argument.
func IsInvalidArgument(err error) bool {
	return eventerrors.IsInvalidArgument(err)
}
