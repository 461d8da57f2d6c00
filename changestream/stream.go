package changestream

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// State is the lifecycle state of a Stream.
type State int

const (
	StateInitializing State = iota
	StateActive
	StateResuming
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateResuming:
		return "resuming"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Stream is a resumable sequence of change events.
//
// A Stream has a single consumer: Next, TryNext and All must not be called
// concurrently. Close and the accessors are safe to call from any goroutine.
type Stream struct {
	src    CursorSource
	opts   OpenOptions
	logger *slog.Logger

	// Owned by the consumer.
	buf           []bson.Raw
	pbrt          *ResumeToken
	lastDelivered *ResumeToken

	mu       sync.Mutex
	state    State
	token    *ResumeToken
	cursorID int64
	err      error
	released bool
	resumes  int
}

// Open opens a change stream through src.
//
// WithResumeAfter and WithStartAfter are mutually exclusive. A failure to open
// the initial cursor is returned as is; resumption only applies to an
// established stream.
func Open(ctx context.Context, src CursorSource, opts ...Option) (*Stream, error) {
	if src == nil {
		return nil, ErrSourceRequired
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}

	s := &Stream{
		src:    src,
		opts:   o.open,
		logger: o.logger,
		state:  StateInitializing,
	}

	spec, err := src.Open(ctx, o.open)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cursorID = spec.ID
	s.token = InitialResumeToken(o.open, spec)
	s.state = StateActive
	s.mu.Unlock()
	s.buf = spec.Batch.Events
	s.pbrt = spec.Batch.PostBatchResumeToken

	s.logger.Debug("change stream opened", "cursor_id", spec.ID, "resume_token", s.token)
	return s, nil
}

// Next blocks until the next event is available, ctx is done, or the stream
// reaches a terminal state. After Close or a delivered Invalidate event it
// returns ErrStreamClosed; after a failed resume it returns the
// *NonResumableError, as does every later call.
func (s *Stream) Next(ctx context.Context) (*Event, error) {
	for {
		ev, err := s.pull(ctx)
		if ev != nil || err != nil {
			return ev, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// TryNext returns the next event if one is buffered or arrives with at most one
// getMore. It returns (nil, nil) when no event is available yet.
func (s *Stream) TryNext(ctx context.Context) (*Event, error) {
	return s.pull(ctx)
}

// All returns an iterator over the stream. Iteration ends when the stream closes
// or after yielding the first error.
func (s *Stream) All(ctx context.Context) iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		for {
			ev, err := s.Next(ctx)
			if errors.Is(err, ErrStreamClosed) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// ResumeToken returns the token to resume after the last delivered event, or
// nil if none is known yet.
func (s *Stream) ResumeToken() *ResumeToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// State returns the current state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the terminal error of an errored stream.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Resumes returns how many times the stream has been resumed.
func (s *Stream) Resumes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumes
}

// Close releases the server cursor. It is safe to call concurrently with Next
// and more than once.
func (s *Stream) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.released = true
	if s.state != StateErrored {
		s.state = StateClosed
	}
	id := s.cursorID
	s.cursorID = 0
	s.mu.Unlock()

	if id == 0 {
		return nil
	}
	return s.src.Close(ctx, id)
}

// pull delivers a buffered event, or runs one getMore and delivers from its
// batch. It returns (nil, nil) when nothing arrived.
func (s *Stream) pull(ctx context.Context) (*Event, error) {
	if err := s.terminalErr(); err != nil {
		return nil, err
	}
	for len(s.buf) > 0 {
		ev, err := s.deliver(ctx)
		if ev != nil || err != nil {
			return ev, err
		}
	}

	if err := s.advance(ctx); err != nil {
		return nil, err
	}
	for len(s.buf) > 0 {
		ev, err := s.deliver(ctx)
		if ev != nil || err != nil {
			return ev, err
		}
	}
	return nil, nil
}

func (s *Stream) terminalErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state == StateErrored:
		return s.err
	case s.state == StateClosed || s.released:
		return ErrStreamClosed
	}
	return nil
}

// deliver decodes the head of the buffer. Duplicates of the last delivered event
// are dropped and reported as (nil, nil).
func (s *Stream) deliver(ctx context.Context) (*Event, error) {
	raw := s.buf[0]
	s.buf = s.buf[1:]

	ev, err := DecodeEvent(raw)
	if err != nil {
		return nil, s.fail(ctx, err, nil)
	}
	if ev.ID == nil {
		return nil, s.fail(ctx, ErrMissingResumeToken, nil)
	}

	token := ev.ID
	if len(s.buf) == 0 && s.pbrt != nil {
		token = s.pbrt
	}

	if ev.ID.Equal(s.lastDelivered) {
		s.setToken(token)
		s.logger.Debug("skipping already delivered change event", "resume_token", ev.ID)
		return nil, nil
	}
	s.lastDelivered = ev.ID
	s.setToken(token)

	if ev.OperationType == OperationInvalidate {
		s.logger.Info("change stream invalidated", "namespace", ev.Namespace)
		if err := s.Close(ctx); err != nil {
			s.logger.Debug("failed to kill cursor after invalidate", "error", err)
		}
	}
	return ev, nil
}

// advance fetches the next batch, resuming once on a resumable failure.
func (s *Stream) advance(ctx context.Context) error {
	s.mu.Lock()
	id, state := s.cursorID, s.state
	s.mu.Unlock()

	if id == 0 {
		cause := error(&ResumableError{Err: errCursorExhausted})
		if state == StateResuming {
			cause = nil
		}
		return s.resume(ctx, cause)
	}

	b, err := s.src.GetMore(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if IsResumable(err) {
			return s.resume(ctx, err)
		}
		return s.fail(ctx, err, nil)
	}

	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	s.cursorID = b.CursorID
	s.mu.Unlock()

	s.buf = b.Events
	s.pbrt = b.PostBatchResumeToken
	if len(b.Events) == 0 && b.PostBatchResumeToken != nil {
		s.setToken(b.PostBatchResumeToken)
	}
	return nil
}

// resume reopens the cursor from the current token. A nil cause continues a
// resume that was interrupted by ctx.
func (s *Stream) resume(ctx context.Context, cause error) error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	s.state = StateResuming
	old := s.cursorID
	s.cursorID = 0
	opts := s.resumeOptionsLocked()
	s.mu.Unlock()

	if cause != nil {
		s.logger.Info("resuming change stream", "error", cause, "resume_token", s.ResumeToken())
	}
	if old != 0 {
		if err := s.src.Close(ctx, old); err != nil {
			s.logger.Debug("failed to kill cursor before resume", "cursor_id", old, "error", err)
		}
	}

	spec, err := s.src.Open(ctx, opts)
	if err != nil {
		if ctx.Err() != nil {
			// Left in StateResuming; the next pull retries the resume.
			return ctx.Err()
		}
		return s.fail(ctx, err, cause)
	}

	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		if err := s.src.Close(ctx, spec.ID); err != nil {
			s.logger.Debug("failed to kill cursor opened during close", "cursor_id", spec.ID, "error", err)
		}
		return ErrStreamClosed
	}
	s.cursorID = spec.ID
	s.state = StateActive
	s.resumes++
	if token := InitialResumeToken(opts, spec); token != nil {
		s.token = token
	}
	s.mu.Unlock()

	s.buf = spec.Batch.Events
	s.pbrt = spec.Batch.PostBatchResumeToken
	return nil
}

// resumeOptionsLocked keeps every original option except the start position,
// which becomes the current token once one is known. A stream opened with
// StartAfter keeps resuming with startAfter until it has delivered an event,
// since the server rejects resumeAfter with an invalidate token.
func (s *Stream) resumeOptionsLocked() OpenOptions {
	opts := s.opts
	if s.token == nil {
		return opts
	}
	opts.StartAtOperationTime = nil
	if s.opts.StartAfter != nil && s.lastDelivered == nil {
		opts.StartAfter = s.token
		opts.ResumeAfter = nil
		return opts
	}
	opts.ResumeAfter = s.token
	opts.StartAfter = nil
	return opts
}

// fail moves the stream to StateErrored and releases the cursor.
func (s *Stream) fail(ctx context.Context, err, cause error) error {
	if re, ok := err.(*ResumableError); ok {
		err = re.Err
	}
	nre := &NonResumableError{Err: err, Cause: cause}
	var already *NonResumableError
	if errors.As(err, &already) {
		nre = already
	}

	s.mu.Lock()
	s.state = StateErrored
	s.err = nre
	id := s.cursorID
	s.cursorID = 0
	s.mu.Unlock()

	s.buf = nil
	s.logger.Error("change stream failed", "error", nre)
	if id != 0 {
		if closeErr := s.src.Close(ctx, id); closeErr != nil {
			s.logger.Debug("failed to kill cursor", "cursor_id", id, "error", closeErr)
		}
	}
	return nre
}

func (s *Stream) setToken(t *ResumeToken) {
	s.mu.Lock()
	s.token = t
	s.mu.Unlock()
}
