package mongolink

import (
	"errors"
	"fmt"
	"strings"

	eventerrors "github.com/rbaliyan/event/v3/errors"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// Sentinel errors for the change stream transport.
var (
	// ErrClientRequired is returned by NewClusterWatch when client is nil.
	// This wraps ErrInvalidArgument from the shared errors package.
	ErrClientRequired = fmt.Errorf("mongodb client is required: %w", eventerrors.ErrInvalidArgument)

	// ErrDatabaseRequired is returned by New when database is nil.
	// This wraps ErrInvalidArgument from the shared errors package.
	ErrDatabaseRequired = fmt.Errorf("mongodb database is required: %w", eventerrors.ErrInvalidArgument)

	// ErrCollectionNil is returned by the Mongo-backed stores when the collection is nil.
	// This wraps ErrInvalidArgument from the shared errors package.
	ErrCollectionNil = fmt.Errorf("mongodb collection is required: %w", eventerrors.ErrInvalidArgument)

	// ErrRedisClientNil is returned by NewRedisResumeTokenStore when the client is nil.
	// This wraps ErrInvalidArgument from the shared errors package.
	ErrRedisClientNil = fmt.Errorf("redis client is required: %w", eventerrors.ErrInvalidArgument)

	// ErrPublishNotSupported is returned by Publish on every call. The
	// transport is subscribe-only: events are produced by writing to the
	// database, not by calling Publish.
	ErrPublishNotSupported = errors.New("mongodb transport does not support Publish; changes are triggered by database writes")

	// ErrMaxUpdatedFieldsSizeRequiresFull is returned by New when
	// WithMaxUpdatedFieldsSize is used without WithFullDocument.
	// This wraps ErrInvalidArgument from the shared errors package.
	ErrMaxUpdatedFieldsSizeRequiresFull = fmt.Errorf("WithMaxUpdatedFieldsSize requires WithFullDocument: %w", eventerrors.ErrInvalidArgument)

	// ErrFullDocumentRequired is returned by New when WithFullDocumentOnly
	// is used without WithFullDocument.
	// This wraps ErrInvalidArgument from the shared errors package.
	ErrFullDocumentRequired = fmt.Errorf("WithFullDocumentOnly requires WithFullDocument: %w", eventerrors.ErrInvalidArgument)
)

// IsInvalidArgument checks if an error indicates an invalid argument.
// This is useful for checking if any of the argument validation errors occurred.
func IsInvalidArgument(err error) bool {
	return eventerrors.IsInvalidArgument(err)
}

// IsPublishNotSupported checks if an error indicates publish is not supported.
func IsPublishNotSupported(err error) bool {
	return errors.Is(err, ErrPublishNotSupported)
}

// IsChangeStreamHistoryLost checks if the error indicates the resume token
// is no longer valid because the oplog has rolled past that position.
func IsChangeStreamHistoryLost(err error) bool {
	if err == nil {
		return false
	}
	var se mongo.ServerError
	if errors.As(err, &se) && se.HasErrorCode(codeChangeStreamHistoryLost) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "ChangeStreamHistoryLost") ||
		strings.Contains(errStr, "resume point may no longer be in the oplog")
}
