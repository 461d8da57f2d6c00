package mongolink

import (
	event "github.com/rbaliyan/event/v3"
)

// CoalesceByDocumentKey returns a subscribe option that coalesces change
// events by their document _id, read from the MetadataDocumentKey metadata.
//
// When several changes arrive for the same document while the handler is
// busy, only the latest is delivered and the superseded messages are
// acknowledged. Suited to cache invalidation and other subscribers that only
// need the current document state.
//
// Example:
//
//	orderEvent.Subscribe(ctx, handler,
//	    mongolink.CoalesceByDocumentKey[Order](),
//	)
func CoalesceByDocumentKey[T any]() event.SubscribeOption[T] {
	return event.WithCoalesceByMetadata[T](MetadataDocumentKey)
}
