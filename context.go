package mongolink

import (
	"context"
	"encoding/json"
	"time"

	event "github.com/rbaliyan/event/v3"
)

// Metadata keys for event context.
const (
	MetadataContentType   = "Content-Type"
	MetadataOperation     = "operation"
	MetadataDatabase      = "database"
	MetadataCollection    = "collection"
	MetadataNamespace     = "namespace"
	MetadataDocumentKey   = "document_key"
	MetadataClusterTime   = "cluster_time"
	MetadataUpdatedFields = "updated_fields"
	MetadataRemovedFields = "removed_fields"
)

// ChangeMetadata is the change stream metadata attached to every delivered message.
type ChangeMetadata struct {
	Operation   OperationType
	Database    string
	Collection  string
	Namespace   string
	DocumentKey string
	ClusterTime time.Time // Zero if the event carried no cluster time
}

// ContextChangeMetadata extracts the change metadata from event context.
// Returns nil outside of a handler for this transport.
func ContextChangeMetadata(ctx context.Context) *ChangeMetadata {
	md := event.ContextMetadata(ctx)
	op, ok := md[MetadataOperation]
	if !ok {
		return nil
	}
	cm := &ChangeMetadata{
		Operation:   OperationType(op),
		Database:    md[MetadataDatabase],
		Collection:  md[MetadataCollection],
		Namespace:   md[MetadataNamespace],
		DocumentKey: md[MetadataDocumentKey],
	}
	if ts, ok := md[MetadataClusterTime]; ok {
		cm.ClusterTime, _ = time.Parse(time.RFC3339Nano, ts)
	}
	return cm
}

// ContextUpdateDescription extracts UpdateDescription from event context metadata.
// Returns nil if metadata doesn't contain update description fields.
// Requires WithUpdateDescription() to be set on the transport.
func ContextUpdateDescription(ctx context.Context) *UpdateDescription {
	md := event.ContextMetadata(ctx)
	if md == nil {
		return nil
	}
	updated, hasUpdated := md[MetadataUpdatedFields]
	removed, hasRemoved := md[MetadataRemovedFields]
	if !hasUpdated && !hasRemoved {
		return nil
	}
	desc := &UpdateDescription{}
	if hasUpdated && updated != "" {
		json.Unmarshal([]byte(updated), &desc.UpdatedFields) //nolint:errcheck
	}
	if hasRemoved && removed != "" {
		json.Unmarshal([]byte(removed), &desc.RemovedFields) //nolint:errcheck
	}
	return desc
}
