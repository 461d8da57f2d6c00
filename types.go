package mongolink

import (
	"encoding/json"
	"time"

	"github.com/rbaliyan/event/v3/transport"
	"github.com/rbaliyan/mongolink/changestream"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// WatchLevel indicates what level of MongoDB hierarchy to watch.
type WatchLevel int

const (
	// WatchLevelCollection watches a single collection.
	WatchLevelCollection WatchLevel = iota
	// WatchLevelDatabase watches all collections in a database.
	WatchLevelDatabase
	// WatchLevelCluster watches all databases in a cluster.
	WatchLevelCluster
)

func (l WatchLevel) String() string {
	switch l {
	case WatchLevelCollection:
		return "collection"
	case WatchLevelDatabase:
		return "database"
	case WatchLevelCluster:
		return "cluster"
	default:
		return "unknown"
	}
}

// OperationType represents the type of change operation.
type OperationType = changestream.OperationType

const (
	OperationInsert       = changestream.OperationInsert
	OperationUpdate       = changestream.OperationUpdate
	OperationReplace      = changestream.OperationReplace
	OperationDelete       = changestream.OperationDelete
	OperationDrop         = changestream.OperationDrop
	OperationRename       = changestream.OperationRename
	OperationDropDatabase = changestream.OperationDropDatabase
	OperationInvalidate   = changestream.OperationInvalidate
)

// FullDocumentOption specifies how to return full documents in change events.
//
// For insert and replace operations, the full document is always included.
// This option controls behavior for update and delete operations.
type FullDocumentOption = changestream.FullDocumentOption

const (
	// FullDocumentDefault returns the full document only for insert and replace.
	// Update events only include the changed fields in UpdateDescription.
	// Delete events don't include the document.
	FullDocumentDefault = changestream.FullDocumentDefault

	// FullDocumentUpdateLookup performs a lookup to return the current document
	// for update events. Note: the document returned is the current state,
	// which may have been modified by subsequent updates.
	FullDocumentUpdateLookup = changestream.FullDocumentUpdateLookup

	// FullDocumentWhenAvailable returns the post-image if available.
	// Requires MongoDB 6.0+ with document pre/post images enabled on the collection.
	FullDocumentWhenAvailable = changestream.FullDocumentWhenAvailable

	// FullDocumentRequired returns the post-image or fails if not available.
	// Requires MongoDB 6.0+ with document pre/post images enabled on the collection.
	FullDocumentRequired = changestream.FullDocumentRequired

	// FullDocumentOff disables pre-images. Only meaningful for
	// WithFullDocumentBeforeChange.
	FullDocumentOff = changestream.FullDocumentOff
)

// ChangeEvent represents a MongoDB change stream event.
// This struct is JSON-serializable for compatibility with the event system's default codec.
type ChangeEvent struct {
	ID                       string             `json:"id"`
	OperationType            OperationType      `json:"operation_type"`
	Database                 string             `json:"database"`
	Collection               string             `json:"collection"`
	DocumentKey              string             `json:"document_key"`            // String representation of _id (hex for ObjectID, string for others)
	FullDocument             json.RawMessage    `json:"full_document,omitempty"` // Raw JSON of the full document
	FullDocumentBeforeChange json.RawMessage    `json:"full_document_before_change,omitempty"`
	UpdateDesc               *UpdateDescription `json:"update_description,omitempty"`
	To                       string             `json:"to,omitempty"` // Target namespace of a rename
	Timestamp                time.Time          `json:"timestamp"`
	Namespace                string             `json:"namespace"` // "database.collection" format
}

// UpdateDescription contains details about an update operation
type UpdateDescription struct {
	UpdatedFields   map[string]any `json:"updated_fields,omitempty"`
	RemovedFields   []string       `json:"removed_fields,omitempty"`
	TruncatedArrays []string       `json:"truncated_arrays,omitempty"`
}

// newChangeEvent flattens a decoded change stream event into the JSON payload
// delivered to subscribers. database and collection fill in the namespace for
// events that carry none.
func newChangeEvent(ev *changestream.Event, database, collection string) ChangeEvent {
	change := ChangeEvent{
		OperationType: ev.OperationType,
		Timestamp:     time.Now(),
	}

	if ev.Namespace != nil {
		change.Database = ev.Namespace.DB
		change.Collection = ev.Namespace.Coll
	}
	if change.Database == "" {
		change.Database = database
	}
	if change.Collection == "" && ev.Namespace == nil {
		change.Collection = collection
	}
	change.Namespace = changestream.Namespace{DB: change.Database, Coll: change.Collection}.String()
	if ev.To != nil {
		change.To = ev.To.String()
	}

	change.ID = tokenData(ev.ID)
	if change.ID == "" {
		change.ID = transport.NewID()
	}

	change.DocumentKey = documentKeyString(ev.DocumentKey)

	if ev.FullDocument != nil {
		if data, err := bsonToJSON(ev.FullDocument); err == nil {
			change.FullDocument = data
		}
	}
	if ev.FullDocumentBeforeChange != nil {
		if data, err := bsonToJSON(ev.FullDocumentBeforeChange); err == nil {
			change.FullDocumentBeforeChange = data
		}
	}

	if ud := ev.UpdateDescription; ud != nil {
		change.UpdateDesc = &UpdateDescription{RemovedFields: ud.RemovedFields}
		if ud.UpdatedFields != nil {
			var updated bson.M
			if err := bson.Unmarshal(ud.UpdatedFields, &updated); err == nil {
				change.UpdateDesc.UpdatedFields = bsonMToMap(updated)
			}
		}
		for _, ta := range ud.TruncatedArrays {
			change.UpdateDesc.TruncatedArrays = append(change.UpdateDesc.TruncatedArrays, ta.Field)
		}
	}

	switch {
	case ev.ClusterTime != nil:
		change.Timestamp = time.Unix(int64(ev.ClusterTime.T), 0)
	case ev.WallTime != nil:
		change.Timestamp = *ev.WallTime
	}

	return change
}

// isEmptyUpdate reports whether an update event changed nothing visible, as
// happens for updates that rewrite a field with its current value.
func isEmptyUpdate(change ChangeEvent) bool {
	if change.OperationType != OperationUpdate {
		return false
	}
	if change.UpdateDesc == nil {
		return true
	}
	return len(change.UpdateDesc.UpdatedFields) == 0 && len(change.UpdateDesc.RemovedFields) == 0
}

// tokenData returns the _data string of a resume token, which is unique per event.
func tokenData(token *changestream.ResumeToken) string {
	if token == nil {
		return ""
	}
	data, ok := token.Raw().Lookup("_data").StringValueOK()
	if !ok {
		return ""
	}
	return data
}
