package changestream

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// OperationType is the kind of change an event describes.
type OperationType string

const (
	OperationInsert       OperationType = "insert"
	OperationUpdate       OperationType = "update"
	OperationReplace      OperationType = "replace"
	OperationDelete       OperationType = "delete"
	OperationDrop         OperationType = "drop"
	OperationRename       OperationType = "rename"
	OperationDropDatabase OperationType = "dropDatabase"
	OperationInvalidate   OperationType = "invalidate"
)

// Known reports whether t is one of the operation types above. Newer servers emit
// additional types (for example with showExpandedEvents); those decode verbatim.
func (t OperationType) Known() bool {
	switch t {
	case OperationInsert, OperationUpdate, OperationReplace, OperationDelete,
		OperationDrop, OperationRename, OperationDropDatabase, OperationInvalidate:
		return true
	}
	return false
}

// Namespace identifies a database, or a collection when Coll is set.
type Namespace struct {
	DB   string `bson:"db" json:"db"`
	Coll string `bson:"coll,omitempty" json:"coll,omitempty"`
}

func (n Namespace) String() string {
	if n.Coll == "" {
		return n.DB
	}
	return n.DB + "." + n.Coll
}

// TruncatedArray records an array field that was shortened by an update.
type TruncatedArray struct {
	Field   string `bson:"field"`
	NewSize int32  `bson:"newSize"`
}

// UpdateDescription describes the fields touched by an update event.
type UpdateDescription struct {
	UpdatedFields   bson.Raw         `bson:"updatedFields"`
	RemovedFields   []string         `bson:"removedFields"`
	TruncatedArrays []TruncatedArray `bson:"truncatedArrays,omitempty"`
}

// Event is a decoded change event.
type Event struct {
	// ID is the resume token valid after this event.
	ID                *ResumeToken
	OperationType     OperationType
	Namespace         *Namespace
	To                *Namespace // rename target
	DocumentKey       bson.Raw
	UpdateDescription *UpdateDescription
	ClusterTime       *bson.Timestamp
	FullDocument      bson.Raw
	// FullDocumentBeforeChange is the pre-image, when the collection records them.
	FullDocumentBeforeChange bson.Raw
	WallTime                 *time.Time
}

// wireEvent is the server representation of a change event. Document fields are
// pointers so that explicit nulls (fullDocument on a delete with updateLookup)
// decode as absent.
type wireEvent struct {
	ID                       *bson.RawValue     `bson:"_id,omitempty"`
	OperationType            string             `bson:"operationType"`
	NS                       *Namespace         `bson:"ns,omitempty"`
	To                       *Namespace         `bson:"to,omitempty"`
	DocumentKey              *bson.RawValue     `bson:"documentKey,omitempty"`
	UpdateDescription        *UpdateDescription `bson:"updateDescription,omitempty"`
	ClusterTime              *bson.Timestamp    `bson:"clusterTime,omitempty"`
	FullDocument             *bson.RawValue     `bson:"fullDocument,omitempty"`
	FullDocumentBeforeChange *bson.RawValue     `bson:"fullDocumentBeforeChange,omitempty"`
	WallTime                 *time.Time         `bson:"wallTime,omitempty"`
}

// DecodeEvent decodes a raw change event. Unknown fields are ignored.
func DecodeEvent(raw bson.Raw) (*Event, error) {
	var w wireEvent
	if err := bson.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode change event: %w", err)
	}
	ev := &Event{
		ID:                       NewResumeToken(document(w.ID)),
		OperationType:            OperationType(w.OperationType),
		Namespace:                w.NS,
		To:                       w.To,
		DocumentKey:              document(w.DocumentKey),
		UpdateDescription:        w.UpdateDescription,
		ClusterTime:              w.ClusterTime,
		FullDocument:             document(w.FullDocument),
		FullDocumentBeforeChange: document(w.FullDocumentBeforeChange),
		WallTime:                 w.WallTime,
	}
	if ev.WallTime != nil {
		t := ev.WallTime.UTC()
		ev.WallTime = &t
	}
	return ev, nil
}

// MarshalBSON encodes the event in its server representation.
func (e *Event) MarshalBSON() ([]byte, error) {
	w := wireEvent{
		ID:                       documentValue(e.ID.Raw()),
		OperationType:            string(e.OperationType),
		NS:                       e.Namespace,
		To:                       e.To,
		DocumentKey:              documentValue(e.DocumentKey),
		UpdateDescription:        e.UpdateDescription,
		ClusterTime:              e.ClusterTime,
		FullDocument:             documentValue(e.FullDocument),
		FullDocumentBeforeChange: documentValue(e.FullDocumentBeforeChange),
		WallTime:                 e.WallTime,
	}
	return bson.Marshal(w)
}

func document(v *bson.RawValue) bson.Raw {
	if v == nil || v.Type != bson.TypeEmbeddedDocument {
		return nil
	}
	return v.Document()
}

func documentValue(doc bson.Raw) *bson.RawValue {
	if len(doc) == 0 {
		return nil
	}
	return &bson.RawValue{Type: bson.TypeEmbeddedDocument, Value: doc}
}
