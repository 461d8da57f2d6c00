package changestream

import (
	"bytes"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// ResumeToken is an opaque position in a change stream. Tokens are only ever
// compared for equality and passed back to the server verbatim; their contents
// are a server implementation detail. A nil *ResumeToken means "no token".
type ResumeToken struct {
	raw bson.Raw
}

// NewResumeToken wraps a raw token document. It returns nil for an empty document.
func NewResumeToken(raw bson.Raw) *ResumeToken {
	if len(raw) == 0 {
		return nil
	}
	cp := make(bson.Raw, len(raw))
	copy(cp, raw)
	return &ResumeToken{raw: cp}
}

// Raw returns the token document.
func (t *ResumeToken) Raw() bson.Raw {
	if t == nil {
		return nil
	}
	return t.raw
}

// Equal reports whether two tokens are byte-for-byte identical. Two nil tokens are equal.
func (t *ResumeToken) Equal(other *ResumeToken) bool {
	if t == nil || other == nil {
		return t == nil && other == nil
	}
	return bytes.Equal(t.raw, other.raw)
}

// String returns the extended JSON form of the token.
func (t *ResumeToken) String() string {
	if t == nil {
		return "<nil>"
	}
	return t.raw.String()
}
