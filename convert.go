package mongolink

import (
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// documentKeyString returns the _id of a documentKey in string form.
func documentKeyString(key bson.Raw) string {
	if key == nil {
		return ""
	}
	rv, err := key.LookupErr("_id")
	if err != nil {
		return ""
	}
	var id any
	if err := rv.Unmarshal(&id); err != nil {
		return rv.String()
	}
	return formatDocumentKey(id)
}

// formatDocumentKey converts any MongoDB _id type to a string representation.
func formatDocumentKey(id any) string {
	if id == nil {
		return ""
	}
	switch v := id.(type) {
	case bson.ObjectID:
		return v.Hex()
	case string:
		return v
	case bson.Binary:
		// UUID or other binary types
		return fmt.Sprintf("%x", v.Data)
	case int, int32, int64:
		return fmt.Sprintf("%d", v)
	case float64:
		return fmt.Sprintf("%v", v)
	default:
		if data, err := json.Marshal(convertBSONTypes(v)); err == nil {
			return string(data)
		}
		return fmt.Sprintf("%v", v)
	}
}

// bsonToJSON converts a BSON document to JSON, handling MongoDB-specific types.
func bsonToJSON(raw bson.Raw) (json.RawMessage, error) {
	var doc bson.M
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return json.Marshal(convertBSONTypes(doc))
}

// convertBSONTypes recursively converts BSON-specific types to JSON-friendly types.
// Uses MongoDB Extended JSON format for special types so they can be unmarshaled
// back into their original Go types (e.g., bson.ObjectID).
func convertBSONTypes(v any) any {
	switch val := v.(type) {
	case bson.M:
		return bsonMToMap(val)
	case bson.D:
		result := make(map[string]any, len(val))
		for _, e := range val {
			result[e.Key] = convertBSONTypes(e.Value)
		}
		return result
	case bson.A:
		result := make([]any, len(val))
		for i, v := range val {
			result[i] = convertBSONTypes(v)
		}
		return result
	case bson.ObjectID:
		return map[string]string{"$oid": val.Hex()}
	case bson.DateTime:
		// ISO string, compatible with time.Time JSON unmarshal
		return val.Time().UTC().Format(time.RFC3339Nano)
	case bson.Timestamp:
		return time.Unix(int64(val.T), 0).UTC().Format(time.RFC3339Nano)
	case bson.Binary:
		return map[string]any{"$binary": map[string]any{"base64": val.Data, "subType": fmt.Sprintf("%02x", val.Subtype)}}
	case bson.Decimal128:
		return val.String()
	default:
		return val
	}
}

// bsonMToMap converts bson.M to map[string]any with type conversion.
func bsonMToMap(m bson.M) map[string]any {
	if m == nil {
		return nil
	}
	result := make(map[string]any, len(m))
	for k, v := range m {
		result[k] = convertBSONTypes(v)
	}
	return result
}
