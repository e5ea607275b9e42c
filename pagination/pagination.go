// Package pagination implements the opaque cursor contract for list
// operations (spec §6): the cursor is an opaque base64url of the
// last-seen ordering key. Callers never interpret the bytes; they pass
// them back verbatim to resume a listing.
package pagination

import (
	"encoding/base64"
	"fmt"
)

// Page is a forward page of results of type T, ordered oldest/lowest-key
// first. NextCursor is empty when there are no further results.
type Page[T any] struct {
	Items      []T
	NextCursor string
}

// Encode wraps an ordering key (e.g. a sequence number, a row id, or a
// composite "timestamp:id" string) into an opaque forward cursor.
func Encode(key string) string {
	if key == "" {
		return ""
	}
	return base64.URLEncoding.EncodeToString([]byte(key))
}

// Decode recovers the ordering key from a cursor produced by Encode. An
// empty cursor decodes to an empty key (start from the beginning).
func Decode(cursor string) (string, error) {
	if cursor == "" {
		return "", nil
	}
	b, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return "", fmt.Errorf("pagination: invalid cursor: %w", err)
	}
	return string(b), nil
}

// Query carries the common cursor + limit pair accepted by every list
// operation.
type Query struct {
	Cursor string
	Limit  int
}

// EffectiveLimit returns q.Limit if positive, else the supplied default.
func (q Query) EffectiveLimit(def int) int {
	if q.Limit > 0 {
		return q.Limit
	}
	return def
}
