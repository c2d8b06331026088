// Package docstore abstracts the remote document store: per-entity
// documents in collections, merge-upserts, appends with store-generated
// keys, and live subscription queries ordered by a timestamp field.
//
// Collection paths follow the store's nesting convention, e.g.
// "users/<uid>/prescriptions"; document paths append the key,
// "users/<uid>".
package docstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by GetDocument when the path has no document.
var ErrNotFound = errors.New("document not found")

// Fields is the raw field set of one document.
type Fields = map[string]interface{}

// ServerTimestamp is a write sentinel: the store replaces it with its own
// clock when the write commits. Until a snapshot reflects the committed
// value, readers may observe the field as unresolved (nil).
type ServerTimestamp struct{}

// Document is one raw document delivered on a snapshot.
type Document struct {
	Key    string
	Fields Fields
}

// SnapshotFunc receives the full current result set of a live query, or a
// stream error. Exactly one of docs/err is meaningful per call.
type SnapshotFunc func(docs []Document, err error)

// UnsubscribeFunc releases a live query. After it returns, no further
// SnapshotFunc call is made for that registration. Safe to call twice.
type UnsubscribeFunc func()

// Store is the document store contract the sync core is written against.
type Store interface {
	// GetDocument fetches one document's fields by its full path.
	GetDocument(ctx context.Context, path string) (Fields, error)

	// MergeWrite upserts the given fields at path, preserving fields the
	// write does not name.
	MergeWrite(ctx context.Context, path string, fields Fields) error

	// AddDocument creates a document with a store-generated key and
	// returns that key.
	AddDocument(ctx context.Context, collectionPath string, fields Fields) (string, error)

	// Subscribe opens a live query over collectionPath ordered by
	// orderField. The callback fires with the initial result set and
	// again after every observed change.
	Subscribe(ctx context.Context, collectionPath, orderField string, descending bool, fn SnapshotFunc) (UnsubscribeFunc, error)
}

// ResolveTime normalizes the timestamp representations a document field can
// carry: the store's resolved server time, an RFC3339 client string, or
// nothing. ok is false when v holds none of these.
func ResolveTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case *time.Time:
		if t == nil || t.IsZero() {
			return time.Time{}, false
		}
		return *t, true
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			parsed, err = time.Parse(time.RFC3339Nano, t)
		}
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	default:
		return time.Time{}, false
	}
}
