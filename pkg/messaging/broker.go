package messaging

import (
	"context"
)

// Broker carries document-change notifications between store nodes. The
// postgres docstore publishes one ChangeEvent per committed write; every
// node's live queries requery on receipt.
type Broker interface {
	Publish(ctx context.Context, channel string, message interface{}) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	Close() error
}

// ChangeEvent announces a committed write to one collection.
type ChangeEvent struct {
	Collection string `json:"collection"`
	Key        string `json:"key"`
	Op         string `json:"op"` // "merge" or "add"
}
