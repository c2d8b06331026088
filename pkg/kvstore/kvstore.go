// Package kvstore defines the local key-value store the session cache is
// persisted to across process restarts.
package kvstore

import "errors"

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("key not found")

// Store is a minimal durable key-value contract.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Remove(key string) error
}
