// Package store provides the key-value persistence used for context
// snapshots, working memory, action memory and episode tracking.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a key has no live value.
var ErrNotFound = errors.New("not found")

// Entry is one stored version of a key.
type Entry struct {
	ID         string    `json:"id"`
	Key        string    `json:"key"`
	Kind       string    `json:"kind"`
	Value      string    `json:"value"`
	Version    int       `json:"version"`
	Supersedes string    `json:"supersedes,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// RmParams holds parameters for deleting keys.
type RmParams struct {
	Key    string
	Prefix bool // delete every key starting with Key
	Hard   bool // remove rows instead of marking them deleted
}

// KV is the key-value interface the runtime persists through.
type KV interface {
	// Get returns the latest value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a new version of key.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes every version of key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists live keys with the given prefix in lexical order.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close releases the store.
	Close() error
}

// KindOf returns the key namespace: the part before the first ':'.
func KindOf(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}
