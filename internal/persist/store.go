// Package persist provides the key/value storage the client pipeline keeps
// assignments and the offline queue in.
//
// Two independent scopes exist: Durable outlives a session (assignments for
// known users, the offline queue) and Session lives as long as one browsing
// session. Writes are last-writer-wins; nothing here locks across instances.
package persist

import "context"

// Store is a string key/value store. Get reports ok=false for a missing key.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// Scopes bundles the two storage scopes.
type Scopes struct {
	Durable Store
	Session Store
}

// NewMemoryScopes returns in-process stores for both scopes.
func NewMemoryScopes() Scopes {
	return Scopes{Durable: NewMemory(), Session: NewMemory()}
}
