package storage

import "context"

// Store is the persistence contract for the vnode key index: one
// logical set of opaque keys per vnode id. The encoding is the
// implementation's concern.
//
// AddKey and RemoveKey are idempotent. Implementations may be
// eventually consistent across the cluster, but must serve their own
// completed writes to subsequent LoadKeys calls.
type Store interface {
	// LoadKeys returns the current key set for the vnode. A vnode
	// with no keys yields an empty slice. Order is unspecified.
	LoadKeys(ctx context.Context, vnode uint32) ([]string, error)

	// AddKey records key under the vnode's set.
	AddKey(ctx context.Context, vnode uint32, key string) error

	// RemoveKey deletes key from the vnode's set. Removing an absent
	// key is not an error.
	RemoveKey(ctx context.Context, vnode uint32, key string) error
}
