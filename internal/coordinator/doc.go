// Package coordinator tracks durable key ownership over a
// consistent-hash ring. Keys routed to this node through LookupKey are
// recorded in their vnode's persisted index; when ring membership
// changes, a debounced reconciliation diffs the owned vnode set and
// drives the host's recover callback for newly acquired vnodes and its
// release callback for vnodes handed off.
//
// Reconciliation resolves ownership through the plain ring, never
// through LookupKey, so it has no side effects on the key index.
// Release deliberately leaves keys in the index: the recovering owner
// is authoritative for removal, which means a vnode abandoned by every
// owner retains its entries until someone recovers it.
package coordinator
