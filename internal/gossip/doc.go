// Package gossip maintains cluster membership with serf and folds it
// into the consistent-hash ring: whenever members join, leave, fail or
// are reaped, the alive set is pushed into the ring, which notifies
// the coordinator of the change.
package gossip
