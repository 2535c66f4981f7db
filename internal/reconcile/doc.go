// Package reconcile computes ownership hand-off plans. Given the set
// of vnodes a node owned after its last reconciliation and the set it
// owns now, it derives which vnodes must have their keys released to a
// new owner and which must have their keys recovered.
package reconcile
