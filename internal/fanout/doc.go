// Package fanout provides bounded-concurrency iteration over a batch
// of work items. It bounds the burst load a reconciliation puts on the
// persistence backend and host callbacks during large membership
// changes.
package fanout
