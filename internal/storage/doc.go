// Package storage provides the persisted per-vnode key index: the
// Store contract, an in-memory implementation, a BoltDB-backed durable
// implementation, and a write-back cache that fronts any Store with
// per-vnode in-memory shadows.
package storage
