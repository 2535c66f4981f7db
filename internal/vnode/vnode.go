// Package vnode maps keys onto virtual nodes. The key space is divided
// into a fixed number of vnodes; the ring assigns ownership of vnodes,
// never of individual keys.
package vnode

import (
	"strconv"

	"github.com/dgryski/go-farm"
)

// DefaultTotal is the number of vnodes partitioning the key space
// unless configured otherwise. It must never change for a cluster with
// persisted state: every existing vnode→key association assumes it.
const DefaultTotal = 1024

// ForKey returns the vnode owning key, in [0, total).
//
// The mapping is FarmHash-32 of the UTF-8 bytes reduced modulo total.
// Peers must compute bit-identical assignments for the same
// (key, total), so the hash is pinned to FarmHash.
func ForKey(key string, total int) uint32 {
	return farm.Hash32([]byte(key)) % uint32(total)
}

// Name returns the stable string form of a vnode id used for ring
// lookups. The ring hashes strings; vnode ids themselves are not
// placed on the ring.
func Name(v uint32) string {
	return "vnode-" + strconv.FormatUint(uint64(v), 10)
}
