// Package ring provides the consistent-hash membership oracle the
// coordinator consumes: who am I, which node owns a given key, and
// notifications when the answer may have changed. Hash is the built-in
// implementation; any other membership source can satisfy Ring.
package ring
