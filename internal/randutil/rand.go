// Package randutil provides a cheaply-seeded *rand.Rand for non-cryptographic
// randomness (e.g. the retry-delay jitter in package topology).
package randutil

import (
	"hash/maphash"
	"math/rand"
)

// New returns a properly seeded *rand.Rand. The seed comes from
// hash/maphash, which is lock-free and concurrency-safe, effectively
// borrowing the runtime's per-thread RNG to seed a new *rand.Rand without
// paying for synchronization on the global source.
//
// The returned value is not safe for concurrent use.
func New() *rand.Rand {
	return rand.New(rand.NewSource(seed())) //nolint:gosec // non-cryptographic use
}

func seed() int64 {
	var h maphash.Hash
	return int64(h.Sum64())
}
