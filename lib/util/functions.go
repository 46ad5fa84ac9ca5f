package util

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

// --------------------------------------------------------------------------
// Seeds and hash mixing
// --------------------------------------------------------------------------

// GenerateSeed returns a random seed for hash based partitioning.
func GenerateSeed() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint64(b[:])
}

// Mix scrambles a hash with a seed (splitmix64 finalizer). It is used so that
// partition selection does not depend on the low bits of the identity hash alone.
func Mix(hash, seed uint64) uint64 {
	z := hash ^ seed
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// Partition maps a hash to one of n buckets.
func Partition(hash, seed uint64, n int) int {
	if n <= 1 {
		return 0
	}
	return int(Mix(hash, seed) % uint64(n))
}
