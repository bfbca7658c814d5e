package cmap

import "github.com/cespare/xxhash/v2"

// XXHash returns a 64-bit hash of s, suitable for use as a Map hasher.
func XXHash(s string) uint64 {
	return xxhash.Sum64String(s)
}

// XXHashes returns a 64-bit hash of a series of strings, e.g. for
// composite keys like (project, element name).
func XXHashes(s ...string) uint64 {
	d := xxhash.New()
	for _, x := range s {
		d.WriteString(x)
	}
	return d.Sum64()
}
