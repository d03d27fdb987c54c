// Package bloomfilter provides the optional Bloom filter sink used by the
// index builder (spec §4.5).
//
// Sizing follows the standard formulas m = ceil(-(n*ln(p)) / (ln2)^2) bits
// and k = ceil((m/n) * ln2) hash functions, for n expected elements and a
// target false-positive rate p. Membership uses double hashing derived
// from the two 64-bit halves of a 128-bit MurmurHash3 of the key, which
// avoids running k independent hash functions.
package bloomfilter

import (
	"math"

	"github.com/bits-and-blooms/bitset"
	"github.com/spaolacci/murmur3"
)

// Filter is a Bloom filter sink. The zero value is not usable; construct
// with New.
type Filter struct {
	bits *bitset.BitSet
	m    uint64
	k    uint64
}

// New creates a Filter sized for n expected elements at the target
// false-positive rate errorFactor (0 < errorFactor < 1).
//
// n is clamped to at least 1 so a filter can always be constructed, even
// for a store with no keys.
func New(n uint64, errorFactor float64) *Filter {
	if n == 0 {
		n = 1
	}

	m := uint64(math.Ceil(-float64(n) * math.Log(errorFactor) / (math.Ln2 * math.Ln2)))
	if m < 1 {
		m = 1
	}

	k := uint64(math.Ceil(float64(m) / float64(n) * math.Ln2))
	if k < 1 {
		k = 1
	}

	return &Filter{
		bits: bitset.New(uint(m)),
		m:    m,
		k:    k,
	}
}

// Add inserts key into the filter.
func (f *Filter) Add(key []byte) {
	h1, h2 := murmur3.Sum128(key)
	for i := uint64(0); i < f.k; i++ {
		f.bits.Set(uint(f.slot(h1, h2, i)))
	}
}

// Test reports whether key may be a member. False positives are possible;
// false negatives are not.
func (f *Filter) Test(key []byte) bool {
	h1, h2 := murmur3.Sum128(key)
	for i := uint64(0); i < f.k; i++ {
		if !f.bits.Test(uint(f.slot(h1, h2, i))) {
			return false
		}
	}

	return true
}

func (f *Filter) slot(h1, h2, i uint64) uint64 {
	return (h1 + i*h2) % f.m
}

// BitSize returns the total number of bits in the filter (m).
func (f *Filter) BitSize() uint64 { return f.m }

// HashFunctions returns the number of hash functions used (k).
func (f *Filter) HashFunctions() uint64 { return f.k }

// WordCount returns the number of 64-bit words needed to store BitSize bits.
func (f *Filter) WordCount() uint64 { return (f.m + 63) / 64 }

// Words returns the filter's bit array as a slice of WordCount() 64-bit
// words, suitable for serialization into the metadata region.
func (f *Filter) Words() []uint64 {
	words := f.bits.Bytes()

	out := make([]uint64, f.WordCount())
	copy(out, words)

	return out
}
