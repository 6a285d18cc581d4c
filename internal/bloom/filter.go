// Package bloom provides a probabilistic seen-key index used as a fast
// path in front of the idempotency table: a negative answer proves a
// key was never recorded, so most first-time writes skip the lookup.
package bloom

import (
	"math"
	"sync"

	"github.com/spaolacci/murmur3"
)

// Filter is a bloom filter keyed by murmur3 double hashing. A false
// positive only costs an extra table lookup; there are no false
// negatives, so a miss is authoritative.
type Filter struct {
	mu        sync.RWMutex
	bits      []uint64
	numBits   uint64
	numHashes uint64
	count     uint64
}

// New creates a filter with the given number of bits and hash functions.
func New(numBits, numHashes int) *Filter {
	if numBits <= 0 {
		numBits = 1024
	}
	if numHashes <= 0 {
		numHashes = 7
	}

	numWords := (numBits + 63) / 64
	return &Filter{
		bits:      make([]uint64, numWords),
		numBits:   uint64(numWords * 64),
		numHashes: uint64(numHashes),
	}
}

// NewWithEstimates creates a filter sized for the expected number of
// keys and target false positive rate.
func NewWithEstimates(expectedKeys int, targetFPR float64) *Filter {
	if expectedKeys <= 0 {
		expectedKeys = 1000
	}
	if targetFPR <= 0 || targetFPR >= 1 {
		targetFPR = 0.01
	}

	n := float64(expectedKeys)
	m := -n * math.Log(targetFPR) / (math.Ln2 * math.Ln2)
	k := (m / n) * math.Ln2

	numBits := int(math.Ceil(m))
	numHashes := int(math.Ceil(k))
	if numBits < 64 {
		numBits = 64
	}
	if numHashes < 1 {
		numHashes = 1
	}

	return New(numBits, numHashes)
}

// AddString records a key.
func (f *Filter) AddString(key string) {
	f.Add([]byte(key))
}

// Add records a key.
func (f *Filter) Add(key []byte) {
	h1, h2 := murmur3.Sum128(key)

	f.mu.Lock()
	defer f.mu.Unlock()

	for i := uint64(0); i < f.numHashes; i++ {
		pos := (h1 + i*h2) % f.numBits
		f.bits[pos/64] |= 1 << (pos % 64)
	}
	f.count++
}

// ContainsString reports whether key may have been recorded. False means
// definitely not recorded.
func (f *Filter) ContainsString(key string) bool {
	return f.Contains([]byte(key))
}

// Contains reports whether key may have been recorded.
func (f *Filter) Contains(key []byte) bool {
	h1, h2 := murmur3.Sum128(key)

	f.mu.RLock()
	defer f.mu.RUnlock()

	for i := uint64(0); i < f.numHashes; i++ {
		pos := (h1 + i*h2) % f.numBits
		if f.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// Count returns the number of keys added.
func (f *Filter) Count() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.count
}

// EstimatedFPR returns the estimated false positive rate at the current
// fill level, (1 - e^(-k*n/m))^k.
func (f *Filter) EstimatedFPR() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.count == 0 {
		return 0
	}

	k := float64(f.numHashes)
	n := float64(f.count)
	m := float64(f.numBits)
	return math.Pow(1-math.Exp(-k*n/m), k)
}
