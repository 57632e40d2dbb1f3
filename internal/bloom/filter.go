// Package bloom provides a probabilistic membership filter over correlation
// ids. The consolidator consults it before the durable write: a negative
// answer proves the id was never persisted, skipping a catalog round-trip.
package bloom

import (
	"math"
	"sync"

	"github.com/spaolacci/murmur3"
)

// KeyFilter tests correlation-id membership with a configurable false
// positive rate. It never returns a false negative: an id that was added
// always reports as possibly present.
type KeyFilter struct {
	mu        sync.RWMutex
	bits      []uint64
	numBits   uint64
	numHashes uint64
	count     uint64
}

// New creates a filter with the given raw dimensions. Bits round up to the
// next 64-bit word.
func New(numBits, numHashes int) *KeyFilter {
	if numBits <= 0 {
		numBits = 1024
	}
	if numHashes <= 0 {
		numHashes = 7
	}

	numWords := (numBits + 63) / 64
	return &KeyFilter{
		bits:      make([]uint64, numWords),
		numBits:   uint64(numWords * 64),
		numHashes: uint64(numHashes),
	}
}

// NewWithEstimates sizes the filter for the expected number of persisted
// records and a target false positive rate.
func NewWithEstimates(expectedKeys int, targetFPR float64) *KeyFilter {
	numBits, numHashes := OptimalParameters(expectedKeys, targetFPR)
	return New(numBits, numHashes)
}

// OptimalParameters derives the standard bloom dimensioning:
//
//	m = -n * ln(p) / (ln(2)^2)
//	k = (m/n) * ln(2)
func OptimalParameters(expectedKeys int, targetFPR float64) (numBits, numHashes int) {
	if expectedKeys <= 0 {
		expectedKeys = 1000
	}
	if targetFPR <= 0 || targetFPR >= 1 {
		targetFPR = 0.01
	}

	n := float64(expectedKeys)
	m := -n * math.Log(targetFPR) / (math.Ln2 * math.Ln2)
	k := (m / n) * math.Ln2

	numBits = int(math.Ceil(m))
	numHashes = int(math.Ceil(k))
	if numBits < 64 {
		numBits = 64
	}
	if numHashes < 1 {
		numHashes = 1
	}
	return numBits, numHashes
}

// Add records a correlation id.
func (f *KeyFilter) Add(correlationID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	h1, h2 := hash128(correlationID)
	for i := uint64(0); i < f.numHashes; i++ {
		// Double hashing: h(i) = h1 + i*h2
		f.setBit((h1 + i*h2) % f.numBits)
	}
	f.count++
}

// MaybeContains reports whether the id might have been added. False means
// definitely absent.
func (f *KeyFilter) MaybeContains(correlationID string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	h1, h2 := hash128(correlationID)
	for i := uint64(0); i < f.numHashes; i++ {
		if !f.getBit((h1 + i*h2) % f.numBits) {
			return false
		}
	}
	return true
}

// Count returns the number of ids added.
func (f *KeyFilter) Count() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.count
}

// FalsePositiveRate estimates the current rate from the fill ratio:
// (1 - e^(-k*n/m))^k.
func (f *KeyFilter) FalsePositiveRate() float64 {
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

func hash128(key string) (uint64, uint64) {
	h := murmur3.New128()
	h.Write([]byte(key))
	return h.Sum128()
}

func (f *KeyFilter) setBit(pos uint64) {
	f.bits[pos/64] |= 1 << (pos % 64)
}

func (f *KeyFilter) getBit(pos uint64) bool {
	return f.bits[pos/64]&(1<<(pos%64)) != 0
}
