// Package randx wraps the process randomizer used by the workload
// generator: ratio draws for the read/write and random/sequential choices
// and buffer content generation for writes.
package randx

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand"
)

// ratioPrecision bounds the resolution of Bernoulli draws to 1/1024.
const ratioPrecision = 1024

// Rand is a seeded source. Not safe for concurrent use; callers that share
// one across goroutines must serialize (the prwv2 workers each own one).
type Rand struct {
	rng *rand.Rand
}

// New seeds a Rand from a nondeterministic source.
func New() *Rand {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		panic(err) // the system entropy source is gone; nothing sane to do
	}
	return NewSeeded(int64(binary.LittleEndian.Uint64(b[:])))
}

// NewSeeded builds a Rand with a fixed seed, for tests.
func NewSeeded(seed int64) *Rand {
	return &Rand{rng: rand.New(rand.NewSource(seed))}
}

// Bernoulli reports true with probability ratio, quantized to 1/1024.
func (r *Rand) Bernoulli(ratio float64) bool {
	return uint32(r.rng.Intn(ratioPrecision)) < uint32(ratio*ratioPrecision)
}

// Uint64n returns a uniform value in [0, n).
func (r *Rand) Uint64n(n uint64) uint64 {
	return uint64(r.rng.Int63n(int64(n)))
}

// Fill overwrites the whole buffer with random 64-bit words.
func (r *Rand) Fill(buf []byte) {
	r.Refresh(buf, 1)
}

// Refresh overwrites every step-th 64-bit word of buf, starting at a random
// word offset within the first stride. The engines call it with step 20
// before rewriting a buffer so that repeated writes do not carry identical
// content.
func (r *Rand) Refresh(buf []byte, step uint64) {
	if step == 0 {
		step = 1
	}
	words := uint64(len(buf)) / 8
	var first uint64
	if step > 1 {
		first = r.Uint64n(step)
	}
	for i := first; i < words; i += step {
		binary.LittleEndian.PutUint64(buf[i*8:], r.rng.Uint64())
	}
}
