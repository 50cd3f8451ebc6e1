// Package bitmap tracks used block positions for the random-access path of
// the workload generator. Positions are handed out near a caller-supplied
// hint; when the map fills past its threshold it resets to an empty
// generation instead of degrading into a linear scan.
package bitmap

import (
	"fmt"
)

const (
	minSize  = 10
	wordBits = 64
	// maxMemory bounds the backing array at ~1 GiB.
	maxMemory = 1024 * 1024 * 1024
)

// Bitmap is a fixed-size bit array backed by 64-bit words. It is not safe
// for concurrent use; the engine controller serializes access.
type Bitmap struct {
	size       uint64
	words      []uint64
	lastBits   uint64 // bit count of the trailing word
	lastFull   uint64 // full mask of the trailing word
	used       uint64
	threshold  uint64
	collisions uint64
}

// New builds a bitmap for size positions. threshold 0 selects the default
// of 90% of size; otherwise it must lie in [minSize, size].
func New(size, threshold uint64) (*Bitmap, error) {
	if size < minSize {
		return nil, fmt.Errorf("invalid bitmap size %d (must be >= %d)", size, minSize)
	}
	nwords := (size + wordBits - 1) / wordBits
	if nwords*8 > maxMemory {
		return nil, fmt.Errorf("bitmap would require %d MiB (the maximum is %d MiB)",
			nwords*8/(1024*1024), maxMemory/(1024*1024))
	}

	b := &Bitmap{
		size:  size,
		words: make([]uint64, nwords),
	}
	// The trailing word may be partial. When size is an exact multiple of
	// 64 the last word is a whole one and its full mask is all ones.
	b.lastBits = size - (nwords-1)*wordBits
	if b.lastBits == wordBits {
		b.lastFull = ^uint64(0)
	} else {
		b.lastFull = (uint64(1) << b.lastBits) - 1
	}

	if threshold == 0 {
		b.threshold = size - size/10
	} else {
		if threshold < minSize || threshold > size {
			return nil, fmt.Errorf("invalid used threshold %d (must be >= %d and <= size %d)",
				threshold, minSize, size)
		}
		b.threshold = threshold
	}
	return b, nil
}

// Size returns the number of tracked positions.
func (b *Bitmap) Size() uint64 { return b.size }

// Used returns the number of positions marked in the current generation.
func (b *Bitmap) Used() uint64 { return b.used }

// Collisions returns how many requests found their first probed bit taken.
func (b *Bitmap) Collisions() uint64 { return b.collisions }

// Threshold returns the fill level that triggers an automatic clear.
func (b *Bitmap) Threshold() uint64 { return b.threshold }

// Clear resets the bitmap to an empty generation.
func (b *Bitmap) Clear() {
	b.used = 0
	b.collisions = 0
	for i := range b.words {
		b.words[i] = 0
	}
}

func (b *Bitmap) fullMask(word uint64) uint64 {
	if word == uint64(len(b.words))-1 {
		return b.lastFull
	}
	return ^uint64(0)
}

func (b *Bitmap) wordSize(word uint64) uint64 {
	if word == uint64(len(b.words))-1 {
		return b.lastBits
	}
	return wordBits
}

// NextUnused returns an unused position with locality near hint, marking it
// used. When the current generation has reached the fill threshold, the
// bitmap is cleared first and the request is served from the fresh
// generation. A collision is counted when the first probed bit was taken.
func (b *Bitmap) NextUnused(hint uint64) (uint64, error) {
	if hint >= b.size {
		return 0, fmt.Errorf("bit position %d is out of range (0-%d)", hint, b.size-1)
	}

	if b.used >= b.threshold {
		b.Clear()
	}

	var collided uint64
	for {
		word := hint / wordBits
		w := b.words[word]
		if w != b.fullMask(word) {
			// There is a free bit in this word. Probe from the hint's bit
			// and wrap within the word, preferring the first free bit hit.
			n := b.wordSize(word)
			bit := hint % wordBits
			for {
				if w&(uint64(1)<<bit) == 0 {
					break
				}
				collided = 1
				bit = (bit + 1) % n
			}
			b.words[word] = w | (uint64(1) << bit)
			b.used++
			b.collisions += collided

			pos := word*wordBits + bit
			if pos >= b.size {
				return 0, fmt.Errorf("bitmap produced position %d >= size %d", pos, b.size)
			}
			return pos, nil
		}
		// Word fully set: advance to the next word, wrapping around.
		hint = ((word + 1) % uint64(len(b.words))) * wordBits
		collided = 1
	}
}

func (b *Bitmap) String() string {
	return fmt.Sprintf("bitmap{size=%d used=%d threshold=%d collisions=%d words=%d}",
		b.size, b.used, b.threshold, b.collisions, len(b.words))
}
