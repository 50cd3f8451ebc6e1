package engine

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/runningwild/jostle/pkg/randx"
)

// allocAligned returns a page-aligned buffer, which satisfies the 512-byte
// alignment O_DIRECT requires.
func allocAligned(n int) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate aligned memory: %w", err)
	}
	return b, nil
}

func freeAligned(b []byte) {
	if b != nil {
		_ = unix.Munmap(b)
	}
}

// slotBuf owns one request slot's buffer across block-size changes. On a
// size change the buffer is reallocated and fully filled; on a write that
// repeats a write, ~5% of it is perturbed so identical content is never
// written twice.
type slotBuf struct {
	data  []byte
	write bool
	rng   *randx.Rand
}

func (b *slotBuf) prepare(req AccessRequest) error {
	if len(b.data) != req.Length {
		freeAligned(b.data)
		data, err := allocAligned(req.Length)
		if err != nil {
			return err
		}
		b.data = data
		b.rng.Fill(b.data)
	} else if req.Write && b.write {
		b.rng.Refresh(b.data, refreshStep)
	}
	b.write = req.Write
	return nil
}

func (b *slotBuf) release() {
	freeAligned(b.data)
	b.data = nil
}
