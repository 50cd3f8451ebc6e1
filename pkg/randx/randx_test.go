package randx

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBernoulliExtremes(t *testing.T) {
	r := NewSeeded(1)
	for i := 0; i < 1000; i++ {
		assert.False(t, r.Bernoulli(0))
		assert.True(t, r.Bernoulli(1))
	}
}

func TestBernoulliRatio(t *testing.T) {
	r := NewSeeded(42)
	hits := 0
	const n = 100000
	for i := 0; i < n; i++ {
		if r.Bernoulli(0.25) {
			hits++
		}
	}
	got := float64(hits) / n
	assert.InDelta(t, 0.25, got, 0.02)
}

func TestFillChangesContent(t *testing.T) {
	r := NewSeeded(7)
	buf := make([]byte, 4096)
	r.Fill(buf)
	assert.NotEqual(t, make([]byte, 4096), buf)

	snap := append([]byte(nil), buf...)
	r.Fill(buf)
	assert.NotEqual(t, snap, buf)
}

func TestRefreshStride(t *testing.T) {
	r := NewSeeded(7)
	buf := make([]byte, 4096)
	r.Fill(buf)
	snap := append([]byte(nil), buf...)

	r.Refresh(buf, 20)

	// With step 20 only ~1/20 of the 64-bit words may change.
	changed := 0
	for i := 0; i < len(buf); i += 8 {
		if !bytes.Equal(buf[i:i+8], snap[i:i+8]) {
			changed++
		}
	}
	words := len(buf) / 8
	assert.Greater(t, changed, 0)
	assert.LessOrEqual(t, changed, words/20+1)
}
