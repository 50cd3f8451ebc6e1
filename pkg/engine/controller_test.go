package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runningwild/jostle/pkg/logx"
)

// newWorkFile writes a plain 10 MiB file for the controller to adopt.
func newWorkFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workfile")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(10*1024*1024))
	require.NoError(t, f.Close())
	return path
}

func newTestController(t *testing.T, writeRatio, randomRatio float64) *Controller {
	t.Helper()
	log, err := logx.New("info", true)
	require.NoError(t, err)

	// O_DIRECT is unreliable on tmpfs, so the test uses the posix engine
	// with buffered I/O.
	p := &Params{
		Filename:      newWorkFile(t),
		Engine:        EnginePosix,
		StatsInterval: 1,
	}
	require.NoError(t, p.Init(0, 4, 1, writeRatio, randomRatio, 0, false))

	c, err := NewController(p, log)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestControllerAdoptsFilesize(t *testing.T) {
	c := newTestController(t, 0, 0)
	assert.Equal(t, uint64(10), c.params.FilesizeMiB())
}

func TestControllerSequentialReads(t *testing.T) {
	c := newTestController(t, 0, 0)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c.Stats().Blocks > 10 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	st := c.Stats()
	require.NoError(t, c.Err())
	assert.Greater(t, st.Blocks, uint64(10))
	assert.Equal(t, uint64(0), st.BlocksWrite)
	assert.Equal(t, st.Blocks, st.BlocksRead)
	assert.Equal(t, st.KBRead, st.BlocksRead*4)
}

// Accounting is exact: blocks equals reads plus writes in any window.
func TestControllerAccountingExact(t *testing.T) {
	c := newTestController(t, 0.5, 1.0)

	time.Sleep(300 * time.Millisecond)
	st := c.Stats()
	require.NoError(t, c.Err())
	assert.Equal(t, st.Blocks, st.BlocksRead+st.BlocksWrite)
}

func TestControllerWaitMode(t *testing.T) {
	c := newTestController(t, 0, 0)

	time.Sleep(100 * time.Millisecond)
	c.params.SetWait(true)
	time.Sleep(300 * time.Millisecond)
	require.Equal(t, StateWaiting, c.State())

	before := c.Stats()
	time.Sleep(300 * time.Millisecond)
	after := c.Stats()
	// A request already in flight may complete, nothing more.
	assert.LessOrEqual(t, after.Blocks-before.Blocks, uint64(1))

	c.params.SetWait(false)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, StateRunning, c.State())
	assert.Greater(t, c.Stats().Blocks, after.Blocks)
}

func TestControllerBlockSizeMutation(t *testing.T) {
	c := newTestController(t, 0, 0)

	_, err := c.params.Apply("block_size=8")
	require.NoError(t, err)

	time.Sleep(500 * time.Millisecond)
	require.NoError(t, c.Err())
	assert.Greater(t, c.Stats().Blocks, uint64(0))

	// Join the controller goroutine before inspecting the tuple.
	require.NoError(t, c.Close())
	assert.Equal(t, uint64(8), c.curBlockSize)
	assert.Equal(t, uint64(10*1024/8), c.fileBlocks)
}

func TestControllerStopIdempotent(t *testing.T) {
	c := newTestController(t, 0, 0)
	c.Stop()
	c.Stop()
	require.NoError(t, c.Close())
	assert.Equal(t, StateStopped, c.State())
	assert.False(t, c.Active())
}

func TestControllerRejectsTinyFile(t *testing.T) {
	log, err := logx.New("info", true)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "small")
	require.NoError(t, os.WriteFile(path, make([]byte, 1024*1024), 0o644))

	p := &Params{Filename: path, Engine: EnginePosix, StatsInterval: 1}
	require.NoError(t, p.Init(0, 4, 1, 0, 0, 0, false))

	_, err = NewController(p, log)
	assert.Error(t, err)
}

func TestControllerHistogram(t *testing.T) {
	c := newTestController(t, 0, 0)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c.Stats().Blocks > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	h := c.TakeHistogram()
	assert.Greater(t, h.TotalCount(), int64(0))

	// The histogram was swapped out; a fresh one accumulates from zero.
	h2 := c.TakeHistogram()
	assert.LessOrEqual(t, h2.TotalCount(), h.TotalCount()+int64(c.Stats().Blocks))
}
