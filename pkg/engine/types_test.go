package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testParams(t *testing.T, engineName string) *Params {
	t.Helper()
	p := &Params{
		Filename:      "/tmp/x",
		Engine:        engineName,
		ODirect:       true,
		StatsInterval: 1,
	}
	require.NoError(t, p.Init(100, 4, 1, 0, 0, 0, false))
	return p
}

func TestStatsArithmetic(t *testing.T) {
	a := Stats{Blocks: 10, BlocksRead: 6, BlocksWrite: 4, KBRead: 24, KBWrite: 16}
	b := Stats{Blocks: 3, BlocksRead: 2, BlocksWrite: 1, KBRead: 8, KBWrite: 4}

	d := a.Sub(b)
	assert.Equal(t, Stats{Blocks: 7, BlocksRead: 4, BlocksWrite: 3, KBRead: 16, KBWrite: 12}, d)

	d.Add(b)
	assert.Equal(t, a, d)
}

func TestAccessRequestStats(t *testing.T) {
	r := AccessRequest{BlockSizeKiB: 4, Length: 4096, Write: true}
	assert.Equal(t, Stats{Blocks: 1, BlocksWrite: 1, KBWrite: 4}, r.stats())

	r.Write = false
	assert.Equal(t, Stats{Blocks: 1, BlocksRead: 1, KBRead: 4}, r.stats())
}

func TestParamsValidate(t *testing.T) {
	p := testParams(t, EnginePosix)
	assert.NoError(t, p.Validate())

	p = testParams(t, EnginePosix)
	p.iodepth.Store(2)
	assert.Error(t, p.Validate())

	p = testParams(t, EngineAIO)
	p.ODirect = false
	assert.Error(t, p.Validate())

	p = testParams(t, EngineUring)
	p.ODirect = false
	assert.Error(t, p.Validate())

	p = testParams(t, EnginePrwv2)
	p.ODirect = false
	assert.NoError(t, p.Validate())
}

func TestApplyMutations(t *testing.T) {
	p := testParams(t, EngineAIO)

	msg, err := p.Apply("block_size=8")
	require.NoError(t, err)
	assert.Equal(t, "set block_size=8", msg)
	assert.Equal(t, uint64(8), p.BlockSize())
	assert.True(t, p.Changed())
	p.ClearChanged()

	_, err = p.Apply("block_size=2")
	assert.Error(t, err)
	assert.False(t, p.Changed())

	msg, err = p.Apply("iodepth=32")
	require.NoError(t, err)
	assert.Equal(t, "set iodepth=32", msg)
	assert.True(t, p.Changed())
	p.ClearChanged()

	_, err = p.Apply("iodepth=0")
	assert.Error(t, err)
	_, err = p.Apply("iodepth=129")
	assert.Error(t, err)

	_, err = p.Apply("write_ratio=0.5")
	require.NoError(t, err)
	assert.Equal(t, 0.5, p.WriteRatio())
	_, err = p.Apply("write_ratio=1.5")
	assert.Error(t, err)

	_, err = p.Apply("random_ratio=1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, p.RandomRatio())

	_, err = p.Apply("flush_blocks=100")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), p.FlushBlocks())

	_, err = p.Apply("wait=true")
	require.NoError(t, err)
	assert.True(t, p.Wait())

	_, err = p.Apply("nonsense=1")
	assert.Error(t, err)
}

// Setting a parameter to its current value still flips changed: the warm
// slot is documented behavior.
func TestApplySameValueStillFlipsChanged(t *testing.T) {
	p := testParams(t, EngineAIO)
	p.ClearChanged()

	_, err := p.Apply("block_size=4")
	require.NoError(t, err)
	assert.True(t, p.Changed())
}

func TestApplyIodepthRejectedForPosix(t *testing.T) {
	p := testParams(t, EnginePosix)
	_, err := p.Apply("iodepth=2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "immutable")
}

func TestSnapshotFields(t *testing.T) {
	p := testParams(t, EnginePosix)
	snap := p.Snapshot()
	for _, k := range []string{"wait", "filesize", "block_size", "iodepth", "flush_blocks", "write_ratio", "random_ratio"} {
		assert.True(t, strings.Contains(snap, `"`+k+`"`), "missing %q in %s", k, snap)
	}
}
