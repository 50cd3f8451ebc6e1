package task

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runningwild/jostle/pkg/config"
	"github.com/runningwild/jostle/pkg/logx"
	"github.com/runningwild/jostle/pkg/timesync"
)

// fakeRuntime satisfies Runtime without a docker daemon.
type fakeRuntime struct {
	removed []string
}

func (f *fakeRuntime) Start(context.Context, string, Spec) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}
func (f *fakeRuntime) Run(context.Context, string, Spec) error { return nil }
func (f *fakeRuntime) Alive(context.Context, string) bool      { return false }
func (f *fakeRuntime) Remove(name string) error {
	f.removed = append(f.removed, name)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		DurationMinutes: 1,
		StatsInterval:   1,
		SyncStats:       true,
		DockerImage:     "jostle:latest",
		KVBench:         []config.KVBenchSpec{{Path: "/data/db0", Benchmark: "readwhilewriting", NumKeys: 1000, NumLevels: 6, CacheSize: 1 << 20, Threads: 1, ReadWritePercent: 90, SineCycles: 1}},
		YCSB:            []config.YCSBSpec{{Path: "/data/ydb0", Workload: "workloadb", NumKeys: 1000, Threads: 1}},
		Blkload:         []config.BlkloadSpec{{Dir: "/data/at0", File: "f.dat", BlockSize: 4, IOEngine: "libaio", Iodepth: 4}},
	}
}

func newParseEnv(t *testing.T) (*config.Config, *TmpDir, *fakeRuntime, *timesync.Clock, *timesync.TimeSync) {
	t.Helper()
	cfg := testConfig()
	tmp, err := NewTmpDir()
	require.NoError(t, err)
	t.Cleanup(tmp.Remove)
	return cfg, tmp, &fakeRuntime{}, timesync.NewClock(), timesync.New(cfg.StatsInterval)
}

func TestKVBenchParsing(t *testing.T) {
	cfg, tmp, rt, clock, ts := newParseEnv(t)
	log, err := logx.New("info", true)
	require.NoError(t, err)

	k := NewKVBench(clock, cfg, 0, true, rt, tmp, ts, log)

	k.handleStdout("thread 0: (102400,204800) ops and (10240.5,9800.1) ops/second in (10.0,20.0) seconds")
	k.handleStdout("thread 1: (51200,102400) ops and (5120.0,4900.0) ops/second in (10.0,20.0) seconds")

	v, ok := k.data.Get("ops")
	require.True(t, ok)
	assert.Equal(t, "153600", v)
	v, _ = k.data.Get("ops_per_s")
	assert.Equal(t, "15360.5", v)
	v, _ = k.data.Get("ops[1]")
	assert.Equal(t, "51200", v)

	k.handleStdout("Interval writes: 125K writes, 125K keys, 97K commit groups, 1.3 writes per commit group, ingest: 55.50 MB, 11.08 MB/s")
	v, _ = k.data.Get("writes")
	assert.Equal(t, "125K", v)
	v, _ = k.data.Get("ingest_MB")
	assert.Equal(t, "55.50", v)
	v, _ = k.data.Get("ingest_MBps")
	assert.Equal(t, "11.08", v)

	k.handleStdout("Interval WAL: 125K writes, 125K syncs, 1.00 writes per sync, written: 0.13 GB, 0.03 MB/s")
	v, _ = k.data.Get("WAL_writes")
	assert.Equal(t, "125K", v)
	v, _ = k.data.Get("WAL_written_MBps")
	assert.Equal(t, "0.03", v)

	// The stall line closes the interval: the record is emitted and
	// cleared, and the per-interval accumulators reset.
	k.handleStdout("Interval stall: 00:00:1.265 H:M:S, 1.2 percent")
	assert.Equal(t, 0, k.data.Len())
	assert.Equal(t, uint64(0), k.ops)
}

func TestYCSBParsing(t *testing.T) {
	cfg, tmp, rt, clock, ts := newParseEnv(t)
	log, err := logx.New("info", true)
	require.NoError(t, err)

	y := NewYCSB(clock, cfg, 0, true, rt, tmp, ts, log)
	y.spec.Socket = false

	closed := y.parseOpsLine("2020-05-31 12:37:56:062 40 sec: 8898270 operations; 181027,5 current ops/sec; est completion in 5 second " +
		"[READ: Count=452553, Max=2329, Min=1, Avg=19,59, 90=45, 99=69, 99.9=108, 99.99=602] " +
		"[UPDATE: Count=452135, Max=404479, Min=5, Avg=87,65, 90=74, 99=1152, 99.9=1233, 99.99=2257]")
	require.True(t, closed)

	v, ok := y.data.Get("ops")
	require.True(t, ok)
	assert.Equal(t, "8898270", v)
	v, _ = y.data.Get("ops_per_s")
	assert.Equal(t, "181027.5", v)
	v, _ = y.data.Get("READ_Count")
	assert.Equal(t, "452553", v)
	v, _ = y.data.Get("READ_Avg")
	assert.Equal(t, "19.59", v)
	v, _ = y.data.Get("UPDATE_99.99")
	assert.Equal(t, "2257", v)

	assert.False(t, y.parseOpsLine("unrelated output line"))

	// The full handler closes and clears the interval record.
	y.handleStdout("2020-05-31 12:37:57:062 41 sec: 8898470 operations; 181030 current ops/sec; est completion in 4 second " +
		"[READ: Count=10, Max=1, Min=1, Avg=1]")
	assert.Equal(t, 0, y.data.Len())
}

func TestYCSBSocketReplyParsing(t *testing.T) {
	m := ycsbSocketRe.FindStringSubmatch(`socket_server.json: {"cf": "usertable", "stats": {"n": 1}}`)
	require.NotNil(t, m)
	assert.Equal(t, `{"cf": "usertable", "stats": {"n": 1}}`, m[1])
}

func TestBlkloadStatsParsing(t *testing.T) {
	line := `INFO STATS: {"time":"12", "total_MiB/s":"95.21", "read_MiB/s":"95.21", "write_MiB/s":"0.00", "blocks/s":"24374.0", "blocks_read/s":"24374.0", "blocks_write/s":"0.0", "wait":"false", "filesize":"10"}`
	m := blkloadStatsRe.FindStringSubmatch(line)
	require.NotNil(t, m)
	assert.Contains(t, m[1], `"total_MiB/s":"95.21"`)
	assert.Contains(t, m[1], `"filesize":"10"`)
	assert.NotContains(t, m[1], `"time"`)
}

func TestRecordOrderAndJSON(t *testing.T) {
	r := NewRecord()
	r.Set("b", "2")
	r.Set("a", "1")
	r.Set("b", "3") // update keeps position
	r.SetRaw("nested", `{"x": 1}`)

	assert.Equal(t, `{"b": "3", "a": "1", "nested": {"x": 1}}`, r.JSON())
	r.Clear()
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, `{}`, r.JSON())
}

func TestBaseCloseRemovesContainer(t *testing.T) {
	cfg, tmp, rt, clock, ts := newParseEnv(t)
	log, err := logx.New("info", true)
	require.NoError(t, err)

	b := NewBlkload(clock, cfg, 0, false, rt, tmp, ts, log)
	b.Close()
	b.Close() // idempotent
	assert.Equal(t, []string{"blk_0"}, rt.removed)
}
