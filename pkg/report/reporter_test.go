package report

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runningwild/jostle/pkg/engine"
	"github.com/runningwild/jostle/pkg/logx"
	"github.com/runningwild/jostle/pkg/timesync"
)

// fakeSource grows its counters linearly with every Stats call.
type fakeSource struct {
	mu    sync.Mutex
	stats engine.Stats
}

func (f *fakeSource) Stats() engine.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats.Add(engine.Stats{Blocks: 10, BlocksRead: 10, KBRead: 40})
	return f.stats
}

func (f *fakeSource) TakeHistogram() *hdrhistogram.Histogram {
	h := hdrhistogram.New(1, 60*1000*1000, 3)
	h.RecordValue(150)
	return h
}

type lineSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *lineSink) add(line string) {
	s.mu.Lock()
	s.lines = append(s.lines, line)
	s.mu.Unlock()
}

func (s *lineSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func newTestReporter(t *testing.T, shift func() int64) (*Reporter, *engine.Params, *lineSink) {
	t.Helper()
	log, err := logx.New("info", true)
	require.NoError(t, err)

	p := &engine.Params{Filename: "/tmp/x", Engine: engine.EnginePosix, StatsInterval: 1}
	require.NoError(t, p.Init(100, 4, 1, 0, 0, 0, false))

	if shift == nil {
		shift = func() int64 { return 0 }
	}
	sink := &lineSink{}
	r := New(p, &fakeSource{}, shift, timesync.NewClock(), log, sink.add)
	t.Cleanup(r.Close)
	return r, p, sink
}

func TestWarmSlotThenReports(t *testing.T) {
	r, _, sink := newTestReporter(t, nil)

	// First interval is the warm slot; nothing before ~2 s.
	time.Sleep(1200 * time.Millisecond)
	assert.Empty(t, sink.snapshot())

	time.Sleep(2 * time.Second)
	lines := sink.snapshot()
	require.NotEmpty(t, lines)
	require.NoError(t, r.Err())

	line := lines[0]
	assert.True(t, strings.HasPrefix(line, "STATS: {"))
	for _, k := range []string{`"time"`, `"total_MiB/s"`, `"read_MiB/s"`, `"write_MiB/s"`,
		`"blocks/s"`, `"blocks_read/s"`, `"blocks_write/s"`,
		`"wait"`, `"filesize"`, `"block_size"`, `"iodepth"`,
		`"flush_blocks"`, `"write_ratio"`, `"random_ratio"`} {
		assert.Contains(t, line, k)
	}
	assert.Contains(t, line, `"lat_p50_us"`)
}

// A mutation suppresses exactly one interval.
func TestMutationSkipsOneInterval(t *testing.T) {
	r, p, sink := newTestReporter(t, nil)

	// Let the warm slot and one real report pass.
	time.Sleep(2300 * time.Millisecond)
	require.NotEmpty(t, sink.snapshot())

	n := len(sink.snapshot())
	_, err := p.Apply("write_ratio=1")
	require.NoError(t, err)

	// The next tick is skipped, the one after emits again.
	time.Sleep(1 * time.Second)
	assert.Len(t, sink.snapshot(), n)
	time.Sleep(1200 * time.Millisecond)
	assert.Greater(t, len(sink.snapshot()), n)
	require.NoError(t, r.Err())
}

// An absurd shift makes the computed sleep invalid and aborts the reporter.
func TestInvalidSleepIsFatal(t *testing.T) {
	shifts := []int64{5000}
	shift := func() int64 {
		if len(shifts) == 0 {
			return 0
		}
		s := shifts[0]
		shifts = shifts[:0]
		return s
	}
	r, _, _ := newTestReporter(t, shift)

	time.Sleep(300 * time.Millisecond)
	err := r.Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BUG")
}

func TestShiftDelaysReport(t *testing.T) {
	fired := make(chan time.Time, 8)
	shifts := []int64{400}
	var mu sync.Mutex
	shift := func() int64 {
		mu.Lock()
		defer mu.Unlock()
		if len(shifts) == 0 {
			return 0
		}
		s := shifts[0]
		shifts = shifts[:0]
		return s
	}

	log, err := logx.New("info", true)
	require.NoError(t, err)
	p := &engine.Params{Filename: "/tmp/x", Engine: engine.EnginePosix, StatsInterval: 1}
	require.NoError(t, p.Init(100, 4, 1, 0, 0, 0, false))

	start := time.Now()
	r := New(p, &fakeSource{}, shift, timesync.NewClock(), log, func(string) {
		select {
		case fired <- time.Now():
		default:
		}
	})
	defer r.Close()

	// Warm slot at ~1.4 s (1 s interval + 400 ms shift), first emitted
	// report one interval later.
	select {
	case ts := <-fired:
		assert.Greater(t, ts.Sub(start), 2200*time.Millisecond)
	case <-time.After(4 * time.Second):
		t.Fatal("no report emitted")
	}
}
