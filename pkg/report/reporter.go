// Package report emits one structured stats line per interval from the
// workload generator: per-interval deltas of the engine counters, latency
// percentiles, and the current parameter snapshot.
package report

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"go.uber.org/zap"

	"github.com/runningwild/jostle/pkg/engine"
	"github.com/runningwild/jostle/pkg/timesync"
)

// StatsSource provides the monotonic counters and the interval latency
// histogram (the engine controller).
type StatsSource interface {
	Stats() engine.Stats
	TakeHistogram() *hdrhistogram.Histogram
}

// Reporter samples the stats source every stats interval and prints the
// delta. A parameter change suppresses exactly one interval (the warm
// slot); a pending phase shift stretches or shrinks exactly one sleep.
type Reporter struct {
	params *engine.Params
	src    StatsSource
	shift  func() int64 // pending report shift in ms, consumed on read
	clock  *timesync.Clock
	log    *zap.SugaredLogger
	out    func(line string)

	stop atomic.Bool
	done chan struct{}

	errMu sync.Mutex
	err   error
}

// New starts the reporter goroutine. The first interval is always a warm
// slot. out overrides the destination of the STATS lines; nil prints them
// through the logger.
func New(params *engine.Params, src StatsSource, shift func() int64, clock *timesync.Clock, log *zap.SugaredLogger, out func(string)) *Reporter {
	r := &Reporter{
		params: params,
		src:    src,
		shift:  shift,
		clock:  clock,
		log:    log,
		out:    out,
		done:   make(chan struct{}),
	}
	if r.out == nil {
		r.out = func(line string) { log.Infof("%s", line) }
	}
	go r.run()
	return r
}

func (r *Reporter) run() {
	defer close(r.done)
	r.log.Infof("report thread initiated")

	interval := time.Duration(r.params.StatsInterval) * time.Second
	last := r.src.Stats()
	lastMs := r.clock.Ms()
	r.params.MarkChanged()

	corr := time.Now()
	for !r.stop.Load() {
		shift := time.Duration(r.shift()) * time.Millisecond
		sleep := interval - time.Since(corr) + shift
		if sleep < 0 || sleep >= 2*interval {
			r.setErr(fmt.Errorf("BUG: invalid sleep time in report thread: %v", sleep))
			return
		}
		time.Sleep(sleep)
		if r.stop.Load() {
			break
		}
		corr = time.Now()

		curMs := r.clock.Ms()
		cur := r.src.Stats()
		hist := r.src.TakeHistogram()

		if r.params.Changed() {
			// Warm slot: one interval is skipped after any change so the
			// first delta after a mutation covers a clean window.
			r.params.ClearChanged()
		} else {
			r.emit(cur.Sub(last), curMs-lastMs, hist)
		}

		last = cur
		lastMs = curMs
	}
	r.log.Infof("report thread finished")
}

func (r *Reporter) emit(delta engine.Stats, elapsedMs uint64, hist *hdrhistogram.Histogram) {
	if elapsedMs == 0 {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%q:%q", "time", fmt.Sprintf("%d", r.clock.S()))
	fmt.Fprintf(&b, ", %q:%q", "total_MiB/s", fmt.Sprintf("%.2f", float64((delta.KBRead+delta.KBWrite)*1000)/float64(elapsedMs*1024)))
	fmt.Fprintf(&b, ", %q:%q", "read_MiB/s", fmt.Sprintf("%.2f", float64(delta.KBRead*1000)/float64(elapsedMs*1024)))
	fmt.Fprintf(&b, ", %q:%q", "write_MiB/s", fmt.Sprintf("%.2f", float64(delta.KBWrite*1000)/float64(elapsedMs*1024)))
	fmt.Fprintf(&b, ", %q:%q", "blocks/s", fmt.Sprintf("%.1f", float64(delta.Blocks*1000)/float64(elapsedMs)))
	fmt.Fprintf(&b, ", %q:%q", "blocks_read/s", fmt.Sprintf("%.1f", float64(delta.BlocksRead*1000)/float64(elapsedMs)))
	fmt.Fprintf(&b, ", %q:%q", "blocks_write/s", fmt.Sprintf("%.1f", float64(delta.BlocksWrite*1000)/float64(elapsedMs)))
	if hist != nil && hist.TotalCount() > 0 {
		fmt.Fprintf(&b, ", %q:%q", "lat_p50_us", fmt.Sprintf("%d", hist.ValueAtQuantile(50)))
		fmt.Fprintf(&b, ", %q:%q", "lat_p99_us", fmt.Sprintf("%d", hist.ValueAtQuantile(99)))
	}
	fmt.Fprintf(&b, ", %s", r.params.Snapshot())
	r.out(fmt.Sprintf("STATS: {%s}", b.String()))
}

func (r *Reporter) setErr(err error) {
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.errMu.Unlock()
}

// Err returns the reporter's fatal error, if any. A non-nil value means
// the run must abort.
func (r *Reporter) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

// Stop terminates the reporter after at most one more sleep.
func (r *Reporter) Stop() {
	r.stop.Store(true)
}

// Close stops the reporter and waits for the goroutine, bounded by two
// intervals.
func (r *Reporter) Close() {
	r.Stop()
	select {
	case <-r.done:
	case <-time.After(2 * time.Duration(r.params.StatsInterval) * time.Second):
		r.log.Warnf("report thread did not finish in time")
	}
}
