// Package timesync aligns the report phases of concurrent workload
// instances: the primary task marks its report times and the other tasks
// query the signed shift that moves their next report onto the same phase.
package timesync

import (
	"sync/atomic"
	"time"
)

// fuzzyMs is the band within which two report phases count as aligned.
const fuzzyMs = 100

// Clock measures elapsed time since construction or the last Reset.
type Clock struct {
	start atomic.Int64 // UnixNano
}

func NewClock() *Clock {
	c := &Clock{}
	c.Reset()
	return c
}

func (c *Clock) Reset() { c.start.Store(time.Now().UnixNano()) }

func (c *Clock) Elapsed() time.Duration {
	return time.Duration(time.Now().UnixNano() - c.start.Load())
}

func (c *Clock) S() uint64  { return uint64(c.Elapsed() / time.Second) }
func (c *Clock) Ms() uint64 { return uint64(c.Elapsed() / time.Millisecond) }
func (c *Clock) Us() uint64 { return uint64(c.Elapsed() / time.Microsecond) }

// TimeSync is the process-wide report-phase reference.
type TimeSync struct {
	intervalMs     int64
	intervalMsHalf int64
	base           time.Time
	haveReport     atomic.Bool
	lastReportMs   atomic.Int64
}

// New builds a TimeSync for the given stats interval.
func New(statsIntervalS uint32) *TimeSync {
	intervalMs := int64(statsIntervalS) * 1000
	return &TimeSync{
		intervalMs:     intervalMs,
		intervalMsHalf: intervalMs / 2,
		base:           time.Now(),
	}
}

// NewReport marks now as the reference report time.
func (t *TimeSync) NewReport() {
	t.lastReportMs.Store(time.Since(t.base).Milliseconds())
	t.haveReport.Store(true)
}

// GetTimeShift returns the signed millisecond adjustment a peer adds to its
// next report sleep so its reports cluster at the reference phase. Zero
// means aligned (within the fuzzy band) or no usable reference.
func (t *TimeSync) GetTimeShift() int64 {
	if !t.haveReport.Load() {
		return 0
	}
	now := time.Since(t.base).Milliseconds()
	return t.shiftFor(now - t.lastReportMs.Load())
}

func (t *TimeSync) shiftFor(delta int64) int64 {
	if delta >= 2*t.intervalMs {
		// Stale reference: the primary stopped reporting.
		return 0
	}
	delta %= t.intervalMs
	if delta <= t.intervalMsHalf {
		delta = -delta
	} else {
		delta = t.intervalMs - delta
	}
	if delta > fuzzyMs || delta < -fuzzyMs {
		return delta
	}
	return 0
}
