package runner

import (
	"fmt"
	"net"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/runningwild/jostle/pkg/timesync"
)

// perfmonBufSize bounds one stats response from the counter daemon.
const perfmonBufSize = 1024 * 1024

var perfmonStatsRe = regexp.MustCompile(`STATS: \{(.+)`)

// PerfmonClient polls the external performance-counter daemon over TCP:
// "reset" on connect, one "stats" request per interval, an "alive"
// handshake when a response comes back empty, "stop" on shutdown. Its
// reports join the TimeSync phase like any secondary task.
type PerfmonClient struct {
	clock       *timesync.Clock
	tsync       *timesync.TimeSync
	intervalS   uint32
	warmPeriodS uint64
	syncStats   bool
	log         *zap.SugaredLogger

	conn net.Conn
	stop atomic.Bool
	done chan struct{}

	errMu sync.Mutex
	err   error
}

// NewPerfmonClient connects to 127.0.0.1:port and starts the polling
// goroutine.
func NewPerfmonClient(port uint16, clock *timesync.Clock, ts *timesync.TimeSync, intervalS uint32, warmPeriodS uint64, syncStats bool, log *zap.SugaredLogger) (*PerfmonClient, error) {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 3*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connection failed; the performance counter daemon is not running: %w", err)
	}
	p := &PerfmonClient{
		clock:       clock,
		tsync:       ts,
		intervalS:   intervalS,
		warmPeriodS: warmPeriodS,
		syncStats:   syncStats,
		log:         log,
		conn:        conn,
		done:        make(chan struct{}),
	}
	go p.run()
	return p, nil
}

func (p *PerfmonClient) setErr(err error) {
	p.errMu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.errMu.Unlock()
}

// Err returns the first polling error.
func (p *PerfmonClient) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

// Active reports whether the poller is still healthy.
func (p *PerfmonClient) Active() bool {
	return !p.stop.Load() && p.Err() == nil
}

// Close sends stop to the daemon and tears the connection down.
func (p *PerfmonClient) Close() {
	if !p.stop.CompareAndSwap(false, true) {
		return
	}
	select {
	case <-p.done:
	case <-time.After(time.Duration(p.intervalS+1) * time.Second):
		p.log.Warnf("perfmon poller did not finish in time")
	}
	p.conn.SetWriteDeadline(time.Now().Add(time.Second))
	fmt.Fprint(p.conn, "stop")
	p.conn.Close()
}

func (p *PerfmonClient) run() {
	defer close(p.done)

	if _, err := fmt.Fprint(p.conn, "reset"); err != nil {
		p.setErr(fmt.Errorf("failed to send reset to the performance counter daemon: %w", err))
		return
	}

	buf := make([]byte, perfmonBufSize)
	interval := time.Duration(p.intervalS) * time.Second
	corr := time.Now()
	var shiftMs int64

	for !p.stop.Load() {
		sleep := interval - time.Since(corr) + time.Duration(shiftMs)*time.Millisecond
		if sleep > 0 {
			time.Sleep(sleep)
		}
		if p.stop.Load() {
			return
		}
		corr = time.Now()
		shiftMs = 0

		if _, err := fmt.Fprint(p.conn, "stats"); err != nil {
			p.setErr(fmt.Errorf("failed to request stats: %w", err))
			return
		}
		p.conn.SetReadDeadline(time.Now().Add(interval))
		n, err := p.conn.Read(buf)
		if err != nil {
			p.setErr(fmt.Errorf("failed to read stats from the performance counter daemon: %w", err))
			return
		}
		if n == 0 {
			p.log.Warnf("failed to read stats from the performance counter daemon (zero bytes received)")
			if _, err := fmt.Fprint(p.conn, "alive"); err != nil {
				p.setErr(fmt.Errorf("failed to send alive: %w", err))
				return
			}
			n, err = p.conn.Read(buf)
			if err != nil || n == 0 {
				p.setErr(fmt.Errorf("failed to read alive status from the performance counter daemon"))
				return
			}
			continue
		}

		clockS := p.clock.S()
		if clockS > p.warmPeriodS {
			if m := perfmonStatsRe.FindSubmatch(buf[:n]); m != nil {
				p.log.Infof("Task perfmon, STATS: {\"time\": %d, %s", clockS-p.warmPeriodS, m[1])
				if p.tsync != nil && p.syncStats {
					shiftMs = p.tsync.GetTimeShift()
				}
			}
		}
	}
}
