// Package control is the command surface of the workload generator: a
// stdin reader and a unix-domain socket server feed one handler that
// mutates the engine parameters atomically and collects report-time phase
// shifts for the reporter.
package control

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/runningwild/jostle/pkg/engine"
)

// maxShiftTries bounds the compare-and-set attempts before an incoming
// shift_report_time overrides a not-yet-consumed value.
const maxShiftTries = 2

var shiftRe = regexp.MustCompile(`^shift_report_time (-?[0-9]+)$`)

// Reader owns the stdin reader goroutine and the optional socket server.
type Reader struct {
	params *engine.Params
	log    *zap.SugaredLogger
	onStop func()

	stop atomic.Bool
	ln   net.Listener
	wg   sync.WaitGroup

	shiftMs    atomic.Int64
	shiftTries atomic.Int32
}

// NewReader starts the unix-domain command socket when socketPath is
// non-empty; the stdin reader is started by the caller through ReadLines.
// onStop is invoked when a stop command arrives or the ReadLines stream
// closes.
func NewReader(params *engine.Params, socketPath string, onStop func(), log *zap.SugaredLogger) (*Reader, error) {
	r := &Reader{params: params, log: log, onStop: onStop}

	if socketPath != "" {
		log.Infof("initiating command socket: %s", socketPath)
		os.Remove(socketPath)
		ln, err := net.Listen("unix", socketPath)
		if err != nil {
			return nil, fmt.Errorf("can't listen on command socket: %w", err)
		}
		r.ln = ln
		r.wg.Add(1)
		go r.acceptLoop()
	}
	return r, nil
}

// ReadLines consumes commands line by line until in closes, then treats the
// closed stream as a stop request. The caller runs it on its own goroutine
// with os.Stdin.
func (r *Reader) ReadLines(in io.Reader) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if r.stop.Load() {
			return
		}
		r.Handle(strings.TrimSpace(sc.Text()), nil)
	}
	if !r.stop.Load() {
		r.onStop()
	}
}

// ShiftReportTimeMs consumes and resets the pending report phase shift.
func (r *Reader) ShiftReportTimeMs() int64 {
	return r.shiftMs.Swap(0)
}

// Stop shuts down the socket server. The stdin goroutine unblocks when
// stdin closes (the parent holds the pipe).
func (r *Reader) Stop() {
	if r.stop.CompareAndSwap(false, true) {
		if r.ln != nil {
			r.ln.Close()
		}
	}
}

func (r *Reader) acceptLoop() {
	defer r.wg.Done()
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			if r.stop.Load() {
				return
			}
			r.log.Errorf("command socket accept: %v", err)
			return
		}
		r.wg.Add(1)
		go r.serveConn(conn)
	}
}

// serveConn handles one connection carrying one command.
func (r *Reader) serveConn(conn net.Conn) {
	defer r.wg.Done()
	defer conn.Close()

	sc := bufio.NewScanner(conn)
	if !sc.Scan() {
		return
	}
	msg := strings.TrimSpace(sc.Text())
	r.log.Infof("command received from socket: %s", msg)
	r.Handle(msg, func(reply string) {
		fmt.Fprintf(conn, "%s\n", reply)
	})
}

// Handle runs one command. reply, when non-nil, receives the textual
// result ("set k=v" or "ERROR: ...") in addition to the log.
func (r *Reader) Handle(command string, reply func(string)) {
	ok := func(msg string) {
		r.log.Infof("%s", msg)
		if reply != nil {
			reply(msg)
		}
	}
	fail := func(err error) {
		r.log.Errorf("%v", err)
		if reply != nil {
			reply(fmt.Sprintf("ERROR: %v", err))
		}
	}

	switch {
	case command == "":
		return

	case command == "stop":
		ok("stop command received")
		r.onStop()

	case command == "help":
		ok(engine.HelpText)

	case strings.HasPrefix(command, "shift_report_time"):
		m := shiftRe.FindStringSubmatch(command)
		if m == nil {
			fail(fmt.Errorf("invalid command: %s", command))
			return
		}
		ms, _ := strconv.ParseInt(m[1], 10, 64)
		if err := r.setShift(ms, ok); err != nil {
			fail(err)
		}

	default:
		msg, err := r.params.Apply(command)
		if err != nil {
			fail(err)
			return
		}
		ok(msg)
	}
}

// setShift publishes a one-time report phase shift. A pending shift is only
// replaced after maxShiftTries failed compare-and-set attempts, so a racing
// writer cannot silently clobber a value the reporter has not yet consumed.
func (r *Reader) setShift(ms int64, ok func(string)) error {
	limit := int64(700) * int64(r.params.StatsInterval)
	if ms >= limit || -ms >= limit {
		return fmt.Errorf("invalid shift time %d; must be between -%d and %d ms", ms, limit, limit)
	}

	if r.shiftMs.CompareAndSwap(0, ms) {
		r.shiftTries.Store(0)
		ok(fmt.Sprintf("set shift_report_time = %dms", ms))
		return nil
	}
	if r.shiftTries.Load() >= maxShiftTries {
		r.shiftTries.Store(0)
		r.shiftMs.Store(ms)
		ok(fmt.Sprintf("set shift_report_time = %dms (overridden)", ms))
		return nil
	}
	r.shiftTries.Add(1)
	return fmt.Errorf("failed to set shift_report_time = %dms; the old value was not applied yet, try again later", ms)
}
