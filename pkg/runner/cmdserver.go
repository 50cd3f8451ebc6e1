package runner

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/runningwild/jostle/pkg/task"
	"github.com/runningwild/jostle/pkg/timesync"
)

// Scheduled command statuses.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusCanceled  Status = "canceled"
	StatusRunning   Status = "running"
	StatusFinished  Status = "finished"
	StatusFailed    Status = "failed"
)

// ScheduledCommand is one issued command record. Canceled entries keep
// their slot and are skipped at dispatch.
type ScheduledCommand struct {
	N          uint32
	Name       string
	Params     string
	TimeIssued uint64
	TimeSched  uint64
	Status     Status
}

var (
	cmdSplitRe  = regexp.MustCompile(`^(\S+)\s*(.*)$`)
	cmdTimeRe   = regexp.MustCompile(`^(\+?)([0-9]+)([sm])$`)
	wildcardRe  = regexp.MustCompile(`^([^*]*)\*([^*]*)$`)
	dispatchTick = 300 * time.Millisecond
)

// CommandServer serves the experiment control mini-language over a
// unix-domain socket: schedule tokens, list/cancel bookkeeping, and command
// dispatch to named tasks. It borrows the name->task map read-only and
// never owns the tasks.
type CommandServer struct {
	clock       *timesync.Clock
	warmPeriodS uint64
	targets     map[string]task.Task
	log         *zap.SugaredLogger

	ln   net.Listener
	stop atomic.Bool
	wg   sync.WaitGroup

	mu       sync.Mutex
	counter  uint32
	commands map[uint32]*ScheduledCommand
	order    []uint32
	canceled map[uint32]bool
}

// NewCommandServer starts accepting on socketPath. An empty path builds a
// server that only executes config-supplied command strings.
func NewCommandServer(socketPath string, clock *timesync.Clock, warmPeriodS uint64, targets map[string]task.Task, log *zap.SugaredLogger) (*CommandServer, error) {
	s := &CommandServer{
		clock:       clock,
		warmPeriodS: warmPeriodS,
		targets:     targets,
		log:         log,
		commands:    map[uint32]*ScheduledCommand{},
		canceled:    map[uint32]bool{},
	}
	if socketPath != "" {
		log.Infof("initiating command socket: %s", socketPath)
		os.Remove(socketPath)
		ln, err := net.Listen("unix", socketPath)
		if err != nil {
			return nil, fmt.Errorf("can't listen on command socket: %w", err)
		}
		s.ln = ln
		s.wg.Add(1)
		go s.acceptLoop()
	}
	return s, nil
}

// Close stops accepting, cancels pending dispatch workers, and waits for
// them.
func (s *CommandServer) Close() {
	if !s.stop.CompareAndSwap(false, true) {
		return
	}
	if s.ln != nil {
		s.ln.Close()
	}
	s.wg.Wait()
}

func (s *CommandServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if !s.stop.Load() {
				s.log.Errorf("command socket accept: %v", err)
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			sc := bufio.NewScanner(conn)
			sc.Buffer(make([]byte, 64*1024), 1024*1024)
			var block strings.Builder
			for sc.Scan() {
				block.WriteString(sc.Text())
				block.WriteByte('\n')
			}
			if block.Len() == 0 {
				return
			}
			s.Execute(block.String(), func(msg string) {
				fmt.Fprintf(conn, "%s\n", msg)
			})
		}()
	}
}

// ExecuteAsync runs a command block on its own goroutine (used for the
// config-supplied initial command string).
func (s *CommandServer) ExecuteAsync(block string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Execute(block, nil)
	}()
}

// Execute parses one received block: lines split by newline, commands
// within a line split by '#', processed left to right with a shared
// scheduled time starting at zero. It blocks until every dispatched
// command of the block has run.
func (s *CommandServer) Execute(block string, reply func(string)) {
	if s.stop.Load() {
		return
	}

	info := func(n uint32, format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		s.log.Infof("output command [%d]: %s", n, msg)
		if reply != nil {
			reply(msg)
		}
	}
	fail := func(n uint32, format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		s.log.Errorf("output command [%d]: %s", n, msg)
		if reply != nil {
			reply("ERROR: " + msg)
		}
	}

	var workers sync.WaitGroup
	var scheduledTime uint64

	for _, line := range strings.Split(block, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		s.log.Infof("command line received: %s", line)

		for _, item := range strings.Split(line, "#") {
			if s.stop.Load() {
				return
			}
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			n := atomic.AddUint32(&s.counter, 1)
			s.log.Infof("processing command [%d]: %s", n, item)

			m := cmdSplitRe.FindStringSubmatch(item)
			if m == nil {
				continue
			}
			name, params := m[1], strings.TrimSpace(m[2])

			if abort := s.executeItem(n, name, params, &scheduledTime, &workers, info, fail); abort {
				// A schedule in the past discards the rest of the line.
				break
			}
		}
	}

	workers.Wait()
	s.log.Debugf("command parser and executor terminated")
}

// executeItem handles one command token. The returned flag aborts the rest
// of the current line.
func (s *CommandServer) executeItem(n uint32, name, params string, scheduledTime *uint64, workers *sync.WaitGroup, info, fail func(uint32, string, ...any)) bool {
	switch name {
	case "test":
		info(n, "test OK! parameters: %s\ncurrent time = %d\nscheduled time = %d", params, s.clock.S(), *scheduledTime)
		return false

	case "help":
		info(n, helpText)
		return false

	case "list-exp":
		names := make([]string, 0, len(s.targets))
		for name := range s.targets {
			names = append(names, name)
		}
		sort.Strings(names)
		info(n, "list of experiments: %s", strings.Join(names, ", "))
		return false

	case "list-cmd", "list-sched":
		issuedOnly := name == "list-cmd"
		now := s.clock.S()
		var b strings.Builder
		fmt.Fprintf(&b, "Current time: %d", now)
		if issuedOnly {
			b.WriteString("\nIssued commands:")
		} else {
			b.WriteString("\nScheduled commands:")
		}
		s.mu.Lock()
		reported := 0
		for _, id := range s.order {
			c := s.commands[id]
			if issuedOnly || c.TimeSched >= now {
				canceled := ""
				if s.canceled[id] {
					canceled = "[canceled]"
				}
				fmt.Fprintf(&b, "\n\t%3d: issued_time:%-6d sched_time:%-6d %-10s %-10s : %s %s",
					c.N, c.TimeIssued, c.TimeSched, c.Status, canceled, c.Name, c.Params)
				reported++
			}
		}
		s.mu.Unlock()
		if reported == 0 {
			b.WriteString("\n\t(empty)")
		}
		info(n, "%s", b.String())
		return false

	case "cancel":
		s.cancel(n, params, info, fail)
		return false
	}

	// Schedule tokens: Ns/Nm (warm + N), 0Ns/0Nm (N from start), +Ns/+Nm
	// (now + N).
	if m := cmdTimeRe.FindStringSubmatch(name); m != nil {
		t, _ := strconv.ParseUint(m[2], 10, 64)
		if m[3] == "m" {
			t *= 60
		}
		if m[1] == "+" {
			t += s.clock.S()
		} else if m[2][0] != '0' {
			t += s.warmPeriodS
		}
		now := s.clock.S()
		if t >= now {
			*scheduledTime = t
			info(n, "scheduling the next commands to time = %d", t)
			return false
		}
		fail(n, "schedule time %d is inferior to the current time %d; canceling the subsequent commands in this line", t, now)
		return true
	}

	// Task dispatch, with a single-'*' prefix/suffix wildcard.
	selected := map[string]task.Task{}
	if tk, ok := s.targets[name]; ok {
		selected[name] = tk
	} else if m := wildcardRe.FindStringSubmatch(name); m != nil {
		for tn, tk := range s.targets {
			if strings.HasPrefix(tn, m[1]) && strings.HasSuffix(tn, m[2]) {
				selected[tn] = tk
			}
		}
	}
	if len(selected) == 0 {
		fail(n, "invalid command or experiment name: %s", name)
		return false
	}

	now := s.clock.S()
	sched := now
	if *scheduledTime > 0 {
		sched = *scheduledTime
	}
	cmd := &ScheduledCommand{
		N: n, Name: name, Params: params,
		TimeIssued: now, TimeSched: sched,
		Status: StatusScheduled,
	}
	s.mu.Lock()
	s.commands[n] = cmd
	s.order = append(s.order, n)
	s.mu.Unlock()

	for tn, tk := range selected {
		workers.Add(1)
		s.wg.Add(1)
		go s.dispatch(n, tn, tk, params, sched, workers, info, fail)
	}
	return false
}

// dispatch sleeps until the scheduled time, honors cancellation, and
// forwards the command to the task.
func (s *CommandServer) dispatch(n uint32, targetName string, target task.Task, params string, sched uint64, workers *sync.WaitGroup, info, fail func(uint32, string, ...any)) {
	defer workers.Done()
	defer s.wg.Done()

	for s.clock.S() < sched {
		if s.stop.Load() {
			return
		}
		time.Sleep(dispatchTick)
	}
	if s.stop.Load() {
		return
	}

	s.mu.Lock()
	if s.canceled[n] {
		s.commands[n].Status = StatusCanceled
		s.mu.Unlock()
		return
	}
	s.commands[n].Status = StatusRunning
	s.mu.Unlock()

	failed := false
	target.SendCommand(params, func(lvl task.Level, msg string) {
		if lvl == task.LevelError {
			failed = true
			fail(n, "return from experiment %s: %s", targetName, msg)
		} else {
			info(n, "return from experiment %s: %s", targetName, msg)
		}
	})

	s.mu.Lock()
	if failed {
		s.commands[n].Status = StatusFailed
	} else {
		s.commands[n].Status = StatusFinished
	}
	s.mu.Unlock()
}

func (s *CommandServer) cancel(n uint32, params string, info, fail func(uint32, string, ...any)) {
	num, err := strconv.ParseUint(strings.TrimSpace(params), 10, 32)
	if err != nil {
		fail(n, "invalid command number: %q", params)
		return
	}
	target := uint32(num)
	now := s.clock.S()

	s.mu.Lock()
	c, ok := s.commands[target]
	var already bool
	if ok {
		if now < c.TimeSched {
			// The cancel itself takes a slot in the command list.
			s.commands[n] = &ScheduledCommand{
				N: n, Name: "cancel", Params: params,
				TimeIssued: now, TimeSched: now, Status: StatusFinished,
			}
			s.order = append(s.order, n)
			s.canceled[target] = true
			c.Status = StatusCanceled
		} else {
			already = true
		}
	}
	s.mu.Unlock()

	switch {
	case !ok:
		fail(n, "command number %d not found", target)
	case already:
		fail(n, "command number %d already executed", target)
	default:
		info(n, "canceling command = %d", target)
	}
}

// Command returns a copy of the numbered command record, for inspection.
func (s *CommandServer) Command(n uint32) (ScheduledCommand, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.commands[n]
	if !ok {
		return ScheduledCommand{}, false
	}
	return *c, true
}

const helpText = `Help:
	test        - response test
	list-exp    - list the running experiments
	list-cmd    - list the issued commands
	list-sched  - list the scheduled commands
	Ns or Nm    - set the next experiment commands to be N seconds or N minutes after the warm-up period
	0Ns or 0Nm  - set the next experiment commands to be N seconds or N minutes after the begin of the experiment
	+Ns or +Nm  - set the next experiment commands to be N seconds or N minutes from now
	cancel N    - cancel scheduled command [N]
	{experiment_name} {command} {parameters...} - send a command and parameters to the experiment`
