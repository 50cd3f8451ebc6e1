// Package runner drives one experiment: it builds the workload tasks,
// keeps them alive in a lock-step liveness loop, serves the command
// socket, and enforces a single coordinated shutdown.
package runner

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/process"
	"go.uber.org/zap"

	"github.com/runningwild/jostle/pkg/config"
	"github.com/runningwild/jostle/pkg/task"
	"github.com/runningwild/jostle/pkg/timesync"
)

// ignoreSignalsMax is how many SIGTERM/SIGINT deliveries are absorbed
// outside a reset: container teardown is noisy with signals.
const ignoreSignalsMax = 10

// mainLoopTick paces the liveness loop.
const mainLoopTick = 500 * time.Millisecond

// Supervisor owns the tasks of one experiment run.
type Supervisor struct {
	cfg *config.Config
	rt  task.Runtime
	log *zap.SugaredLogger

	clock *timesync.Clock
	tsync *timesync.TimeSync
	tmp   *task.TmpDir

	kvbench []*task.KVBench
	ycsb    []*task.YCSB
	blk     []*task.Blkload
	targets map[string]task.Task

	cmdServer *CommandServer
	perfmon   *PerfmonClient

	resetting      atomic.Bool
	ignoredSignals atomic.Int32
	stopRequested  atomic.Bool
	sigCh          chan os.Signal
}

// New builds a supervisor for the loaded config.
func New(cfg *config.Config, rt task.Runtime, log *zap.SugaredLogger) (*Supervisor, error) {
	tmp, err := task.NewTmpDir()
	if err != nil {
		return nil, err
	}
	return &Supervisor{
		cfg:     cfg,
		rt:      rt,
		log:     log,
		clock:   timesync.NewClock(),
		tsync:   timesync.New(cfg.StatsInterval),
		tmp:     tmp,
		targets: map[string]task.Task{},
	}, nil
}

// Run executes the experiment to completion. It always leaves the process
// tree and the temp dir cleaned up.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.resetAll()

	if s.cfg.NumTasks() == 0 {
		s.log.Warnf("no benchmark specified")
		return nil
	}

	s.installSignalHandler()

	if err := s.buildTasks(); err != nil {
		return err
	}

	// Creation steps run sequentially in the foreground; a failure aborts
	// the run before anything starts.
	for _, k := range s.kvbench {
		if err := k.CreateResources(ctx); err != nil {
			return err
		}
	}
	for _, y := range s.ycsb {
		if err := y.CreateResources(ctx); err != nil {
			return err
		}
	}

	// The experiment clock starts after creation.
	s.clock.Reset()

	for _, k := range s.kvbench {
		if err := k.Start(ctx); err != nil {
			return err
		}
	}
	for _, y := range s.ycsb {
		if err := y.Start(ctx); err != nil {
			return err
		}
	}
	for _, b := range s.blk {
		if err := b.Start(ctx); err != nil {
			return err
		}
	}

	var err error
	s.cmdServer, err = NewCommandServer(s.cfg.Socket, s.clock, uint64(s.cfg.WarmPeriodMinutes)*60, s.targets, s.log)
	if err != nil {
		return err
	}
	if s.cfg.Commands != "" {
		s.cmdServer.ExecuteAsync(s.cfg.Commands)
	}

	if s.cfg.Perfmon {
		s.perfmon, err = NewPerfmonClient(s.cfg.PerfmonPort, s.clock, s.tsync, s.cfg.StatsInterval,
			uint64(s.cfg.WarmPeriodMinutes)*60, s.cfg.SyncStats, s.log)
		if err != nil {
			return err
		}
	}

	if err := s.mainLoop(ctx); err != nil {
		return err
	}
	s.log.Infof("main loop finished")
	return nil
}

func (s *Supervisor) buildTasks() error {
	numDBs, numYDBs := len(s.cfg.KVBench), len(s.cfg.YCSB)

	for i := range s.cfg.KVBench {
		primary := i == 0 && s.cfg.SyncStats && numYDBs == 0
		k := task.NewKVBench(s.clock, s.cfg, i, primary, s.rt, s.tmp, s.tsync, s.log)
		s.kvbench = append(s.kvbench, k)
		s.targets[k.Name()] = k
	}
	for i := range s.cfg.YCSB {
		primary := i == 0 && s.cfg.SyncStats
		y := task.NewYCSB(s.clock, s.cfg, i, primary, s.rt, s.tmp, s.tsync, s.log)
		s.ycsb = append(s.ycsb, y)
		s.targets[y.Name()] = y
	}
	for i := range s.cfg.Blkload {
		primary := i == 0 && s.cfg.SyncStats && numDBs == 0 && numYDBs == 0
		b := task.NewBlkload(s.clock, s.cfg, i, primary, s.rt, s.tmp, s.tsync, s.log)
		s.blk = append(s.blk, b)
		s.targets[b.Name()] = b
	}
	return nil
}

// mainLoop ticks every 500 ms: perfmon liveness, then each task. The first
// non-active task ends the run; a task error aborts it.
func (s *Supervisor) mainLoop(ctx context.Context) error {
	durationS := uint64(s.cfg.DurationMinutes) * 60

	for !s.stopRequested.Load() && s.clock.S() <= durationS {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if s.perfmon != nil && !s.perfmon.Active() {
			if err := s.perfmon.Err(); err != nil {
				return fmt.Errorf("performance counter client is not active: %w", err)
			}
			return fmt.Errorf("performance counter client is not active")
		}

		stopped := false
		for name, t := range s.targets {
			if err := t.Err(); err != nil {
				return err
			}
			if !t.Active() {
				s.log.Infof("task %s is no longer active; terminating the run", name)
				stopped = true
				break
			}
		}
		if stopped {
			break
		}

		time.Sleep(mainLoopTick)
	}
	return nil
}

func (s *Supervisor) installSignalHandler() {
	s.sigCh = make(chan os.Signal, 16)
	signal.Notify(s.sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		for sig := range s.sigCh {
			s.log.Warnf("received signal %v", sig)
			if s.resetting.Load() {
				// Reset already in progress; the run is exiting anyway.
				continue
			}
			if n := s.ignoredSignals.Add(1); n <= ignoreSignalsMax {
				s.log.Warnf("signal ignored (%d/%d)", n, ignoreSignalsMax)
				continue
			}
			s.stopRequested.Store(true)
		}
	}()
}

// resetAll is the single coordinated shutdown: command server first, then
// the task lists, the perfmon client, any surviving child processes, and
// finally the temp dir. Idempotent.
func (s *Supervisor) resetAll() {
	if !s.resetting.CompareAndSwap(false, true) {
		return
	}
	s.ignoredSignals.Store(0)
	s.log.Debugf("destroy tasks begin")

	if s.cmdServer != nil {
		s.cmdServer.Close()
		s.cmdServer = nil
	}
	for _, k := range s.kvbench {
		k.Close()
	}
	for _, y := range s.ycsb {
		y.Close()
	}
	for _, b := range s.blk {
		b.Close()
	}
	if s.perfmon != nil {
		s.perfmon.Close()
		s.perfmon = nil
	}

	time.Sleep(time.Second)
	s.killSurvivingChildren()

	s.tmp.Remove()
	if s.sigCh != nil {
		signal.Stop(s.sigCh)
	}
}

// killSurvivingChildren SIGTERMs any process still hanging below this one.
func (s *Supervisor) killSurvivingChildren() {
	self, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return
	}
	var walk func(p *process.Process)
	walk = func(p *process.Process) {
		children, err := p.Children()
		if err != nil {
			return
		}
		for _, c := range children {
			walk(c)
			s.log.Warnf("child (pid %d) still active; terminating it", c.Pid)
			if err := c.Terminate(); err != nil {
				s.log.Warnf("terminate pid %d: %v", c.Pid, err)
			}
		}
	}
	walk(self)
}
