package task

import (
	"context"
	"fmt"
	"regexp"

	"go.uber.org/zap"

	"github.com/runningwild/jostle/pkg/config"
	"github.com/runningwild/jostle/pkg/timesync"
)

// blkloadStatsRe captures everything after the time field of a child STATS
// line so the parent can re-emit it with its own clock.
var blkloadStatsRe = regexp.MustCompile(`STATS: \{[^,]+, ([^\}]+)\}`)

// Blkload runs one raw-I/O workload container (the blkload binary) and
// keeps its report phase aligned to the primary task.
type Blkload struct {
	Base
	cfg     *config.Config
	spec    config.BlkloadSpec
	idx     int
	primary bool
	tsync   *timesync.TimeSync

	lastShift *timesync.Clock
}

func NewBlkload(clock *timesync.Clock, cfg *config.Config, idx int, primary bool, rt Runtime, tmp *TmpDir, ts *timesync.TimeSync, log *zap.SugaredLogger) *Blkload {
	b := &Blkload{
		Base:      newBase(fmt.Sprintf("blkload[%d]", idx), fmt.Sprintf("blk_%d", idx), clock, uint64(cfg.WarmPeriodMinutes)*60, rt, tmp, log),
		cfg:       cfg,
		spec:      cfg.Blkload[idx],
		idx:       idx,
		primary:   primary,
		tsync:     ts,
		lastShift: timesync.NewClock(),
	}
	b.socketName = "blkload.sock"
	b.haveSocket = true
	return b
}

// Start launches the workload container.
func (b *Blkload) Start(ctx context.Context) error {
	hostDir, err := b.tmp.ContainerDir(b.containerName)
	if err != nil {
		return err
	}

	cmd := []string{
		"blkload",
		fmt.Sprintf("--duration=%d", b.cfg.DurationMinutes*60),
		fmt.Sprintf("--stats_interval=%d", b.cfg.StatsInterval),
		"--log_time_prefix=false",
		fmt.Sprintf("--filename=/workdata/%s", b.spec.File),
		"--create_file=false",
		fmt.Sprintf("--block_size=%d", b.spec.BlockSize),
	}
	if b.spec.IOEngine != "" {
		cmd = append(cmd, "--io_engine="+b.spec.IOEngine)
	}
	if b.spec.Iodepth > 0 {
		cmd = append(cmd, fmt.Sprintf("--iodepth=%d", b.spec.Iodepth))
	}
	if b.spec.ODirect != "" {
		cmd = append(cmd, "--o_direct="+b.spec.ODirect)
	}
	if b.spec.ODSync != "" {
		cmd = append(cmd, "--o_dsync="+b.spec.ODSync)
	}
	if b.spec.Script != "" {
		cmd = append(cmd, "--command_script="+b.spec.Script)
	}
	cmd = append(cmd, "--socket=/tmp/host/"+b.socketName)
	if b.spec.Params != "" {
		cmd = append(cmd, b.spec.Params)
	}

	spec := Spec{
		Image: b.cfg.DockerImage,
		Cmd:   cmd,
		Binds: []string{
			b.spec.Dir + ":/workdata",
			hostDir + ":/tmp/host",
		},
	}
	b.log.Infof("Executing %s", b.name)
	return b.launch(ctx, spec, b.handleStdout)
}

func (b *Blkload) handleStdout(line string) {
	b.LogStdout(line)

	m := blkloadStatsRe.FindStringSubmatch(line)
	if m == nil {
		return
	}
	clockS := b.clock.S()
	if clockS <= b.warmPeriodS {
		return
	}
	b.log.Infof("Task %s, STATS: {\"time\":\"%d\", %s}", b.name, clockS-b.warmPeriodS, m[1])

	if !b.cfg.SyncStats || b.tsync == nil {
		return
	}
	if b.primary {
		b.tsync.NewReport()
		return
	}
	// Secondary: nudge the child's report phase toward the primary's, at
	// most once per two intervals.
	shift := b.tsync.GetTimeShift()
	if shift != 0 && b.lastShift.S() > uint64(b.cfg.StatsInterval)*2 {
		b.lastShift.Reset()
		b.log.Infof("Task %s, shift report time: %d", b.name, shift)
		b.SendCommand(fmt.Sprintf("shift_report_time %d", shift), func(lvl Level, msg string) {
			if lvl == LevelError {
				b.log.Errorf("return from experiment %s: %s", b.name, msg)
			} else {
				b.log.Infof("return from experiment %s: %s", b.name, msg)
			}
		})
	}
}
