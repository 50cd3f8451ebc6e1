// blkload is the raw-I/O workload generator: it stresses a storage device
// through a selectable I/O engine while accepting runtime parameter
// changes over stdin, a unix socket, and a scripted command timeline, and
// prints one STATS line per interval.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/runningwild/jostle/pkg/control"
	"github.com/runningwild/jostle/pkg/engine"
	"github.com/runningwild/jostle/pkg/logx"
	"github.com/runningwild/jostle/pkg/report"
	"github.com/runningwild/jostle/pkg/timesync"
)

type flags struct {
	logLevel      string
	logTimePrefix bool
	socket        string
	duration      uint
	filename      string
	createFile    bool
	deleteFile    bool
	filesize      uint64
	ioEngine      string
	iodepth       uint
	blockSize     uint64
	flushBlocks   uint64
	writeRatio    float64
	randomRatio   float64
	oDirect       bool
	oDSync        bool
	statsInterval uint
	wait          bool
	commandScript string
}

func setupFlags(fs *flag.FlagSet) *flags {
	f := &flags{}
	fs.StringVar(&f.logLevel, "log_level", "info", "log level (debug,info)")
	fs.BoolVar(&f.logTimePrefix, "log_time_prefix", true, "print date and time in each line")
	fs.StringVar(&f.socket, "socket", "", "unix socket used to control the experiment")
	fs.UintVar(&f.duration, "duration", 0, "duration of the experiment (seconds, 0 = unlimited)")
	fs.StringVar(&f.filename, "filename", "", "workload file name")
	fs.BoolVar(&f.createFile, "create_file", false, "create the workload file")
	fs.BoolVar(&f.deleteFile, "delete_file", false, "delete the workload file if created")
	fs.Uint64Var(&f.filesize, "filesize", 0, "file size (MiB)")
	fs.StringVar(&f.ioEngine, "io_engine", "posix", "I/O engine (posix,prwv2,libaio,uring)")
	fs.UintVar(&f.iodepth, "iodepth", 1, "iodepth")
	fs.Uint64Var(&f.blockSize, "block_size", 4, "block size (KiB)")
	fs.Uint64Var(&f.flushBlocks, "flush_blocks", 0, "blocks written before a fdatasync (0 = no flush)")
	fs.Float64Var(&f.writeRatio, "write_ratio", 0.0, "writes/reads ratio (0-1)")
	fs.Float64Var(&f.randomRatio, "random_ratio", 0.0, "random access ratio (0-1)")
	fs.BoolVar(&f.oDirect, "o_direct", true, "use O_DIRECT")
	fs.BoolVar(&f.oDSync, "o_dsync", false, "use O_DSYNC")
	fs.UintVar(&f.statsInterval, "stats_interval", 5, "statistics interval (seconds)")
	fs.BoolVar(&f.wait, "wait", false, "start in wait mode")
	fs.StringVar(&f.commandScript, "command_script", "",
		`script of commands; syntax: "time1:command1=value1;time2:command2=value2"`)
	return f
}

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("blkload", flag.ExitOnError)
	f := setupFlags(fs)
	fs.Parse(os.Args[1:])

	log, err := logx.New(f.logLevel, f.logTimePrefix)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return 1
	}
	defer log.Sync()
	log.Infof("initializing blkload")

	params := &engine.Params{
		Filename:      f.filename,
		CreateFile:    f.createFile,
		DeleteFile:    f.deleteFile,
		Engine:        f.ioEngine,
		ODirect:       f.oDirect,
		ODSync:        f.oDSync,
		StatsInterval: uint32(f.statsInterval),
		Duration:      uint32(f.duration),
	}
	if err := params.Init(f.filesize, f.blockSize, uint32(f.iodepth), f.writeRatio, f.randomRatio, f.flushBlocks, f.wait); err != nil {
		log.Errorf("%v", err)
		log.Infof("exit(1)")
		return 1
	}

	script, err := control.ParseScript(f.commandScript)
	if err != nil {
		log.Errorf("%v", err)
		log.Infof("exit(1)")
		return 1
	}

	if err := runWorkload(params, script, f.socket, log); err != nil {
		log.Errorf("%v", err)
		log.Infof("exit(1)")
		return 1
	}
	log.Infof("exit(0)")
	return 0
}

func runWorkload(params *engine.Params, script []control.ScriptCommand, socket string, log *zap.SugaredLogger) error {
	var stop atomic.Bool

	ctl, err := engine.NewController(params, log)
	if err != nil {
		return err
	}
	defer ctl.Close()

	reader, err := control.NewReader(params, socket, func() { stop.Store(true) }, log)
	if err != nil {
		return err
	}
	defer reader.Stop()
	go reader.ReadLines(os.Stdin)

	clock := timesync.NewClock()
	rep := report.New(params, ctl, reader.ShiftReportTimeMs, clock, log, nil)
	defer rep.Close()

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	for !stop.Load() && ctl.Active() {
		curS := clock.S()

		// Run the due part of the command script.
		for len(script) > 0 && script[0].Time < curS {
			c := script[0]
			script = script[1:]
			log.Infof("command_script time=%d, command: %s", c.Time, c.Command)
			if c.Command == "stop" {
				stop.Store(true)
				break
			}
			reader.Handle(c.Command, nil)
		}
		if stop.Load() {
			break
		}

		if params.Duration > 0 && clock.S() > uint64(params.Duration) {
			log.Infof("duration time exceeded: %d seconds", params.Duration)
			break
		}
		if err := ctl.Err(); err != nil {
			return err
		}
		if err := rep.Err(); err != nil {
			return err
		}

		select {
		case sig := <-sigCh:
			log.Warnf("received signal %v", sig)
			stop.Store(true)
		case <-time.After(500 * time.Millisecond):
		}
	}

	rep.Stop()
	reader.Stop()
	ctl.Stop()
	return ctl.Err()
}
