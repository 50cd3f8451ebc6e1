package task

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/runningwild/jostle/pkg/config"
	"github.com/runningwild/jostle/pkg/timesync"
)

// Client-simulator stdout shapes:
//
//	2020-05-31 12:37:56:062 40 sec: 8898270 operations; 181027 current
//	ops/sec; est completion in 5 second [READ: Count=..., Max=...] [...]
var (
	ycsbOpsRe     = regexp.MustCompile(`[0-9]{4}-[0-9]{2}-[0-9]{2} +[0-9:]+ +[0-9]+ +sec: +([0-9]+) +operations; +([0-9.,]+) +current[^\[]*(.*)`)
	ycsbBracketRe = regexp.MustCompile(`\[([^:]+): *([^\]]+)\] *(\[.*)?`)
	ycsbSocketRe  = regexp.MustCompile(`socket_server.json: (.*)`)
)

// YCSB runs one client-simulator workload container. When the child socket
// is enabled, each interval's numeric record is merged with the JSON the
// embedded store reports over the socket before it is emitted.
type YCSB struct {
	Base
	cfg     *config.Config
	spec    config.YCSBSpec
	idx     int
	primary bool
	tsync   *timesync.TimeSync

	sockMu   sync.Mutex
	sockConn net.Conn
	pending  *Record
}

func NewYCSB(clock *timesync.Clock, cfg *config.Config, idx int, primary bool, rt Runtime, tmp *TmpDir, ts *timesync.TimeSync, log *zap.SugaredLogger) *YCSB {
	y := &YCSB{
		Base:    newBase(fmt.Sprintf("ycsb[%d]", idx), fmt.Sprintf("ycsb_%d", idx), clock, uint64(cfg.WarmPeriodMinutes)*60, rt, tmp, log),
		cfg:     cfg,
		spec:    cfg.YCSB[idx],
		idx:     idx,
		primary: primary,
		tsync:   ts,
	}
	y.socketName = "rocksdb.sock"
	y.haveSocket = y.spec.Socket
	return y
}

// CreateResources bulkloads the store when the config asks for it.
func (y *YCSB) CreateResources(ctx context.Context) error {
	if !y.spec.Create {
		return nil
	}
	cmd := append([]string{"ycsb.sh", "load", "rocksdb", "-s"}, y.constParams()...)
	spec, err := y.containerSpec(cmd, 0)
	if err != nil {
		return err
	}
	y.log.Infof("Bulkload %s", y.name)
	if err := y.rt.Run(ctx, y.containerName+"_create", spec); err != nil {
		return fmt.Errorf("database bulkload error: %w", err)
	}
	return nil
}

// Start launches the workload container.
func (y *YCSB) Start(ctx context.Context) error {
	cmd := append([]string{"ycsb.sh", "run", "rocksdb", "-s"}, y.constParams()...)
	cmd = append(cmd,
		"-p", "operationcount=0",
		"-p", fmt.Sprintf("status.interval=%d", y.cfg.StatsInterval),
		"-threads", fmt.Sprintf("%d", y.spec.Threads),
	)
	if y.spec.Params != "" {
		cmd = append(cmd, y.spec.Params)
	}
	spec, err := y.containerSpec(cmd, y.spec.SleepMinutes)
	if err != nil {
		return err
	}
	y.log.Infof("Executing %s", y.name)
	return y.launch(ctx, spec, y.handleStdout)
}

func (y *YCSB) constParams() []string {
	args := []string{
		"-P", "/opt/YCSB/workloads/" + y.spec.Workload,
		"-p", "rocksdb.dir=/workdata",
		"-p", fmt.Sprintf("recordcount=%d", y.spec.NumKeys),
	}
	if y.cfg.RocksdbConfigFile != "" {
		args = append(args, "-p", "rocksdb.optionsfile=/rocksdb.options")
	}
	return args
}

func (y *YCSB) containerSpec(cmd []string, sleepMinutes uint32) (Spec, error) {
	hostDir, err := y.tmp.ContainerDir(y.containerName)
	if err != nil {
		return Spec{}, err
	}
	spec := Spec{
		Image: y.cfg.DockerImage,
		Cmd:   cmd,
		Binds: []string{
			y.spec.Path + ":/workdata",
			hostDir + ":/tmp/host",
		},
	}
	if y.cfg.RocksdbConfigFile != "" {
		copyPath, err := y.tmp.FileCopy(y.cfg.RocksdbConfigFile)
		if err != nil {
			return Spec{}, err
		}
		spec.Binds = append(spec.Binds, copyPath+":/rocksdb.options")
	}
	if y.spec.Socket {
		spec.Env = append(spec.Env, "ROCKSDB_RCM_SOCKET=/tmp/host/"+y.socketName)
	}
	if sleepMinutes > 0 {
		spec.Env = append(spec.Env, fmt.Sprintf("YCSB_SLEEP=%dm", sleepMinutes))
	}
	return spec, nil
}

func (y *YCSB) handleStdout(line string) {
	y.LogStdout(line)

	if !y.parseOpsLine(line) {
		return
	}

	if y.primary && y.tsync != nil {
		y.tsync.NewReport()
	}

	if y.spec.Socket {
		y.requestSocketReport()
	} else {
		y.Emit(y.data)
	}
}

// parseOpsLine extracts the operation counters and the bracketed
// per-operation percentile maps ([READ: Count=..., Max=..., ...]) into the
// record. It reports whether the line closed an interval.
func (y *YCSB) parseOpsLine(line string) bool {
	m := ycsbOpsRe.FindStringSubmatch(line)
	if m == nil {
		return false
	}
	y.data.Set("ops", m[1])
	y.data.Set("ops_per_s", strings.ReplaceAll(m[2], ",", "."))

	rest := m[3]
	for rest != "" {
		bm := ycsbBracketRe.FindStringSubmatch(rest)
		if bm == nil {
			break
		}
		prefix := bm[1]
		for _, kv := range strings.Split(bm[2], ", ") {
			key, val, ok := strings.Cut(kv, "=")
			if !ok {
				continue
			}
			y.data.Set(prefix+"_"+key, strings.ReplaceAll(val, ",", "."))
		}
		rest = bm[3]
	}
	return true
}

// requestSocketReport sends the report command to the embedded store and
// parks the numeric record until the socket reply merges into it.
func (y *YCSB) requestSocketReport() {
	y.sockMu.Lock()
	defer y.sockMu.Unlock()

	if y.sockConn == nil {
		path, err := y.socketPath()
		if err != nil {
			y.log.Errorf("output handler exception from %s (socket client): %v", y.name, err)
			y.Emit(y.data)
			return
		}
		y.log.Infof("initiating socket client: %s", path)
		conn, err := net.DialTimeout("unix", path, 2*time.Second)
		if err != nil {
			y.log.Errorf("output handler exception from %s (socket client): %v", y.name, err)
			y.Emit(y.data)
			return
		}
		y.sockConn = conn
		go y.socketReader(conn)
	}

	// Park the record; the socket reader emits the merged result.
	pending := NewRecord()
	for _, k := range y.data.keys {
		pending.Set(k, y.data.vals[k])
	}
	y.data.Clear()
	y.pending = pending

	if _, err := fmt.Fprintf(y.sockConn, "report column_family=usertable output=socket\n"); err != nil {
		y.log.Errorf("socket client is not active for %s: %v", y.name, err)
		y.sockConn.Close()
		y.sockConn = nil
	}
}

func (y *YCSB) socketReader(conn net.Conn) {
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		m := ycsbSocketRe.FindStringSubmatch(line)
		if m == nil {
			y.log.Infof("Task %s, socket output: %s", y.name, line)
			continue
		}
		y.sockMu.Lock()
		rec := y.pending
		y.pending = nil
		y.sockMu.Unlock()
		if rec == nil {
			rec = NewRecord()
		}
		rec.SetRaw("socket_report", m[1])
		y.Emit(rec)
	}
}

// Close shuts the socket client down with the container.
func (y *YCSB) Close() {
	y.sockMu.Lock()
	if y.sockConn != nil {
		y.sockConn.Close()
		y.sockConn = nil
	}
	y.sockMu.Unlock()
	y.Base.Close()
}
