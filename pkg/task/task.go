// Package task wraps the long-lived child processes of an experiment: each
// task launches one container, parses its stdout line by line into metric
// records, and relays commands to the child over its unix socket.
package task

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/runningwild/jostle/pkg/timesync"
)

// Level classifies command reply messages.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ReplyFunc receives command replies and errors from a task's child.
type ReplyFunc func(Level, string)

// Task is the surface the supervisor and the command server use.
type Task interface {
	Name() string
	Active() bool
	Err() error
	SendCommand(cmd string, ret ReplyFunc)
	Close()
}

// Base carries the shared task state: the container identity, the stdout
// pump, the metric record under assembly, and the child socket client.
type Base struct {
	name          string
	containerName string
	clock         *timesync.Clock
	warmPeriodS   uint64
	rt            Runtime
	tmp           *TmpDir
	log           *zap.SugaredLogger

	socketName string
	haveSocket bool

	data *Record

	stopped atomic.Bool
	active  atomic.Bool
	errMu   sync.Mutex
	err     error

	stdout io.ReadCloser
	pumpWG sync.WaitGroup
}

func newBase(name, containerName string, clock *timesync.Clock, warmPeriodS uint64, rt Runtime, tmp *TmpDir, log *zap.SugaredLogger) Base {
	return Base{
		name:          name,
		containerName: containerName,
		clock:         clock,
		warmPeriodS:   warmPeriodS,
		rt:            rt,
		tmp:           tmp,
		log:           log,
		data:          NewRecord(),
	}
}

func (b *Base) Name() string { return b.name }

// launch starts the container and pumps its stdout through handler.
func (b *Base) launch(ctx context.Context, spec Spec, handler func(line string)) error {
	out, err := b.rt.Start(ctx, b.containerName, spec)
	if err != nil {
		return err
	}
	b.stdout = out
	b.active.Store(true)

	b.pumpWG.Add(1)
	go func() {
		defer b.pumpWG.Done()
		sc := bufio.NewScanner(out)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			if b.stopped.Load() {
				break
			}
			handler(sc.Text())
		}
		if err := sc.Err(); err != nil && !b.stopped.Load() {
			b.setErr(fmt.Errorf("task %s stdout: %w", b.name, err))
		}
		b.active.Store(false)
	}()
	return nil
}

func (b *Base) setErr(err error) {
	b.errMu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.errMu.Unlock()
}

// Err returns the first stdout-pump error, re-raised the way the original
// rethrows a captured worker exception from isActive.
func (b *Base) Err() error {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	return b.err
}

// Active reports whether the child process is still producing output.
func (b *Base) Active() bool {
	return b.active.Load() && !b.stopped.Load()
}

// socketPath returns the host path of the child's command socket.
func (b *Base) socketPath() (string, error) {
	dir, err := b.tmp.ContainerDir(b.containerName)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, b.socketName), nil
}

// SendCommand forwards cmd over the child's unix socket and relays reply
// lines until the child stops answering.
func (b *Base) SendCommand(cmd string, ret ReplyFunc) {
	if !b.haveSocket {
		ret(LevelError, "experiment does not implement a socket or it is not active")
		return
	}
	if b.stopped.Load() {
		ret(LevelError, "not active")
		return
	}

	path, err := b.socketPath()
	if err != nil {
		ret(LevelError, fmt.Sprintf("socket dir error: %v", err))
		return
	}
	b.log.Infof("initiating socket client: %s", path)

	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		ret(LevelError, fmt.Sprintf("socket connect error: %v", err))
		return
	}
	defer conn.Close()

	if _, err := fmt.Fprintf(conn, "%s\n", cmd); err != nil {
		ret(LevelError, fmt.Sprintf("socket write error: %v", err))
		return
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		ret(LevelInfo, sc.Text())
	}
	b.log.Infof("socket client closed: %s", path)
}

// Emit prints the record as one "Task <name>, STATS: {...}" line unless the
// warm period is still running, then clears it.
func (b *Base) Emit(rec *Record) {
	if rec.Len() == 0 {
		b.log.Warnf("no data in task %s", b.name)
	}
	clockS := b.clock.S()
	if clockS > b.warmPeriodS {
		rec.Set("time", fmt.Sprintf("%d", clockS-b.warmPeriodS))
		// Render with time first.
		ordered := NewRecord()
		if v, ok := rec.Get("time"); ok {
			ordered.Set("time", v)
		}
		for _, k := range rec.keys {
			if k == "time" {
				continue
			}
			if rec.raw[k] {
				ordered.SetRaw(k, rec.vals[k])
			} else {
				ordered.Set(k, rec.vals[k])
			}
		}
		b.log.Infof("Task %s, STATS: %s", b.name, ordered.JSON())
	}
	rec.Clear()
}

// LogStdout echoes one child stdout line through the supervisor log.
func (b *Base) LogStdout(line string) {
	b.log.Infof("Task %s, stdout: %s", b.name, line)
}

// Close force-removes the backing container and releases the stdout
// stream. Idempotent.
func (b *Base) Close() {
	if !b.stopped.CompareAndSwap(false, true) {
		return
	}
	if err := b.rt.Remove(b.containerName); err != nil {
		b.log.Warnf("removing container %s: %v", b.containerName, err)
	}
	if b.stdout != nil {
		b.stdout.Close()
	}
	b.pumpWG.Wait()
	b.active.Store(false)
}
