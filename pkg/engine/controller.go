package engine

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/runningwild/jostle/pkg/bitmap"
	"github.com/runningwild/jostle/pkg/randx"
)

// Controller states.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateWaiting
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateWaiting:
		return "waiting"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Controller is the single owner of the open workload file and the engine
// instance. One controller goroutine reacts to parameter changes, drives
// the engine, and issues periodic fdatasync when flush_blocks is set.
type Controller struct {
	params *Params
	log    *zap.SugaredLogger

	fd      int
	created bool
	eng     Engine

	stop  atomic.Bool
	state atomic.Int32
	done  chan struct{}

	errMu sync.Mutex
	err   error

	statsMu sync.Mutex
	stats   Stats
	hist    *hdrhistogram.Histogram

	// The block-size tuple changes together under tupleLock: multithreaded
	// engines observe it from their workers.
	tupleLock    condLock
	rng          *randx.Rand
	curBlockSize uint64
	bufBytes     uint64
	fileBlocks   uint64
	curBlock     uint64
	bm           *bitmap.Bitmap
}

// NewController creates or opens the workload file, builds the selected
// engine, and starts the controller goroutine.
func NewController(p *Params, log *zap.SugaredLogger) (*Controller, error) {
	c := &Controller{
		params: p,
		log:    log,
		fd:     -1,
		done:   make(chan struct{}),
		hist:   hdrhistogram.New(1, 60*1000*1000, 3),
		rng:    randx.New(),
	}
	c.state.Store(int32(StateStarting))

	if p.CreateFile {
		if err := c.createFile(); err != nil {
			return nil, err
		}
		c.created = true
	}
	if err := c.openFile(); err != nil {
		return nil, err
	}
	if err := c.checkParamUpdates(); err != nil {
		c.closeFile()
		return nil, err
	}

	e := env{
		fd:      c.fd,
		params:  p,
		access:  c.access,
		account: c.account,
		log:     log,
	}
	var err error
	switch p.Engine {
	case EnginePosix:
		c.eng, err = newPosix(e)
	case EngineAIO:
		c.eng, err = newAIO(e)
	case EngineUring:
		c.eng, err = newUring(e)
	case EnginePrwv2:
		c.eng = newPrwv2(e)
	default:
		err = fmt.Errorf("invalid or not implemented engine: %q", p.Engine)
	}
	if err != nil {
		c.closeFile()
		return nil, err
	}
	log.Infof("using %s engine", p.Engine)

	if c.eng.Multithreaded() {
		c.tupleLock.Activate()
	}

	go c.run()
	return c, nil
}

// createFile writes a random-filled file of FilesizeMiB MiB with direct
// I/O.
func (c *Controller) createFile() error {
	p := c.params
	c.log.Infof("creating file %s (%s)", p.Filename, humanize.IBytes(p.FilesizeMiB()*1024*1024))

	const chunk = 1024 * 1024
	buf, err := allocAligned(chunk)
	if err != nil {
		return err
	}
	defer freeAligned(buf)
	c.rng.Fill(buf)

	fd, err := unix.Open(p.Filename, unix.O_CREAT|unix.O_RDWR|unix.O_DIRECT, 0640)
	if err != nil {
		return fmt.Errorf("can't create file: %w", err)
	}
	for i := uint64(0); i < p.FilesizeMiB(); i++ {
		if _, err := unix.Write(fd, buf); err != nil {
			unix.Close(fd)
			os.Remove(p.Filename)
			return fmt.Errorf("create file write error: %w", err)
		}
	}
	return unix.Close(fd)
}

// openFile validates the file and block size against the filesystem and
// opens the descriptor with the engine-appropriate flags.
func (c *Controller) openFile() error {
	p := c.params

	var st unix.Stat_t
	if err := unix.Stat(p.Filename, &st); err != nil {
		return fmt.Errorf("can't read file stats: %w", err)
	}
	if (p.BlockSize()*1024)%uint64(st.Blksize) != 0 {
		return fmt.Errorf("block_size must be a multiple of the filesystem block size (%d)", st.Blksize)
	}
	if !p.CreateFile {
		sizeMiB := uint64(st.Size) / 1024 / 1024
		if sizeMiB < 10 {
			return fmt.Errorf("invalid filesize %d MiB (must be >= 10)", sizeMiB)
		}
		c.log.Infof("file already created, set filesize=%d", sizeMiB)
		p.SetFilesizeMiB(sizeMiB)
	}

	flags := unix.O_RDWR
	flagNames := "O_RDWR"
	if p.ODirect {
		flags |= unix.O_DIRECT
		flagNames += "|O_DIRECT"
	} else if p.Engine == EngineAIO || p.Engine == EngineUring {
		return fmt.Errorf("%s engine only supports o_direct=true", p.Engine)
	}
	if p.Engine == EnginePosix && p.ODSync {
		flags |= unix.O_DSYNC
		flagNames += "|O_DSYNC"
	}
	c.log.Infof("opening file %q with flags %s", p.Filename, flagNames)
	if p.ODSync && p.Engine != EnginePosix {
		c.log.Infof("write requests will use flag RWF_DSYNC")
	}

	fd, err := unix.Open(p.Filename, flags, 0640)
	if err != nil {
		return fmt.Errorf("can't open file: %w", err)
	}
	c.fd = fd
	return nil
}

func (c *Controller) closeFile() {
	if c.fd >= 0 {
		unix.Close(c.fd)
		c.fd = -1
		if c.created && c.params.DeleteFile {
			c.log.Infof("delete file %s", c.params.Filename)
			os.Remove(c.params.Filename)
		}
	}
}

// checkParamUpdates swaps the block-size tuple when block_size changed. The
// tuple (block size, buffer bytes, file blocks, position bitmap) changes
// together under the lock.
func (c *Controller) checkParamUpdates() error {
	bs := c.params.BlockSize()
	if bs == c.curBlockSize {
		return nil
	}

	c.tupleLock.Lock()
	defer c.tupleLock.Unlock()

	c.curBlockSize = bs
	c.bufBytes = bs * 1024
	c.fileBlocks = (c.params.FilesizeMiB() * 1024) / bs
	c.curBlock = c.fileBlocks // next sequential access starts at block 0

	bm, err := bitmap.New(c.fileBlocks, 0)
	if err != nil {
		return fmt.Errorf("block position map: %w", err)
	}
	c.bm = bm
	c.log.Debugf("block_size tuple updated: block_size=%d file_blocks=%d", bs, c.fileBlocks)
	return nil
}

// access chooses the parameters of the next request: write vs read by
// write_ratio, random vs sequential by random_ratio. The bitmap keeps the
// random path off positions that already served this generation.
func (c *Controller) access() AccessRequest {
	c.tupleLock.Lock()
	defer c.tupleLock.Unlock()

	write := c.rng.Bernoulli(c.params.WriteRatio())

	var block uint64
	if c.rng.Bernoulli(c.params.RandomRatio()) {
		hint := c.rng.Uint64n(c.fileBlocks)
		var err error
		block, err = c.bm.NextUnused(hint)
		if err != nil {
			// The hint is always < fileBlocks; treat anything else as a
			// sequential fallback rather than killing the run.
			block = (c.curBlock + 1) % c.fileBlocks
		}
	} else {
		block = c.curBlock + 1
		if block >= c.fileBlocks {
			block = 0
		}
	}
	c.curBlock = block

	return AccessRequest{
		BlockSizeKiB: c.curBlockSize,
		Length:       int(c.bufBytes),
		Offset:       int64(block * c.bufBytes),
		Write:        write,
		Dsync:        c.params.ODSync,
	}
}

func (c *Controller) account(st Stats, latencyUs int64) {
	c.statsMu.Lock()
	c.stats.Add(st)
	_ = c.hist.RecordValue(latencyUs)
	c.statsMu.Unlock()
}

// Stats returns a snapshot of the monotonic counters.
func (c *Controller) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

// TakeHistogram returns the latency histogram accumulated since the last
// call and resets it.
func (c *Controller) TakeHistogram() *hdrhistogram.Histogram {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	h := c.hist
	c.hist = hdrhistogram.New(1, 60*1000*1000, 3)
	return h
}

func (c *Controller) run() {
	defer close(c.done)
	c.log.Infof("engine controller thread initiated")

	var lastWrites uint64
	c.state.Store(int32(StateRunning))

	for !c.stop.Load() {
		if c.params.Wait() {
			c.log.Infof("engine controller thread in wait mode")
			c.state.Store(int32(StateWaiting))
			for !c.stop.Load() && c.params.Wait() {
				c.eng.SetWait(true)
				time.Sleep(200 * time.Millisecond)
			}
			if !c.stop.Load() {
				c.log.Infof("exit wait mode")
				c.state.Store(int32(StateRunning))
			}
		}
		if c.stop.Load() {
			break
		}

		if err := c.checkParamUpdates(); err != nil {
			c.setErr(err)
			break
		}

		if err := c.eng.MakeRequests(&c.stop); err != nil {
			c.setErr(err)
			break
		}

		if fb := c.params.FlushBlocks(); fb > 0 && !c.stop.Load() {
			cur := c.Stats().BlocksWrite
			if cur-lastWrites >= fb {
				if err := unix.Fdatasync(c.fd); err != nil {
					c.setErr(fmt.Errorf("fdatasync error: %w", err))
					break
				}
				lastWrites = cur
			}
		}
	}

	c.state.Store(int32(StateStopping))
	c.stop.Store(true)
	c.log.Infof("engine controller thread finished")
}

func (c *Controller) setErr(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}

// Err returns the first fatal error the controller or its engine hit.
func (c *Controller) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Active reports whether the controller is still driving the engine.
func (c *Controller) Active() bool {
	return !c.stop.Load()
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Stop requests termination. Idempotent.
func (c *Controller) Stop() {
	c.stop.Store(true)
}

// Close stops the controller, joins its goroutine, shuts the engine down,
// and closes (and optionally deletes) the file.
func (c *Controller) Close() error {
	c.Stop()
	<-c.done
	var err error
	if c.eng != nil {
		err = c.eng.Close()
		c.eng = nil
	}
	c.closeFile()
	c.state.Store(int32(StateStopped))
	return err
}
