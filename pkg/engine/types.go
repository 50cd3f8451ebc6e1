package engine

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
)

// MaxIodepth bounds the request slot pools of the asynchronous engines and
// the worker pool of the prwv2 engine.
const MaxIodepth = 128

// refreshStep is the stride used to perturb a buffer before a repeated
// write (~5% of its content).
const refreshStep = 20

// Engine names accepted by --io_engine.
const (
	EnginePosix = "posix"
	EnginePrwv2 = "prwv2"
	EngineAIO   = "libaio"
	EngineUring = "uring"
)

// Stats holds the monotonic I/O counters. Counts are blocks; volumes are
// KiB.
type Stats struct {
	Blocks      uint64
	BlocksRead  uint64
	BlocksWrite uint64
	KBRead      uint64
	KBWrite     uint64
}

// Add accumulates val into s.
func (s *Stats) Add(val Stats) {
	s.Blocks += val.Blocks
	s.BlocksRead += val.BlocksRead
	s.BlocksWrite += val.BlocksWrite
	s.KBRead += val.KBRead
	s.KBWrite += val.KBWrite
}

// Sub returns the componentwise difference s - val.
func (s Stats) Sub(val Stats) Stats {
	return Stats{
		Blocks:      s.Blocks - val.Blocks,
		BlocksRead:  s.BlocksRead - val.BlocksRead,
		BlocksWrite: s.BlocksWrite - val.BlocksWrite,
		KBRead:      s.KBRead - val.KBRead,
		KBWrite:     s.KBWrite - val.KBWrite,
	}
}

// AccessRequest describes one I/O to submit: Length bytes at Offset, both
// multiples of the block size.
type AccessRequest struct {
	BlockSizeKiB uint64
	Length       int
	Offset       int64
	Write        bool
	Dsync        bool
}

func (r AccessRequest) stats() Stats {
	st := Stats{Blocks: 1}
	if r.Write {
		st.BlocksWrite = 1
		st.KBWrite = r.BlockSizeKiB
	} else {
		st.BlocksRead = 1
		st.KBRead = r.BlockSizeKiB
	}
	return st
}

// Params is the engine configuration. The immutable part is set once at
// startup; the runtime-mutable part is stored in atomics so the command
// reader can adjust a running engine. Every mutation through Apply except
// the wait toggle sets the changed flag, which makes the reporter skip one
// interval.
type Params struct {
	Filename      string
	CreateFile    bool
	DeleteFile    bool
	Engine        string
	ODirect       bool
	ODSync        bool
	StatsInterval uint32 // seconds
	Duration      uint32 // seconds

	filesizeMiB atomic.Uint64
	blockSize   atomic.Uint64 // KiB
	iodepth     atomic.Uint32
	writeRatio  atomic.Uint64 // float64 bits
	randomRatio atomic.Uint64 // float64 bits
	flushBlocks atomic.Uint64
	wait        atomic.Bool
	changed     atomic.Bool
}

func (p *Params) FilesizeMiB() uint64 { return p.filesizeMiB.Load() }
func (p *Params) BlockSize() uint64   { return p.blockSize.Load() }
func (p *Params) Iodepth() uint32     { return p.iodepth.Load() }
func (p *Params) FlushBlocks() uint64 { return p.flushBlocks.Load() }
func (p *Params) Wait() bool          { return p.wait.Load() }

func (p *Params) WriteRatio() float64  { return math.Float64frombits(p.writeRatio.Load()) }
func (p *Params) RandomRatio() float64 { return math.Float64frombits(p.randomRatio.Load()) }

func (p *Params) SetFilesizeMiB(v uint64) { p.filesizeMiB.Store(v) }
func (p *Params) SetWait(v bool)          { p.wait.Store(v) }

// Changed reports the mutation flag.
func (p *Params) Changed() bool { return p.changed.Load() }

// ClearChanged resets the mutation flag; the reporter calls it when it
// consumes the warm slot.
func (p *Params) ClearChanged() { p.changed.Store(false) }

// MarkChanged sets the mutation flag without touching any parameter (used
// to make the first report interval a warm slot).
func (p *Params) MarkChanged() { p.changed.Store(true) }

// Init stores the startup values for the mutable parameters and validates
// the whole configuration.
func (p *Params) Init(filesizeMiB, blockSize uint64, iodepth uint32, writeRatio, randomRatio float64, flushBlocks uint64, wait bool) error {
	p.filesizeMiB.Store(filesizeMiB)
	p.blockSize.Store(blockSize)
	p.iodepth.Store(iodepth)
	p.writeRatio.Store(math.Float64bits(writeRatio))
	p.randomRatio.Store(math.Float64bits(randomRatio))
	p.flushBlocks.Store(flushBlocks)
	p.wait.Store(wait)
	return p.Validate()
}

// Validate checks the startup invariants.
func (p *Params) Validate() error {
	switch p.Engine {
	case EnginePosix, EnginePrwv2, EngineAIO, EngineUring:
	default:
		return fmt.Errorf("invalid io_engine: %q", p.Engine)
	}
	if p.Filename == "" {
		return fmt.Errorf("filename must not be empty")
	}
	if p.Engine == EnginePosix && p.Iodepth() > 1 {
		return fmt.Errorf("io_engine posix only supports iodepth 1")
	}
	if (p.Engine == EngineAIO || p.Engine == EngineUring) && !p.ODirect {
		return fmt.Errorf("%s engine only supports o_direct=true", p.Engine)
	}
	if p.CreateFile && p.FilesizeMiB() < 10 {
		return fmt.Errorf("invalid filesize %d MiB (must be >= 10)", p.FilesizeMiB())
	}
	if err := validateBlockSize(p.BlockSize()); err != nil {
		return err
	}
	if err := validateIodepth(p.Iodepth()); err != nil {
		return err
	}
	if err := validateRatio("write_ratio", p.WriteRatio()); err != nil {
		return err
	}
	if err := validateRatio("random_ratio", p.RandomRatio()); err != nil {
		return err
	}
	if p.StatsInterval == 0 {
		return fmt.Errorf("stats_interval must be > 0")
	}
	return nil
}

func validateBlockSize(v uint64) error {
	if v < 4 {
		return fmt.Errorf("invalid block_size %d (must be >= 4 KiB)", v)
	}
	return nil
}

func validateIodepth(v uint32) error {
	if v < 1 || v > MaxIodepth {
		return fmt.Errorf("invalid iodepth %d (must be in 1..%d)", v, MaxIodepth)
	}
	return nil
}

func validateRatio(name string, v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("invalid %s %v (must be in 0..1)", name, v)
	}
	return nil
}

// Apply executes one k=v runtime command against the mutable parameters and
// returns the confirmation message. Unknown keys and invalid values return
// an error and leave the parameters untouched.
func (p *Params) Apply(command string) (string, error) {
	key, value, _ := strings.Cut(strings.TrimSpace(command), "=")
	switch key {
	case "wait":
		v, err := strconv.ParseBool(value)
		if err != nil {
			return "", fmt.Errorf("invalid value for the command wait: %q", value)
		}
		p.wait.Store(v)
		return fmt.Sprintf("set wait=%v", v), nil

	case "block_size":
		v, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return "", fmt.Errorf("invalid value for the command block_size: %q", value)
		}
		if err := validateBlockSize(v); err != nil {
			return "", err
		}
		p.blockSize.Store(v)
		p.changed.Store(true)
		return fmt.Sprintf("set block_size=%d", v), nil

	case "iodepth":
		if p.Engine == EnginePosix {
			return "", fmt.Errorf("parameter iodepth is immutable for the posix engine")
		}
		v, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return "", fmt.Errorf("invalid value for the command iodepth: %q", value)
		}
		if err := validateIodepth(uint32(v)); err != nil {
			return "", err
		}
		p.iodepth.Store(uint32(v))
		p.changed.Store(true)
		return fmt.Sprintf("set iodepth=%d", v), nil

	case "write_ratio", "random_ratio":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return "", fmt.Errorf("invalid value for the command %s: %q", key, value)
		}
		if err := validateRatio(key, v); err != nil {
			return "", err
		}
		if key == "write_ratio" {
			p.writeRatio.Store(math.Float64bits(v))
		} else {
			p.randomRatio.Store(math.Float64bits(v))
		}
		p.changed.Store(true)
		return fmt.Sprintf("set %s=%v", key, v), nil

	case "flush_blocks":
		v, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return "", fmt.Errorf("invalid value for the command flush_blocks: %q", value)
		}
		p.flushBlocks.Store(v)
		p.changed.Store(true)
		return fmt.Sprintf("set flush_blocks=%d", v), nil
	}
	return "", fmt.Errorf("invalid command: %s", key)
}

// Snapshot renders the mutable parameters as the quoted key/value fragment
// appended to every STATS line.
func (p *Params) Snapshot() string {
	var b strings.Builder
	add := func(k, v string) {
		if b.Len() > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%q:%q", k, v)
	}
	add("wait", fmt.Sprintf("%v", p.Wait()))
	add("filesize", strconv.FormatUint(p.FilesizeMiB(), 10))
	add("block_size", strconv.FormatUint(p.BlockSize(), 10))
	add("iodepth", strconv.FormatUint(uint64(p.Iodepth()), 10))
	add("flush_blocks", strconv.FormatUint(p.FlushBlocks(), 10))
	add("write_ratio", strconv.FormatFloat(p.WriteRatio(), 'g', -1, 64))
	add("random_ratio", strconv.FormatFloat(p.RandomRatio(), 'g', -1, 64))
	return b.String()
}

// HelpText lists the runtime commands understood by the reader.
const HelpText = `COMMANDS:
    stop           - terminate
    wait           - (true|false)
    block_size     - [4..]
    iodepth        - [1..128]
    write_ratio    - [0..1]
    random_ratio   - [0..1]
    flush_blocks   - [0..]
    shift_report_time <ms> - one-time report phase shift`
