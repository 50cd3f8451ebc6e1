package engine

import (
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/runningwild/jostle/pkg/randx"
)

// posixEngine issues one blocking read or write per MakeRequests call. It
// only supports iodepth 1. The file offset is advanced implicitly by
// read/write; lseek is issued only when the next request is not contiguous
// with the previous one.
type posixEngine struct {
	env env
	buf slotBuf

	curOffset int64
	curLength int64
	started   bool
}

func newPosix(e env) (*posixEngine, error) {
	if e.params.Iodepth() != 1 {
		return nil, fmt.Errorf("io_engine posix only supports iodepth 1")
	}
	return &posixEngine{env: e, buf: slotBuf{rng: randx.New()}}, nil
}

func (p *posixEngine) Multithreaded() bool { return false }
func (p *posixEngine) SetWait(bool)        {}

func (p *posixEngine) MakeRequests(stop *atomic.Bool) error {
	if stop.Load() {
		return nil
	}

	req := p.env.access()
	if err := p.buf.prepare(req); err != nil {
		return err
	}

	if !p.started || p.curOffset+p.curLength != req.Offset {
		if _, err := unix.Seek(p.env.fd, req.Offset, unix.SEEK_SET); err != nil {
			return fmt.Errorf("seek error: %w", err)
		}
	}
	p.curOffset = req.Offset
	p.curLength = int64(req.Length)
	p.started = true

	if stop.Load() {
		return nil
	}

	start := time.Now()
	var err error
	if req.Write {
		_, err = unix.Write(p.env.fd, p.buf.data)
	} else {
		_, err = unix.Read(p.env.fd, p.buf.data)
	}
	if err != nil {
		op := "read"
		if req.Write {
			op = "write"
		}
		return fmt.Errorf("%s error: %w", op, err)
	}

	p.env.account(req.stats(), time.Since(start).Microseconds())
	return nil
}

func (p *posixEngine) Close() error {
	p.buf.release()
	return nil
}
