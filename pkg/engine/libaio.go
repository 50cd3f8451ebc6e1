package engine

import (
	"fmt"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/runningwild/jostle/pkg/randx"
)

// Kernel AIO opcodes.
const (
	iocbCmdPread  = 0
	iocbCmdPwrite = 1
)

// iocb is the kernel submission block (standard 64-bit layout for x86_64
// and arm64).
type iocb struct {
	Data      uint64
	Key       uint32
	RwFlags   uint32
	OpCode    uint16
	ReqPrio   int16
	Fd        uint32
	Buf       uint64
	NBytes    uint64
	Offset    int64
	Reserved2 uint64
	Flags     uint32
	ResFd     uint32
}

type ioEvent struct {
	Data uint64
	Obj  uint64
	Res  int64
	Res2 int64
}

// aioSlot is one outstanding-request slot. While active, a submission for
// its control block is in flight. Only slots with index < iodepth receive
// new submissions, which is how a shrinking iodepth drains gracefully.
type aioSlot struct {
	pos    int
	active bool
	cb     iocb
	stats  Stats
	buf    slotBuf
	start  time.Time
}

// aioEngine owns one kernel-AIO context sized to MaxIodepth and a pool of
// MaxIodepth request slots. It is driven entirely by the controller
// goroutine.
type aioEngine struct {
	env    env
	ctxID  uint64
	slots  [MaxIodepth]aioSlot
	events [MaxIodepth]ioEvent
}

func newAIO(e env) (*aioEngine, error) {
	a := &aioEngine{env: e}
	if _, _, errno := unix.Syscall(unix.SYS_IO_SETUP, uintptr(MaxIodepth), uintptr(unsafe.Pointer(&a.ctxID)), 0); errno != 0 {
		return nil, fmt.Errorf("io_setup failed: %w", errno)
	}
	for i := range a.slots {
		a.slots[i].pos = i
		a.slots[i].buf.rng = randx.New()
	}
	return a, nil
}

func (a *aioEngine) Multithreaded() bool { return false }
func (a *aioEngine) SetWait(bool)        {}

// submit builds and submits one request for the slot. The return mirrors
// io_submit: true when the request went in; false with a nil error for the
// transient cases (retried on the next tick).
func (a *aioEngine) submit(s *aioSlot) (bool, error) {
	req := a.env.access()
	if err := s.buf.prepare(req); err != nil {
		return false, err
	}
	s.stats = req.stats()

	s.cb = iocb{
		Data:   uint64(s.pos),
		Fd:     uint32(a.env.fd),
		Buf:    uint64(uintptr(unsafe.Pointer(&s.buf.data[0]))),
		NBytes: uint64(req.Length),
		Offset: req.Offset,
	}
	if req.Write {
		s.cb.OpCode = iocbCmdPwrite
		if req.Dsync {
			s.cb.RwFlags |= uint32(unix.RWF_DSYNC)
		}
	} else {
		s.cb.OpCode = iocbCmdPread
	}

	cbp := &s.cb
	n, _, errno := unix.Syscall(unix.SYS_IO_SUBMIT, uintptr(a.ctxID), 1, uintptr(unsafe.Pointer(&cbp)))
	switch {
	case errno == 0 && n == 1:
		s.start = time.Now()
		s.active = true
		return true, nil
	case errno == 0 && n == 0:
		a.env.log.Warnf("aio submit returned 0")
	case errno == unix.EAGAIN || errno == unix.EINTR:
		a.env.log.Warnf("aio submit returned %v", errno)
	default:
		return false, fmt.Errorf("failed to submit the aio request: %w", errno)
	}
	return false, nil
}

func (a *aioEngine) MakeRequests(stop *atomic.Bool) error {
	iodepth := int(a.env.params.Iodepth())
	for i := 0; i < iodepth; i++ {
		if !a.slots[i].active {
			if _, err := a.submit(&a.slots[i]); err != nil {
				return err
			}
		}
	}

	if stop.Load() {
		return nil
	}

	timeout := unix.Timespec{Nsec: 200 * 1000 * 1000}
	n, _, errno := unix.Syscall6(unix.SYS_IO_GETEVENTS,
		uintptr(a.ctxID), 1, MaxIodepth,
		uintptr(unsafe.Pointer(&a.events[0])),
		uintptr(unsafe.Pointer(&timeout)), 0)

	if stop.Load() {
		return nil
	}

	if errno != 0 {
		if errno == unix.EAGAIN || errno == unix.EINTR {
			a.env.log.Warnf("io_getevents returned %v", errno)
			return nil
		}
		return fmt.Errorf("io_getevents returned error: %w", errno)
	}

	for i := 0; i < int(n); i++ {
		evt := a.events[i]
		s := &a.slots[evt.Data]
		if evt.Res < 0 {
			return fmt.Errorf("aio request error: %w", syscall.Errno(-evt.Res))
		}
		s.active = false
		a.env.account(s.stats, time.Since(s.start).Microseconds())

		if s.pos < iodepth {
			if _, err := a.submit(s); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close drains pending completions once within 300 ms, then destroys the
// context and releases the slot buffers.
func (a *aioEngine) Close() error {
	inflight := uintptr(0)
	for i := range a.slots {
		if a.slots[i].active {
			inflight++
		}
	}
	if inflight > 0 {
		a.env.log.Infof("waiting for %d pending aio requests", inflight)
		timeout := unix.Timespec{Nsec: 300 * 1000 * 1000}
		n, _, errno := unix.Syscall6(unix.SYS_IO_GETEVENTS,
			uintptr(a.ctxID), inflight, MaxIodepth,
			uintptr(unsafe.Pointer(&a.events[0])),
			uintptr(unsafe.Pointer(&timeout)), 0)
		if errno != 0 {
			a.env.log.Errorf("io_getevents returned error on drain: %v", errno)
		}
		for i := 0; i < int(n); i++ {
			a.slots[a.events[i].Data].active = false
		}
	}

	if _, _, errno := unix.Syscall(unix.SYS_IO_DESTROY, uintptr(a.ctxID), 0, 0); errno != 0 {
		a.env.log.Errorf("io_destroy returned error: %v", errno)
	}
	for i := range a.slots {
		a.slots[i].buf.release()
	}
	return nil
}
