package engine

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/godzie44/go-uring/uring"

	"github.com/runningwild/jostle/pkg/randx"
)

// uringSlot mirrors aioSlot for the io_uring engine.
type uringSlot struct {
	pos    int
	active bool
	stats  Stats
	buf    slotBuf
	start  time.Time
}

// uringEngine drives an io_uring ring sized to MaxIodepth with the same
// slot discipline as the kernel-AIO engine: fill inactive slots below the
// current iodepth, submit, reap with a bounded wait.
type uringEngine struct {
	env   env
	ring  *uring.Ring
	slots [MaxIodepth]uringSlot
}

func newUring(e env) (*uringEngine, error) {
	ring, err := uring.New(uint32(MaxIodepth))
	if err != nil {
		return nil, fmt.Errorf("failed to setup io_uring: %w", err)
	}
	u := &uringEngine{env: e, ring: ring}
	for i := range u.slots {
		u.slots[i].pos = i
		u.slots[i].buf.rng = randx.New()
	}
	return u, nil
}

func (u *uringEngine) Multithreaded() bool { return false }
func (u *uringEngine) SetWait(bool)        {}

func (u *uringEngine) queue(s *uringSlot) error {
	req := u.env.access()
	if err := s.buf.prepare(req); err != nil {
		return err
	}
	s.stats = req.stats()

	var op uring.Operation
	if req.Write {
		op = uring.Write(uintptr(u.env.fd), s.buf.data, uint64(req.Offset))
	} else {
		op = uring.Read(uintptr(u.env.fd), s.buf.data, uint64(req.Offset))
	}
	if err := u.ring.QueueSQE(op, 0, uint64(s.pos)); err != nil {
		return fmt.Errorf("failed to queue sqe: %w", err)
	}
	s.start = time.Now()
	s.active = true
	return nil
}

func (u *uringEngine) MakeRequests(stop *atomic.Bool) error {
	iodepth := int(u.env.params.Iodepth())

	queued := 0
	for i := 0; i < iodepth; i++ {
		if !u.slots[i].active {
			if err := u.queue(&u.slots[i]); err != nil {
				return err
			}
			queued++
		}
	}
	if queued > 0 {
		for {
			_, err := u.ring.Submit()
			if err == nil {
				break
			}
			if !isEINTR(err) {
				return fmt.Errorf("io_uring submit failed: %w", err)
			}
		}
	}

	if stop.Load() {
		return nil
	}

	cqe, err := u.ring.WaitCQEventsWithTimeout(1, 200*time.Millisecond)
	if err != nil {
		if isTransientCQErr(err) {
			return nil
		}
		return fmt.Errorf("io_uring wait failed: %w", err)
	}

	for cqe != nil {
		s := &u.slots[cqe.UserData]
		if cqe.Res < 0 {
			return fmt.Errorf("io_uring request error: %w", syscall.Errno(-cqe.Res))
		}
		s.active = false
		u.env.account(s.stats, time.Since(s.start).Microseconds())
		u.ring.SeenCQE(cqe)
		cqe, _ = u.ring.PeekCQE()
	}
	return nil
}

// Close drains outstanding completions once within 300 ms and closes the
// ring.
func (u *uringEngine) Close() error {
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		inflight := false
		for i := range u.slots {
			if u.slots[i].active {
				inflight = true
				break
			}
		}
		if !inflight {
			break
		}
		cqe, err := u.ring.WaitCQEventsWithTimeout(1, 100*time.Millisecond)
		if err != nil {
			break
		}
		for cqe != nil {
			u.slots[cqe.UserData].active = false
			u.ring.SeenCQE(cqe)
			cqe, _ = u.ring.PeekCQE()
		}
	}
	for i := range u.slots {
		u.slots[i].active = false
		u.slots[i].buf.release()
	}
	return u.ring.Close()
}

func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EINTR) {
		return true
	}
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return sysErr.Err == syscall.EINTR
	}
	return false
}

func isTransientCQErr(err error) bool {
	return isEINTR(err) ||
		errors.Is(err, syscall.ETIME) ||
		errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EBUSY)
}
