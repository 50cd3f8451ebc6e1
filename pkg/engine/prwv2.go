package engine

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/runningwild/jostle/pkg/randx"
)

// prwv2Engine runs MaxIodepth worker goroutines from construction. A worker
// whose index is below the current iodepth pulls requests and issues
// preadv/pwritev2 calls; the rest sleep. The controller-side MakeRequests
// degenerates to a bounded sleep plus error pickup.
type prwv2Engine struct {
	env env

	wait atomic.Bool
	stop atomic.Bool
	wg   sync.WaitGroup

	errOnce sync.Once
	errMu   sync.Mutex
	err     error
}

func newPrwv2(e env) *prwv2Engine {
	p := &prwv2Engine{env: e}
	p.wait.Store(true)
	for i := 0; i < MaxIodepth; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

func (p *prwv2Engine) Multithreaded() bool { return true }

func (p *prwv2Engine) SetWait(v bool) {
	p.wait.Store(v)
}

func (p *prwv2Engine) setErr(err error) {
	p.errOnce.Do(func() {
		p.errMu.Lock()
		p.err = err
		p.errMu.Unlock()
	})
}

func (p *prwv2Engine) firstErr() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

// MakeRequests rethrows the first worker error; otherwise it clears wait
// mode and parks for one tick while the workers run.
func (p *prwv2Engine) MakeRequests(stop *atomic.Bool) error {
	if err := p.firstErr(); err != nil {
		p.stop.Store(true)
		return err
	}
	if stop.Load() {
		p.stop.Store(true)
		return nil
	}
	p.wait.Store(false)
	time.Sleep(200 * time.Millisecond)
	return nil
}

func (p *prwv2Engine) worker(pos int) {
	defer p.wg.Done()

	buf := slotBuf{rng: randx.New()}
	defer buf.release()

	for !p.stop.Load() {
		if p.wait.Load() {
			time.Sleep(200 * time.Millisecond)
			continue
		}
		if pos >= int(p.env.params.Iodepth()) {
			time.Sleep(500 * time.Millisecond)
			continue
		}

		req := p.env.access()
		if err := buf.prepare(req); err != nil {
			p.setErr(err)
			return
		}

		iov := [][]byte{buf.data}
		start := time.Now()
		var n int
		var err error
		if req.Write {
			flags := 0
			if req.Dsync {
				flags = unix.RWF_DSYNC
			}
			n, err = unix.Pwritev2(p.env.fd, iov, req.Offset, flags)
		} else {
			n, err = unix.Preadv(p.env.fd, iov, req.Offset)
		}

		if p.stop.Load() {
			return
		}

		switch {
		case err == unix.EAGAIN || err == unix.EINTR:
			p.env.log.Warnf("(prwv2 worker[%d]) read/write returned %v", pos, err)
		case err != nil:
			p.setErr(fmt.Errorf("(prwv2 worker[%d]) read/write error: %w", pos, err))
			return
		case n == 0:
			p.env.log.Errorf("(prwv2 worker[%d]) read/write returned zero", pos)
		default:
			p.env.account(req.stats(), time.Since(start).Microseconds())
		}
	}
}

func (p *prwv2Engine) Close() error {
	p.stop.Store(true)
	p.wg.Wait()
	return nil
}
