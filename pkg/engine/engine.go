// Package engine implements the raw-I/O workload core: three block-I/O
// strategies behind one interface (blocking POSIX, kernel AIO, a
// preadv2/pwritev2 thread pool, plus an io_uring variant), driven by a
// controller that owns the workload file and the runtime-mutable
// parameters.
package engine

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Engine submits one batch of requests per MakeRequests call and accounts
// completions through the controller. Implementations park without holding
// their submission quota while wait mode is set.
type Engine interface {
	// MakeRequests submits and reaps one batch. Transient submit errors
	// are absorbed; anything returned is fatal to the run.
	MakeRequests(stop *atomic.Bool) error
	// SetWait enters (true) or leaves (false) pause mode.
	SetWait(v bool)
	// Multithreaded reports whether completions are accounted from more
	// than one goroutine.
	Multithreaded() bool
	// Close releases engine resources, draining pending submissions.
	Close() error
}

// env is the controller-provided environment an engine runs in.
type env struct {
	fd      int
	params  *Params
	access  func() AccessRequest
	account func(st Stats, latencyUs int64)
	log     *zap.SugaredLogger
}

// condLock is a mutex that only engages for multithreaded engines, the
// single-threaded ones pay nothing for the shared tuple.
type condLock struct {
	active bool
	mu     sync.Mutex
}

func (l *condLock) Activate() { l.active = true }

func (l *condLock) Lock() {
	if l.active {
		l.mu.Lock()
	}
}

func (l *condLock) Unlock() {
	if l.active {
		l.mu.Unlock()
	}
}
