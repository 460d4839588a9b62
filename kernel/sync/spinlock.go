// Package sync provides the spinlock used by every kernel data structure.
package sync

import (
	"runtime"
	"sync/atomic"
)

// attemptsBeforeYielding bounds how long Acquire busy-waits before handing
// the host thread to another goroutine.
const attemptsBeforeYielding = 64

var (
	// yieldFn is invoked by Acquire after attemptsBeforeYielding failed
	// attempts.
	yieldFn = runtime.Gosched
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available. A Spinlock may be released by a different
// goroutine than the one that acquired it; the scheduler relies on this when
// a process lock is handed over across a context switch.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for attempts := uint32(1); !atomic.CompareAndSwapUint32(&l.state, 0, 1); attempts++ {
		if attempts%attemptsBeforeYielding == 0 {
			yieldFn()
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// Held reports whether the lock is currently held by some task.
func (l *Spinlock) Held() bool {
	return atomic.LoadUint32(&l.state) == 1
}

// Locker is implemented by the locks that sleep can release on behalf of a
// caller.
type Locker interface {
	Acquire()
	Release()
}
