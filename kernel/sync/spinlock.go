// Package sync provides the synchronization primitives kernel subsystems
// use to serialize state that can also be touched from IRQ context, such as
// the physical frame bitmap and the kernel heap's free list.
package sync

import "sync/atomic"

var (
	// yieldFn is invoked after each failed acquisition round so a
	// busy-waiting task gives the rest of the system a chance to run. In
	// the kernel it is a no-op: the timer IRQ preempts a spinning task
	// anyway. Tests substitute runtime.Gosched to avoid livelock.
	yieldFn = func() {}
)

// spinRounds is the number of state polls between two yieldFn invocations.
const spinRounds = 1024

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for {
		if l.TryToAcquire() {
			return
		}

		// Poll with a plain load before retrying the swap so the
		// cacheline is not bounced between owner and waiter.
		for i := 0; i < spinRounds; i++ {
			if atomic.LoadUint32(&l.state) == 0 {
				break
			}
		}

		yieldFn()
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}
