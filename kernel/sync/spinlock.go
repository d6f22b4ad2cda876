// Package sync provides synchronization primitives for code that may run
// with interrupts enabled on a single CPU: a plain Spinlock and an
// IRQSpinlock variant for critical sections reachable from interrupt
// context (the allocators, primarily).
package sync

import (
	"sync/atomic"

	"github.com/vektor-os/vektor/kernel/cpu"
)

var (
	// TODO: replace with a real yield once the scheduler can reschedule the
	// calling process instead of busy-waiting.
	yieldFn func()

	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will
// cause a deadlock.
func (l *Spinlock) Acquire() {
	for !l.TryToAcquire() {
		if yieldFn != nil {
			yieldFn()
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock
// could be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock, allowing other tasks to acquire it.
// Calling Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// IRQSpinlock wraps a Spinlock and additionally disables interrupts for the
// duration the lock is held. It must be used by any structure that can be
// mutated both from regular kernel code and from an interrupt handler (the
// buddy allocator, kmalloc, and every slab cache): without it, an interrupt
// arriving while the lock is held by the interrupted code would deadlock
// re-entering the same critical section.
type IRQSpinlock struct {
	lock Spinlock
}

// Acquire disables interrupts and blocks until the lock is acquired.
func (l *IRQSpinlock) Acquire() {
	disableInterruptsFn()
	l.lock.Acquire()
}

// Release releases the lock and re-enables interrupts.
func (l *IRQSpinlock) Release() {
	l.lock.Release()
	enableInterruptsFn()
}
