package sync

import "sync/atomic"

const rwWriterBit = 1 << 31

// RWSpinlock is a reader/writer spinlock. Any number of readers may hold the
// lock at once; a writer holds it exclusively. A waiting writer blocks new
// readers so that a steady stream of readers cannot starve it.
type RWSpinlock struct {
	// state holds the reader count in the low bits and rwWriterBit when a
	// writer owns or is draining the lock.
	state uint32

	writer Spinlock
}

// Acquire blocks until the lock is held exclusively by the caller.
func (l *RWSpinlock) Acquire() {
	l.writer.Acquire()

	for {
		state := atomic.LoadUint32(&l.state)
		if atomic.CompareAndSwapUint32(&l.state, state, state|rwWriterBit) {
			break
		}
	}

	for attempt := uint32(1); atomic.LoadUint32(&l.state) != rwWriterBit; attempt++ {
		if attempt%attemptsBeforeYielding == 0 {
			yieldFn()
		}
	}
}

// Release relinquishes an exclusively held lock.
func (l *RWSpinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
	l.writer.Release()
}

// RAcquire blocks until the lock is held for reading by the caller.
func (l *RWSpinlock) RAcquire() {
	for attempt := uint32(1); ; attempt++ {
		state := atomic.LoadUint32(&l.state)
		if state&rwWriterBit == 0 && atomic.CompareAndSwapUint32(&l.state, state, state+1) {
			return
		}

		if attempt%attemptsBeforeYielding == 0 {
			yieldFn()
		}
	}
}

// RRelease relinquishes a lock held for reading.
func (l *RWSpinlock) RRelease() {
	atomic.AddUint32(&l.state, ^uint32(0))
}
