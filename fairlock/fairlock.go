package fairlock

import (
	"runtime"
	"sync"
	"sync/atomic"
)

type (
	// Lock is a FIFO-fair mutual exclusion lock. The zero value is an
	// unlocked lock. A Lock must not be copied after first use.
	Lock struct {
		_ noCopy

		// tail is the most recently enqueued guard, or nil if the lock is
		// free, and nobody is queued.
		tail atomic.Pointer[Guard]

		// holder supports the sync.Locker methods, and is only accessed by
		// the goroutine that holds the lock.
		holder *Guard
	}

	// Guard represents a single acquisition of a Lock, and doubles as the
	// queue node for that acquisition. It is valid from the return of
	// Lock.Acquire (or a successful Lock.TryAcquire) until Guard.Release.
	Guard struct {
		lock *Lock

		// next is set by the successor, once it has enqueued itself.
		next atomic.Pointer[Guard]

		// ready receives exactly one value, when ownership is handed over.
		ready chan struct{}

		held bool
	}

	noCopy struct{}
)

var guardPool = sync.Pool{New: func() any {
	return &Guard{ready: make(chan struct{}, 1)}
}}

var _ sync.Locker = (*Lock)(nil)

// Acquire blocks until the caller holds the lock, returning the Guard that
// must be used to release it. Callers are served in the order they called
// Acquire.
func (x *Lock) Acquire() *Guard {
	g := newGuard(x)

	if prev := x.tail.Swap(g); prev != nil {
		// queued behind prev, which will signal once it releases
		prev.next.Store(g)
		<-g.ready
	}

	g.held = true
	return g
}

// TryAcquire acquires the lock only if it is free, and nobody is queued for
// it, never blocking. The returned Guard is nil if the lock was not acquired.
func (x *Lock) TryAcquire() (*Guard, bool) {
	g := newGuard(x)
	if !x.tail.CompareAndSwap(nil, g) {
		g.lock = nil
		guardPool.Put(g)
		return nil, false
	}
	g.held = true
	return g, true
}

// Lock implements sync.Locker, see also Acquire.
func (x *Lock) Lock() {
	g := x.Acquire()
	x.holder = g
}

// Unlock implements sync.Locker. It panics if the lock was not acquired via
// Lock.
func (x *Lock) Unlock() {
	g := x.holder
	if g == nil {
		panic(`fairlock: unlock of unlocked lock`)
	}
	g.Release()
}

// Release hands the lock to the next queued goroutine, if any, otherwise
// marking it free. The Guard must not be used afterwards. Release panics if
// the guard does not currently hold its lock.
func (x *Guard) Release() {
	if x == nil || !x.held {
		panic(`fairlock: release of unheld guard`)
	}
	x.held = false

	lock := x.lock
	if lock.holder == x {
		lock.holder = nil
	}

	next := x.next.Load()
	if next == nil {
		if lock.tail.CompareAndSwap(x, nil) {
			x.recycle()
			return
		}
		// a successor swapped itself onto the tail, but hasn't linked yet
		for {
			if next = x.next.Load(); next != nil {
				break
			}
			runtime.Gosched()
		}
	}

	next.ready <- struct{}{}
	x.recycle()
}

// Held reports whether the guard currently holds its lock. It must only be
// called by the goroutine that owns the guard.
func (x *Guard) Held() bool {
	return x != nil && x.held
}

func newGuard(lock *Lock) *Guard {
	g := guardPool.Get().(*Guard)
	g.lock = lock
	g.next.Store(nil)
	return g
}

func (x *Guard) recycle() {
	x.lock = nil
	x.next.Store(nil)
	guardPool.Put(x)
}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}
