package sema

import (
	"context"
	"math"

	"golang.org/x/sync/semaphore"
)

// waitObject is the physical primitive that blocked callers park on.
//
// Implementations must be safe to call while the semaphore lock is held, for
// all methods but wait, which must never be called with the lock held.
type waitObject interface {
	// wait blocks until the caller consumes a wakeup, or ctx is done. A nil
	// error means a wakeup was consumed.
	wait(ctx context.Context) error

	// tryWait consumes a wakeup, if one is immediately available.
	tryWait() bool

	// release makes up to n wakeups available, returning the number that
	// took effect, which may be less than n, for primitives that can only
	// wake a single waiter per call.
	release(n int64) int64
}

// bulkObject releases any number of waiters in one call, like a kernel
// semaphore (ReleaseSemaphore). It is a weighted semaphore, with all of its
// weight held, such that released units are the wakeups.
type bulkObject struct {
	w *semaphore.Weighted
}

// eventObject is an auto-reset event, which can only ever hold a single
// wakeup. Releasing while a wakeup is already pending has no effect.
type eventObject struct {
	ch chan struct{}
}

func newBulkObject() *bulkObject {
	w := semaphore.NewWeighted(math.MaxInt64)
	if !w.TryAcquire(math.MaxInt64) {
		panic(`sema: unable to initialize wait object`)
	}
	return &bulkObject{w: w}
}

func (x *bulkObject) wait(ctx context.Context) error {
	return x.w.Acquire(ctx, 1)
}

func (x *bulkObject) tryWait() bool {
	return x.w.TryAcquire(1)
}

func (x *bulkObject) release(n int64) int64 {
	if n <= 0 {
		return 0
	}
	x.w.Release(n)
	return n
}

func newEventObject() *eventObject {
	return &eventObject{ch: make(chan struct{}, 1)}
}

func (x *eventObject) wait(ctx context.Context) error {
	if done := ctx.Done(); done != nil {
		select {
		case <-x.ch:
			return nil
		case <-done:
			return ctx.Err()
		}
	}
	<-x.ch
	return nil
}

func (x *eventObject) tryWait() bool {
	select {
	case <-x.ch:
		return true
	default:
		return false
	}
}

func (x *eventObject) release(n int64) int64 {
	if n <= 0 {
		return 0
	}
	select {
	case x.ch <- struct{}{}:
		return 1
	default:
		// already set, and will be consumed by exactly one waiter
		return 0
	}
}
