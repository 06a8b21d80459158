// Package fairlock implements a FIFO-fair mutual exclusion lock, for short
// critical sections, in the style of an MCS queue lock.
//
// Each acquisition enqueues a [Guard] (the queue node) onto the tail of the
// lock, and waits for its predecessor to hand over ownership. Goroutines are
// therefore granted the lock in the order they requested it, which prevents
// starvation under contention, unlike [sync.Mutex], which permits barging.
//
// Typical use:
//
//	defer lock.Acquire().Release()
//
// Critical sections guarded by a [Lock] must not block on anything other than
// the lock itself.
package fairlock
