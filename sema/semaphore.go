package sema

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-threadcore/fairlock"
	"github.com/joeycumines/logiface"
)

type (
	// Semaphore is a counting semaphore. Instances must be initialized using
	// the New factory, and must not be copied.
	Semaphore struct {
		logger   *logiface.Logger[logiface.Event]
		limiter  *catrate.Limiter
		obj      waitObject
		strategy Strategy
		maximum  int64

		stats semStats

		// fields below are guarded by lock

		lock fairlock.Lock

		// value is the number of available units, if positive, otherwise
		// its magnitude is the number of callers that are (or are about to
		// be) blocked, and haven't yet been given a unit
		value int64

		// pending is the number of wakeups owed to blocked callers, that
		// have not yet been released on obj (StrategyCascade only)
		pending int64

		destroyed bool
	}

	// Stats models counters for a Semaphore, see Semaphore.Stats.
	Stats struct {
		// Posts is the number of successful Post calls.
		Posts uint64
		// Posted is the total units added by successful Post calls.
		Posted uint64
		// Rejected is the number of Post calls that failed with ErrOutOfRange.
		Rejected uint64
		// Waits is the number of successful Wait and TryWait calls.
		Waits uint64
		// Blocked is the number of Wait calls that had to block.
		Blocked uint64
		// Wakeups is the number of blocked callers granted a unit by Post.
		Wakeups uint64
		// Canceled is the number of Wait calls that gave up, due to their
		// context, without receiving a unit.
		Canceled uint64
	}

	semStats struct {
		posts    atomic.Uint64
		posted   atomic.Uint64
		rejected atomic.Uint64
		waits    atomic.Uint64
		blocked  atomic.Uint64
		wakeups  atomic.Uint64
		canceled atomic.Uint64
	}
)

// New initializes a Semaphore with the given initial value. ErrInvalidArgument
// is returned if initial is negative, or exceeds the maximum, or if the
// options are invalid.
func New(initial int, opts ...Option) (*Semaphore, error) {
	c := resolveOptions(opts)

	if c.maximum <= 0 || c.maximum > MaxValue {
		return nil, fmt.Errorf(`%w: maximum %d not in [1, %d]`, ErrInvalidArgument, c.maximum, MaxValue)
	}
	if initial < 0 || initial > c.maximum {
		return nil, fmt.Errorf(`%w: initial value %d not in [0, %d]`, ErrInvalidArgument, initial, c.maximum)
	}

	x := Semaphore{
		logger:   c.logger,
		strategy: c.strategy,
		maximum:  int64(c.maximum),
		value:    int64(initial),
	}

	switch c.strategy {
	case StrategyBulk:
		x.obj = newBulkObject()
	case StrategyCascade:
		x.obj = newEventObject()
	default:
		return nil, fmt.Errorf(`%w: unknown strategy %s`, ErrInvalidArgument, c.strategy)
	}

	if c.logger != nil && len(c.logRates) != 0 {
		x.limiter = catrate.NewLimiter(c.logRates)
	}

	return &x, nil
}

// Post adds count units to the semaphore, waking up to count blocked callers.
//
// If there are N blocked callers, exactly min(N, count) of them will be
// released, as a result of this call, and the remaining units (if any) will
// be available to subsequent callers.
//
// ErrInvalidArgument is returned if the semaphore is invalid, or count is not
// positive. ErrOutOfRange is returned if the value would exceed the maximum.
// In both cases, the semaphore is not modified.
func (x *Semaphore) Post(count int) error {
	if x == nil || count <= 0 {
		return ErrInvalidArgument
	}

	granted, err := x.post(int64(count))
	if err != nil {
		if err == ErrOutOfRange {
			x.stats.rejected.Add(1)
			x.warn(`post`, err, count)
		}
		return err
	}

	x.stats.posts.Add(1)
	x.stats.posted.Add(uint64(count))
	if granted > 0 {
		x.stats.wakeups.Add(uint64(granted))
		x.logger.Trace().
			Int(`count`, count).
			Int64(`granted`, granted).
			Log(`sema: post released waiters`)
	}

	return nil
}

// Post1 is equivalent to Post(1), i.e. sem_post.
func (x *Semaphore) Post1() error {
	return x.Post(1)
}

func (x *Semaphore) post(count int64) (granted int64, err error) {
	defer x.lock.Acquire().Release()

	if x.destroyed {
		return 0, ErrInvalidArgument
	}
	if count > x.maximum-x.value {
		return 0, ErrOutOfRange
	}

	waiters := -x.value
	x.value += count

	if waiters > 0 {
		granted = min(waiters, count)
		// for the cascade strategy, at most one wakeup will take effect,
		// the rest are passed along by each woken caller
		x.pending += granted - x.obj.release(granted)
	}

	return granted, nil
}

// Wait decrements the semaphore, blocking until a unit is available, or ctx
// is done.
//
// If ctx is done before a unit is received, the caller's reservation is
// undone, and ctx.Err() is returned. If a unit arrives concurrently with ctx
// being done, Wait may succeed regardless. A panic will occur if ctx is nil.
//
// ErrInvalidArgument is returned if the semaphore is invalid.
func (x *Semaphore) Wait(ctx context.Context) error {
	if ctx == nil {
		panic(`sema: nil context`)
	}
	if x == nil {
		return ErrInvalidArgument
	}

	// guard context cancel, for consistent behavior
	if err := ctx.Err(); err != nil {
		return err
	}

	blocked, err := x.reserve()
	if err != nil {
		return err
	}

	if blocked {
		x.stats.blocked.Add(1)

		if err := x.obj.wait(ctx); err != nil {
			if err := x.abandon(err); err != nil {
				x.stats.canceled.Add(1)
				x.logger.Debug().
					Err(err).
					Log(`sema: wait abandoned`)
				return err
			}
		} else {
			x.woken()
		}
	}

	x.stats.waits.Add(1)
	return nil
}

func (x *Semaphore) reserve() (blocked bool, err error) {
	defer x.lock.Acquire().Release()
	if x.destroyed {
		return false, ErrInvalidArgument
	}
	x.value--
	return x.value < 0, nil
}

// woken is called after consuming a wakeup from obj.
func (x *Semaphore) woken() {
	defer x.lock.Acquire().Release()
	x.propagate()
}

// propagate passes on a pending wakeup, if any, and must be called with the
// lock held.
func (x *Semaphore) propagate() {
	if x.pending > 0 {
		// decremented only if the wakeup took effect: if obj already has a
		// wakeup, it'll be consumed by a caller that will call propagate
		x.pending -= x.obj.release(x.pending)
	}
}

// abandon resolves a blocked caller that stopped waiting on obj, without
// consuming a wakeup, returning nil if the caller was given a unit after all.
func (x *Semaphore) abandon(cause error) error {
	defer x.lock.Acquire().Release()

	switch {
	case x.obj.tryWait():
		// raced with post
		x.propagate()
		return nil

	case x.value < 0:
		// at least one blocked caller hasn't been given a unit, and units
		// are interchangeable, so this caller gives up its reservation
		x.value++
		return cause

	case x.pending > 0:
		// every blocked caller was given a unit, but this caller's wakeup
		// hadn't been signalled yet
		x.pending--
		return nil

	default:
		panic(`sema: wakeup accounting inconsistent`)
	}
}

// TryWait decrements the semaphore only if a unit is immediately available,
// otherwise returning ErrWouldBlock, without side effects.
//
// ErrInvalidArgument is returned if the semaphore is invalid.
func (x *Semaphore) TryWait() error {
	if x == nil {
		return ErrInvalidArgument
	}
	if err := x.tryWait(); err != nil {
		return err
	}
	x.stats.waits.Add(1)
	return nil
}

func (x *Semaphore) tryWait() error {
	defer x.lock.Acquire().Release()
	if x.destroyed {
		return ErrInvalidArgument
	}
	if x.value <= 0 {
		return ErrWouldBlock
	}
	x.value--
	return nil
}

// Value returns the current value of the semaphore, like sem_getvalue. A
// negative value indicates the number of blocked callers.
func (x *Semaphore) Value() int {
	if x == nil {
		return 0
	}
	defer x.lock.Acquire().Release()
	return int(x.value)
}

// Waiters returns the number of blocked callers that haven't yet been given
// a unit, i.e. max(0, -Value()).
func (x *Semaphore) Waiters() int {
	return max(0, -x.Value())
}

// Maximum returns the maximum value of the semaphore.
func (x *Semaphore) Maximum() int {
	if x == nil {
		return 0
	}
	return int(x.maximum)
}

// Strategy returns the wake strategy the semaphore was configured with.
func (x *Semaphore) Strategy() Strategy {
	if x == nil {
		return 0
	}
	return x.strategy
}

// Stats returns a snapshot of the semaphore's counters. The counters are
// loaded individually, and may not be mutually consistent.
func (x *Semaphore) Stats() Stats {
	if x == nil {
		return Stats{}
	}
	return Stats{
		Posts:    x.stats.posts.Load(),
		Posted:   x.stats.posted.Load(),
		Rejected: x.stats.rejected.Load(),
		Waits:    x.stats.waits.Load(),
		Blocked:  x.stats.blocked.Load(),
		Wakeups:  x.stats.wakeups.Load(),
		Canceled: x.stats.canceled.Load(),
	}
}

// Destroy invalidates the semaphore, like sem_destroy. ErrBusy is returned,
// and the semaphore is left untouched, if any callers are blocked. After a
// successful Destroy, all operations return ErrInvalidArgument.
func (x *Semaphore) Destroy() error {
	if x == nil {
		return ErrInvalidArgument
	}
	if err := x.destroy(); err != nil {
		return err
	}
	x.logger.Debug().Log(`sema: destroyed`)
	return nil
}

func (x *Semaphore) destroy() error {
	defer x.lock.Acquire().Release()
	if x.destroyed {
		return ErrInvalidArgument
	}
	if x.value < 0 || x.pending > 0 {
		return ErrBusy
	}
	x.destroyed = true
	return nil
}

// warn logs a rejected operation, rate limited per category.
func (x *Semaphore) warn(category string, err error, count int) {
	if x.logger == nil {
		return
	}
	if _, ok := x.limiter.Allow(category); !ok {
		return
	}
	x.logger.Warning().
		Err(err).
		Str(`op`, category).
		Int(`count`, count).
		Int(`maximum`, int(x.maximum)).
		Log(`sema: operation rejected`)
}
