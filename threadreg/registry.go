package threadreg

import (
	"math"
	"sync/atomic"

	"github.com/joeycumines/go-threadcore/fairlock"
	"github.com/joeycumines/logiface"
)

type (
	// Registry is a pool of thread control blocks, with generation-stamped
	// handles. Blocks are allocated once, and are never freed for the life of
	// the registry. The payload T models the per-thread state, and is reset
	// to its zero value, each time a block is retired.
	//
	// Instances must be initialized using the New factory.
	Registry[T any] struct {
		logger *logiface.Logger[logiface.Event]

		// blocks is an append-only snapshot of the arena, indexed by ID-1,
		// replaced (under lock) as it grows, and read without the lock
		blocks atomic.Pointer[[]*block[T]]

		step    uint64
		initial uint64

		// fields below are guarded by lock

		lock     fairlock.Lock
		top      ID // most recently retired, or 0 if empty
		bottom   ID // least recently retired, or 0 if empty
		reusable int
		closed   bool
	}

	// Stats is a point-in-time snapshot of a Registry.
	Stats struct {
		// Allocated is the number of blocks in the arena.
		Allocated int
		// Active is the number of blocks backing live threads.
		Active int
		// Reusable is the number of blocks on the reuse stack.
		Reusable int
	}

	block[T any] struct {
		// generation and state are written under the registry lock, but may
		// be read at any time
		generation atomic.Uint64
		state      atomic.Uint32

		// next is the reuse link, toward the bottom of the stack
		next ID

		data T
	}
)

// New initializes a Registry. A panic will occur if invalid options are
// provided.
func New[T any](opts ...Option) *Registry[T] {
	c := resolveOptions(opts)
	if c.step == 0 {
		panic(`threadreg: generation step must be positive`)
	}
	return &Registry[T]{
		logger:  c.logger,
		step:    c.step,
		initial: c.initial,
	}
}

// Retire returns the thread's block to the pool, and must be called exactly
// once per thread teardown. The block's generation is bumped, which makes h
// (and every copy of it) stale, the payload is reset, and the block is pushed
// onto the top of the reuse stack.
//
// ErrInvalidHandle is returned, with no changes made, if h does not refer to
// a live thread.
func (x *Registry[T]) Retire(h Handle) error {
	b := x.lookup(h.id)
	if b == nil {
		return ErrInvalidHandle
	}

	generation, err := x.retire(h, b)
	if err != nil {
		x.logger.Warning().
			Err(err).
			Str(`handle`, h.String()).
			Log(`threadreg: retire rejected`)
		return err
	}

	x.logger.Debug().
		Uint64(`id`, uint64(h.id)).
		Uint64(`generation`, generation).
		Log(`threadreg: retired`)

	return nil
}

func (x *Registry[T]) retire(h Handle, b *block[T]) (uint64, error) {
	defer x.lock.Acquire().Release()

	if x.closed {
		return 0, ErrClosed
	}
	if b.generation.Load() != h.generation || State(b.state.Load()) != StateActive {
		return 0, ErrInvalidHandle
	}

	generation := b.generation.Add(x.step)
	var zero T
	b.data = zero
	b.state.Store(uint32(StateReusable))

	if x.top == 0 {
		x.bottom = h.id
	} else {
		b.next = x.top
	}
	x.top = h.id
	x.reusable++

	return generation, nil
}

// AcquireForReuse pops the most recently retired block, marks it active, and
// returns a handle carrying its current generation. If the pool is empty (or
// the registry is closed), false is returned, and the caller should allocate
// a fresh block, e.g. via Allocate.
func (x *Registry[T]) AcquireForReuse() (Handle, bool) {
	h, ok := x.pop()
	if ok {
		x.logger.Debug().
			Uint64(`id`, uint64(h.id)).
			Uint64(`generation`, h.generation).
			Log(`threadreg: reused`)
	}
	return h, ok
}

func (x *Registry[T]) pop() (Handle, bool) {
	defer x.lock.Acquire().Release()

	if x.closed || x.top == 0 {
		return Handle{}, false
	}

	id := x.top
	b := x.lookup(id)

	x.top = b.next
	if id == x.bottom {
		x.bottom = 0
	}
	b.next = 0
	b.state.Store(uint32(StateActive))
	x.reusable--

	return Handle{id: id, generation: b.generation.Load()}, true
}

// Allocate appends a fresh, active block to the arena, with the initial
// generation, and returns its handle. Most callers should use Acquire, which
// prefers reuse.
func (x *Registry[T]) Allocate() (Handle, error) {
	h, err := x.allocate()
	if err != nil {
		return Handle{}, err
	}
	x.logger.Debug().
		Uint64(`id`, uint64(h.id)).
		Log(`threadreg: allocated`)
	return h, nil
}

func (x *Registry[T]) allocate() (Handle, error) {
	defer x.lock.Acquire().Release()

	if x.closed {
		return Handle{}, ErrClosed
	}

	var blocks []*block[T]
	if p := x.blocks.Load(); p != nil {
		blocks = *p
	}
	if uint64(len(blocks)) >= math.MaxUint32 {
		return Handle{}, ErrExhausted
	}

	b := new(block[T])
	b.generation.Store(x.initial)
	b.state.Store(uint32(StateActive))

	// note: readers of older snapshots never index past their own length
	blocks = append(blocks, b)
	x.blocks.Store(&blocks)

	return Handle{id: ID(len(blocks)), generation: x.initial}, nil
}

// Acquire returns a handle for a new thread, reusing a retired block if one
// is available, otherwise allocating a fresh one. The reused return value
// indicates which occurred.
func (x *Registry[T]) Acquire() (h Handle, reused bool, err error) {
	if h, reused = x.AcquireForReuse(); reused {
		return h, true, nil
	}
	h, err = x.Allocate()
	return h, false, err
}

// IsStale reports whether h no longer refers to a live thread, i.e. the
// thread it was issued for has since been retired (and possibly reused).
// The check does not lock, and is only a point-in-time snapshot, that may
// race with a concurrent Retire. Unknown handles are always stale.
func (x *Registry[T]) IsStale(h Handle) bool {
	b := x.lookup(h.id)
	return b == nil || b.generation.Load() != h.generation
}

// State returns the current state of the block h refers to, or 0 if h is
// unknown. It does not check staleness.
func (x *Registry[T]) State(h Handle) State {
	if b := x.lookup(h.id); b != nil {
		return State(b.state.Load())
	}
	return 0
}

// Data returns the payload for the live thread h refers to.
//
// The payload is owned by the thread, and must not be accessed after the
// handle is retired, at which point it is reset.
func (x *Registry[T]) Data(h Handle) (*T, error) {
	b := x.lookup(h.id)
	if b == nil ||
		b.generation.Load() != h.generation ||
		State(b.state.Load()) != StateActive {
		return nil, ErrInvalidHandle
	}
	return &b.data, nil
}

// Stats returns a consistent snapshot of the registry's counts.
func (x *Registry[T]) Stats() Stats {
	defer x.lock.Acquire().Release()
	var s Stats
	if p := x.blocks.Load(); p != nil {
		s.Allocated = len(*p)
	}
	s.Reusable = x.reusable
	s.Active = s.Allocated - s.Reusable
	return s
}

// Close ends the registry's lifecycle. Subsequent calls to Allocate, Acquire,
// and Retire will fail with ErrClosed, and AcquireForReuse will return false.
// Handles remain valid for IsStale. Close is idempotent, and always returns
// nil.
func (x *Registry[T]) Close() error {
	g := x.lock.Acquire()
	already := x.closed
	x.closed = true
	g.Release()

	if !already {
		x.logger.Debug().Log(`threadreg: closed`)
	}
	return nil
}

func (x *Registry[T]) lookup(id ID) *block[T] {
	if id == 0 {
		return nil
	}
	p := x.blocks.Load()
	if p == nil || int(id) > len(*p) {
		return nil
	}
	return (*p)[id-1]
}
