package main

import (
	"context"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joeycumines/go-threadcore/postbatch"
	"github.com/joeycumines/go-threadcore/sema"
	"github.com/joeycumines/go-threadcore/threadreg"
	"github.com/joeycumines/logiface"
	"github.com/panjf2000/ants/v2"
)

// producers is the number of goroutines posting to the semaphore.
const producers = 4

type (
	// thread is the per-thread payload stored in the registry.
	thread struct {
		tid       int
		lifecycle int
	}

	// soak simulates a thread lifecycle manager: each lifecycle acquires a
	// thread control block, blocks on the semaphore, then retires the block
	// for reuse.
	soak struct {
		cfg      *config
		logger   *logiface.Logger[logiface.Event]
		sem      *sema.Semaphore
		reg      *threadreg.Registry[thread]
		poster   *postbatch.Poster
		tids     sync.Map
		served   atomic.Int64
		reused   atomic.Int64
		posted   atomic.Int64
		backoffs atomic.Int64
	}

	// report summarizes a completed soak run.
	report struct {
		Registry   threadreg.Stats
		Sema       sema.Stats
		Poster     postbatch.Stats
		Elapsed    time.Duration
		Served     int64
		Reused     int64
		Posted     int64
		Backoffs   int64
		Threads    int
		FinalValue int
	}
)

func newSoak(cfg *config, logger *logiface.Logger[logiface.Event]) (*soak, error) {
	sem, err := sema.New(
		cfg.Initial,
		sema.WithMaximum(cfg.Maximum),
		sema.WithStrategy(cfg.Strategy),
		sema.WithLogger(logger),
	)
	if err != nil {
		return nil, errors.Wrap(err, `new semaphore`)
	}

	x := soak{
		cfg:    cfg,
		logger: logger,
		sem:    sem,
		reg:    threadreg.New[thread](threadreg.WithLogger(logger)),
	}

	if cfg.Batch {
		x.poster = postbatch.New(sem, &postbatch.Config{Logger: logger})
	}

	return &x, nil
}

// Close releases resources held by the soak, and should be called after Run.
func (x *soak) Close() error {
	if x.poster != nil {
		_ = x.poster.Close()
	}
	return x.reg.Close()
}

// Run performs every lifecycle, returning once all have been served, and the
// post-run invariants have been checked.
func (x *soak) Run(ctx context.Context) (*report, error) {
	ctx, cancel := context.WithTimeout(ctx, x.cfg.Timeout)
	defer cancel()

	start := time.Now()

	pool, err := ants.NewPool(x.cfg.Workers, ants.WithPanicHandler(func(v any) {
		x.logger.Crit().
			Any(`panic`, v).
			Log(`threadcore: lifecycle panicked`)
	}))
	if err != nil {
		return nil, errors.Wrap(err, `new worker pool`)
	}
	defer pool.Release()

	var (
		errMu    sync.Mutex
		firstErr error
	)
	fail := func(err error) {
		errMu.Lock()
		if firstErr == nil {
			firstErr = err
			cancel()
		}
		errMu.Unlock()
	}

	var producersWG sync.WaitGroup
	demand := new(atomic.Int64)
	demand.Store(int64(max(x.cfg.Lifecycles-x.cfg.Initial, 0)))
	producersWG.Add(producers)
	for i := range producers {
		seed := x.cfg.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		rng := rand.New(rand.NewSource(seed + int64(i)))
		go func() {
			defer producersWG.Done()
			if err := x.produce(ctx, rng, demand); err != nil {
				fail(errors.Wrapf(err, `producer %d`, i))
			}
		}()
	}

	var lifecyclesWG sync.WaitGroup
	lifecyclesWG.Add(x.cfg.Lifecycles)
	for i := range x.cfg.Lifecycles {
		err := pool.Submit(func() {
			defer lifecyclesWG.Done()
			if err := x.lifecycle(ctx, i); err != nil {
				fail(err)
			}
		})
		if err != nil {
			lifecyclesWG.Add(i - x.cfg.Lifecycles)
			fail(errors.Wrap(err, `submit lifecycle`))
			break
		}
	}

	lifecyclesWG.Wait()
	producersWG.Wait()

	errMu.Lock()
	err = firstErr
	errMu.Unlock()
	if err != nil {
		return nil, err
	}

	r := report{
		Registry:   x.reg.Stats(),
		Sema:       x.sem.Stats(),
		Elapsed:    time.Since(start),
		Served:     x.served.Load(),
		Reused:     x.reused.Load(),
		Posted:     x.posted.Load(),
		Backoffs:   x.backoffs.Load(),
		FinalValue: x.sem.Value(),
	}
	if x.poster != nil {
		r.Poster = x.poster.Stats()
	}
	x.tids.Range(func(any, any) bool {
		r.Threads++
		return true
	})

	if err := x.check(&r); err != nil {
		return &r, err
	}

	return &r, nil
}

// lifecycle simulates a single thread, from creation to exit.
func (x *soak) lifecycle(ctx context.Context, n int) error {
	h, reused, err := x.reg.Acquire()
	if err != nil {
		return errors.Wrapf(err, `lifecycle %d: acquire`, n)
	}
	if reused {
		x.reused.Add(1)
	}

	data, err := x.reg.Data(h)
	if err != nil {
		return errors.Wrapf(err, `lifecycle %d: data for %s`, n, h)
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	data.tid = threadID()
	data.lifecycle = n
	x.tids.Store(data.tid, struct{}{})

	if err := x.sem.Wait(ctx); err != nil {
		err = errors.Wrapf(err, `lifecycle %d: wait`, n)
		if rerr := x.reg.Retire(h); rerr != nil {
			err = errors.CombineErrors(err, errors.Wrapf(rerr, `lifecycle %d: retire %s`, n, h))
		}
		return err
	}

	if err := x.reg.Retire(h); err != nil {
		return errors.Wrapf(err, `lifecycle %d: retire %s`, n, h)
	}
	if !x.reg.IsStale(h) {
		return errors.Newf(`lifecycle %d: %s not stale after retire`, n, h)
	}

	x.served.Add(1)
	return nil
}

// produce posts random counts, claimed from demand, until there is none left.
func (x *soak) produce(ctx context.Context, rng *rand.Rand, demand *atomic.Int64) error {
	for {
		remaining := demand.Load()
		if remaining <= 0 {
			return nil
		}
		count := min(int64(1+rng.Intn(x.cfg.MaxPost)), remaining)
		if !demand.CompareAndSwap(remaining, remaining-count) {
			continue
		}

		for {
			err := x.post(ctx, int(count))
			if err == nil {
				x.posted.Add(count)
				break
			}
			if !errors.Is(err, sema.ErrOutOfRange) {
				return errors.Wrapf(err, `post %d`, count)
			}
			// full, wait for the lifecycles to catch up
			x.backoffs.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(100 * time.Microsecond):
			}
		}
	}
}

func (x *soak) post(ctx context.Context, count int) error {
	if x.poster != nil {
		return x.poster.Post(ctx, count)
	}
	return x.sem.Post(count)
}

// check verifies the invariants that must hold once every lifecycle has
// been served.
func (x *soak) check(r *report) error {
	if r.Served != int64(x.cfg.Lifecycles) {
		return errors.Newf(`served %d of %d lifecycles`, r.Served, x.cfg.Lifecycles)
	}
	if waiters := x.sem.Waiters(); waiters != 0 {
		return errors.Newf(`%d waiters remain blocked`, waiters)
	}
	if want := x.cfg.Initial + int(r.Posted) - x.cfg.Lifecycles; r.FinalValue != want {
		return errors.Newf(`final value %d, expected %d`, r.FinalValue, want)
	}
	if r.Registry.Active != 0 {
		return errors.Newf(`%d thread blocks still active`, r.Registry.Active)
	}
	if r.Registry.Allocated > x.cfg.Workers {
		return errors.Newf(`%d thread blocks allocated for %d workers`, r.Registry.Allocated, x.cfg.Workers)
	}
	if r.Registry.Reusable != r.Registry.Allocated {
		return errors.Newf(`%d of %d thread blocks reusable`, r.Registry.Reusable, r.Registry.Allocated)
	}
	return nil
}
