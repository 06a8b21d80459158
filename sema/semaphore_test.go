package sema

import (
	"bytes"
	"context"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var strategies = [...]Strategy{StrategyBulk, StrategyCascade}

func forEachStrategy(t *testing.T, fn func(t *testing.T, strategy Strategy)) {
	t.Helper()
	for _, strategy := range strategies {
		t.Run(strategy.String(), func(t *testing.T) {
			fn(t, strategy)
		})
	}
}

func waitForValue(t *testing.T, s *Semaphore, value int) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Value() == value }, 5*time.Second, time.Millisecond,
		`expected value %d, last value %d`, value, s.Value())
}

// startWaiters starts n goroutines blocked in Wait, returning a channel that
// receives each result, once the goroutines have reserved their units.
func startWaiters(t *testing.T, ctx context.Context, s *Semaphore, n int) <-chan error {
	t.Helper()
	before := s.Value()
	results := make(chan error, n)
	for range n {
		go func() { results <- s.Wait(ctx) }()
	}
	waitForValue(t, s, before-n)
	return results
}

func receiveN(t *testing.T, results <-chan error, n int) {
	t.Helper()
	timer := time.NewTimer(5 * time.Second)
	defer timer.Stop()
	for i := range n {
		select {
		case err := <-results:
			require.NoError(t, err)
		case <-timer.C:
			t.Fatalf(`only %d of %d waiters returned`, i, n)
		}
	}
}

func assertNoneReturned(t *testing.T, results <-chan error) {
	t.Helper()
	select {
	case err := <-results:
		t.Fatalf(`unexpected wakeup: %v`, err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNew(t *testing.T) {
	for _, tc := range [...]struct {
		name    string
		initial int
		opts    []Option
		wantErr bool
	}{
		{`defaults`, 0, nil, false},
		{`initial at maximum`, 10, []Option{WithMaximum(10)}, false},
		{`cascade`, 1, []Option{WithStrategy(StrategyCascade)}, false},
		{`nil option`, 1, []Option{nil}, false},
		{`negative initial`, -1, nil, true},
		{`initial above maximum`, 11, []Option{WithMaximum(10)}, true},
		{`zero maximum`, 0, []Option{WithMaximum(0)}, true},
		{`negative maximum`, 0, []Option{WithMaximum(-5)}, true},
		{`unknown strategy`, 0, []Option{WithStrategy(Strategy(9))}, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s, err := New(tc.initial, tc.opts...)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidArgument)
				assert.Nil(t, s)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.initial, s.Value())
		})
	}
}

func TestParseStrategy(t *testing.T) {
	for _, strategy := range strategies {
		parsed, err := ParseStrategy(` ` + strings.ToUpper(strategy.String()) + ` `)
		require.NoError(t, err)
		assert.Equal(t, strategy, parsed)
	}
	_, err := ParseStrategy(`nope`)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, `Strategy(9)`, Strategy(9).String())
}

func TestSemaphore_exactWakeup(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, strategy Strategy) {
		s, err := New(0, WithMaximum(10), WithStrategy(strategy))
		require.NoError(t, err)

		results := startWaiters(t, context.Background(), s, 3)
		assert.Equal(t, -3, s.Value())
		assert.Equal(t, 3, s.Waiters())

		require.NoError(t, s.Post(5))
		receiveN(t, results, 3)

		assert.Equal(t, 2, s.Value())
		assert.Equal(t, 0, s.Waiters())

		require.NoError(t, s.TryWait())
		assert.Equal(t, 1, s.Value())

		stats := s.Stats()
		assert.Equal(t, uint64(3), stats.Wakeups)
		assert.Equal(t, uint64(3), stats.Blocked)
		assert.Equal(t, uint64(4), stats.Waits)
		assert.Equal(t, uint64(5), stats.Posted)
	})
}

func TestSemaphore_partialWakeup(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, strategy Strategy) {
		s, err := New(0, WithMaximum(10), WithStrategy(strategy))
		require.NoError(t, err)

		results := startWaiters(t, context.Background(), s, 4)

		require.NoError(t, s.Post(2))
		receiveN(t, results, 2)
		assertNoneReturned(t, results)
		assert.Equal(t, -2, s.Value())

		require.NoError(t, s.Post1())
		receiveN(t, results, 1)
		assertNoneReturned(t, results)
		assert.Equal(t, -1, s.Value())

		require.NoError(t, s.Post(3))
		receiveN(t, results, 1)
		assert.Equal(t, 2, s.Value())
	})
}

func TestSemaphore_Post_outOfRange(t *testing.T) {
	const maximum = 10
	forEachStrategy(t, func(t *testing.T, strategy Strategy) {
		for k := 0; k <= 3; k++ {
			s, err := New(maximum-k, WithMaximum(maximum), WithStrategy(strategy))
			require.NoError(t, err)

			assert.ErrorIs(t, s.Post(k+1), ErrOutOfRange)
			assert.Equal(t, maximum-k, s.Value())
			assert.Equal(t, uint64(1), s.Stats().Rejected)

			if k > 0 {
				require.NoError(t, s.Post(k))
				assert.Equal(t, maximum, s.Value())
			}
		}
	})
}

func TestSemaphore_Post_outOfRangeWithWaiters(t *testing.T) {
	s, err := New(0, WithMaximum(2))
	require.NoError(t, err)

	results := startWaiters(t, context.Background(), s, 2)

	// -2 + 5 > 2
	assert.ErrorIs(t, s.Post(5), ErrOutOfRange)
	assertNoneReturned(t, results)
	assert.Equal(t, -2, s.Value())

	require.NoError(t, s.Post(4))
	receiveN(t, results, 2)
	assert.Equal(t, 2, s.Value())
}

func TestSemaphore_invalidArgument(t *testing.T) {
	var nilSem *Semaphore
	assert.ErrorIs(t, nilSem.Post(1), ErrInvalidArgument)
	assert.ErrorIs(t, nilSem.Wait(context.Background()), ErrInvalidArgument)
	assert.ErrorIs(t, nilSem.TryWait(), ErrInvalidArgument)
	assert.ErrorIs(t, nilSem.Destroy(), ErrInvalidArgument)
	assert.Equal(t, 0, nilSem.Value())
	assert.Equal(t, Stats{}, nilSem.Stats())

	s, err := New(1)
	require.NoError(t, err)
	for _, count := range [...]int{0, -1, -100} {
		assert.ErrorIs(t, s.Post(count), ErrInvalidArgument, `count %d`, count)
	}
	assert.Equal(t, 1, s.Value())

	var ctx context.Context
	assert.PanicsWithValue(t, `sema: nil context`, func() { _ = s.Wait(ctx) })
}

func TestSemaphore_TryWait(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, strategy Strategy) {
		s, err := New(1, WithStrategy(strategy))
		require.NoError(t, err)

		require.NoError(t, s.TryWait())
		assert.Equal(t, 0, s.Value())

		assert.ErrorIs(t, s.TryWait(), ErrWouldBlock)
		assert.Equal(t, 0, s.Value())

		results := startWaiters(t, context.Background(), s, 1)
		assert.ErrorIs(t, s.TryWait(), ErrWouldBlock)
		assert.Equal(t, -1, s.Value())

		require.NoError(t, s.Post1())
		receiveN(t, results, 1)
	})
}

func TestSemaphore_Wait_immediate(t *testing.T) {
	s, err := New(2)
	require.NoError(t, err)
	require.NoError(t, s.Wait(context.Background()))
	require.NoError(t, s.Wait(context.Background()))
	assert.Equal(t, 0, s.Value())
	assert.Equal(t, uint64(0), s.Stats().Blocked)
}

func TestSemaphore_Wait_canceledBeforeCall(t *testing.T) {
	s, err := New(1)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Wait(ctx), context.Canceled)
	assert.Equal(t, 1, s.Value())
}

func TestSemaphore_Wait_timeout(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, strategy Strategy) {
		s, err := New(0, WithStrategy(strategy))
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		assert.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)
		assert.Equal(t, 0, s.Value(), `reservation should be undone`)
		assert.Equal(t, uint64(1), s.Stats().Canceled)

		// the unit must not be lost to the abandoned waiter
		require.NoError(t, s.Post1())
		assert.Equal(t, 1, s.Value())
		require.NoError(t, s.TryWait())
	})
}

func TestSemaphore_Wait_cancelAmongWaiters(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, strategy Strategy) {
		s, err := New(0, WithStrategy(strategy))
		require.NoError(t, err)

		stay := startWaiters(t, context.Background(), s, 2)

		ctx, cancel := context.WithCancel(context.Background())
		leave := startWaiters(t, ctx, s, 2)
		assert.Equal(t, -4, s.Value())

		cancel()
		for range 2 {
			assert.ErrorIs(t, <-leave, context.Canceled)
		}
		assert.Equal(t, -2, s.Value())

		require.NoError(t, s.Post(3))
		receiveN(t, stay, 2)
		assert.Equal(t, 1, s.Value())
	})
}

func TestSemaphore_Destroy(t *testing.T) {
	s, err := New(0)
	require.NoError(t, err)

	results := startWaiters(t, context.Background(), s, 1)
	assert.ErrorIs(t, s.Destroy(), ErrBusy)

	require.NoError(t, s.Post1())
	receiveN(t, results, 1)

	require.NoError(t, s.Destroy())
	assert.ErrorIs(t, s.Destroy(), ErrInvalidArgument)
	assert.ErrorIs(t, s.Post1(), ErrInvalidArgument)
	assert.ErrorIs(t, s.Wait(context.Background()), ErrInvalidArgument)
	assert.ErrorIs(t, s.TryWait(), ErrInvalidArgument)
}

func TestSemaphore_cascadeAccounting(t *testing.T) {
	s, err := New(0, WithMaximum(10), WithStrategy(StrategyCascade))
	require.NoError(t, err)

	// three reservations, without parking, so each wakeup can be observed
	for range 3 {
		blocked, err := s.reserve()
		require.NoError(t, err)
		require.True(t, blocked)
	}

	require.NoError(t, s.Post(5))
	assert.Equal(t, int64(2), s.pending)

	for i := 2; i >= 0; i-- {
		require.True(t, s.obj.tryWait(), `wakeup %d should be signalled`, i)
		assert.False(t, s.obj.tryWait())
		s.woken()
		assert.Equal(t, int64(max(i-1, 0)), s.pending)
	}

	assert.False(t, s.obj.tryWait(), `no more than three wakeups`)
	assert.Equal(t, int64(2), s.value)
}

func TestSemaphore_cascadeSignalAlreadySet(t *testing.T) {
	s, err := New(0, WithStrategy(StrategyCascade))
	require.NoError(t, err)

	for range 2 {
		_, err := s.reserve()
		require.NoError(t, err)
	}

	// the second post finds the event still set, so its wakeup is deferred
	require.NoError(t, s.Post1())
	require.NoError(t, s.Post1())
	assert.Equal(t, int64(1), s.pending)

	require.True(t, s.obj.tryWait())
	s.woken()
	assert.Equal(t, int64(0), s.pending)

	require.True(t, s.obj.tryWait())
	s.woken()
	assert.False(t, s.obj.tryWait())
	assert.Equal(t, int64(0), s.value)
}

func TestSemaphore_abandonClaimsPending(t *testing.T) {
	s, err := New(0, WithStrategy(StrategyCascade))
	require.NoError(t, err)

	for range 2 {
		_, err := s.reserve()
		require.NoError(t, err)
	}
	require.NoError(t, s.Post(2))
	assert.Equal(t, int64(1), s.pending)

	// the first waiter consumes the event, but hasn't propagated yet
	require.True(t, s.obj.tryWait())

	// the second waiter gives up, but was already owed a unit
	assert.NoError(t, s.abandon(context.Canceled))
	assert.Equal(t, int64(0), s.pending)
	assert.Equal(t, int64(0), s.value)

	s.woken()
	assert.False(t, s.obj.tryWait())
}

// Concurrent posters and waiters, some of which give up, verifying that every
// posted unit is accounted for exactly once, and that the blocked callers
// match the value, each time the poster pauses and the waiters settle.
func TestSemaphore_concurrent(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, strategy Strategy) {
		const (
			waiters       = 64
			waitsPerGo    = 50
			maximum       = 1 << 20
			cancelPercent = 10
		)

		s, err := New(0, WithMaximum(maximum), WithStrategy(strategy))
		require.NoError(t, err)

		var (
			acquired atomic.Int64
			canceled atomic.Int64
			inWait   atomic.Int64
			wg       sync.WaitGroup
		)

		wg.Add(waiters)
		for i := range waiters {
			go func() {
				defer wg.Done()
				rng := rand.New(rand.NewSource(int64(i)))
				for range waitsPerGo {
					ctx := context.Background()
					var cancel context.CancelFunc = func() {}
					if rng.Intn(100) < cancelPercent {
						ctx, cancel = context.WithTimeout(ctx, time.Duration(rng.Intn(500))*time.Microsecond)
					}
					inWait.Add(1)
					err := s.Wait(ctx)
					inWait.Add(-1)
					cancel()
					if err != nil {
						canceled.Add(1)
						continue
					}
					acquired.Add(1)
				}
			}()
		}

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()

		var (
			posted int64
			pauses int
		)
		rng := rand.New(rand.NewSource(1))
	PostLoop:
		for {
			select {
			case <-done:
				break PostLoop
			default:
			}
			if s.Value() >= 32 {
				time.Sleep(50 * time.Microsecond)
				continue
			}
			n := 1 + rng.Intn(8)
			require.NoError(t, s.Post(n))
			posted += int64(n)
			if rng.Intn(64) == 0 {
				// quiescent point: every caller still in Wait is blocked
				pauses++
				require.Eventually(t, func() bool {
					return inWait.Load() == int64(s.Waiters())
				}, 5*time.Second, time.Millisecond, `in wait %d, waiters %d`, inWait.Load(), s.Waiters())
			} else if rng.Intn(4) == 0 {
				time.Sleep(time.Duration(rng.Intn(200)) * time.Microsecond)
			}
		}

		assert.Positive(t, pauses)

		total := acquired.Load() + canceled.Load()
		require.Equal(t, int64(waiters*waitsPerGo), total)

		// quiescent: nobody is blocked, and units are conserved
		assert.Equal(t, 0, s.Waiters())
		assert.Equal(t, posted-acquired.Load(), int64(s.Value()))
		assert.Equal(t, int64(0), s.pending)
		assert.False(t, s.obj.tryWait(), `stray wakeup`)

		stats := s.Stats()
		assert.Equal(t, uint64(acquired.Load()), stats.Waits)
		// contexts that expired before Wait was called aren't counted
		assert.LessOrEqual(t, stats.Canceled, uint64(canceled.Load()))
		assert.Equal(t, uint64(posted), stats.Posted)
	})
}

func TestSemaphore_logging(t *testing.T) {
	var buf bytes.Buffer
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(&buf), stumpy.WithTimeField(``)),
		stumpy.L.WithLevel(logiface.LevelDebug),
	).Logger()

	s, err := New(1,
		WithMaximum(1),
		WithLogger(logger),
		WithLogRateLimits(map[time.Duration]int{time.Hour: 1}),
	)
	require.NoError(t, err)

	for range 3 {
		assert.ErrorIs(t, s.Post1(), ErrOutOfRange)
	}
	assert.Equal(t, uint64(3), s.Stats().Rejected)
	assert.Equal(t, 1, strings.Count(buf.String(), `sema: operation rejected`), buf.String())

	require.NoError(t, s.TryWait())
	require.NoError(t, s.Destroy())
	assert.Contains(t, buf.String(), `sema: destroyed`)
}
