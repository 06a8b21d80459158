package sema

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/joeycumines/logiface"
)

// Strategy selects the wait object blocked callers park on, which determines
// how a single Post wakes multiple waiters. Both strategies release exactly
// the same number of waiters.
type Strategy int

const (
	// StrategyBulk releases every waiter owed a unit in one call, using a
	// wait object that natively supports releasing N waiters at once.
	StrategyBulk Strategy = iota

	// StrategyCascade uses an auto-reset event, that can only wake a single
	// waiter per signal. Post signals once, and records the remainder as
	// pending, then each woken waiter signals the next, until none remain.
	StrategyCascade
)

// MaxValue is the largest permitted maximum value, equivalent to
// SEM_VALUE_MAX, and the default maximum.
const MaxValue = math.MaxInt32

// default rate limits, for warning logs, per category
var defaultLogRateLimits = map[time.Duration]int{
	time.Second: 5,
	time.Minute: 60,
}

type (
	// Option configures a Semaphore, see New.
	Option func(c *semConfig)

	semConfig struct {
		logger   *logiface.Logger[logiface.Event]
		logRates map[time.Duration]int
		maximum  int
		strategy Strategy
	}
)

// ParseStrategy parses the value returned by Strategy.String.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case `bulk`:
		return StrategyBulk, nil
	case `cascade`:
		return StrategyCascade, nil
	default:
		return 0, fmt.Errorf(`%w: unknown strategy %q`, ErrInvalidArgument, s)
	}
}

func (s Strategy) String() string {
	switch s {
	case StrategyBulk:
		return `bulk`
	case StrategyCascade:
		return `cascade`
	default:
		return fmt.Sprintf(`Strategy(%d)`, int(s))
	}
}

// WithMaximum configures the maximum value of the semaphore, which must be
// within [1, MaxValue]. Defaults to MaxValue.
func WithMaximum(maximum int) Option {
	return func(c *semConfig) {
		c.maximum = maximum
	}
}

// WithStrategy configures the wake strategy. Defaults to StrategyBulk.
func WithStrategy(strategy Strategy) Option {
	return func(c *semConfig) {
		c.strategy = strategy
	}
}

// WithLogger configures a logger. Logging is disabled by default.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return func(c *semConfig) {
		c.logger = logger
	}
}

// WithLogRateLimits configures the rate limits applied to warning logs, per
// category of warning, see also catrate.NewLimiter. Passing an empty map
// disables rate limiting. Defaults to 5 per second, and 60 per minute.
func WithLogRateLimits(rates map[time.Duration]int) Option {
	return func(c *semConfig) {
		c.logRates = rates
	}
}

func resolveOptions(opts []Option) semConfig {
	c := semConfig{
		maximum:  MaxValue,
		strategy: StrategyBulk,
		logRates: defaultLogRateLimits,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&c)
		}
	}
	return c
}
