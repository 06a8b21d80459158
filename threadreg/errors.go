package threadreg

import (
	"errors"
)

var (
	// ErrInvalidHandle indicates a handle that doesn't refer to a live
	// thread, i.e. it is the zero value, unknown to the registry, stale, or
	// was already retired.
	ErrInvalidHandle = errors.New(`threadreg: invalid handle`)

	// ErrClosed is returned by operations on a closed registry.
	ErrClosed = errors.New(`threadreg: registry closed`)

	// ErrExhausted is returned by Allocate if the arena cannot grow, as every
	// block ID is in use.
	ErrExhausted = errors.New(`threadreg: block ids exhausted`)
)
