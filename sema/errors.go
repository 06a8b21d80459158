package sema

import (
	"errors"
)

var (
	// ErrInvalidArgument indicates an invalid semaphore (nil or destroyed),
	// or an invalid count. It corresponds to EINVAL.
	ErrInvalidArgument = errors.New(`sema: invalid argument`)

	// ErrOutOfRange indicates that a post would have exceeded the
	// semaphore's maximum value. It corresponds to ERANGE.
	ErrOutOfRange = errors.New(`sema: value out of range`)

	// ErrWouldBlock is returned by TryWait if no unit was available. It
	// corresponds to EAGAIN.
	ErrWouldBlock = errors.New(`sema: operation would block`)

	// ErrBusy is returned by Destroy if callers are blocked on the
	// semaphore. It corresponds to EBUSY.
	ErrBusy = errors.New(`sema: semaphore busy`)
)
