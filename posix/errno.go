package posix

import (
	"context"
	"errors"
	"syscall"

	"github.com/joeycumines/go-threadcore/sema"
	"github.com/joeycumines/go-threadcore/threadreg"
)

// mapping is checked in order, the first match wins
var mapping = [...]struct {
	target error
	errno  syscall.Errno
}{
	{sema.ErrInvalidArgument, errInval},
	{sema.ErrOutOfRange, errRange},
	{sema.ErrWouldBlock, errAgain},
	{sema.ErrBusy, errBusy},
	{context.DeadlineExceeded, errTimedOut},
	{context.Canceled, errIntr},
	{threadreg.ErrInvalidHandle, errSrch},
	{threadreg.ErrClosed, errInval},
	{threadreg.ErrExhausted, errAgain},
}

// Errno returns the errno corresponding to err, which may be wrapped, or 0
// if err is nil. Unrecognized errors map to EIO.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	for _, m := range mapping {
		if errors.Is(err, m.target) {
			return m.errno
		}
	}
	return errIO
}

// Result returns 0 if err is nil, otherwise -1, which is what the C
// interfaces return, with the error stored in errno.
func Result(err error) int {
	if err == nil {
		return 0
	}
	return -1
}

// ExitCode returns a process exit status for err, 0 if err is nil,
// otherwise the errno, clamped to [1, 125].
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	code := int(Errno(err))
	if code <= 0 || code > 125 {
		return 1
	}
	return code
}
