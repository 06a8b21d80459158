//go:build unix

package posix

import (
	"golang.org/x/sys/unix"
)

const (
	errInval    = unix.EINVAL
	errRange    = unix.ERANGE
	errAgain    = unix.EAGAIN
	errBusy     = unix.EBUSY
	errTimedOut = unix.ETIMEDOUT
	errIntr     = unix.EINTR
	errSrch     = unix.ESRCH
	errIO       = unix.EIO
)
