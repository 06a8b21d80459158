//go:build !unix && !plan9

package posix

import (
	"syscall"
)

const (
	errInval    = syscall.EINVAL
	errRange    = syscall.ERANGE
	errAgain    = syscall.EAGAIN
	errBusy     = syscall.EBUSY
	errTimedOut = syscall.ETIMEDOUT
	errIntr     = syscall.EINTR
	errSrch     = syscall.ESRCH
	errIO       = syscall.EIO
)
