// Package posix translates errors returned by the sema and threadreg
// packages into the errno values, and C-style results, of the POSIX
// interfaces they model.
package posix
