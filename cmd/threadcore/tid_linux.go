package main

import (
	"golang.org/x/sys/unix"
)

// threadID returns the native id of the calling OS thread.
func threadID() int {
	return unix.Gettid()
}
