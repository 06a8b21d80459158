//go:build !linux

package main

// threadID returns 0, native thread ids are only tracked on linux.
func threadID() int {
	return 0
}
