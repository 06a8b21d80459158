// Package postbatch coalesces many small semaphore posts into fewer, larger
// ones, by way of a background goroutine that drains queued requests in
// batches, then issues a single post-multiple for each batch.
//
// See also [github.com/joeycumines/go-threadcore/sema], which wakes exactly as
// many waiters for a combined post as it would for the individual posts.
package postbatch
