// Package sema implements a POSIX-style counting semaphore, with support for
// posting multiple units in a single call (sem_post_multiple), which releases
// exactly as many blocked waiters as there are units to give them.
//
// The semaphore's value is positive when units are available, and negative
// when callers are blocked, its magnitude being the number of blocked callers.
// All bookkeeping happens within short critical sections, guarded by a
// [fairlock.Lock]. Blocking happens strictly outside the lock, on a "wait
// object", of which there are two interchangeable kinds, see [Strategy].
package sema
