// Package threadreg implements a pool of reusable thread identities.
//
// A [Registry] owns an append-only arena of thread control blocks. Each block
// carries a generation counter, which is bumped every time the block is
// retired, so a [Handle] (block, generation) captured for one logical thread
// can always be told apart from a later thread that reuses the same block.
//
// Retired blocks are kept on a LIFO reuse stack, guarded by a
// [fairlock.Lock], so the most recently retired block is handed out first.
//
// # Generation overflow
//
// Generations are uint64 values, incremented by a fixed step. A block that is
// reused more than 2^64/step times will wrap, at which point a very old handle
// could compare as current. This is a documented limitation, and is not
// detected.
package threadreg
