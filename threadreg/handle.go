package threadreg

import (
	"fmt"
)

type (
	// ID is the stable index of a block within a Registry's arena. IDs start
	// at 1; the zero ID means "none".
	ID uint32

	// Handle identifies a specific logical thread: a block, plus the
	// generation of that block at the time the handle was issued. Handles
	// are values, and may be freely copied and compared.
	//
	// Two handles denote the same thread iff they are equal (==).
	Handle struct {
		id         ID
		generation uint64
	}

	// State is the lifecycle state of a block.
	State uint32
)

const (
	// StateActive indicates a block that backs a live thread.
	StateActive State = iota + 1
	// StateReusable indicates a retired block, on the reuse stack.
	StateReusable
)

// ID returns the block the handle refers to.
func (h Handle) ID() ID { return h.id }

// Generation returns the block generation captured by the handle.
func (h Handle) Generation() uint64 { return h.generation }

// IsZero reports whether h is the zero value, which never refers to a thread.
func (h Handle) IsZero() bool { return h.id == 0 }

// Equal reports whether h and other denote the same thread, equivalent to
// h == other.
func (h Handle) Equal(other Handle) bool { return h == other }

func (h Handle) String() string {
	return fmt.Sprintf(`thread(%d@%d)`, h.id, h.generation)
}

func (s State) String() string {
	switch s {
	case StateActive:
		return `Active`
	case StateReusable:
		return `Reusable`
	default:
		return fmt.Sprintf(`State(%d)`, uint32(s))
	}
}
