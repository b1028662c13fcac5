// Package pmm contains the types used for describing physical memory frames.
package pmm

import (
	"math"

	"github.com/jshatto0225/microkernel/kernel/mem"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << mem.PageShift)
}

// IsAligned returns true if this frame can be the first frame of a block
// with the given order, i.e. its address is a multiple of the block size.
func (f Frame) IsAligned(order mem.PageOrder) bool {
	return f&(Frame(1)<<order-1) == 0
}

// FrameFromAddress returns the Frame that contains the given physical
// address. Addresses that are not page-aligned are rounded down.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame(physAddr >> mem.PageShift)
}
