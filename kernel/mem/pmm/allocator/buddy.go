// Package allocator implements the physical frame allocator used while the
// kernel bootstraps its own address space.
package allocator

import (
	"io"
	"unsafe"

	"github.com/jshatto0225/microkernel/kernel"
	"github.com/jshatto0225/microkernel/kernel/kfmt"
	"github.com/jshatto0225/microkernel/kernel/mem"
	"github.com/jshatto0225/microkernel/kernel/mem/hhdm"
	"github.com/jshatto0225/microkernel/kernel/mem/memmap"
	"github.com/jshatto0225/microkernel/kernel/mem/pmm"
)

var (
	// ErrInvalidOrder is returned when a request names an order above
	// mem.MaxPageOrder.
	ErrInvalidOrder = &kernel.Error{Module: "buddy_alloc", Message: "requested block order exceeds the maximum supported order"}

	// ErrMisaligned is returned when a freed frame is not aligned to the
	// size of its order.
	ErrMisaligned = &kernel.Error{Module: "buddy_alloc", Message: "freed block is not aligned to its order"}

	// ErrOutOfMemory is returned when no free block of the requested order
	// or above exists.
	ErrOutOfMemory = &kernel.Error{Module: "buddy_alloc", Message: "out of memory"}

	// ErrDoubleFree is returned when a block is freed while it is already
	// on the free list for its order.
	ErrDoubleFree = &kernel.Error{Module: "buddy_alloc", Message: "block is already free"}
)

// FreeBlockVisitor is invoked by VisitFreeBlocks for every free block. The
// visitor must return true to continue or false to abort the scan.
type FreeBlockVisitor func(frame pmm.Frame, order mem.PageOrder) bool

// BuddyAllocator manages physical frames as a binary buddy system with one
// free list per order. Free blocks double as list nodes: the first word of
// each free block holds the frame of the next block in its list and is
// reached through the direct map.
//
// The zero value is an allocator with no free memory.
type BuddyAllocator struct {
	// freeLists holds the head of each order's free list. A head is only
	// meaningful while the matching freeCount entry is non-zero.
	freeLists [mem.MaxPageOrder + 1]pmm.Frame

	// freeCount tracks the number of blocks in each order's list.
	freeCount [mem.MaxPageOrder + 1]uint64
}

// Seed hands every page-aligned frame in the usable regions of the memory map
// over to the allocator. Each region is carved into the largest naturally
// aligned blocks that fit, which are then released through FreeFrames so
// adjacent blocks coalesce.
func (alloc *BuddyAllocator) Seed(regions *memmap.Map) *kernel.Error {
	var err *kernel.Error

	regions.VisitRegions(func(region *memmap.Region) bool {
		if region.Type != memmap.RegionUsable {
			return true
		}

		err = alloc.seedRegion(region)
		return err == nil
	})

	return err
}

func (alloc *BuddyAllocator) seedRegion(region *memmap.Region) *kernel.Error {
	pageSizeMinus1 := uint64(mem.PageSize - 1)

	// Round the start up and the end down to page boundaries.
	if region.PhysAddress > ^uint64(0)-pageSizeMinus1 {
		return nil
	}
	start := (region.PhysAddress + pageSizeMinus1) &^ pageSizeMinus1
	end := region.End() &^ pageSizeMinus1
	if start >= end {
		return nil
	}

	frame := pmm.Frame(start >> mem.PageShift)
	endFrame := pmm.Frame(end >> mem.PageShift)
	for frame < endFrame {
		order := mem.MaxPageOrder
		for order > 0 && (!frame.IsAligned(order) || endFrame-frame < pmm.Frame(order.Pages())) {
			order--
		}

		if err := alloc.FreeFrames(frame, order); err != nil {
			return err
		}

		frame += pmm.Frame(order.Pages())
	}

	return nil
}

// AllocFrames reserves a zero-filled block of 2^order contiguous frames and
// returns its first frame. If no list at or above order has a free block, it
// returns InvalidFrame and ErrOutOfMemory.
func (alloc *BuddyAllocator) AllocFrames(order mem.PageOrder) (pmm.Frame, *kernel.Error) {
	if order > mem.MaxPageOrder {
		return pmm.InvalidFrame, ErrInvalidOrder
	}

	srcOrder := order
	for ; srcOrder <= mem.MaxPageOrder; srcOrder++ {
		if alloc.freeCount[srcOrder] != 0 {
			break
		}
	}

	if srcOrder > mem.MaxPageOrder {
		return pmm.InvalidFrame, ErrOutOfMemory
	}

	frame := alloc.pop(srcOrder)

	// Split the block, returning upper halves to the lower lists until it
	// matches the requested order.
	for srcOrder > order {
		srcOrder--
		alloc.push(frame+pmm.Frame(srcOrder.Pages()), srcOrder)
	}

	kernel.Memset(hhdm.P2V(frame.Address()), 0, uintptr(order.Size()))
	return frame, nil
}

// FreeFrames returns a block of 2^order frames starting at frame to the
// allocator. The block is merged with its buddy for as long as the buddy is
// free, up to mem.MaxPageOrder.
//
// The order must match the one used when the block was allocated. Only the
// case where the block is already present on its own list is detected.
func (alloc *BuddyAllocator) FreeFrames(frame pmm.Frame, order mem.PageOrder) *kernel.Error {
	if order > mem.MaxPageOrder {
		return ErrInvalidOrder
	}

	if !frame.Valid() || !frame.IsAligned(order) {
		return ErrMisaligned
	}

	for ; order < mem.MaxPageOrder; order++ {
		buddy := frame ^ pmm.Frame(order.Pages())

		found, isDup := alloc.removeBuddy(order, frame, buddy)
		if isDup {
			return ErrDoubleFree
		}

		if !found {
			break
		}

		if buddy < frame {
			frame = buddy
		}
	}

	if order == mem.MaxPageOrder && alloc.contains(order, frame) {
		return ErrDoubleFree
	}

	alloc.push(frame, order)
	return nil
}

// FreeCount returns the number of free blocks with the given order.
func (alloc *BuddyAllocator) FreeCount(order mem.PageOrder) uint64 {
	if order > mem.MaxPageOrder {
		return 0
	}
	return alloc.freeCount[order]
}

// FreePages returns the number of free pages across all orders.
func (alloc *BuddyAllocator) FreePages() uint64 {
	var pages uint64
	for order := mem.PageOrder(0); order <= mem.MaxPageOrder; order++ {
		pages += alloc.freeCount[order] * order.Pages()
	}
	return pages
}

// VisitFreeBlocks invokes visitor for every free block, starting from order 0
// and walking each list from its head.
func (alloc *BuddyAllocator) VisitFreeBlocks(visitor FreeBlockVisitor) {
	for order := mem.PageOrder(0); order <= mem.MaxPageOrder; order++ {
		frame := alloc.freeLists[order]
		for i := uint64(0); i < alloc.freeCount[order]; i++ {
			if !visitor(frame, order) {
				return
			}
			frame = nextFree(frame)
		}
	}
}

// Dump prints the population of each free list to w.
func (alloc *BuddyAllocator) Dump(w io.Writer) {
	for order := mem.PageOrder(0); order <= mem.MaxPageOrder; order++ {
		kfmt.Fprintf(w, "order %2d (%4dKb blocks): %d free\n", uint8(order), uint64(order.Size()/mem.Kb), alloc.freeCount[order])
	}
	kfmt.Fprintf(w, "free memory: %dKb\n", alloc.FreePages()*uint64(mem.PageSize/mem.Kb))
}

// push places frame at the head of the list for order.
func (alloc *BuddyAllocator) push(frame pmm.Frame, order mem.PageOrder) {
	if alloc.freeCount[order] != 0 {
		setNextFree(frame, alloc.freeLists[order])
	}
	alloc.freeLists[order] = frame
	alloc.freeCount[order]++
}

// pop detaches the head of a non-empty list. The link stored in the frame
// is not read again after this call.
func (alloc *BuddyAllocator) pop(order mem.PageOrder) pmm.Frame {
	frame := alloc.freeLists[order]
	alloc.freeCount[order]--
	if alloc.freeCount[order] != 0 {
		alloc.freeLists[order] = nextFree(frame)
	}
	return frame
}

// removeBuddy scans the list for order and unlinks buddy if present. If
// frame itself is on the list, nothing is unlinked and isDup is set.
func (alloc *BuddyAllocator) removeBuddy(order mem.PageOrder, frame, buddy pmm.Frame) (found, isDup bool) {
	var (
		count      = alloc.freeCount[order]
		cur        = alloc.freeLists[order]
		prev       pmm.Frame
		buddyIndex uint64
		buddyPrev  pmm.Frame
	)

	for i := uint64(0); i < count; i++ {
		switch cur {
		case frame:
			return false, true
		case buddy:
			found, buddyIndex, buddyPrev = true, i, prev
		}

		prev = cur
		if i+1 < count {
			cur = nextFree(cur)
		}
	}

	if !found {
		return false, false
	}

	// Links are bounded by freeCount so unlinking the tail needs no write.
	if buddyIndex+1 < count {
		next := nextFree(buddy)
		if buddyIndex == 0 {
			alloc.freeLists[order] = next
		} else {
			setNextFree(buddyPrev, next)
		}
	}
	alloc.freeCount[order]--

	return true, false
}

func (alloc *BuddyAllocator) contains(order mem.PageOrder, frame pmm.Frame) bool {
	found := false
	cur := alloc.freeLists[order]
	for i := uint64(0); i < alloc.freeCount[order]; i++ {
		if cur == frame {
			found = true
			break
		}
		cur = nextFree(cur)
	}
	return found
}

// nextFree returns the link stored in the first word of a free block.
func nextFree(frame pmm.Frame) pmm.Frame {
	return *(*pmm.Frame)(unsafe.Pointer(hhdm.P2V(frame.Address())))
}

// setNextFree stores next in the first word of the free block at frame.
func setNextFree(frame, next pmm.Frame) {
	*(*pmm.Frame)(unsafe.Pointer(hhdm.P2V(frame.Address()))) = next
}
