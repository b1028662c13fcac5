// Package vmm builds and activates the kernel's four-level page table
// hierarchy. Page tables are reached through the direct map so the package
// can edit hierarchies that are not currently active.
package vmm

import (
	"github.com/jshatto0225/microkernel/kernel"
	"github.com/jshatto0225/microkernel/kernel/cpu"
	"github.com/jshatto0225/microkernel/kernel/mem"
	"github.com/jshatto0225/microkernel/kernel/mem/pmm"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrHugePageMapping is returned when a 4K mapping is requested inside
	// a range already covered by a huge page.
	ErrHugePageMapping = &kernel.Error{Module: "vmm", Message: "virtual address is covered by a huge page mapping"}

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	activePDTFn     = cpu.ActivePDT
	switchPDTFn     = cpu.SwitchPDT
	flushTLBEntryFn = cpu.FlushTLBEntry
)

// FrameAllocator is implemented by physical frame allocators that can back
// page tables. Allocated blocks must be zero-filled.
type FrameAllocator interface {
	AllocFrames(order mem.PageOrder) (pmm.Frame, *kernel.Error)
}

// AddressSpace is a page table hierarchy identified by the physical address
// of its top-most (P4) table.
type AddressSpace struct {
	// root is the physical address of the P4 table.
	root uintptr

	// cr3Flags holds the PWT/PCD bits that are loaded into CR3 together
	// with root.
	cr3Flags uintptr

	alloc  FrameAllocator
	active bool
}

// Init allocates an empty P4 table for the address space. Frames for lower
// level tables are obtained from alloc as mappings are added.
func (as *AddressSpace) Init(alloc FrameAllocator) *kernel.Error {
	frame, err := alloc.AllocFrames(0)
	if err != nil {
		return err
	}

	as.root = frame.Address()
	as.cr3Flags = 0
	as.alloc = alloc
	as.active = false
	return nil
}

// Root returns the physical address of the P4 table.
func (as *AddressSpace) Root() uintptr {
	return as.root
}

// Active returns true if the address space has been loaded into CR3.
func (as *AddressSpace) Active() bool {
	return as.active
}

// Map establishes a 4K mapping from virtAddr to physAddr. Missing
// intermediate tables are allocated on the way down. Any existing mapping for
// the page is overwritten. Only the low 12 bits of flags are stored.
func (as *AddressSpace) Map(physAddr, virtAddr uintptr, flags PageTableEntryFlag) *kernel.Error {
	table := tableAt(as.root)

	for level := uint8(0); level < pageLevels-1; level++ {
		result, entry, err := walk(table, pageTableIndex(virtAddr, level), true, as.alloc)
		if err != nil {
			return err
		}

		if result == walkHugeLeaf {
			return ErrHugePageMapping
		}

		table = entry.nextTable()
	}

	table[pageTableIndex(virtAddr, pageLevels-1)] = pageTableEntry((physAddr & ptePhysPageMask) | (uintptr(flags) & pteFlagMask))

	if as.active {
		flushTLBEntryFn(virtAddr &^ uintptr(mem.PageSize-1))
	}

	return nil
}

// MapRegion maps every page that overlaps the size bytes starting at
// virtAddr to the matching pages starting at physAddr.
func (as *AddressSpace) MapRegion(physAddr, virtAddr uintptr, size mem.Size, flags PageTableEntryFlag) *kernel.Error {
	if size == 0 {
		return nil
	}

	pageOffset := PageOffset(virtAddr)
	pageCount := (mem.Size(pageOffset) + size).Pages()
	physAddr -= PageOffset(physAddr)
	virtAddr -= pageOffset

	for page := uint64(0); page < pageCount; page++ {
		if err := as.Map(physAddr, virtAddr, flags); err != nil {
			return err
		}

		physAddr += uintptr(mem.PageSize)
		virtAddr += uintptr(mem.PageSize)
	}

	return nil
}

// Activate loads the address space into CR3. From this point on every memory
// access is translated through it.
func (as *AddressSpace) Activate() {
	switchPDTFn(as.root | as.cr3Flags)
	as.active = true
}
