package vmm

import (
	"github.com/jshatto0225/microkernel/kernel"
	"github.com/jshatto0225/microkernel/kernel/mem"
)

// CloneActive initializes the address space as a copy of the hierarchy that
// is currently loaded into CR3.
func (as *AddressSpace) CloneActive(alloc FrameAllocator) *kernel.Error {
	return as.Clone(activePDTFn(), alloc)
}

// Clone initializes the address space as a copy of the hierarchy referenced
// by the raw CR3 value srcCR3. Every present table is duplicated into a frame
// obtained from alloc; P1 entries and huge page entries are copied verbatim so
// the clone maps exactly what the source maps. The source hierarchy is only
// read.
func (as *AddressSpace) Clone(srcCR3 uintptr, alloc FrameAllocator) *kernel.Error {
	root, err := cloneTable(tableAt(srcCR3), 0, alloc)
	if err != nil {
		return err
	}

	as.root = root
	as.cr3Flags = srcCR3 & pteFlagMask
	as.alloc = alloc
	as.active = false
	return nil
}

// cloneTable copies the table src at the given level into a newly allocated
// frame and returns the frame's physical address.
func cloneTable(src *pageTable, level uint8, alloc FrameAllocator) (uintptr, *kernel.Error) {
	frame, err := alloc.AllocFrames(0)
	if err != nil {
		return 0, err
	}

	dst := tableAt(frame.Address())

	if level == pageLevels-1 {
		for index, entry := range src {
			if entry.HasFlags(FlagPresent) {
				dst[index] = entry
			}
		}
		return frame.Address(), nil
	}

	for index := uintptr(0); index < entriesPerTable; index++ {
		result, entry, _ := walk(src, index, false, nil)

		switch result {
		case walkHugeLeaf:
			dst[index] = entry
		case walkNextTable:
			childAddr, err := cloneTable(entry.nextTable(), level+1, alloc)
			if err != nil {
				return 0, err
			}

			dst[index] = pageTableEntry((uintptr(entry) &^ ptePhysPageMask) | childAddr)
		}
	}

	return frame.Address(), nil
}

// tableCount returns the number of tables reachable from the root of the
// address space, including the root itself.
func (as *AddressSpace) tableCount() uint64 {
	return countTables(tableAt(as.root), 0)
}

func countTables(table *pageTable, level uint8) uint64 {
	count := uint64(1)
	if level == pageLevels-1 {
		return count
	}

	for index := uintptr(0); index < entriesPerTable; index++ {
		if result, entry, _ := walk(table, index, false, nil); result == walkNextTable {
			count += countTables(entry.nextTable(), level+1)
		}
	}

	return count
}

// TableMemory returns the amount of physical memory used by the page tables
// of the address space.
func (as *AddressSpace) TableMemory() mem.Size {
	return mem.Size(as.tableCount()) * mem.PageSize
}
