package vmm

import "github.com/jshatto0225/microkernel/kernel"

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address. Huge page mappings at the P3 and
// P2 levels are resolved as well.
func (as *AddressSpace) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	table := tableAt(as.root)

	for level := uint8(0); level < pageLevels-1; level++ {
		result, entry, _ := walk(table, pageTableIndex(virtAddr, level), false, nil)

		switch result {
		case walkNotPresent:
			return 0, ErrInvalidMapping
		case walkHugeLeaf:
			// The PS bit is reserved at the top level.
			if level == 0 {
				return 0, ErrInvalidMapping
			}

			pageMask := uintptr(1)<<pageLevelShifts[level] - 1
			return (uintptr(entry) & ptePhysPageMask &^ pageMask) | (virtAddr & pageMask), nil
		}

		table = entry.nextTable()
	}

	entry := table[pageTableIndex(virtAddr, pageLevels-1)]
	if !entry.HasFlags(FlagPresent) {
		return 0, ErrInvalidMapping
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	return entry.Frame().Address() + PageOffset(virtAddr), nil
}
