package vmm

import "github.com/jshatto0225/microkernel/kernel"

// walkResult describes what a walk step found in a table slot.
type walkResult uint8

const (
	// walkNotPresent means the slot is empty and no table was created.
	walkNotPresent walkResult = iota

	// walkNextTable means the slot points to a lower-level table.
	walkNextTable

	// walkHugeLeaf means the slot maps a huge page and cannot be
	// descended into.
	walkHugeLeaf
)

// walk inspects slot index of table. If the slot is empty and create is set,
// a zeroed frame is requested from alloc and installed as a present and
// writable lower-level table. The returned entry is the slot contents after
// the step; for walkHugeLeaf it is returned verbatim.
//
// walk must only be called on P4, P3 and P2 tables; bit 7 of a P1 entry is
// the PAT bit and not a huge page marker.
func walk(table *pageTable, index uintptr, create bool, alloc FrameAllocator) (walkResult, pageTableEntry, *kernel.Error) {
	entry := table[index]

	switch {
	case entry.HasFlags(FlagPresent | FlagHugePage):
		return walkHugeLeaf, entry, nil
	case entry.HasFlags(FlagPresent):
		return walkNextTable, entry, nil
	case !create:
		return walkNotPresent, entry, nil
	}

	frame, err := alloc.AllocFrames(0)
	if err != nil {
		return walkNotPresent, entry, err
	}

	entry = 0
	entry.SetFrame(frame)
	entry.SetFlags(FlagPresent | FlagRW)
	table[index] = entry

	return walkNextTable, entry, nil
}

// nextTable returns the lower-level table referenced by a non-leaf entry.
func (pte pageTableEntry) nextTable() *pageTable {
	return tableAt(uintptr(pte))
}

