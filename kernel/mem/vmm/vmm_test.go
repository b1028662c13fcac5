package vmm

import (
	"runtime"
	"testing"
	"unsafe"

	"github.com/jshatto0225/microkernel/kernel"
	"github.com/jshatto0225/microkernel/kernel/mem"
	"github.com/jshatto0225/microkernel/kernel/mem/hhdm"
	"github.com/jshatto0225/microkernel/kernel/mem/pmm"
)

const testArenaPhysBase = uintptr(0x100000)

var errArenaExhausted = &kernel.Error{Module: "test", Message: "arena exhausted"}

// arenaAllocator hands out zeroed frames from a Go byte slice that stands in
// for physical memory. The direct map offset is pointed at the slice so the
// package's P2V-based table accesses land inside it.
type arenaAllocator struct {
	arena      []byte
	next, end  pmm.Frame
	allocCount int

	// failAfter makes AllocFrames fail once allocCount reaches it; a
	// negative value disables failures.
	failAfter int
}

func newArenaAllocator(t *testing.T, pages uint64) *arenaAllocator {
	alloc := &arenaAllocator{
		arena:     make([]byte, mem.Size(pages)*mem.PageSize),
		next:      pmm.FrameFromAddress(testArenaPhysBase),
		end:       pmm.FrameFromAddress(testArenaPhysBase) + pmm.Frame(pages),
		failAfter: -1,
	}

	origOffset := hhdm.Offset()
	hhdm.SetOffset(uintptr(unsafe.Pointer(&alloc.arena[0])) - testArenaPhysBase)
	t.Cleanup(func() {
		hhdm.SetOffset(origOffset)
		runtime.KeepAlive(alloc.arena)
	})

	return alloc
}

func (a *arenaAllocator) AllocFrames(order mem.PageOrder) (pmm.Frame, *kernel.Error) {
	pages := pmm.Frame(order.Pages())
	if (a.failAfter >= 0 && a.allocCount >= a.failAfter) || a.next+pages > a.end {
		return pmm.InvalidFrame, errArenaExhausted
	}

	frame := a.next
	a.next += pages
	a.allocCount++

	kernel.Memset(hhdm.P2V(frame.Address()), 0, uintptr(order.Size()))
	return frame, nil
}

// owns returns true if physAddr lies inside the range handed out so far.
func (a *arenaAllocator) owns(physAddr uintptr) bool {
	return physAddr >= testArenaPhysBase && pmm.FrameFromAddress(physAddr) < a.next
}

// leafEntry walks virtAddr through the hierarchy rooted at root by hand and
// returns the P1 entry.
func leafEntry(t *testing.T, root, virtAddr uintptr) pageTableEntry {
	t.Helper()

	table := tableAt(root)
	for level := uint8(0); level < pageLevels-1; level++ {
		entry := table[pageTableIndex(virtAddr, level)]
		if !entry.HasFlags(FlagPresent) {
			t.Fatalf("expected level %d entry for 0x%x to be present", level, virtAddr)
		}
		if entry.HasFlags(FlagHugePage) {
			t.Fatalf("unexpected huge page entry at level %d for 0x%x", level, virtAddr)
		}
		table = tableAt(uintptr(entry))
	}

	return table[pageTableIndex(virtAddr, pageLevels-1)]
}

func TestPageTableEntryFlags(t *testing.T) {
	var (
		pte   pageTableEntry
		flag1 = PageTableEntryFlag(1 << 10)
		flag2 = PageTableEntryFlag(1 << 21)
	)

	if pte.HasFlags(flag1) {
		t.Fatalf("expected HasFlags to return false")
	}

	pte.SetFlags(flag1 | flag2)

	if !pte.HasFlags(flag1 | flag2) {
		t.Fatalf("expected HasFlags to return true")
	}

	pte.ClearFlags(flag1)

	if pte.HasFlags(flag1 | flag2) {
		t.Fatalf("expected HasFlags to return false after clearing flag1")
	}

	if !pte.HasFlags(flag2) {
		t.Fatalf("expected HasFlags(flag2) to return true")
	}
}

func TestPageTableEntryFrameEncoding(t *testing.T) {
	var (
		pte       pageTableEntry
		physFrame = pmm.Frame(123)
	)

	pte.SetFlags(FlagPresent | FlagRW | FlagGlobal)
	pte.SetFrame(physFrame)
	if got := pte.Frame(); got != physFrame {
		t.Fatalf("expected pte.Frame() to return %v; got %v", physFrame, got)
	}

	if exp, got := FlagPresent|FlagRW|FlagGlobal, pte.Flags(); got != exp {
		t.Fatalf("expected SetFrame to preserve flags 0x%x; got 0x%x", exp, got)
	}

	pte.SetFrame(pmm.Frame(0xfffffffff))
	if exp, got := pmm.Frame(0xfffffffff), pte.Frame(); got != exp {
		t.Fatalf("expected pte.Frame() to return %v; got %v", exp, got)
	}
}

func TestPageTableIndex(t *testing.T) {
	// This address breaks down to:
	// p4 index: 1
	// p3 index: 2
	// p2 index: 3
	// p1 index: 4
	// offset  : 1024
	virtAddr := uintptr(0x8080604400)

	for level, exp := range []uintptr{1, 2, 3, 4} {
		if got := pageTableIndex(virtAddr, uint8(level)); got != exp {
			t.Errorf("expected index for level %d to be %d; got %d", level, exp, got)
		}
	}

	if exp, got := uintptr(1024), PageOffset(virtAddr); got != exp {
		t.Errorf("expected page offset to be %d; got %d", exp, got)
	}

	// Canonical higher-half addresses only use bits 0-47.
	for level, exp := range []uintptr{511, 510, 0, 0} {
		if got := pageTableIndex(0xffffffff80000000, uint8(level)); got != exp {
			t.Errorf("expected higher half index for level %d to be %d; got %d", level, exp, got)
		}
	}
}

func TestWalk(t *testing.T) {
	alloc := newArenaAllocator(t, 16)

	rootFrame, _ := alloc.AllocFrames(0)
	root := tableAt(rootFrame.Address())

	t.Run("not present", func(t *testing.T) {
		result, _, err := walk(root, 7, false, alloc)
		if err != nil {
			t.Fatal(err)
		}

		if result != walkNotPresent {
			t.Fatalf("expected walkNotPresent; got %d", result)
		}

		if root[7] != 0 {
			t.Fatal("expected a walk without create to leave the table untouched")
		}
	})

	t.Run("create", func(t *testing.T) {
		countBefore := alloc.allocCount
		result, entry, err := walk(root, 7, true, alloc)
		if err != nil {
			t.Fatal(err)
		}

		if result != walkNextTable {
			t.Fatalf("expected walkNextTable; got %d", result)
		}

		if alloc.allocCount != countBefore+1 {
			t.Fatal("expected walk to allocate a frame for the new table")
		}

		if root[7] != entry {
			t.Fatal("expected the new table to be installed in the slot")
		}

		if exp := FlagPresent | FlagRW; entry.Flags() != exp {
			t.Fatalf("expected new table entry flags to be 0x%x; got 0x%x", exp, entry.Flags())
		}

		// A second walk reuses the installed table.
		result, again, err := walk(root, 7, true, alloc)
		if err != nil || result != walkNextTable || again != entry {
			t.Fatalf("expected second walk to return the installed table; got result %d, entry 0x%x, err %v", result, again, err)
		}
		if alloc.allocCount != countBefore+1 {
			t.Fatal("expected second walk not to allocate")
		}
	})

	t.Run("huge leaf", func(t *testing.T) {
		huge := pageTableEntry(0x40000000) | pageTableEntry(FlagPresent|FlagRW|FlagHugePage)
		root[9] = huge

		for _, create := range []bool{false, true} {
			result, entry, err := walk(root, 9, create, alloc)
			if err != nil {
				t.Fatal(err)
			}

			if result != walkHugeLeaf {
				t.Fatalf("[create: %t] expected walkHugeLeaf; got %d", create, result)
			}

			if entry != huge || root[9] != huge {
				t.Fatalf("[create: %t] expected huge entry to be returned verbatim", create)
			}
		}
	})

	t.Run("allocation error", func(t *testing.T) {
		alloc.failAfter = alloc.allocCount
		defer func() { alloc.failAfter = -1 }()

		result, _, err := walk(root, 100, true, alloc)
		if err != errArenaExhausted {
			t.Fatalf("expected allocator error to be propagated; got %v", err)
		}

		if result != walkNotPresent || root[100] != 0 {
			t.Fatal("expected a failed walk to leave the slot empty")
		}
	})
}
