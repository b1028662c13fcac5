// Package memmap holds the classified physical memory map captured from the
// bootloader. The map is filled once during boot and only read afterwards.
package memmap

import (
	"io"

	"github.com/jshatto0225/microkernel/kernel"
	"github.com/jshatto0225/microkernel/kernel/kfmt"
	"github.com/jshatto0225/microkernel/kernel/mem"
)

// MaxRegions is the number of regions a Map can hold.
const MaxRegions = 64

var (
	// ErrCapacityExceeded is returned when the bootloader reports more
	// regions than a Map can hold.
	ErrCapacityExceeded = &kernel.Error{Module: "memmap", Message: "too many entries in memory map"}

	// ErrInvalidRegionType is returned when the bootloader reports a
	// region type that cannot be classified.
	ErrInvalidRegionType = &kernel.Error{Module: "memmap", Message: "invalid or unsupported region type in memory map"}
)

// RegionType classifies a physical memory region.
type RegionType uint8

const (
	// RegionUsable is free RAM that can be handed to the page allocator.
	RegionUsable RegionType = iota

	// RegionReserved is memory that must never be touched.
	RegionReserved

	// RegionACPIReclaimable holds ACPI tables that can be reused once parsed.
	RegionACPIReclaimable

	// RegionACPINVS must be preserved across sleep states.
	RegionACPINVS

	// RegionBadMemory is defective RAM.
	RegionBadMemory

	// RegionBootloaderReclaimable holds bootloader structures, including
	// the page tables active at handoff.
	RegionBootloaderReclaimable

	// RegionKernelImage holds the loaded kernel and its modules.
	RegionKernelImage

	// RegionFramebuffer is the linear framebuffer.
	RegionFramebuffer

	// RegionACPITables holds ACPI tables that are not reclaimable.
	RegionACPITables

	regionTypeCount
)

var regionTypeNames = [regionTypeCount]string{
	"usable",
	"reserved",
	"ACPI (reclaimable)",
	"ACPI NVS",
	"bad memory",
	"bootloader (reclaimable)",
	"kernel image",
	"framebuffer",
	"ACPI tables",
}

// Valid returns true if t is one of the known region types.
func (t RegionType) Valid() bool {
	return t < regionTypeCount
}

// String implements fmt.Stringer for RegionType.
func (t RegionType) String() string {
	if !t.Valid() {
		return "unknown"
	}
	return regionTypeNames[t]
}

// Region describes a physical memory range and its classification.
type Region struct {
	// The physical address where the region begins.
	PhysAddress uint64

	// The region length in bytes.
	Length uint64

	// The region classification.
	Type RegionType
}

// End returns the physical address right after the last byte of the region.
// Regions that would extend past the top of the address space are clamped.
func (r Region) End() uint64 {
	end := r.PhysAddress + r.Length
	if end < r.PhysAddress {
		return ^uint64(0)
	}
	return end
}

// RegionVisitor is invoked by VisitRegions for each region in the map. The
// visitor must return true to continue or false to abort the scan.
type RegionVisitor func(*Region) bool

// Map is a fixed-capacity, ordered list of memory regions. The zero value is
// an empty map.
type Map struct {
	count   int
	regions [MaxRegions]Region
}

// Add appends a region to the map. It returns ErrInvalidRegionType for
// unclassified regions and ErrCapacityExceeded if the map is full.
func (m *Map) Add(region Region) *kernel.Error {
	if !region.Type.Valid() {
		return ErrInvalidRegionType
	}

	if m.count == MaxRegions {
		return ErrCapacityExceeded
	}

	m.regions[m.count] = region
	m.count++
	return nil
}

// Len returns the number of regions in the map.
func (m *Map) Len() int {
	return m.count
}

// Region returns the region at the given index.
func (m *Map) Region(index int) Region {
	return m.regions[index]
}

// VisitRegions invokes visitor for each region in the order they were added.
func (m *Map) VisitRegions(visitor RegionVisitor) {
	for i := 0; i < m.count; i++ {
		region := m.regions[i]
		if !visitor(&region) {
			return
		}
	}
}

// TotalSize returns the combined length of all regions with the given type.
func (m *Map) TotalSize(regionType RegionType) mem.Size {
	var total mem.Size
	m.VisitRegions(func(region *Region) bool {
		if region.Type == regionType {
			total += mem.Size(region.Length)
		}
		return true
	})

	return total
}

// Dump writes a human-readable listing of the map to w.
func (m *Map) Dump(w io.Writer) {
	m.VisitRegions(func(region *Region) bool {
		kfmt.Fprintf(w, "[0x%10x - 0x%10x], size: %10d, type: %s\n",
			region.PhysAddress, region.End(), region.Length, region.Type.String())
		return true
	})
	kfmt.Fprintf(w, "available memory: %dKb\n", uint64(m.TotalSize(RegionUsable)/mem.Kb))
}
