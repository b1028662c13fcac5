// Package limine reads the boot information that a Limine-compliant
// bootloader leaves in the kernel image. The bootloader locates the request
// records declared here by their magic IDs and fills in their response
// pointers before jumping to the kernel entrypoint.
package limine

import (
	"unsafe"

	"github.com/jshatto0225/microkernel/kernel"
	"github.com/jshatto0225/microkernel/kernel/mem/memmap"
)

const (
	commonMagic0 = 0xc7b1dd30df4c8b88
	commonMagic1 = 0x0a82e883a194f07b

	// baseRevisionSupported is the protocol revision the kernel is
	// written against.
	baseRevisionSupported = 4
)

// EntryType is the type code of a Limine memory map entry.
type EntryType uint64

// Memory map entry types defined by the Limine protocol.
const (
	EntryUsable EntryType = iota
	EntryReserved
	EntryACPIReclaimable
	EntryACPINVS
	EntryBadMemory
	EntryBootloaderReclaimable
	EntryExecutableAndModules
	EntryFramebuffer
	EntryACPITables

	entryTypeCount
)

var (
	// ErrMissingResponse is returned when the bootloader did not answer
	// one of the requests the kernel depends on.
	ErrMissingResponse = &kernel.Error{Module: "limine", Message: "bootloader did not provide a required response"}

	// ErrUnsupportedRevision is returned when the bootloader does not
	// support the requested base revision.
	ErrUnsupportedRevision = &kernel.Error{Module: "limine", Message: "limine base revision not supported by bootloader"}

	// regionTypes maps Limine entry types to memory map region types.
	regionTypes = [entryTypeCount]memmap.RegionType{
		EntryUsable:                memmap.RegionUsable,
		EntryReserved:              memmap.RegionReserved,
		EntryACPIReclaimable:       memmap.RegionACPIReclaimable,
		EntryACPINVS:               memmap.RegionACPINVS,
		EntryBadMemory:             memmap.RegionBadMemory,
		EntryBootloaderReclaimable: memmap.RegionBootloaderReclaimable,
		EntryExecutableAndModules:  memmap.RegionKernelImage,
		EntryFramebuffer:           memmap.RegionFramebuffer,
		EntryACPITables:            memmap.RegionACPITables,
	}
)

// request is the common layout of every Limine request. The bootloader
// writes the address of its response into the response field; it stays
// zero if the request is not supported.
type request struct {
	id       [4]uint64
	revision uint64
	response uintptr
}

// The request records are scanned for by the bootloader and must therefore
// keep these exact layouts and IDs.
var (
	baseRevision = [3]uint64{0xf9562b2d5c95a6c8, 0x6a7b384944536bdc, baseRevisionSupported}

	memmapRequest = request{
		id: [4]uint64{commonMagic0, commonMagic1, 0x67cf3d9d378a806f, 0xe304acdfc50c3c62},
	}

	hhdmRequest = request{
		id: [4]uint64{commonMagic0, commonMagic1, 0x48dcf1cb8ad2b852, 0x63984e959a98244b},
	}

	executableAddressRequest = request{
		id: [4]uint64{commonMagic0, commonMagic1, 0x71ba76863cc55f63, 0xb2644a48c516a487},
	}
)

type memmapResponse struct {
	revision   uint64
	entryCount uint64

	// entries points to an array of entryCount pointers to
	// MemoryMapEntry records.
	entries uintptr
}

type hhdmResponse struct {
	revision uint64
	offset   uint64
}

type executableAddressResponse struct {
	revision     uint64
	physicalBase uint64
	virtualBase  uint64
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type EntryType
}

// MemRegionVisitor defies a visitor function that gets invoked by VisitMemRegions
// for each memory region provided by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

// Validate checks that the bootloader accepted the base revision and
// answered every request. It must succeed before any other function in this
// package is called.
func Validate() *kernel.Error {
	// A supporting bootloader clears the last word of the base revision.
	if baseRevision[2] != 0 {
		return ErrUnsupportedRevision
	}

	if memmapRequest.response == 0 || hhdmRequest.response == 0 || executableAddressRequest.response == 0 {
		return ErrMissingResponse
	}

	return nil
}

// HHDMOffset returns the offset of the higher-half direct map.
func HHDMOffset() uintptr {
	return uintptr((*hhdmResponse)(unsafe.Pointer(hhdmRequest.response)).offset)
}

// KernelAddress returns the physical and virtual address that the kernel
// image was loaded at.
func KernelAddress() (physBase, virtBase uintptr) {
	resp := (*executableAddressResponse)(unsafe.Pointer(executableAddressRequest.response))
	return uintptr(resp.physicalBase), uintptr(resp.virtualBase)
}

// VisitMemRegions will invoke the supplied visitor for each memory region
// reported by the bootloader, in the order the bootloader lists them.
func VisitMemRegions(visitor MemRegionVisitor) {
	resp := (*memmapResponse)(unsafe.Pointer(memmapRequest.response))

	for index := uint64(0); index < resp.entryCount; index++ {
		entryPtr := *(*uintptr)(unsafe.Pointer(resp.entries + uintptr(index)*unsafe.Sizeof(uintptr(0))))
		if !visitor((*MemoryMapEntry)(unsafe.Pointer(entryPtr))) {
			return
		}
	}
}

// LoadMemoryMap copies the bootloader memory map into m. It fails with
// memmap.ErrInvalidRegionType if an entry has an unknown type and with
// memmap.ErrCapacityExceeded if there are more entries than m can hold; in
// the latter case m is left untouched.
func LoadMemoryMap(m *memmap.Map) *kernel.Error {
	resp := (*memmapResponse)(unsafe.Pointer(memmapRequest.response))
	if resp.entryCount > uint64(memmap.MaxRegions-m.Len()) {
		return memmap.ErrCapacityExceeded
	}

	var err *kernel.Error

	VisitMemRegions(func(entry *MemoryMapEntry) bool {
		if entry.Type >= entryTypeCount {
			err = memmap.ErrInvalidRegionType
			return false
		}

		err = m.Add(memmap.Region{
			PhysAddress: entry.PhysAddress,
			Length:      entry.Length,
			Type:        regionTypes[entry.Type],
		})
		return err == nil
	})

	return err
}
