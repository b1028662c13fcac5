// Package hhdm converts between physical addresses and their virtual aliases
// inside the higher-half direct map set up by the bootloader. The direct map
// covers all physical memory at a fixed virtual offset, which lets the kernel
// reach any frame without creating a dedicated mapping for it.
package hhdm

// offset is the distance between a physical address and its direct-mapped
// virtual address. It is set once by the boot sequencer.
var offset uintptr

// SetOffset installs the direct map offset reported by the bootloader. It
// must be called before P2V or V2P.
func SetOffset(off uintptr) {
	offset = off
}

// Offset returns the currently installed direct map offset.
func Offset() uintptr {
	return offset
}

// P2V returns the direct-mapped virtual address for a physical address.
func P2V(physAddr uintptr) uintptr {
	return physAddr + offset
}

// V2P returns the physical address behind a direct-mapped virtual address.
func V2P(virtAddr uintptr) uintptr {
	return virtAddr - offset
}
