// Package cpu exposes the privileged amd64 instructions that the early memory
// code depends on. Every function is implemented in assembly and faults if it
// is invoked outside ring 0, which is why callers reach them through
// package-level function variables that tests can replace.
package cpu

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt disables interrupts and stops instruction execution. Halt never
// returns.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT loads the supplied value into CR3. The low 12 bits carry the
// PWT/PCD flags; the remaining bits hold the physical address of the top-most
// page table. Loading CR3 also flushes all non-global TLB entries.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the raw CR3 value, that is the physical address of the
// currently active top-most page table together with its flag bits.
func ActivePDT() uintptr
