// Package kmain sequences the early boot stages: it reads the bootloader
// handoff, reclaims physical memory, switches to a kernel-owned address space
// and then hands off to device bootstrap code.
package kmain

import (
	"github.com/jshatto0225/microkernel/kernel"
	"github.com/jshatto0225/microkernel/kernel/hal/limine"
	"github.com/jshatto0225/microkernel/kernel/kfmt"
	"github.com/jshatto0225/microkernel/kernel/mem"
	"github.com/jshatto0225/microkernel/kernel/mem/hhdm"
	"github.com/jshatto0225/microkernel/kernel/mem/memmap"
	"github.com/jshatto0225/microkernel/kernel/mem/pmm"
	"github.com/jshatto0225/microkernel/kernel/mem/pmm/allocator"
	"github.com/jshatto0225/microkernel/kernel/mem/vmm"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

	// bootCtx holds all state built during boot. It is a package variable
	// so that nothing needs to be heap-allocated before the Go runtime is
	// initialized.
	bootCtx bootContext

	memmapLogPrefix = []byte("[memmap] ")
	allocLogPrefix  = []byte("[buddy_alloc] ")

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	panicFn         = kfmt.Panic
	validateFn      = limine.Validate
	hhdmOffsetFn    = limine.HHDMOffset
	kernelAddressFn = limine.KernelAddress
	loadMemoryMapFn = limine.LoadMemoryMap
	cloneActiveFn   = (*vmm.AddressSpace).CloneActive
	activateFn      = (*vmm.AddressSpace).Activate
)

// Memory is the interface that device bootstrap code uses to set up its
// register windows and scratch tables once the kernel address space is
// active.
type Memory interface {
	// Map establishes a 4K mapping in the kernel address space.
	Map(physAddr, virtAddr uintptr, flags vmm.PageTableEntryFlag) *kernel.Error

	// AllocFrames reserves a zero-filled block of 2^order frames.
	AllocFrames(order mem.PageOrder) (pmm.Frame, *kernel.Error)
}

// bootContext ties together the memory map, the frame allocator and the
// kernel address space.
type bootContext struct {
	regions   memmap.Map
	allocator allocator.BuddyAllocator
	addrSpace vmm.AddressSpace

	// log prefixes every line of the multi-line dumps emitted during boot.
	log kfmt.PrefixWriter
}

// Map implements Memory.
func (ctx *bootContext) Map(physAddr, virtAddr uintptr, flags vmm.PageTableEntryFlag) *kernel.Error {
	return ctx.addrSpace.Map(physAddr, virtAddr, flags)
}

// AllocFrames implements Memory.
func (ctx *bootContext) AllocFrames(order mem.PageOrder) (pmm.Frame, *kernel.Error) {
	return ctx.allocator.AllocFrames(order)
}

// Kmain is the only Go symbol that is visible (exported) from the rt0
// initialization code. It is invoked once the bootloader has handed control
// to the kernel with the Limine requests answered.
//
// Kmain is not expected to return. Any boot error halts the CPU after it has
// been reported.
//
//go:noinline
func Kmain() {
	if err := boot(&bootCtx); err != nil {
		panicFn(err)
	}

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	panicFn(errKmainReturned)
}

// boot runs the boot stages in order and stops at the first error.
func boot(ctx *bootContext) *kernel.Error {
	if err := validateFn(); err != nil {
		return err
	}

	hhdm.SetOffset(hhdmOffsetFn())

	kernelPhys, kernelVirt := kernelAddressFn()
	kfmt.Printf("[boot] kernel loaded at 0x%16x (phys 0x%x), direct map at 0x%16x\n", kernelVirt, kernelPhys, hhdm.Offset())

	if err := loadMemoryMapFn(&ctx.regions); err != nil {
		return err
	}

	ctx.log.Prefix = memmapLogPrefix
	ctx.regions.Dump(&ctx.log)

	if err := ctx.allocator.Seed(&ctx.regions); err != nil {
		return err
	}

	ctx.log.Prefix = allocLogPrefix
	ctx.allocator.Dump(&ctx.log)

	if err := cloneActiveFn(&ctx.addrSpace, &ctx.allocator); err != nil {
		return err
	}

	activateFn(&ctx.addrSpace)
	kfmt.Printf("[vmm] switched to kernel page tables at 0x%x (%dKb of tables)\n", ctx.addrSpace.Root(), uint64(ctx.addrSpace.TableMemory()/mem.Kb))

	return runBootstrappers(ctx)
}
