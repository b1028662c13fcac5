package kmain

import (
	"github.com/jshatto0225/microkernel/kernel"
	"github.com/jshatto0225/microkernel/kernel/kfmt"
)

// maxBootstrappers is the number of device bootstrappers that can be
// registered.
const maxBootstrappers = 16

var (
	errTooManyBootstrappers = &kernel.Error{Module: "kmain", Message: "too many device bootstrappers registered"}

	bootstrappers     [maxBootstrappers]Bootstrapper
	bootstrapperCount int
)

// Bootstrapper is invoked once the kernel address space is active. It
// receives the memory interface it may use to map device registers and
// allocate backing frames.
type Bootstrapper struct {
	// Name is printed when the bootstrapper runs.
	Name string

	// Init performs the device setup.
	Init func(Memory) *kernel.Error
}

// RegisterBootstrapper queues b to run after the kernel address space has
// been activated. Bootstrappers run in registration order.
func RegisterBootstrapper(b Bootstrapper) *kernel.Error {
	if bootstrapperCount == maxBootstrappers {
		return errTooManyBootstrappers
	}

	bootstrappers[bootstrapperCount] = b
	bootstrapperCount++
	return nil
}

// runBootstrappers invokes every registered bootstrapper and stops at the
// first error.
func runBootstrappers(memory Memory) *kernel.Error {
	for i := 0; i < bootstrapperCount; i++ {
		kfmt.Printf("[kmain] bootstrapping %s\n", bootstrappers[i].Name)
		if err := bootstrappers[i].Init(memory); err != nil {
			return err
		}
	}

	return nil
}
