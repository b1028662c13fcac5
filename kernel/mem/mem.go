// Package mem defines the page geometry shared by the physical and virtual
// memory managers.
package mem

const (
	// MaxPageOrder is the largest block order handed out by the page
	// allocator. Blocks of this order span PageSize << MaxPageOrder bytes
	// (4 MiB); no merging happens above it.
	MaxPageOrder = PageOrder(10)
)

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// Order returns the smallest PageOrder whose block can hold a region of this
// size. The returned order may exceed MaxPageOrder.
func (s Size) Order() PageOrder {
	var order PageOrder
	for PageSize<<order < s {
		order++
	}

	return order
}

// Pages returns the number of pages required for storing this size.
func (s Size) Pages() uint64 {
	return uint64((s + PageSize - 1) >> PageShift)
}

// PageOrder is the power-of-two exponent applied to PageSize when describing
// a block of contiguous pages.
//
// PageOrder(0) refers to a block with size PageSize
// PageOrder(1) refers to a block with size PageSize * 2
// ...
// PageOrder(MaxPageOrder) refers to a block with size PageSize * 2^MaxPageOrder
type PageOrder uint8

// Size returns the size in bytes of a block with this order.
func (o PageOrder) Size() Size {
	return PageSize << o
}

// Pages returns the number of pages in a block with this order.
func (o PageOrder) Pages() uint64 {
	return 1 << o
}
