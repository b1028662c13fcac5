// Command memviz seeds the kernel's buddy allocator with a memory map and
// renders the resulting free lists as a PNG image. Each order gets its own
// row and every free block is drawn at its physical address.
//
// The memory map is read from a text file with one region per line:
//
//	<base> <length> <type>
//
// where base and length accept any Go integer literal and type is one of
// usable, reserved, acpi-reclaimable, acpi-nvs, bad, bootloader-reclaimable,
// kernel, framebuffer or acpi-tables. Blank lines and lines starting with #
// are ignored.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"unsafe"

	"github.com/fogleman/gg"
	"github.com/jshatto0225/microkernel/kernel/mem"
	"github.com/jshatto0225/microkernel/kernel/mem/hhdm"
	"github.com/jshatto0225/microkernel/kernel/mem/memmap"
	"github.com/jshatto0225/microkernel/kernel/mem/pmm"
	"github.com/jshatto0225/microkernel/kernel/mem/pmm/allocator"
)

const (
	// maxArenaSize caps the amount of host memory used to stand in for
	// the usable physical memory.
	maxArenaSize = 2 * mem.Gb

	rowHeight   = 28
	labelWidth  = 110
	marginRight = 10
)

var (
	regionTypeNames = map[string]memmap.RegionType{
		"usable":                 memmap.RegionUsable,
		"reserved":               memmap.RegionReserved,
		"acpi-reclaimable":       memmap.RegionACPIReclaimable,
		"acpi-nvs":               memmap.RegionACPINVS,
		"bad":                    memmap.RegionBadMemory,
		"bootloader-reclaimable": memmap.RegionBootloaderReclaimable,
		"kernel":                 memmap.RegionKernelImage,
		"framebuffer":            memmap.RegionFramebuffer,
		"acpi-tables":            memmap.RegionACPITables,
	}

	// the layout reported by Limine for a 128M qemu guest.
	defaultMemoryMap = `
0x0         0x52000    usable
0x52000     0x1000     bootloader-reclaimable
0x53000     0x4d000    usable
0x9fc00     0x400      reserved
0xf0000     0x10000    reserved
0x100000    0x7dff000  usable
0x7eff000   0x1000     bootloader-reclaimable
0x7f00000   0x80000    kernel
0x7f80000   0x60000    bootloader-reclaimable
0x7fe0000   0x20000    reserved
0xfd000000  0x3e8000   framebuffer
`

	errNoUsableMemory = errors.New("memory map does not contain any usable region")
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[memviz] error: %s\n", err.Error())
	os.Exit(1)
}

// parseMemoryMap reads a textual memory map description.
func parseMemoryMap(r io.Reader) (*memmap.Map, error) {
	var (
		m       = new(memmap.Map)
		scanner = bufio.NewScanner(r)
		lineNum int
	)

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("line %d: expected <base> <length> <type>; got %q", lineNum, line)
		}

		base, err := strconv.ParseUint(fields[0], 0, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid base: %w", lineNum, err)
		}

		length, err := strconv.ParseUint(fields[1], 0, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid length: %w", lineNum, err)
		}

		regionType, ok := regionTypeNames[fields[2]]
		if !ok {
			return nil, fmt.Errorf("line %d: %s", lineNum, memmap.ErrInvalidRegionType.Message)
		}

		if kErr := m.Add(memmap.Region{PhysAddress: base, Length: length, Type: regionType}); kErr != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, kErr)
		}
	}

	return m, scanner.Err()
}

// usableSpan returns the lowest and highest physical address covered by
// usable regions.
func usableSpan(m *memmap.Map) (lo, hi uint64, err error) {
	lo = ^uint64(0)
	m.VisitRegions(func(region *memmap.Region) bool {
		if region.Type != memmap.RegionUsable || region.Length == 0 {
			return true
		}

		if region.PhysAddress < lo {
			lo = region.PhysAddress
		}
		if end := region.End(); end > hi {
			hi = end
		}
		return true
	})

	if hi == 0 {
		return 0, 0, errNoUsableMemory
	}

	return lo &^ uint64(mem.PageSize-1), hi, nil
}

// session owns the host memory that backs the usable physical memory while
// the allocator is inspected.
type session struct {
	arena  []byte
	lo, hi uint64
	alloc  allocator.BuddyAllocator
}

// newSession backs the usable span of m with host memory and seeds an
// allocator with it.
func newSession(m *memmap.Map) (*session, error) {
	lo, hi, err := usableSpan(m)
	if err != nil {
		return nil, err
	}

	if size := mem.Size(hi - lo); size > maxArenaSize {
		return nil, fmt.Errorf("usable memory spans %d bytes; at most %d bytes are supported", size, maxArenaSize)
	}

	s := &session{arena: make([]byte, hi-lo), lo: lo, hi: hi}
	hhdm.SetOffset(uintptr(unsafe.Pointer(&s.arena[0])) - uintptr(lo))

	if kErr := s.alloc.Seed(m); kErr != nil {
		return nil, kErr
	}

	return s, nil
}

// allocate performs one allocation per requested order.
func (s *session) allocate(orders []mem.PageOrder) error {
	for _, order := range orders {
		if _, kErr := s.alloc.AllocFrames(order); kErr != nil {
			return fmt.Errorf("allocating order %d block: %w", order, kErr)
		}
	}

	return nil
}

// close releases the arena; the direct map offset must not be used afterwards.
func (s *session) close() {
	hhdm.SetOffset(0)
	runtime.KeepAlive(s.arena)
	s.arena = nil
}

// render draws one row per order with every free block of that order as a
// filled rectangle positioned by its physical address.
func (s *session) render(width int) *gg.Context {
	var (
		rows   = int(mem.MaxPageOrder) + 1
		height = rows*rowHeight + rowHeight
		dc     = gg.NewContext(width, height)
		scale  = float64(width-labelWidth-marginRight) / float64(s.hi-s.lo)
	)

	dc.SetRGB(1, 1, 1)
	dc.Clear()

	for order := mem.PageOrder(0); order <= mem.MaxPageOrder; order++ {
		y := float64(int(order)*rowHeight) + 4

		dc.SetRGB(0.93, 0.93, 0.93)
		dc.DrawRectangle(labelWidth, y, float64(width-labelWidth-marginRight), rowHeight-8)
		dc.Fill()

		dc.SetRGB(0, 0, 0)
		dc.DrawStringAnchored(fmt.Sprintf("%2d: %d free", order, s.alloc.FreeCount(order)), 6, y+(rowHeight-8)/2, 0, 0.5)
	}

	s.alloc.VisitFreeBlocks(func(frame pmm.Frame, order mem.PageOrder) bool {
		var (
			x = labelWidth + float64(uint64(frame.Address())-s.lo)*scale
			y = float64(int(order)*rowHeight) + 4
			w = float64(order.Size()) * scale
		)

		// keep tiny blocks visible
		if w < 1 {
			w = 1
		}

		dc.SetRGB(0.2, 0.45, 0.8)
		dc.DrawRectangle(x, y, w, rowHeight-8)
		dc.Fill()
		return true
	})

	dc.SetRGB(0, 0, 0)
	dc.DrawStringAnchored(
		fmt.Sprintf("0x%x - 0x%x, %dKb free", s.lo, s.hi, s.alloc.FreePages()*uint64(mem.PageSize/mem.Kb)),
		labelWidth, float64(rows*rowHeight)+rowHeight/2, 0, 0.5,
	)

	return dc
}

// parseOrders parses a comma-separated list of block orders.
func parseOrders(list string) ([]mem.PageOrder, error) {
	var orders []mem.PageOrder
	if list == "" {
		return orders, nil
	}

	for _, field := range strings.Split(list, ",") {
		order, err := strconv.ParseUint(strings.TrimSpace(field), 10, 8)
		if err != nil || mem.PageOrder(order) > mem.MaxPageOrder {
			return nil, fmt.Errorf("invalid block order %q", field)
		}
		orders = append(orders, mem.PageOrder(order))
	}

	return orders, nil
}

func runTool() error {
	mapFile := flag.String("map", "", "memory map description file (defaults to a 128M qemu layout)")
	allocList := flag.String("alloc", "", "comma-separated list of block orders to allocate after seeding")
	width := flag.Int("width", 1600, "image width in pixels")
	out := flag.String("out", "memviz.png", "output PNG file")
	flag.Parse()

	var src io.Reader = strings.NewReader(defaultMemoryMap)
	if *mapFile != "" {
		f, err := os.Open(*mapFile)
		if err != nil {
			return err
		}
		defer f.Close()
		src = f
	}

	m, err := parseMemoryMap(src)
	if err != nil {
		return err
	}

	orders, err := parseOrders(*allocList)
	if err != nil {
		return err
	}

	s, err := newSession(m)
	if err != nil {
		return err
	}
	defer s.close()

	if err = s.allocate(orders); err != nil {
		return err
	}

	m.Dump(os.Stdout)
	s.alloc.Dump(os.Stdout)

	return s.render(*width).SavePNG(*out)
}

func main() {
	if err := runTool(); err != nil {
		exit(err)
	}
}
