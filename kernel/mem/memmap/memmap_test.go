package memmap

import (
	"bytes"
	"strings"
	"testing"

	"github.com/jshatto0225/microkernel/kernel/mem"
)

func TestMapAdd(t *testing.T) {
	var m Map

	regions := []Region{
		{PhysAddress: 0x0, Length: 0x9fc00, Type: RegionUsable},
		{PhysAddress: 0x9fc00, Length: 0x400, Type: RegionReserved},
		{PhysAddress: 0x100000, Length: 0x7ee0000, Type: RegionUsable},
		{PhysAddress: 0x7fe0000, Length: 0x20000, Type: RegionACPITables},
	}

	for i, region := range regions {
		if err := m.Add(region); err != nil {
			t.Fatalf("[region %d] unexpected error: %v", i, err)
		}
	}

	if got := m.Len(); got != len(regions) {
		t.Fatalf("expected map length to be %d; got %d", len(regions), got)
	}

	for i, exp := range regions {
		if got := m.Region(i); got != exp {
			t.Errorf("[region %d] expected %+v; got %+v", i, exp, got)
		}
	}

	if err := m.Add(Region{Type: RegionType(0xff)}); err != ErrInvalidRegionType {
		t.Fatalf("expected to get ErrInvalidRegionType; got %v", err)
	}

	if got := m.Len(); got != len(regions) {
		t.Fatalf("expected rejected region not to be stored; map length is %d", got)
	}
}

func TestMapCapacity(t *testing.T) {
	var m Map

	for i := 0; i < MaxRegions; i++ {
		if err := m.Add(Region{PhysAddress: uint64(i) * 0x1000, Length: 0x1000}); err != nil {
			t.Fatalf("[region %d] unexpected error: %v", i, err)
		}
	}

	if err := m.Add(Region{PhysAddress: 0xdead000, Length: 0x1000}); err != ErrCapacityExceeded {
		t.Fatalf("expected to get ErrCapacityExceeded; got %v", err)
	}

	if got := m.Len(); got != MaxRegions {
		t.Fatalf("expected map length to be %d; got %d", MaxRegions, got)
	}
}

func TestVisitRegions(t *testing.T) {
	var m Map
	for i := 0; i < 5; i++ {
		_ = m.Add(Region{PhysAddress: uint64(i) << 20, Length: 1 << 20, Type: RegionType(i)})
	}

	var visited []uint64
	m.VisitRegions(func(r *Region) bool {
		visited = append(visited, r.PhysAddress)
		return true
	})

	if len(visited) != 5 {
		t.Fatalf("expected visitor to be invoked 5 times; got %d", len(visited))
	}

	for i, addr := range visited {
		if exp := uint64(i) << 20; addr != exp {
			t.Errorf("expected region %d to start at 0x%x; got 0x%x", i, exp, addr)
		}
	}

	var calls int
	m.VisitRegions(func(r *Region) bool {
		calls++
		return calls < 2
	})

	if calls != 2 {
		t.Fatalf("expected visitor to abort after 2 calls; got %d", calls)
	}

	// Mutations through the visitor pointer must not leak into the map.
	m.VisitRegions(func(r *Region) bool {
		r.Type = RegionBadMemory
		return true
	})
	if got := m.Region(0).Type; got != RegionUsable {
		t.Fatalf("expected stored region type to remain unchanged; got %s", got.String())
	}
}

func TestTotalSize(t *testing.T) {
	var m Map
	_ = m.Add(Region{PhysAddress: 0x0, Length: 0x9fc00, Type: RegionUsable})
	_ = m.Add(Region{PhysAddress: 0x9fc00, Length: 0x400, Type: RegionReserved})
	_ = m.Add(Region{PhysAddress: 0x100000, Length: 0x100000, Type: RegionUsable})

	specs := []struct {
		regionType RegionType
		exp        mem.Size
	}{
		{RegionUsable, mem.Size(0x9fc00 + 0x100000)},
		{RegionReserved, mem.Size(0x400)},
		{RegionFramebuffer, 0},
	}

	for specIndex, spec := range specs {
		if got := m.TotalSize(spec.regionType); got != spec.exp {
			t.Errorf("[spec %d] expected total size for %s to be %d; got %d", specIndex, spec.regionType.String(), spec.exp, got)
		}
	}
}

func TestRegionEnd(t *testing.T) {
	specs := []struct {
		region Region
		exp    uint64
	}{
		{Region{PhysAddress: 0x1000, Length: 0x2000}, 0x3000},
		{Region{PhysAddress: 0xfffffffffffff000, Length: 0x2000}, ^uint64(0)},
	}

	for specIndex, spec := range specs {
		if got := spec.region.End(); got != spec.exp {
			t.Errorf("[spec %d] expected End() to return 0x%x; got 0x%x", specIndex, spec.exp, got)
		}
	}
}

func TestRegionTypeString(t *testing.T) {
	specs := []struct {
		regionType RegionType
		exp        string
	}{
		{RegionUsable, "usable"},
		{RegionReserved, "reserved"},
		{RegionACPIReclaimable, "ACPI (reclaimable)"},
		{RegionACPINVS, "ACPI NVS"},
		{RegionBadMemory, "bad memory"},
		{RegionBootloaderReclaimable, "bootloader (reclaimable)"},
		{RegionKernelImage, "kernel image"},
		{RegionFramebuffer, "framebuffer"},
		{RegionACPITables, "ACPI tables"},
		{RegionType(42), "unknown"},
	}

	for specIndex, spec := range specs {
		if got := spec.regionType.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}

func TestDump(t *testing.T) {
	var m Map
	_ = m.Add(Region{PhysAddress: 0x100000, Length: 0x10000, Type: RegionUsable})
	_ = m.Add(Region{PhysAddress: 0x200000, Length: 0x1000, Type: RegionReserved})

	var buf bytes.Buffer
	m.Dump(&buf)

	out := buf.String()
	for _, exp := range []string{
		"[0x0000100000 - 0x0000110000], size:      65536, type: usable\n",
		"[0x0000200000 - 0x0000201000], size:       4096, type: reserved\n",
		"available memory: 64Kb\n",
	} {
		if !strings.Contains(out, exp) {
			t.Errorf("expected dump output to contain %q; got:\n%s", exp, out)
		}
	}
}
