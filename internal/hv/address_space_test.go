package hv

import (
	"errors"
	"testing"
)

func TestAddressSpaceLayout(t *testing.T) {
	a := NewAddressSpace(40)
	if err := a.AddRAM("ram0", 0x80000000, 0x1000000); err != nil {
		t.Fatalf("AddRAM: %v", err)
	}
	if err := a.RegisterFixed("uart", 0x1c090000, 0x1000); err != nil {
		t.Fatalf("RegisterFixed: %v", err)
	}
	if err := a.RegisterFixed("gic", 0x81000000, 0x1000); err != nil {
		t.Fatalf("RegisterFixed: %v", err)
	}

	alloc, err := a.Allocate(MMIOAllocationRequest{Name: "bank", Size: 0x1800, Alignment: 0x10000})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if alloc.Base != 0x81010000 || alloc.Size != 0x2000 {
		t.Fatalf("Allocate = %+v", alloc)
	}
	if a.RAMSize() != 0x1000000 {
		t.Fatalf("RAMSize = %#x", a.RAMSize())
	}
}

func TestAddressSpaceRejects(t *testing.T) {
	a := NewAddressSpace(40)
	if err := a.AddRAM("ram0", 0x80000000, 0x100000); err != nil {
		t.Fatalf("AddRAM: %v", err)
	}

	if err := a.RegisterFixed("dev", 0x800ff000, 0x2000); !errors.Is(err, ErrRegionOverlap) {
		t.Fatalf("expected overlap, got %v", err)
	}
	if err := a.AddRAM("high", 0xffffff0000, 0x20000); !errors.Is(err, ErrRegionBeyondPA) {
		t.Fatalf("expected beyond PA, got %v", err)
	}
	if err := a.RegisterFixed("odd", 0x1000800, 0x1000); err == nil {
		t.Fatalf("unaligned region accepted")
	}
	if _, err := a.Allocate(MMIOAllocationRequest{Name: "bad", Size: 0x1000, Alignment: 0x3000}); err == nil {
		t.Fatalf("non power of two alignment accepted")
	}
}

func TestRegisterBank(t *testing.T) {
	b := NewRegisterBank(0x1000, 0x100)
	if err := b.WriteMMIO(0x1010, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("WriteMMIO: %v", err)
	}
	got := make([]byte, 2)
	if err := b.ReadMMIO(0x1012, got); err != nil {
		t.Fatalf("ReadMMIO: %v", err)
	}
	if got[0] != 3 || got[1] != 4 {
		t.Fatalf("ReadMMIO = %v", got)
	}
	if err := b.ReadMMIO(0x10fe, make([]byte, 4)); err == nil {
		t.Fatalf("access past end accepted")
	}
}

func TestParseArchitecture(t *testing.T) {
	if a, err := ParseArchitecture("aarch32"); err != nil || a != ArchitectureARM32 {
		t.Fatalf("ParseArchitecture = %s, %v", a, err)
	}
	if _, err := ParseArchitecture("riscv64"); err == nil {
		t.Fatalf("unknown architecture accepted")
	}
}
