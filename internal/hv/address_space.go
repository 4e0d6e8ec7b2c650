package hv

import (
	"fmt"
	"sort"
	"sync"
)

const pageSize = 0x1000

// MMIOAllocation is a named region of guest physical address space.
type MMIOAllocation struct {
	Name string
	Base uint64
	Size uint64
}

func (a MMIOAllocation) End() uint64 { return a.Base + a.Size }

// MMIOAllocationRequest asks for a dynamically placed MMIO region.
type MMIOAllocationRequest struct {
	Name      string
	Size      uint64
	Alignment uint64
}

// AddressSpace is the guest physical layout of one domain: RAM banks,
// fixed MMIO regions, and MMIO regions placed above the highest RAM bank.
// Every region is page aligned and lies below the guest physical address
// limit.
type AddressSpace struct {
	mu sync.Mutex

	limit uint64

	ram []MMIOAllocation

	// nextMMIO is the next available address for MMIO allocation (above RAM)
	nextMMIO uint64

	// allocations holds all dynamically allocated MMIO regions
	allocations []MMIOAllocation

	// fixedRegions holds MMIO regions at addresses chosen by the caller
	fixedRegions []MMIOAllocation
}

// NewAddressSpace creates an empty layout for a guest with addrBits of
// physical address space.
func NewAddressSpace(addrBits uint) *AddressSpace {
	return &AddressSpace{
		limit: uint64(1) << addrBits,
	}
}

func (a *AddressSpace) check(name string, base, size uint64) error {
	if size == 0 {
		return fmt.Errorf("address_space: zero-size region %s", name)
	}
	if base%pageSize != 0 || size%pageSize != 0 {
		return fmt.Errorf("address_space: region %s [0x%x-0x%x) not page aligned", name, base, base+size)
	}
	if base+size < base || base+size > a.limit {
		return fmt.Errorf("address_space: region %s [0x%x-0x%x): %w", name, base, base+size, ErrRegionBeyondPA)
	}
	for _, list := range [][]MMIOAllocation{a.ram, a.fixedRegions, a.allocations} {
		for _, r := range list {
			if base < r.End() && base+size > r.Base {
				return fmt.Errorf("address_space: region %s [0x%x-0x%x) overlaps %s [0x%x-0x%x): %w",
					name, base, base+size, r.Name, r.Base, r.End(), ErrRegionOverlap)
			}
		}
	}
	return nil
}

// AddRAM registers a RAM bank.
func (a *AddressSpace) AddRAM(name string, base, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.check(name, base, size); err != nil {
		return err
	}
	a.ram = append(a.ram, MMIOAllocation{Name: name, Base: base, Size: size})
	sort.Slice(a.ram, func(i, j int) bool { return a.ram[i].Base < a.ram[j].Base })
	if end := alignUp(base+size, pageSize); end > a.nextMMIO {
		a.nextMMIO = end
	}
	return nil
}

// Allocate places an MMIO region above RAM with the requested alignment.
func (a *AddressSpace) Allocate(req MMIOAllocationRequest) (MMIOAllocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	alignment := req.Alignment
	if alignment == 0 {
		alignment = pageSize
	}
	if alignment&(alignment-1) != 0 || alignment < pageSize {
		return MMIOAllocation{}, fmt.Errorf("address_space: alignment 0x%x is not a power of 2 page multiple for %s", alignment, req.Name)
	}

	size := alignUp(req.Size, pageSize)
	base := alignUp(a.nextMMIO, alignment)
	// Skip over fixed regions in the way.
	for {
		if err := a.check(req.Name, base, size); err == nil {
			break
		} else if base+size > a.limit || size == 0 {
			return MMIOAllocation{}, err
		}
		base = alignUp(base+pageSize, alignment)
	}

	alloc := MMIOAllocation{Name: req.Name, Base: base, Size: size}
	a.allocations = append(a.allocations, alloc)
	a.nextMMIO = base + size
	return alloc, nil
}

// RegisterFixed registers an MMIO region at a caller-chosen address.
func (a *AddressSpace) RegisterFixed(name string, base, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.check(name, base, size); err != nil {
		return err
	}
	a.fixedRegions = append(a.fixedRegions, MMIOAllocation{Name: name, Base: base, Size: size})
	return nil
}

// RAM returns the RAM banks sorted by base address.
func (a *AddressSpace) RAM() []MMIOAllocation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]MMIOAllocation(nil), a.ram...)
}

// RAMSize returns the total size of all RAM banks.
func (a *AddressSpace) RAMSize() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var n uint64
	for _, r := range a.ram {
		n += r.Size
	}
	return n
}

// Allocations returns a copy of all dynamically allocated MMIO regions.
func (a *AddressSpace) Allocations() []MMIOAllocation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]MMIOAllocation(nil), a.allocations...)
}

// FixedRegions returns a copy of all fixed MMIO regions.
func (a *AddressSpace) FixedRegions() []MMIOAllocation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]MMIOAllocation(nil), a.fixedRegions...)
}

// alignUp aligns value up to the specified alignment.
func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
