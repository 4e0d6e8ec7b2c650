package p2m

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/tinyrange/hyptrap/internal/mm"
)

// PTE is a long-descriptor stage-2 translation table entry.
type PTE uint64

const (
	pteValid     PTE = 1 << 0
	pteTable     PTE = 1 << 1 // table at levels 1-2, page at level 3
	pteAttrShift     = 2
	pteAttrMask  PTE = 0xf << pteAttrShift
	pteRead      PTE = 1 << 6
	pteWrite     PTE = 1 << 7
	pteSHShift       = 8
	pteSHMask    PTE = 3 << pteSHShift
	pteAF        PTE = 1 << 10
	pteXN        PTE = 1 << 54

	// pteAddrMask covers output address bits [39:12].
	pteAddrMask PTE = 0x000000fffffff000

	pteAccessMask = pteRead | pteWrite | pteXN
)

// Stage-2 MemAttr and shareability encodings.
const (
	attrDevice       = 0x1 // Device-nGnRE
	attrNonCacheable = 0x5 // Normal, inner and outer non-cacheable
	attrNormal       = 0xf // Normal, inner and outer write-back

	shOuter = 2
	shInner = 3
)

func (e PTE) Valid() bool { return e&pteValid != 0 }

// Table reports the table/page bit. Third level entries must have it set
// to describe a page.
func (e PTE) Table() bool { return e&pteTable != 0 }

// Address returns the output address.
func (e PTE) Address() uint64 { return uint64(e & pteAddrMask) }

func (e PTE) Frame() mm.MFN { return mm.FrameOf(e.Address()) }

// Access returns the stage-2 permissions carried by the entry.
func (e PTE) Access() hostarch.AccessType {
	return hostarch.AccessType{
		Read:    e&pteRead != 0,
		Write:   e&pteWrite != 0,
		Execute: e&pteXN == 0,
	}
}

// MemoryType returns the memory type carried by the entry.
func (e PTE) MemoryType() hostarch.MemoryType {
	switch (e & pteAttrMask) >> pteAttrShift {
	case attrNormal:
		return hostarch.MemoryTypeWriteBack
	case attrNonCacheable:
		return hostarch.MemoryTypeWriteCombine
	case attrDevice:
		return hostarch.MemoryTypeUncached
	}
	return hostarch.NumMemoryTypes
}

func (e PTE) withAccess(at hostarch.AccessType) PTE {
	e &^= pteAccessMask
	if at.Read {
		e |= pteRead
	}
	if at.Write {
		e |= pteWrite
	}
	if !at.Execute {
		e |= pteXN
	}
	return e
}

func (e PTE) String() string {
	if !e.Valid() {
		return fmt.Sprintf("%#016x (invalid)", uint64(e))
	}
	return fmt.Sprintf("%#016x (%#x %s %s)", uint64(e), e.Address(), e.Access(), e.MemoryType().ShortString())
}

// newEntry builds a valid entry for maddr. Intermediate tables and leaves
// share the encoding: table bit set, access flag set, read/write, executable.
func newEntry(maddr uint64, mt hostarch.MemoryType) PTE {
	var attr, sh PTE
	switch mt {
	case hostarch.MemoryTypeWriteBack:
		attr, sh = attrNormal, shInner
	case hostarch.MemoryTypeWriteCombine:
		attr, sh = attrNonCacheable, shInner
	case hostarch.MemoryTypeUncached:
		attr, sh = attrDevice, shOuter
	default:
		panic(fmt.Sprintf("p2m: unsupported memory type %s", mt))
	}
	return pteValid | pteTable | pteAF | pteRead | pteWrite |
		attr<<pteAttrShift | sh<<pteSHShift | PTE(maddr)&pteAddrMask
}
