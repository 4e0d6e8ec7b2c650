// Package p2m implements the per-domain stage-2 ("physical to machine")
// translation tables.
//
// The table uses a 4 KiB granule and a 40-bit input address. The first
// level is two concatenated pages indexed by IPA[39:30]; the second and
// third levels are single pages indexed by IPA[29:21] and IPA[20:12].
package p2m

import (
	"errors"
	"fmt"
	"log/slog"

	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/sync"

	"github.com/tinyrange/hyptrap/internal/mm"
)

const (
	// IPABits is the guest physical address width.
	IPABits = 40
	// IPALimit is the first guest physical address that cannot be mapped.
	IPALimit = uint64(1) << IPABits

	firstShift  = 30
	secondShift = 21
	thirdShift  = 12

	entriesPerPage = mm.PageSize / 8
	rootOrder      = 1
	rootEntries    = entriesPerPage << rootOrder
)

var (
	ErrNoMemory  = errors.New("p2m: out of memory")
	ErrNotMapped = errors.New("p2m: range not mapped")
)

// Op selects what Populate installs in each leaf.
type Op int

const (
	// OpAllocate backs each page with a fresh frame from the domain's pool.
	OpAllocate Op = iota
	// OpInsert maps consecutive machine pages starting at a given address.
	OpInsert
	// OpRemove invalidates the leaf.
	OpRemove
)

func (o Op) String() string {
	switch o {
	case OpAllocate:
		return "allocate"
	case OpInsert:
		return "insert"
	case OpRemove:
		return "remove"
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Memory is the machine memory the tables live in.
type Memory interface {
	mm.Allocator
	AllocPages(owner mm.Owner, order int) (mm.MFN, error)
	Map(mfn mm.MFN) (*mm.Mapping, error)
}

// TLB is the translation cache of the calling CPU.
type TLB interface {
	FlushLocal()
}

// Mapping describes the translation of one guest physical address.
type Mapping struct {
	MAddr  uint64
	Access hostarch.AccessType
	Type   hostarch.MemoryType
}

// Table is one domain's stage-2 translation table. All operations are
// serialized by a single lock.
type Table struct {
	mu sync.Mutex

	mem   Memory
	tlb   TLB
	owner mm.Owner
	vmid  uint16

	root      mm.MFN
	allocated bool
	pages     []mm.MFN
	dead      bool
}

// New prepares the table for domain domid. The root is not allocated until
// AllocTable is called.
func New(domid int, mem Memory, tlb TLB) *Table {
	return &Table{
		mem:   mem,
		tlb:   tlb,
		owner: mm.Owner(domid),
		vmid:  uint16(domid + 1),
	}
}

// VMID returns the isolation tag of the domain. Zero is reserved for the
// hypervisor.
func (t *Table) VMID() uint16 { return t.vmid }

// AllocTable allocates and zeroes the first level table.
func (t *Table) AllocTable() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.allocated || t.dead {
		panic("p2m: table already allocated")
	}
	root, err := t.mem.AllocPages(mm.OwnerHypervisor, rootOrder)
	if err != nil {
		return fmt.Errorf("%w: root table: %w", ErrNoMemory, err)
	}
	t.root, t.allocated = root, true
	for i := 0; i < 1<<rootOrder; i++ {
		t.pages = append(t.pages, root+mm.MFN(i))
	}
	// Nothing may remain cached under a recycled VMID.
	t.tlb.FlushLocal()

	slog.Debug("p2m root allocated", "domain", t.owner, "vmid", t.vmid, "root", fmt.Sprintf("%#x", root.Addr()))
	return nil
}

// VTTBR returns the value loaded into VTTBR_EL2 to run this domain.
func (t *Table) VTTBR() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root.Addr() | uint64(t.vmid&0xff)<<48
}

// Pages returns the number of pages used by the table itself.
func (t *Table) Pages() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pages)
}

// Teardown frees every table page. The domain must be paused so no vCPU
// can still walk the table.
func (t *Table) Teardown() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, p := range t.pages {
		t.mem.FreePage(p)
	}
	slog.Debug("p2m torn down", "domain", t.owner, "pages", len(t.pages))
	t.pages = nil
	t.root, t.allocated = 0, false
	t.dead = true
}

func (t *Table) mustBeLive() {
	if t.dead {
		panic(fmt.Sprintf("p2m: dom%d table used after teardown", t.owner))
	}
	if !t.allocated {
		panic(fmt.Sprintf("p2m: dom%d table used before allocation", t.owner))
	}
}

func checkRange(start, end uint64) {
	if start&^mm.PageMask != 0 || end&^mm.PageMask != 0 || start > end {
		panic(fmt.Sprintf("p2m: bad range [%#x, %#x)", start, end))
	}
	if end > IPALimit {
		panic(fmt.Sprintf("p2m: range [%#x, %#x) beyond %d-bit IPA space", start, end, IPABits))
	}
}

func firstIndex(gpa uint64) int  { return int(gpa>>firstShift) & (rootEntries - 1) }
func secondIndex(gpa uint64) int { return int(gpa>>secondShift) & (entriesPerPage - 1) }
func thirdIndex(gpa uint64) int  { return int(gpa>>thirdShift) & (entriesPerPage - 1) }

// walk holds the table pages mapped during one operation, one per level.
// Remapping a level first releases every deeper level so mappings are
// always released in reverse acquisition order.
type walk struct {
	mem  Memory
	maps [3]*mm.Mapping
}

func (w *walk) level(l int, mfn mm.MFN) (*mm.Mapping, error) {
	if m := w.maps[l]; m != nil && m.Frame() == mfn {
		return m, nil
	}
	w.releaseFrom(l)
	m, err := w.mem.Map(mfn)
	if err != nil {
		return nil, err
	}
	w.maps[l] = m
	return m, nil
}

func (w *walk) releaseFrom(l int) {
	for i := len(w.maps) - 1; i >= l; i-- {
		if w.maps[i] != nil {
			w.maps[i].Unmap()
			w.maps[i] = nil
		}
	}
}

func (w *walk) release() { w.releaseFrom(0) }

// first maps the root page covering gpa and returns it with the index of
// gpa's entry within that page.
func (t *Table) first(w *walk, gpa uint64) (*mm.Mapping, int, error) {
	idx := firstIndex(gpa)
	m, err := w.level(0, t.root+mm.MFN(idx/entriesPerPage))
	return m, idx % entriesPerPage, err
}

// leaf walks to the third level entry for gpa. It returns a nil mapping if
// an intermediate level is invalid.
func (t *Table) leaf(w *walk, gpa uint64) (*mm.Mapping, int, error) {
	first, i, err := t.first(w, gpa)
	if err != nil {
		return nil, 0, err
	}
	e := PTE(first.Entry(i))
	if !e.Valid() {
		return nil, 0, nil
	}
	second, err := w.level(1, e.Frame())
	if err != nil {
		return nil, 0, err
	}
	e = PTE(second.Entry(secondIndex(gpa)))
	if !e.Valid() {
		return nil, 0, nil
	}
	third, err := w.level(2, e.Frame())
	if err != nil {
		return nil, 0, err
	}
	return third, thirdIndex(gpa), nil
}

// Entry returns the full translation of gpa.
func (t *Table) Entry(gpa uint64) (Mapping, bool) {
	if gpa >= IPALimit {
		return Mapping{}, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dead || !t.allocated {
		return Mapping{}, false
	}

	w := &walk{mem: t.mem}
	cu := cleanup.Make(w.release)
	defer cu.Clean()

	third, i, err := t.leaf(w, gpa)
	if err != nil {
		panic(fmt.Sprintf("p2m: dom%d walk %#x: %v", t.owner, gpa, err))
	}
	if third == nil {
		return Mapping{}, false
	}
	e := PTE(third.Entry(i))
	if !e.Valid() || !e.Table() {
		return Mapping{}, false
	}
	return Mapping{
		MAddr:  e.Address() | gpa&^mm.PageMask,
		Access: e.Access(),
		Type:   e.MemoryType(),
	}, true
}

// Lookup translates gpa to a machine address.
func (t *Table) Lookup(gpa uint64) (uint64, bool) {
	m, ok := t.Entry(gpa)
	return m.MAddr, ok
}

// newTable allocates a zeroed intermediate table page.
func (t *Table) newTable() (mm.MFN, error) {
	mfn, err := t.mem.AllocPage(mm.OwnerHypervisor)
	if err != nil {
		return 0, err
	}
	t.pages = append(t.pages, mfn)
	return mfn, nil
}

// next returns the table below entry i of m, allocating it if needed. With
// alloc false a missing table yields a nil mapping.
func (t *Table) next(w *walk, l int, m *mm.Mapping, i int, alloc bool) (*mm.Mapping, error) {
	e := PTE(m.Entry(i))
	if !e.Valid() {
		if !alloc {
			return nil, nil
		}
		mfn, err := t.newTable()
		if err != nil {
			return nil, err
		}
		e = newEntry(mfn.Addr(), hostarch.MemoryTypeWriteBack)
		m.SetEntry(i, uint64(e))
	}
	return w.level(l, e.Frame())
}

// Populate applies op to every page of [start, end). For OpInsert and
// OpRemove maddr is the machine address of the first page and advances by
// one page per guest page.
//
// On allocation failure the pages already processed stay as they are and
// an error wrapping ErrNoMemory is returned.
func (t *Table) Populate(op Op, start, end, maddr uint64, mt hostarch.MemoryType) error {
	checkRange(start, end)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.mustBeLive()

	flush := false
	defer func() {
		if flush {
			t.tlb.FlushLocal()
		}
	}()

	w := &walk{mem: t.mem}
	cu := cleanup.Make(w.release)
	defer cu.Clean()

	alloc := op != OpRemove
	for addr := start; addr < end; addr += mm.PageSize {
		first, i, err := t.first(w, addr)
		if err != nil {
			panic(fmt.Sprintf("p2m: dom%d map root: %v", t.owner, err))
		}
		second, err := t.next(w, 1, first, i, alloc)
		if err != nil {
			return t.populateFailed(op, addr, err)
		}
		if second == nil {
			maddr += mm.PageSize
			continue
		}
		third, err := t.next(w, 2, second, secondIndex(addr), alloc)
		if err != nil {
			return t.populateFailed(op, addr, err)
		}
		if third == nil {
			maddr += mm.PageSize
			continue
		}

		ti := thirdIndex(addr)
		if PTE(third.Entry(ti)).Valid() {
			flush = true
		}

		switch op {
		case OpAllocate:
			mfn, err := t.mem.AllocPage(t.owner)
			if err != nil {
				return t.populateFailed(op, addr, err)
			}
			third.SetEntry(ti, uint64(newEntry(mfn.Addr(), mt)))
		case OpInsert:
			third.SetEntry(ti, uint64(newEntry(maddr, mt)))
			maddr += mm.PageSize
		case OpRemove:
			third.SetEntry(ti, 0)
			maddr += mm.PageSize
		default:
			panic(fmt.Sprintf("p2m: unknown populate op %s", op))
		}
	}
	return nil
}

func (t *Table) populateFailed(op Op, addr uint64, err error) error {
	slog.Debug("p2m populate failed", "domain", t.owner, "op", op, "gpa", fmt.Sprintf("%#x", addr), "err", err)
	if errors.Is(err, mm.ErrInvalidFrame) {
		panic(fmt.Sprintf("p2m: dom%d %s %#x: %v", t.owner, op, addr, err))
	}
	return fmt.Errorf("%w: %s at %#x: %w", ErrNoMemory, op, addr, err)
}

// Protect changes the stage-2 permissions of every page in [start, end).
// Every page must already be mapped; otherwise nothing is changed and an
// error wrapping ErrNotMapped is returned. Memory types are left as they
// are.
func (t *Table) Protect(start, end uint64, at hostarch.AccessType) error {
	checkRange(start, end)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.mustBeLive()

	flush := false
	defer func() {
		if flush {
			t.tlb.FlushLocal()
		}
	}()

	w := &walk{mem: t.mem}
	cu := cleanup.Make(w.release)
	defer cu.Clean()

	for addr := start; addr < end; addr += mm.PageSize {
		third, i, err := t.leaf(w, addr)
		if err != nil {
			panic(fmt.Sprintf("p2m: dom%d walk %#x: %v", t.owner, addr, err))
		}
		if third == nil {
			return fmt.Errorf("%w: %#x", ErrNotMapped, addr)
		}
		if e := PTE(third.Entry(i)); !e.Valid() || !e.Table() {
			return fmt.Errorf("%w: %#x", ErrNotMapped, addr)
		}
	}

	for addr := start; addr < end; addr += mm.PageSize {
		third, i, _ := t.leaf(w, addr)
		old := PTE(third.Entry(i))
		if e := old.withAccess(at); e != old {
			third.SetEntry(i, uint64(e))
			flush = true
		}
	}
	return nil
}

// PopulateRAM backs [start, end) with fresh normal memory.
func (t *Table) PopulateRAM(start, end uint64) error {
	return t.Populate(OpAllocate, start, end, 0, hostarch.MemoryTypeWriteBack)
}

// MapMMIO maps [start, end) onto device memory at maddr.
func (t *Table) MapMMIO(start, end, maddr uint64) error {
	return t.Populate(OpInsert, start, end, maddr, hostarch.MemoryTypeUncached)
}

// PhysmapAdd maps 1<<order guest frames at gpfn onto machine frames at mfn.
func (t *Table) PhysmapAdd(gpfn uint64, mfn mm.MFN, order uint) error {
	start := gpfn << mm.PageShift
	return t.Populate(OpInsert, start, start+mm.PageSize<<order, mfn.Addr(), hostarch.MemoryTypeWriteBack)
}

// PhysmapRemove unmaps 1<<order guest frames at gpfn.
func (t *Table) PhysmapRemove(gpfn uint64, mfn mm.MFN, order uint) {
	start := gpfn << mm.PageShift
	if err := t.Populate(OpRemove, start, start+mm.PageSize<<order, mfn.Addr(), hostarch.MemoryTypeWriteBack); err != nil {
		panic(fmt.Sprintf("p2m: remove cannot allocate: %v", err))
	}
}

// GmfnToMfn returns the machine frame backing guest frame gpfn.
func (t *Table) GmfnToMfn(gpfn uint64) (mm.MFN, bool) {
	maddr, ok := t.Lookup(gpfn << mm.PageShift)
	return mm.FrameOf(maddr), ok
}
