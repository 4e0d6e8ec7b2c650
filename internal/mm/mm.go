// Package mm models machine memory: a contiguous arena of 4 KiB frames with
// a per-owner frame allocator and short-lived page mappings.
package mm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/bitmap"
	"gvisor.dev/gvisor/pkg/sync"
)

const (
	PageShift = 12
	PageSize  = 1 << PageShift
	PageMask  = ^uint64(PageSize - 1)
)

var (
	ErrNoMemory     = errors.New("mm: out of memory")
	ErrQuota        = errors.New("mm: owner page quota exhausted")
	ErrInvalidFrame = errors.New("mm: frame outside machine memory")
)

// MFN is a machine frame number.
type MFN uint64

// Addr returns the machine address of the first byte of the frame.
func (f MFN) Addr() uint64 { return uint64(f) << PageShift }

// FrameOf returns the frame containing machine address maddr.
func FrameOf(maddr uint64) MFN { return MFN(maddr >> PageShift) }

// Owner identifies who a frame is accounted to: a domain id, or
// OwnerHypervisor for hypervisor-private pages such as page tables.
type Owner int32

const (
	OwnerNone       Owner = -2
	OwnerHypervisor Owner = -1
)

// Allocator hands out zeroed frames.
type Allocator interface {
	AllocPage(owner Owner) (MFN, error)
	FreePage(mfn MFN)
}

// Memory is the machine memory arena.
type Memory struct {
	mu sync.Mutex

	base    MFN
	pages   uint32
	backing []byte
	release func() error

	used   bitmap.Bitmap
	owners []Owner
	quota  map[Owner]int
	count  map[Owner]int

	live atomic.Int64
}

var _ Allocator = (*Memory)(nil)

// New reserves size bytes of machine memory starting at machine address
// base. Both must be page aligned.
func New(base, size uint64) (*Memory, error) {
	if base&^PageMask != 0 || size&^PageMask != 0 || size == 0 {
		return nil, fmt.Errorf("mm: unaligned machine memory [%#x, %#x)", base, base+size)
	}
	pages := size >> PageShift
	if pages > uint64(bitmap.MaxBitEntryLimit) {
		return nil, fmt.Errorf("mm: %d pages exceeds frame map limit", pages)
	}
	backing, release, err := reserve(int(size))
	if err != nil {
		return nil, fmt.Errorf("mm: reserve %d bytes: %w", size, err)
	}
	m := &Memory{
		base:    FrameOf(base),
		pages:   uint32(pages),
		backing: backing,
		release: release,
		used:    bitmap.New(uint32(pages)),
		owners:  make([]Owner, pages),
		quota:   make(map[Owner]int),
		count:   make(map[Owner]int),
	}
	for i := range m.owners {
		m.owners[i] = OwnerNone
	}
	slog.Debug("machine memory reserved", "base", fmt.Sprintf("%#x", base), "pages", pages)
	return m, nil
}

// Close releases the backing store. No mapping may be live.
func (m *Memory) Close() error {
	if n := m.live.Load(); n != 0 {
		return fmt.Errorf("mm: close with %d live mappings", n)
	}
	if m.release == nil {
		return nil
	}
	err := m.release()
	m.release = nil
	m.backing = nil
	return err
}

// Base returns the machine address of the first frame.
func (m *Memory) Base() uint64 { return m.base.Addr() }

// Size returns the arena size in bytes.
func (m *Memory) Size() uint64 { return uint64(m.pages) << PageShift }

// Contains reports whether maddr is backed by this arena.
func (m *Memory) Contains(maddr uint64) bool {
	f := FrameOf(maddr)
	return f >= m.base && f < m.base+MFN(m.pages)
}

func (m *Memory) index(mfn MFN) (uint32, bool) {
	if mfn < m.base || mfn >= m.base+MFN(m.pages) {
		return 0, false
	}
	return uint32(mfn - m.base), true
}

// SetQuota limits how many frames owner may hold. Zero removes the limit.
func (m *Memory) SetQuota(owner Owner, pages int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pages == 0 {
		delete(m.quota, owner)
		return
	}
	m.quota[owner] = pages
}

// AllocPage returns a zeroed frame accounted to owner.
func (m *Memory) AllocPage(owner Owner) (MFN, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if q, ok := m.quota[owner]; ok && m.count[owner] >= q {
		return 0, ErrQuota
	}
	i, err := m.used.FirstZero(0)
	if err != nil || i >= m.pages {
		return 0, ErrNoMemory
	}
	m.used.Add(i)
	m.owners[i] = owner
	m.count[owner]++

	off := uint64(i) << PageShift
	clear(m.backing[off : off+PageSize])
	return m.base + MFN(i), nil
}

// AllocPages returns 1<<order zeroed, physically contiguous frames whose
// first frame is aligned to the run length.
func (m *Memory) AllocPages(owner Owner, order int) (MFN, error) {
	if order == 0 {
		return m.AllocPage(owner)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	n := uint32(1) << order
	if q, ok := m.quota[owner]; ok && m.count[owner]+int(n) > q {
		return 0, ErrQuota
	}
	start := uint32((uint64(n) - uint64(m.base)%uint64(n)) % uint64(n))
	for i := start; i+n <= m.pages; i += n {
		if one, err := m.used.FirstOne(i); err == nil && one < i+n {
			continue
		}
		for j := i; j < i+n; j++ {
			m.used.Add(j)
			m.owners[j] = owner
		}
		m.count[owner] += int(n)
		off := uint64(i) << PageShift
		clear(m.backing[off : off+uint64(n)*PageSize])
		return m.base + MFN(i), nil
	}
	return 0, ErrNoMemory
}

// FreePage returns a frame to the pool. Freeing a frame that is not
// allocated is a bookkeeping bug and panics.
func (m *Memory) FreePage(mfn MFN) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.index(mfn)
	if !ok || m.owners[i] == OwnerNone {
		panic(fmt.Sprintf("mm: free of unallocated frame %#x", uint64(mfn)))
	}
	m.freeLocked(i)
}

func (m *Memory) freeLocked(i uint32) {
	owner := m.owners[i]
	m.count[owner]--
	if m.count[owner] == 0 {
		delete(m.count, owner)
	}
	m.owners[i] = OwnerNone
	m.used.Remove(i)
}

// FreeOwnedBy releases every frame accounted to owner and returns how many
// were freed.
func (m *Memory) FreeOwnedBy(owner Owner) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for i, o := range m.owners {
		if o == owner {
			m.freeLocked(uint32(i))
			n++
		}
	}
	return n
}

// OwnerOf returns the owner of mfn, or OwnerNone.
func (m *Memory) OwnerOf(mfn MFN) Owner {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.index(mfn)
	if !ok {
		return OwnerNone
	}
	return m.owners[i]
}

// Owned returns the number of frames held by owner.
func (m *Memory) Owned(owner Owner) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count[owner]
}

// FreePages returns the number of unallocated frames.
func (m *Memory) FreePages() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int(m.pages - m.used.GetNumOnes())
}

// LiveMappings returns how many mappings are currently outstanding.
func (m *Memory) LiveMappings() int { return int(m.live.Load()) }

// Mapping is a temporary view of one frame. It must be released with Unmap
// before the caller drops any lock protecting the frame's contents.
type Mapping struct {
	m    *Memory
	mfn  MFN
	data []byte
}

// Map returns a mapping of mfn.
func (m *Memory) Map(mfn MFN) (*Mapping, error) {
	i, ok := m.index(mfn)
	if !ok {
		return nil, fmt.Errorf("%w: %#x", ErrInvalidFrame, uint64(mfn))
	}
	off := uint64(i) << PageShift
	m.live.Add(1)
	return &Mapping{m: m, mfn: mfn, data: m.backing[off : off+PageSize : off+PageSize]}, nil
}

// Unmap releases the mapping. Unmapping twice panics.
func (p *Mapping) Unmap() {
	if p.data == nil {
		panic(fmt.Sprintf("mm: double unmap of frame %#x", uint64(p.mfn)))
	}
	p.data = nil
	p.m.live.Add(-1)
}

func (p *Mapping) Frame() MFN { return p.mfn }

// Bytes returns the page contents.
func (p *Mapping) Bytes() []byte { return p.data }

// Entries returns the number of 64-bit words in the page.
func (p *Mapping) Entries() int { return PageSize / 8 }

// Entry reads the i'th little-endian 64-bit word of the page.
func (p *Mapping) Entry(i int) uint64 {
	return binary.LittleEndian.Uint64(p.data[i*8:])
}

// SetEntry writes the i'th 64-bit word of the page.
func (p *Mapping) SetEntry(i int, v uint64) {
	binary.LittleEndian.PutUint64(p.data[i*8:], v)
}

// Word32 reads the i'th little-endian 32-bit word of the page.
func (p *Mapping) Word32(i int) uint32 {
	return binary.LittleEndian.Uint32(p.data[i*4:])
}

// ReadAt copies machine memory at maddr into buf. The range may cross
// frames but must lie within the arena.
func (m *Memory) ReadAt(buf []byte, maddr uint64) error {
	return m.access(buf, maddr, false)
}

// WriteAt copies buf into machine memory at maddr.
func (m *Memory) WriteAt(buf []byte, maddr uint64) error {
	return m.access(buf, maddr, true)
}

func (m *Memory) access(buf []byte, maddr uint64, write bool) error {
	for len(buf) > 0 {
		p, err := m.Map(FrameOf(maddr))
		if err != nil {
			return err
		}
		off := maddr &^ PageMask
		var n int
		if write {
			n = copy(p.Bytes()[off:], buf)
		} else {
			n = copy(buf, p.Bytes()[off:])
		}
		p.Unmap()
		buf = buf[n:]
		maddr += uint64(n)
	}
	return nil
}
