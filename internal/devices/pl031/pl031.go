// Package pl031 implements the ARM PrimeCell PL031 real time clock as a
// guest MMIO device. The match interrupt is reported through Pending;
// delivering it is up to the interrupt controller.
package pl031

import (
	"encoding/binary"
	"fmt"
	"time"

	"gvisor.dev/gvisor/pkg/sync"

	"github.com/tinyrange/hyptrap/internal/hv"
)

// Register offsets.
const (
	RegDR   = 0x00 // counter, read only
	RegMR   = 0x04
	RegLR   = 0x08
	RegCR   = 0x0c
	RegIMSC = 0x10
	RegRIS  = 0x14
	RegMIS  = 0x18
	RegICR  = 0x1c

	RegPeriphID0 = 0xfe0
	RegPCellID0  = 0xff0
)

const crEnable = 1 << 0

// PrimeCell identification, PeriphID0..3 then PCellID0..3.
var idBytes = [8]uint32{0x31, 0x10, 0x04, 0x00, 0x0d, 0xf0, 0x05, 0xb1}

// RTC is one PL031 instance.
type RTC struct {
	region hv.MMIORegion
	now    func() time.Time

	mu       sync.Mutex
	loadTime time.Time
	lr       uint32
	mr       uint32
	cr       uint32
	imsc     uint32
	// cleared is the counter value at the last ICR write; the match
	// latches again only once the counter moves past it.
	cleared uint32
}

var _ hv.MemoryMappedIODevice = (*RTC)(nil)

// New returns an enabled RTC at [base, base+size) loaded with the current
// time. A nil now selects time.Now.
func New(base, size uint64, now func() time.Time) *RTC {
	if now == nil {
		now = time.Now
	}
	t := now()
	return &RTC{
		region:   hv.MMIORegion{Address: base, Size: size},
		now:      now,
		loadTime: t,
		lr:       uint32(t.Unix()),
		cr:       crEnable,
	}
}

func (r *RTC) MMIORegions() []hv.MMIORegion { return []hv.MMIORegion{r.region} }

func (r *RTC) counter() uint32 {
	if r.cr&crEnable == 0 {
		return r.lr
	}
	return r.lr + uint32(r.now().Sub(r.loadTime)/time.Second)
}

func (r *RTC) raw() uint32 {
	c := r.counter()
	if r.mr != 0 && c >= r.mr && c != r.cleared {
		return 1
	}
	return 0
}

// Pending reports whether the masked match interrupt is asserted.
func (r *RTC) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.raw()&r.imsc&1 != 0
}

func (r *RTC) ReadMMIO(addr uint64, data []byte) error {
	off, err := r.offset(addr, len(data))
	if err != nil {
		return err
	}
	r.mu.Lock()
	v := r.read(off &^ 3)
	r.mu.Unlock()

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	copy(data, buf[off&3:])
	return nil
}

func (r *RTC) WriteMMIO(addr uint64, data []byte) error {
	off, err := r.offset(addr, len(data))
	if err != nil {
		return err
	}
	if len(data) != 4 || off&3 != 0 {
		return fmt.Errorf("pl031: %d-byte write at %#x, registers are word sized", len(data), off)
	}
	v := binary.LittleEndian.Uint32(data)

	r.mu.Lock()
	defer r.mu.Unlock()
	switch off {
	case RegMR:
		r.mr = v
	case RegLR:
		r.lr = v
		r.loadTime = r.now()
	case RegCR:
		if v&crEnable != 0 && r.cr&crEnable == 0 {
			r.loadTime = r.now()
		}
		r.cr = v
	case RegIMSC:
		r.imsc = v & 1
	case RegICR:
		if v&1 != 0 {
			r.cleared = r.counter()
		}
	}
	return nil
}

func (r *RTC) read(off uint64) uint32 {
	switch {
	case off == RegDR:
		return r.counter()
	case off == RegMR:
		return r.mr
	case off == RegLR:
		return r.lr
	case off == RegCR:
		return r.cr
	case off == RegIMSC:
		return r.imsc
	case off == RegRIS:
		return r.raw()
	case off == RegMIS:
		return r.raw() & r.imsc
	case off >= RegPeriphID0 && off < RegPeriphID0+0x20:
		return idBytes[(off-RegPeriphID0)/4]
	}
	return 0
}

func (r *RTC) offset(addr uint64, n int) (uint64, error) {
	if n == 0 || n > 4 || !r.region.Contains(addr) || addr-r.region.Address+uint64(n) > r.region.Size {
		return 0, fmt.Errorf("pl031: access out of range (addr=%#x size=%d)", addr, n)
	}
	return addr - r.region.Address, nil
}
