// Package pl011 models the register file of an ARM PrimeCell PL011 UART
// with a transmit path only. Bytes written to DR go to an io.Writer; the
// receive FIFO is always empty.
package pl011

import (
	"encoding/binary"
	"fmt"
	"io"

	"gvisor.dev/gvisor/pkg/sync"

	"github.com/tinyrange/hyptrap/internal/hv"
)

const (
	RegDR   = 0x00
	RegRSR  = 0x04
	RegFR   = 0x18
	RegILPR = 0x20
	RegIBRD = 0x24
	RegFBRD = 0x28
	RegLCRH = 0x2c
	RegCR   = 0x30
	RegIFLS = 0x34
	RegIMSC = 0x38
	RegRIS  = 0x3c
	RegMIS  = 0x40
	RegICR  = 0x44
	RegDMAC = 0x48

	FlagRxEmpty = 1 << 4
	FlagTxEmpty = 1 << 7
)

// UART is one PL011 instance.
type UART struct {
	region hv.MMIORegion
	out    io.Writer

	mu    sync.Mutex
	cr    uint32
	lcrh  uint32
	ibrd  uint32
	fbrd  uint32
	ifls  uint32
	imsc  uint32
	dmacr uint32
}

var _ hv.MemoryMappedIODevice = (*UART)(nil)

// New returns a UART at [base, base+size) transmitting to out.
func New(base, size uint64, out io.Writer) *UART {
	if out == nil {
		out = io.Discard
	}
	return &UART{region: hv.MMIORegion{Address: base, Size: size}, out: out}
}

func (u *UART) MMIORegions() []hv.MMIORegion { return []hv.MMIORegion{u.region} }

func (u *UART) ReadMMIO(addr uint64, data []byte) error {
	if err := u.check(addr, len(data)); err != nil {
		return err
	}
	u.mu.Lock()
	v := u.read(addr - u.region.Address)
	u.mu.Unlock()

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	copy(data, buf[:len(data)])
	return nil
}

func (u *UART) WriteMMIO(addr uint64, data []byte) error {
	if err := u.check(addr, len(data)); err != nil {
		return err
	}
	var buf [4]byte
	copy(buf[:], data)
	v := binary.LittleEndian.Uint32(buf[:])

	u.mu.Lock()
	defer u.mu.Unlock()
	return u.write(addr-u.region.Address, v)
}

func (u *UART) check(addr uint64, n int) error {
	if n == 0 || n > 4 {
		return fmt.Errorf("pl011: unsupported access size %d", n)
	}
	if !u.region.Contains(addr) || addr-u.region.Address+uint64(n) > u.region.Size {
		return fmt.Errorf("pl011: access out of range (addr=%#x size=%d)", addr, n)
	}
	return nil
}

func (u *UART) read(off uint64) uint32 {
	switch off {
	case RegFR:
		return FlagTxEmpty | FlagRxEmpty
	case RegIBRD:
		return u.ibrd
	case RegFBRD:
		return u.fbrd
	case RegLCRH:
		return u.lcrh
	case RegCR:
		return u.cr
	case RegIFLS:
		return u.ifls
	case RegIMSC:
		return u.imsc
	case RegDMAC:
		return u.dmacr
	}
	// DR with nothing received, RSR, ILPR and the interrupt status
	// registers all read as zero.
	return 0
}

func (u *UART) write(off uint64, v uint32) error {
	switch off {
	case RegDR:
		if _, err := u.out.Write([]byte{byte(v)}); err != nil {
			return fmt.Errorf("pl011: transmit: %w", err)
		}
	case RegIBRD:
		u.ibrd = v
	case RegFBRD:
		u.fbrd = v
	case RegLCRH:
		u.lcrh = v
	case RegCR:
		u.cr = v
	case RegIFLS:
		u.ifls = v
	case RegIMSC:
		u.imsc = v
	case RegICR:
		u.imsc = 0
	case RegDMAC:
		u.dmacr = v
	}
	return nil
}
