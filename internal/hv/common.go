package hv

import (
	"errors"
	"fmt"
)

var (
	ErrRegionOverlap  = errors.New("region overlaps existing region")
	ErrRegionBeyondPA = errors.New("region beyond guest physical address width")
)

// CpuArchitecture is the execution state a guest boots in.
type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureARM32   CpuArchitecture = "arm32"
	ArchitectureARM64   CpuArchitecture = "arm64"
)

// ParseArchitecture accepts the names used in configuration files.
func ParseArchitecture(s string) (CpuArchitecture, error) {
	switch s {
	case "arm32", "aarch32", "arm":
		return ArchitectureARM32, nil
	case "arm64", "aarch64":
		return ArchitectureARM64, nil
	}
	return ArchitectureInvalid, fmt.Errorf("hv: unknown architecture %q", s)
}

type MMIORegion struct {
	Address uint64
	Size    uint64
}

// Contains reports whether addr falls inside the region.
func (r MMIORegion) Contains(addr uint64) bool {
	return addr >= r.Address && addr-r.Address < r.Size
}

// MemoryMappedIODevice is a device reached through guest physical
// addresses. data holds the access in guest byte order and its length is
// the access size.
type MemoryMappedIODevice interface {
	MMIORegions() []MMIORegion

	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

// RegisterBank is a device made of plain read/write storage. Guests see
// it as a block of scratch registers.
type RegisterBank struct {
	Region MMIORegion
	data   []byte
}

func NewRegisterBank(base, size uint64) *RegisterBank {
	return &RegisterBank{Region: MMIORegion{Address: base, Size: size}, data: make([]byte, size)}
}

func (b *RegisterBank) MMIORegions() []MMIORegion { return []MMIORegion{b.Region} }

func (b *RegisterBank) ReadMMIO(addr uint64, data []byte) error {
	off, err := b.offset(addr, len(data))
	if err != nil {
		return err
	}
	copy(data, b.data[off:])
	return nil
}

func (b *RegisterBank) WriteMMIO(addr uint64, data []byte) error {
	off, err := b.offset(addr, len(data))
	if err != nil {
		return err
	}
	copy(b.data[off:], data)
	return nil
}

func (b *RegisterBank) offset(addr uint64, n int) (uint64, error) {
	if !b.Region.Contains(addr) || addr-b.Region.Address+uint64(n) > b.Region.Size {
		return 0, fmt.Errorf("register bank: access 0x%X+%d outside [0x%X, 0x%X)",
			addr, n, b.Region.Address, b.Region.Address+b.Region.Size)
	}
	return addr - b.Region.Address, nil
}
