// Package guestpt walks a guest's own (stage-1) translation tables to turn
// guest virtual addresses into guest physical addresses.
package guestpt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	ErrFault       = errors.New("guestpt: translation fault")
	ErrUnsupported = errors.New("guestpt: unsupported translation regime")
)

const (
	sctlrM   = 1 << 0
	ttbcrEAE = 1 << 31
	ttbcrN   = 0x7
)

// PhysReader reads guest physical memory.
type PhysReader interface {
	ReadIPA(buf []byte, ipa uint64) error
}

// State is the part of a vCPU's EL1 state that controls translation.
type State struct {
	AArch64 bool
	SCTLR   uint64
	// TTBCR holds TTBCR for AArch32 guests and TCR_EL1 for AArch64 guests.
	TTBCR uint64
	TTBR0 uint64
	TTBR1 uint64
}

// MMUEnabled reports whether stage-1 translation is on.
func (s State) MMUEnabled() bool { return s.SCTLR&sctlrM != 0 }

// step is one descriptor fetched during a walk.
type step struct {
	level int
	index uint64
	ipa   uint64
	desc  uint64
}

// Translate returns the guest physical address gva maps to.
func Translate(st State, mem PhysReader, gva uint64) (uint64, error) {
	return walk(st, mem, gva, nil)
}

func walk(st State, mem PhysReader, gva uint64, visit func(step)) (uint64, error) {
	if !st.MMUEnabled() {
		return gva, nil
	}
	if st.AArch64 {
		return walkLong(st, mem, gva, visit)
	}
	return walkShort(st, mem, gva, visit)
}

func read32(mem PhysReader, ipa uint64) (uint64, error) {
	var buf [4]byte
	if err := mem.ReadIPA(buf[:], ipa); err != nil {
		return 0, err
	}
	return uint64(binary.LittleEndian.Uint32(buf[:])), nil
}

func read64(mem PhysReader, ipa uint64) (uint64, error) {
	var buf [8]byte
	if err := mem.ReadIPA(buf[:], ipa); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// walkShort handles the ARMv7 short-descriptor format with TTBCR.N == 0.
func walkShort(st State, mem PhysReader, gva uint64, visit func(step)) (uint64, error) {
	if st.TTBCR&ttbcrEAE != 0 || st.TTBCR&ttbcrN != 0 {
		return 0, fmt.Errorf("%w: ttbcr %#x", ErrUnsupported, st.TTBCR)
	}
	gva &= 0xffffffff

	idx := gva >> 20
	ipa := st.TTBR0&0xffffc000 | idx<<2
	desc, err := read32(mem, ipa)
	if err != nil {
		return 0, fmt.Errorf("guestpt: read first level at %#x: %w", ipa, err)
	}
	if visit != nil {
		visit(step{level: 1, index: idx, ipa: ipa, desc: desc})
	}

	switch desc & 3 {
	case 0:
		return 0, fmt.Errorf("%w: first level %#x", ErrFault, gva)
	case 2, 3:
		if desc&(1<<18) != 0 {
			return desc&0xff000000 | gva&0x00ffffff, nil
		}
		return desc&0xfff00000 | gva&0x000fffff, nil
	}

	idx = (gva >> 12) & 0xff
	ipa = desc&0xfffffc00 | idx<<2
	desc, err = read32(mem, ipa)
	if err != nil {
		return 0, fmt.Errorf("guestpt: read second level at %#x: %w", ipa, err)
	}
	if visit != nil {
		visit(step{level: 2, index: idx, ipa: ipa, desc: desc})
	}
	switch desc & 3 {
	case 0:
		return 0, fmt.Errorf("%w: second level %#x", ErrFault, gva)
	case 1:
		return desc&0xffff0000 | gva&0xffff, nil
	}
	return desc&0xfffff000 | gva&0xfff, nil
}

const longAddrMask = 0x0000fffffffff000

// walkLong handles the AArch64 4 KiB granule format for TTBR0 addresses.
func walkLong(st State, mem PhysReader, gva uint64, visit func(step)) (uint64, error) {
	t0sz := st.TTBCR & 0x3f
	if t0sz < 16 || t0sz > 39 {
		return 0, fmt.Errorf("%w: T0SZ %d", ErrUnsupported, t0sz)
	}
	inputBits := 64 - t0sz
	if gva>>inputBits != 0 {
		return 0, fmt.Errorf("%w: %#x is not a TTBR0 address", ErrUnsupported, gva)
	}

	levels := int((inputBits - 12 + 8) / 9)
	table := st.TTBR0 & longAddrMask
	for level := 4 - levels; level <= 3; level++ {
		shift := uint64(12 + 9*(3-level))
		idx := (gva >> shift) & 0x1ff
		ipa := table | idx<<3
		desc, err := read64(mem, ipa)
		if err != nil {
			return 0, fmt.Errorf("guestpt: read level %d at %#x: %w", level, ipa, err)
		}
		if visit != nil {
			visit(step{level: level, index: idx, ipa: ipa, desc: desc})
		}
		if desc&1 == 0 {
			return 0, fmt.Errorf("%w: level %d %#x", ErrFault, level, gva)
		}
		if level == 3 {
			if desc&2 == 0 {
				return 0, fmt.Errorf("%w: level 3 reserved descriptor", ErrFault)
			}
			return desc&longAddrMask | gva&0xfff, nil
		}
		if desc&2 == 0 {
			if level == 0 {
				return 0, fmt.Errorf("%w: level 0 block", ErrFault)
			}
			size := uint64(1) << shift
			return desc&longAddrMask&^(size-1) | gva&(size-1), nil
		}
		table = desc & longAddrMask
	}
	panic("unreachable")
}

// DumpWalk writes every descriptor visited while translating gva.
func DumpWalk(out io.Writer, st State, mem PhysReader, gva uint64) {
	fmt.Fprintf(out, "VA %#x\n", gva)
	if !st.MMUEnabled() {
		fmt.Fprintf(out, "    MMU disabled, VA == IPA\n")
		return
	}
	fmt.Fprintf(out, "    TTBCR: %#x\n", st.TTBCR)
	fmt.Fprintf(out, "    TTBR0: %#016x\n", st.TTBR0)

	names := map[int]string{0: "0TH", 1: "1ST", 2: "2ND", 3: "3RD"}
	ipa, err := walk(st, mem, gva, func(s step) {
		fmt.Fprintf(out, "%s[%#x] (%#x) = %#x\n", names[s.level], s.index, s.ipa, s.desc)
	})
	if err != nil {
		fmt.Fprintf(out, "    %v\n", err)
		return
	}
	fmt.Fprintf(out, "    => IPA %#x\n", ipa)
}
