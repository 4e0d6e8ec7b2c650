// Package regs holds the guest register frame saved on a trap and resolves
// architectural register numbers onto it.
package regs

import "fmt"

// Program status register bits shared by the AArch32 CPSR and the AArch64
// SPSR_EL2 view of a guest.
const (
	PSRModeMask = 0x1f
	PSRThumb    = 1 << 5
	PSRFIQMask  = 1 << 6
	PSRIRQMask  = 1 << 7
	PSRAbtMask  = 1 << 8
	PSRBigEnd   = 1 << 9 // AArch32 E
	PSRDbgMask  = 1 << 9 // AArch64 D
	PSRITMask   = 0x0600fc00
	PSRJazelle  = 1 << 24

	// PSRMode32 is M[4]: set when the interrupted context is AArch32.
	PSRMode32 = 0x10
)

// AArch32 processor modes.
const (
	ModeUSR = 0x10
	ModeFIQ = 0x11
	ModeIRQ = 0x12
	ModeSVC = 0x13
	ModeMON = 0x16
	ModeABT = 0x17
	ModeHYP = 0x1a
	ModeUND = 0x1b
	ModeSYS = 0x1f
)

// AArch64 exception levels as encoded in M[3:0].
const (
	ModeEL0t = 0x00
	ModeEL1t = 0x04
	ModeEL1h = 0x05
	ModeEL2t = 0x08
	ModeEL2h = 0x09
)

// UserRegs is the register frame of an interrupted guest.
//
// The general purpose file uses the AArch64 layout. An AArch32 guest's
// registers live in the same slots the architecture assigns them when a
// 64-bit hypervisor hosts a 32-bit guest: r0-r12 and the USR/SYS sp and lr
// occupy x0-x14 and the banked copies occupy x16-x30.
type UserRegs struct {
	X    [31]uint64
	PC   uint64
	CPSR uint32

	// AArch64 EL1 state.
	SPEL0  uint64
	SPEL1  uint64
	ELREL1 uint64

	// AArch32 saved program status registers. SPSRSvc doubles as SPSR_EL1.
	SPSRSvc uint64
	SPSRAbt uint64
	SPSRUnd uint64
	SPSRIrq uint64
	SPSRFiq uint64

	zero uint64
}

// Is32 reports whether the frame belongs to an AArch32 context.
func (r *UserRegs) Is32() bool { return r.CPSR&PSRMode32 != 0 }

// Mode returns M[4:0] of the saved status register.
func (r *UserRegs) Mode() uint32 { return r.CPSR & PSRModeMask }

// Thumb reports whether an AArch32 context was executing T32 code.
func (r *UserRegs) Thumb() bool { return r.Is32() && r.CPSR&PSRThumb != 0 }

// Slots of the AArch32 banked registers in X.
const (
	lrIRQ = 16
	spIRQ = 17
	lrSVC = 18
	spSVC = 19
	lrABT = 20
	spABT = 21
	lrUND = 22
	spUND = 23
	r8FIQ = 24
	spFIQ = 29
	lrFIQ = 30
)

// Select returns the storage backing register idx as seen by the
// interrupted context. For AArch32 frames idx is r0-r15 and banked copies
// are chosen from the current mode; for AArch64 frames idx is x0-x30 and
// 31 is the zero register.
//
// Asking for a register that cannot exist in the current mode is a
// hypervisor bug and panics.
func (r *UserRegs) Select(idx int) *uint64 {
	if !r.Is32() {
		switch {
		case idx >= 0 && idx < 31:
			return &r.X[idx]
		case idx == 31:
			r.zero = 0
			return &r.zero
		}
		panic(fmt.Sprintf("regs: invalid aarch64 register x%d", idx))
	}

	mode := r.Mode()
	switch {
	case idx >= 0 && idx <= 7:
		return &r.X[idx]
	case idx >= 8 && idx <= 12:
		if mode == ModeFIQ {
			return &r.X[r8FIQ+idx-8]
		}
		return &r.X[idx]
	case idx == 13 || idx == 14:
		slot, ok := bankedSlot(mode, idx == 14)
		if !ok {
			panic(fmt.Sprintf("regs: r%d requested in unbankable mode %s", idx, ModeString(r.CPSR)))
		}
		return &r.X[slot]
	case idx == 15:
		return &r.PC
	}
	panic(fmt.Sprintf("regs: invalid aarch32 register r%d", idx))
}

func bankedSlot(mode uint32, lr bool) (int, bool) {
	var sp, l int
	switch mode {
	case ModeUSR, ModeSYS:
		sp, l = 13, 14
	case ModeFIQ:
		sp, l = spFIQ, lrFIQ
	case ModeIRQ:
		sp, l = spIRQ, lrIRQ
	case ModeSVC:
		sp, l = spSVC, lrSVC
	case ModeABT:
		sp, l = spABT, lrABT
	case ModeUND:
		sp, l = spUND, lrUND
	default:
		return 0, false
	}
	if lr {
		return l, true
	}
	return sp, true
}

// Get reads register idx through Select.
func (r *UserRegs) Get(idx int) uint64 {
	v := *r.Select(idx)
	if r.Is32() {
		v &= 0xffffffff
	}
	return v
}

// Set writes register idx through Select, truncating to 32 bits for
// AArch32 contexts.
func (r *UserRegs) Set(idx int, v uint64) {
	if r.Is32() {
		v &= 0xffffffff
	}
	*r.Select(idx) = v
}

// Banked returns the sp and lr of an AArch32 mode other than the current
// one, for register dumps.
func (r *UserRegs) Banked(mode uint32) (sp, lr uint64) {
	s, ok := bankedSlot(mode, false)
	if !ok {
		return 0, 0
	}
	l, _ := bankedSlot(mode, true)
	return r.X[s], r.X[l]
}

// FIQBank returns r8_fiq-r12_fiq.
func (r *UserRegs) FIQBank() [5]uint64 {
	var out [5]uint64
	copy(out[:], r.X[r8FIQ:r8FIQ+5])
	return out
}

// ITState returns the AArch32 IT bits, IT[7:2] from CPSR[15:10] and
// IT[1:0] from CPSR[26:25].
func ITState(cpsr uint32) uint8 {
	return uint8(((cpsr >> 8) & 0xfc) | ((cpsr >> 25) & 3))
}

// ModeString names the mode encoded in cpsr.
func ModeString(cpsr uint32) string {
	if cpsr&PSRMode32 == 0 {
		switch cpsr & PSRModeMask {
		case ModeEL0t:
			return "EL0t"
		case ModeEL1t:
			return "EL1t"
		case ModeEL1h:
			return "EL1h"
		case ModeEL2t:
			return "EL2t"
		case ModeEL2h:
			return "EL2h"
		}
		return "Unknown"
	}
	switch cpsr & PSRModeMask {
	case ModeUSR:
		return "USR"
	case ModeFIQ:
		return "FIQ"
	case ModeIRQ:
		return "IRQ"
	case ModeSVC:
		return "SVC"
	case ModeMON:
		return "MON"
	case ModeABT:
		return "ABT"
	case ModeHYP:
		return "HYP"
	case ModeUND:
		return "UND"
	case ModeSYS:
		return "SYS"
	}
	return "Unknown"
}
