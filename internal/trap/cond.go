package trap

import (
	"github.com/tinyrange/hyptrap/internal/esr"
	"github.com/tinyrange/hyptrap/internal/regs"
)

// ccMap has, for each condition code, bit n set when the condition holds
// for NZCV flags equal to n.
var ccMap = [16]uint16{
	0xF0F0, // EQ: Z
	0x0F0F, // NE
	0xCCCC, // CS: C
	0x3333, // CC
	0xFF00, // MI: N
	0x00FF, // PL
	0xAAAA, // VS: V
	0x5555, // VC
	0x0C0C, // HI: C && !Z
	0xF3F3, // LS: !C || Z
	0xAA55, // GE: N == V
	0x55AA, // LT: N != V
	0x0A05, // GT: !Z && N == V
	0xF5FA, // LE: Z || N != V
	0xFFFF, // AL
	0,      // NV
}

const condAL = 0xe

// CheckCondition reports whether the trapped instruction would have
// executed. A false result means the trap is skipped with AdvancePC. It
// fails when the syndrome carries no condition and the guest is not a
// 32-bit Thumb context.
func CheckCondition(r *regs.UserRegs, syn esr.Syndrome, is32 bool) (bool, error) {
	if !syn.Class.Conditional() {
		return true, nil
	}

	c := syn.Cond()
	if c.Valid && c.Code == condAL {
		return true, nil
	}

	cond := c.Code
	if !c.Valid {
		if !is32 || r.CPSR&regs.PSRThumb == 0 {
			return false, ErrNoCondition
		}
		it := regs.ITState(r.CPSR)
		if it == 0 {
			return true, nil
		}
		cond = it >> 4
	}

	return (ccMap[cond]>>(r.CPSR>>28))&1 != 0, nil
}

// AdvancePC steps the guest past the trapped instruction, moving the IT
// block state machine along for 32-bit guests.
func AdvancePC(r *regs.UserRegs, syn esr.Syndrome, is32 bool) error {
	cpsr := r.CPSR
	if cpsr&regs.PSRITMask != 0 && (!is32 || cpsr&regs.PSRThumb == 0) {
		return ErrStrayITState
	}

	if is32 && cpsr&regs.PSRITMask != 0 {
		// ITSTATE[7:5] is the base condition, ITSTATE[4:0] the mask.
		cond := (cpsr & 0xe000) >> 13
		itbits := (cpsr&0x1c00)>>8 | (cpsr>>25)&3

		if itbits&7 == 0 {
			itbits, cond = 0, 0
		} else {
			itbits = (itbits << 1) & 0x1f
		}

		cpsr &^= regs.PSRITMask
		cpsr |= cond << 13
		cpsr |= (itbits & 0x1c) << 8
		cpsr |= (itbits & 3) << 25
		r.CPSR = cpsr
	}

	r.PC += syn.InstrLen()
	if is32 {
		r.PC = uint64(uint32(r.PC))
	}
	return nil
}
