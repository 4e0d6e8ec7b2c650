// Package esr decodes the exception syndrome register reported on a trap to
// the hypervisor (HSR on ARMv7, ESR_EL2 on ARMv8).
package esr

import "fmt"

// Class is the exception class, ESR[31:26].
type Class uint8

const (
	ClassUnknown        Class = 0x00
	ClassWFx            Class = 0x01
	ClassCP15_32        Class = 0x03
	ClassCP15_64        Class = 0x04
	ClassCP14_32        Class = 0x05
	ClassCP14_DBG       Class = 0x06
	ClassCP             Class = 0x07
	ClassCP10           Class = 0x08
	ClassJazelle        Class = 0x09
	ClassBXJ            Class = 0x0a
	ClassCP14_64        Class = 0x0c
	ClassSVC32          Class = 0x11
	ClassHVC32          Class = 0x12
	ClassSMC32          Class = 0x13
	ClassSVC64          Class = 0x15
	ClassHVC64          Class = 0x16
	ClassSMC64          Class = 0x17
	ClassSysReg         Class = 0x18
	ClassInstrAbortLow  Class = 0x20
	ClassInstrAbortHyp  Class = 0x21
	ClassDataAbortLow   Class = 0x24
	ClassDataAbortHyp   Class = 0x25
	classUnconditionals Class = 0x10
)

func (c Class) String() string {
	switch c {
	case ClassUnknown:
		return "unknown"
	case ClassWFx:
		return "wfi/wfe"
	case ClassCP15_32:
		return "cp15_32"
	case ClassCP15_64:
		return "cp15_64"
	case ClassCP14_32:
		return "cp14_32"
	case ClassCP14_DBG:
		return "cp14_dbg"
	case ClassCP:
		return "cp"
	case ClassCP10:
		return "cp10"
	case ClassJazelle:
		return "jazelle"
	case ClassBXJ:
		return "bxj"
	case ClassCP14_64:
		return "cp14_64"
	case ClassSVC32:
		return "svc32"
	case ClassHVC32:
		return "hvc32"
	case ClassSMC32:
		return "smc32"
	case ClassSVC64:
		return "svc64"
	case ClassHVC64:
		return "hvc64"
	case ClassSMC64:
		return "smc64"
	case ClassSysReg:
		return "sysreg"
	case ClassInstrAbortLow:
		return "instr_abort_guest"
	case ClassInstrAbortHyp:
		return "instr_abort_hyp"
	case ClassDataAbortLow:
		return "data_abort_guest"
	case ClassDataAbortHyp:
		return "data_abort_hyp"
	default:
		return fmt.Sprintf("class(0x%02x)", uint8(c))
	}
}

// Conditional reports whether traps of this class may come from a
// predicated instruction and so carry CV/COND fields.
func (c Class) Conditional() bool { return c < classUnconditionals }

const (
	classShift = 26
	classMask  = 0x3f
	ilBit      = 1 << 25
	issMask    = 0x01ffffff

	cvBit     = 1 << 24
	condShift = 20
	condMask  = 0xf
)

// Syndrome is the decoded view of one raw syndrome value. It is immutable
// and cheap to copy; class-specific views are obtained with the accessor
// methods below.
type Syndrome struct {
	Raw   uint32
	Class Class
	// Len32 is the IL bit: true for a 32-bit instruction, false for a
	// 16-bit Thumb instruction.
	Len32 bool
	ISS   uint32
}

// Decode splits a raw syndrome into class, instruction length and ISS.
func Decode(raw uint32) Syndrome {
	return Syndrome{
		Raw:   raw,
		Class: Class((raw >> classShift) & classMask),
		Len32: raw&ilBit != 0,
		ISS:   raw & issMask,
	}
}

// Encode builds a raw syndrome from its three architectural fields.
func Encode(class Class, len32 bool, iss uint32) uint32 {
	raw := uint32(class&classMask)<<classShift | iss&issMask
	if len32 {
		raw |= ilBit
	}
	return raw
}

func (s Syndrome) String() string {
	return fmt.Sprintf("hsr=%#08x ec=%#x(%s) il=%t iss=%#x", s.Raw, uint8(s.Class), s.Class, s.Len32, s.ISS)
}

// InstrLen returns the length in bytes of the trapped instruction.
func (s Syndrome) InstrLen() uint64 {
	if s.Len32 {
		return 4
	}
	return 2
}

// Cond is the condition view shared by every conditional class.
type Cond struct {
	Valid bool
	Code  uint8
}

// Cond returns the CV/COND fields. They are only meaningful when
// s.Class.Conditional() is true.
func (s Syndrome) Cond() Cond {
	return Cond{
		Valid: s.ISS&cvBit != 0,
		Code:  uint8((s.ISS >> condShift) & condMask),
	}
}

func bits(v uint32, shift, width uint) uint32 {
	return (v >> shift) & (1<<width - 1)
}

func bit(v uint32, n uint) bool { return v&(1<<n) != 0 }

// CondISS returns the CV/COND bits for condition code c.
func CondISS(c uint8) uint32 { return cvBit | uint32(c&condMask)<<condShift }
