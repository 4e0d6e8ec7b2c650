package trap

import (
	"errors"
	"testing"

	"github.com/tinyrange/hyptrap/internal/esr"
	"github.com/tinyrange/hyptrap/internal/regs"
)

const svc32 = regs.ModeSVC | regs.PSRIRQMask | regs.PSRFIQMask

func holds(cond, nzcv uint32) bool {
	n, z, c, v := nzcv&8 != 0, nzcv&4 != 0, nzcv&2 != 0, nzcv&1 != 0
	switch cond {
	case 0:
		return z
	case 1:
		return !z
	case 2:
		return c
	case 3:
		return !c
	case 4:
		return n
	case 5:
		return !n
	case 6:
		return v
	case 7:
		return !v
	case 8:
		return c && !z
	case 9:
		return !c || z
	case 10:
		return n == v
	case 11:
		return n != v
	case 12:
		return !z && n == v
	case 13:
		return z || n != v
	case 14:
		return true
	}
	return false
}

func itCPSR(it uint8) uint32 { return uint32(it&0xfc)<<8 | uint32(it&3)<<25 }

func TestCheckConditionTable(t *testing.T) {
	for cond := uint32(0); cond < 16; cond++ {
		syn := esr.Decode(esr.Encode(esr.ClassWFx, true, esr.CondISS(uint8(cond))))
		for nzcv := uint32(0); nzcv < 16; nzcv++ {
			r := &regs.UserRegs{CPSR: nzcv<<28 | svc32}
			got, err := CheckCondition(r, syn, true)
			if err != nil {
				t.Fatalf("cond %#x nzcv %#x: %v", cond, nzcv, err)
			}
			if want := holds(cond, nzcv); got != want {
				t.Fatalf("cond %#x nzcv %04b = %v, want %v", cond, nzcv, got, want)
			}
		}
	}
}

func TestCheckConditionUnconditionalClass(t *testing.T) {
	// NV in a class at or above 0x10 is ignored.
	syn := esr.Decode(esr.Encode(esr.ClassHVC32, true, esr.CondISS(0xf)))
	ok, err := CheckCondition(&regs.UserRegs{CPSR: svc32}, syn, true)
	if err != nil || !ok {
		t.Fatalf("CheckCondition = %v, %v", ok, err)
	}
}

func TestCheckConditionFromITState(t *testing.T) {
	syn := esr.Decode(esr.Encode(esr.ClassWFx, false, 0))
	thumb := uint32(svc32 | regs.PSRThumb)

	for _, tc := range []struct {
		name string
		cpsr uint32
		is32 bool
		want bool
		err  error
	}{
		{"outside IT block", thumb, true, true, nil},
		{"EQ with Z clear", thumb | itCPSR(0x08), true, false, nil},
		{"EQ with Z set", thumb | itCPSR(0x08) | 1<<30, true, true, nil},
		{"NE with Z set", thumb | itCPSR(0x18) | 1<<30, true, false, nil},
		{"ARM state", svc32, true, false, ErrNoCondition},
		{"64-bit guest", regs.ModeEL1h, false, false, ErrNoCondition},
	} {
		got, err := CheckCondition(&regs.UserRegs{CPSR: tc.cpsr}, syn, tc.is32)
		if !errors.Is(err, tc.err) || got != tc.want {
			t.Fatalf("%s: got %v, %v; want %v, %v", tc.name, got, err, tc.want, tc.err)
		}
	}
}

func TestAdvancePC(t *testing.T) {
	r := &regs.UserRegs{CPSR: svc32, PC: 0x8000}
	if err := AdvancePC(r, esr.Decode(esr.Encode(esr.ClassWFx, true, 0)), true); err != nil {
		t.Fatalf("AdvancePC: %v", err)
	}
	if r.PC != 0x8004 {
		t.Fatalf("pc = %#x after 32-bit instruction", r.PC)
	}

	r = &regs.UserRegs{CPSR: svc32 | regs.PSRThumb, PC: 0x8000}
	if err := AdvancePC(r, esr.Decode(esr.Encode(esr.ClassWFx, false, 0)), true); err != nil {
		t.Fatalf("AdvancePC: %v", err)
	}
	if r.PC != 0x8002 {
		t.Fatalf("pc = %#x after 16-bit instruction", r.PC)
	}

	r = &regs.UserRegs{CPSR: regs.ModeEL1h, PC: 0xffffffff_fffffffc}
	if err := AdvancePC(r, esr.Decode(esr.Encode(esr.ClassSysReg, true, 0)), false); err != nil {
		t.Fatalf("AdvancePC: %v", err)
	}
	if r.PC != 0 {
		t.Fatalf("64-bit pc = %#x", r.PC)
	}
}

func TestAdvancePCStepsITBlock(t *testing.T) {
	syn := esr.Decode(esr.Encode(esr.ClassWFx, false, 0))
	r := &regs.UserRegs{CPSR: svc32 | regs.PSRThumb | itCPSR(0x14)}

	for _, want := range []uint8{0x08, 0x00} {
		if err := AdvancePC(r, syn, true); err != nil {
			t.Fatalf("AdvancePC: %v", err)
		}
		if got := regs.ITState(r.CPSR); got != want {
			t.Fatalf("ITSTATE = %#x, want %#x", got, want)
		}
	}
	if r.CPSR&regs.PSRITMask != 0 {
		t.Fatalf("IT bits left set: %#x", r.CPSR)
	}
	if r.CPSR&^regs.PSRITMask != svc32|regs.PSRThumb {
		t.Fatalf("other CPSR bits changed: %#x", r.CPSR)
	}
}

func TestAdvancePCStrayITState(t *testing.T) {
	syn := esr.Decode(esr.Encode(esr.ClassWFx, true, 0))
	for _, tc := range []struct {
		cpsr uint32
		is32 bool
	}{
		{svc32 | itCPSR(0x14), true},
		{regs.ModeEL1h | itCPSR(0x14), false},
	} {
		r := &regs.UserRegs{CPSR: tc.cpsr, PC: 0x100}
		if err := AdvancePC(r, syn, tc.is32); !errors.Is(err, ErrStrayITState) {
			t.Fatalf("cpsr %#x: %v", tc.cpsr, err)
		}
		if r.PC != 0x100 {
			t.Fatalf("pc moved on error")
		}
	}
}
