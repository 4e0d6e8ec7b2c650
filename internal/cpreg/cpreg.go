// Package cpreg emulates the coprocessor and system registers a guest is
// trapped on.
package cpreg

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/hyptrap/internal/esr"
	"github.com/tinyrange/hyptrap/internal/regs"
)

var (
	ErrReadOnly  = errors.New("cpreg: write to read-only register")
	ErrWriteOnly = errors.New("cpreg: read from write-only register")
	ErrTimer     = errors.New("cpreg: timer emulation failed")
)

// Register identities.
var (
	KeyCLIDR  = esr.CP32Key(1, 0, 0, 1)
	KeyCCSIDR = esr.CP32Key(1, 0, 0, 0)
	KeyDCCISW = esr.CP32Key(0, 7, 14, 2)
	KeyACTLR  = esr.CP32Key(0, 1, 0, 1)

	KeyCNTP_CTL      = esr.CP32Key(0, 14, 2, 1)
	KeyCNTP_TVAL     = esr.CP32Key(0, 14, 2, 0)
	KeyCNTPCT        = esr.CP64Key(0, 14)
	KeyCNTP_CTL_EL0  = esr.SysRegKey(3, 3, 14, 2, 1)
	KeyCNTP_TVAL_EL0 = esr.SysRegKey(3, 3, 14, 2, 0)
)

// HostCPU exposes the physical CPU state some registers pass through to.
type HostCPU interface {
	CLIDR() uint32
	CCSIDR() uint32
	// CleanInvalidateSetWay performs DCCISW with the given set/way operand.
	CleanInvalidateSetWay(v uint32)
}

// Timer emulates the timer registers of one vCPU.
type Timer interface {
	Emulate(r *regs.UserRegs, syn esr.Syndrome) bool
}

// Access is the vCPU context of one trapped register access.
type Access struct {
	Regs  *regs.UserRegs
	ACTLR uint32
	Timer Timer
}

// Unhandled is the panic value for encodings nobody emulates.
type Unhandled struct {
	Syndrome esr.Syndrome
	Desc     string
}

func (u Unhandled) Error() string {
	return fmt.Sprintf("cpreg: unhandled %s (%s)", u.Desc, u.Syndrome)
}

// Emulator dispatches trapped register accesses.
type Emulator struct {
	Host HostCPU
}

func (e *Emulator) unhandled(syn esr.Syndrome, desc string) {
	slog.Error("unhandled register access", "access", desc, "hsr", fmt.Sprintf("%#08x", syn.Raw))
	panic(Unhandled{Syndrome: syn, Desc: desc})
}

func (e *Emulator) timer(a Access, syn esr.Syndrome) error {
	if a.Timer == nil || !a.Timer.Emulate(a.Regs, syn) {
		return ErrTimer
	}
	return nil
}

// CP15_32 emulates an MCR or MRC to CP15.
func (e *Emulator) CP15_32(a Access, syn esr.Syndrome) error {
	cp := syn.CP32()
	reg := int(cp.Reg)

	switch cp.Key() {
	case KeyCLIDR:
		if !cp.Read {
			return fmt.Errorf("%w: CLIDR", ErrReadOnly)
		}
		a.Regs.Set(reg, uint64(e.Host.CLIDR()))
	case KeyCCSIDR:
		if !cp.Read {
			return fmt.Errorf("%w: CCSIDR", ErrReadOnly)
		}
		a.Regs.Set(reg, uint64(e.Host.CCSIDR()))
	case KeyDCCISW:
		if cp.Read {
			return fmt.Errorf("%w: DCCISW", ErrWriteOnly)
		}
		e.Host.CleanInvalidateSetWay(uint32(a.Regs.Get(reg)))
	case KeyCNTP_CTL, KeyCNTP_TVAL:
		return e.timer(a, syn)
	case KeyACTLR:
		if cp.Read {
			a.Regs.Set(reg, uint64(a.ACTLR))
		}
	default:
		e.unhandled(syn, describeCP32(cp))
	}
	return nil
}

// CP15_64 emulates an MCRR or MRRC to CP15.
func (e *Emulator) CP15_64(a Access, syn esr.Syndrome) error {
	cp := syn.CP64()
	switch cp.Key() {
	case KeyCNTPCT:
		return e.timer(a, syn)
	default:
		e.unhandled(syn, describeCP64(cp))
	}
	return nil
}

// SysReg emulates an AArch64 MSR or MRS.
func (e *Emulator) SysReg(a Access, syn esr.Syndrome) error {
	sr := syn.SysReg()
	switch sr.Key() {
	case KeyCNTP_CTL_EL0, KeyCNTP_TVAL_EL0:
		return e.timer(a, syn)
	default:
		e.unhandled(syn, describeSysReg(sr))
	}
	return nil
}

func describeCP32(cp esr.CP32) string {
	op := "mcr"
	if cp.Read {
		op = "mrc"
	}
	return fmt.Sprintf("%s p15, %d, r%d, c%d, c%d, %d", op, cp.Op1, cp.Reg, cp.CRn, cp.CRm, cp.Op2)
}

func describeCP64(cp esr.CP64) string {
	op := "mcrr"
	if cp.Read {
		op = "mrrc"
	}
	return fmt.Sprintf("%s p15, %d, r%d, r%d, c%d", op, cp.Op1, cp.Reg1, cp.Reg2, cp.CRm)
}

func describeSysReg(sr esr.SysReg) string {
	if sr.Read {
		return fmt.Sprintf("mrs x%d, s%d_%d_c%d_c%d_%d", sr.Reg, sr.Op0, sr.Op1, sr.CRn, sr.CRm, sr.Op2)
	}
	return fmt.Sprintf("msr s%d_%d_c%d_c%d_%d, x%d", sr.Op0, sr.Op1, sr.CRn, sr.CRm, sr.Op2, sr.Reg)
}

// StaticHost is a HostCPU with fixed identification values.
type StaticHost struct {
	CLIDRValue  uint32
	CCSIDRValue uint32
	SetWayOps   int
}

// CortexA15 returns identification values of a Cortex-A15 cluster.
func CortexA15() *StaticHost {
	return &StaticHost{CLIDRValue: 0x0a200023, CCSIDRValue: 0x701fe00a}
}

func (h *StaticHost) CLIDR() uint32                  { return h.CLIDRValue }
func (h *StaticHost) CCSIDR() uint32                 { return h.CCSIDRValue }
func (h *StaticHost) CleanInvalidateSetWay(v uint32) { h.SetWayOps++ }
