package domain

import (
	"fmt"
	"sync/atomic"

	"github.com/tinyrange/hyptrap/internal/guestpt"
	"github.com/tinyrange/hyptrap/internal/mm"
	"github.com/tinyrange/hyptrap/internal/regs"
	"github.com/tinyrange/hyptrap/internal/vtimer"
)

// SCTLR bits used by the hypervisor.
const (
	SCTLRM  = 1 << 0
	SCTLRV  = 1 << 13
	SCTLREE = 1 << 25
	SCTLRTE = 1 << 30

	// SCTLRBase is the reset value given to guests.
	SCTLRBase = 0x00c50078
)

// Initial status registers.
const (
	PSRGuest32Init = regs.ModeSVC | regs.PSRFIQMask | regs.PSRIRQMask | regs.PSRAbtMask
	PSRGuest64Init = regs.ModeEL1h | regs.PSRDbgMask | regs.PSRAbtMask | regs.PSRIRQMask | regs.PSRFIQMask
)

// SysRegs is the EL1 system register context of a vCPU.
type SysRegs struct {
	SCTLR      uint64
	ACTLR      uint32
	CPACR      uint64
	TTBR0      uint64
	TTBR1      uint64
	TTBCR      uint64
	MAIR       uint64
	DACR       uint32
	VBAR       uint64
	CONTEXTIDR uint64
	TPIDR      uint64
	ESR        uint64
	IFSR       uint32
	FAR        uint64
	PAR        uint64
}

// VCPU is one virtual CPU of a domain.
type VCPU struct {
	ID     int
	Domain *Domain
	Regs   regs.UserRegs
	Sys    SysRegs
	Timer  *vtimer.Timer

	online     atomic.Bool
	blocked    atomic.Bool
	irqPending atomic.Bool
}

func (v *VCPU) String() string { return fmt.Sprintf("d%dv%d", v.Domain.ID, v.ID) }

func (v *VCPU) reset(entry uint64) {
	v.Regs = regs.UserRegs{PC: entry}
	if v.Domain.Is32Bit() {
		v.Regs.CPSR = PSRGuest32Init
	} else {
		v.Regs.CPSR = PSRGuest64Init
	}
	v.Sys = SysRegs{SCTLR: SCTLRBase, ACTLR: v.Sys.ACTLR}
}

// Is32 reports whether the vCPU belongs to an AArch32 domain.
func (v *VCPU) Is32() bool { return v.Domain.Is32Bit() }

func (v *VCPU) Online() bool { return v.online.Load() }

// CPUOff takes the vCPU offline until another vCPU turns it on.
func (v *VCPU) CPUOff() {
	v.online.Store(false)
}

// Block marks the vCPU as waiting for an event.
func (v *VCPU) Block() { v.blocked.Store(true) }

func (v *VCPU) Unblock() { v.blocked.Store(false) }

func (v *VCPU) Blocked() bool { return v.blocked.Load() }

// RaiseIRQ marks a virtual interrupt pending for the vCPU.
func (v *VCPU) RaiseIRQ() {
	v.irqPending.Store(true)
	v.blocked.Store(false)
}

// AckIRQ clears the pending virtual interrupt.
func (v *VCPU) AckIRQ() { v.irqPending.Store(false) }

// EventsPending reports whether something is waiting to be delivered.
func (v *VCPU) EventsPending() bool { return v.irqPending.Load() }

// TranslationState returns the stage-1 controls of the vCPU.
func (v *VCPU) TranslationState() guestpt.State {
	return guestpt.State{
		AArch64: !v.Is32(),
		SCTLR:   v.Sys.SCTLR,
		TTBCR:   v.Sys.TTBCR,
		TTBR0:   v.Sys.TTBR0,
		TTBR1:   v.Sys.TTBR1,
	}
}

// GVAToIPA translates a guest virtual address with the vCPU's current
// stage-1 tables.
func (v *VCPU) GVAToIPA(gva uint64) (uint64, error) {
	return guestpt.Translate(v.TranslationState(), v.Domain, gva)
}

// CopyFromGuest copies guest virtual memory at gva into buf.
func (v *VCPU) CopyFromGuest(buf []byte, gva uint64) error {
	return v.copyGuest(buf, gva, false)
}

// CopyToGuest copies buf into guest virtual memory at gva.
func (v *VCPU) CopyToGuest(buf []byte, gva uint64) error {
	return v.copyGuest(buf, gva, true)
}

func (v *VCPU) copyGuest(buf []byte, gva uint64, write bool) error {
	for len(buf) > 0 {
		ipa, err := v.GVAToIPA(gva)
		if err != nil {
			return err
		}
		n := min(uint64(len(buf)), mm.PageSize-gva&^mm.PageMask)
		if write {
			err = v.Domain.WriteIPA(buf[:n], ipa)
		} else {
			err = v.Domain.ReadIPA(buf[:n], ipa)
		}
		if err != nil {
			return err
		}
		buf = buf[n:]
		gva += n
	}
	return nil
}

// CPUOn brings another vCPU of the same domain online.
func (v *VCPU) CPUOn(id int, entry uint64) error { return v.Domain.CPUOn(id, entry) }
