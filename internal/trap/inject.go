package trap

import (
	"github.com/tinyrange/hyptrap/internal/domain"
	"github.com/tinyrange/hyptrap/internal/esr"
	"github.com/tinyrange/hyptrap/internal/regs"
)

const (
	vectorUndef32    = 0x4
	vectorSync64SPx  = 0x200
	highVectorsBase  = 0xffff0000
	psrGuest64Except = regs.ModeEL1h | regs.PSRAbtMask | regs.PSRFIQMask | regs.PSRIRQMask | regs.PSRDbgMask
)

// InjectUndef32 delivers an undefined instruction exception to a 32-bit
// guest, as if the trapped instruction had raised it.
func InjectUndef32(v *domain.VCPU) {
	r := &v.Regs
	sctlr := v.Sys.SCTLR
	spsr := r.CPSR
	ret := uint64(4)
	if spsr&regs.PSRThumb != 0 {
		ret = 2
	}
	pc := r.PC

	cpsr := spsr &^ (regs.PSRModeMask | regs.PSRITMask | regs.PSRJazelle | regs.PSRBigEnd | regs.PSRThumb)
	cpsr |= regs.ModeUND | regs.PSRIRQMask
	if sctlr&domain.SCTLRTE != 0 {
		cpsr |= regs.PSRThumb
	}
	if sctlr&domain.SCTLREE != 0 {
		cpsr |= regs.PSRBigEnd
	}
	r.CPSR = cpsr

	// Now in UND mode, so r14 is lr_und.
	r.SPSRUnd = uint64(spsr)
	r.Set(14, pc+ret)

	base := v.Sys.VBAR
	if sctlr&domain.SCTLRV != 0 {
		base = highVectorsBase
	}
	r.PC = uint64(uint32(base + vectorUndef32))
}

// InjectUndef64 delivers an undefined instruction exception to a 64-bit
// guest at EL1.
func InjectUndef64(v *domain.VCPU, len32 bool) {
	r := &v.Regs
	r.SPSRSvc = uint64(r.CPSR)
	r.ELREL1 = r.PC
	r.CPSR = psrGuest64Except
	r.PC = v.Sys.VBAR + vectorSync64SPx
	v.Sys.ESR = uint64(esr.Encode(esr.ClassUnknown, len32, 0))
}
