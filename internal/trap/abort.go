package trap

import (
	"github.com/tinyrange/hyptrap/internal/diag"
	"github.com/tinyrange/hyptrap/internal/domain"
	"github.com/tinyrange/hyptrap/internal/esr"
	"github.com/tinyrange/hyptrap/internal/mmio"
)

// dataAbort handles a stage-2 data abort from the guest, which is either
// an emulated MMIO access or fatal.
func (d *Dispatcher) dataAbort(pcpu *PCPU, v *domain.VCPU, syn esr.Syndrome) (Outcome, error) {
	if pass, err := CheckCondition(&v.Regs, syn, v.Is32()); err != nil || !pass {
		if err != nil {
			return OutcomeCrashed, err
		}
		return skip(v, syn)
	}

	abort := syn.DataAbort()
	req := mmio.Request{GVA: pcpu.FAR, Abort: abort, Regs: &v.Regs}

	var reason error
	switch {
	case abort.S1PTW:
		reason = ErrS1PTW
	default:
		gpa, err := v.GVAToIPA(req.GVA)
		if err != nil {
			reason = err
			break
		}
		req.GPA = gpa
		// Without a valid syndrome the access cannot be emulated.
		if !abort.Valid {
			reason = ErrSyndromeInvalid
			break
		}
		if v.Domain.MMIO.Dispatch(&req) {
			return skip(v, syn)
		}
		reason = ErrUnhandledMMIO
	}

	d.badDataAbort(v, &req)
	return OutcomeCrashed, &CrashError{Syndrome: syn, Err: reason}
}

func (d *Dispatcher) badDataAbort(v *domain.VCPU, req *mmio.Request) {
	a := req.Abort
	msg, level := diag.DecodeFSC(a.FSC)
	s2 := ""
	if a.S1PTW {
		s2 = " S2 during S1"
	}

	p := d.cfg.Diag
	p.Printf("Guest data abort: %s%s%s\n    gva=%#x\n", msg, s2, diag.LevelString(level), req.GVA)
	if !a.S1PTW {
		p.Printf("    gpa=%#x\n", req.GPA)
	}
	if a.Valid {
		p.Printf("    size=%d sign=%t write=%t reg=%d\n", a.Size, a.Sign, a.Write, a.Reg)
	} else {
		p.Printf("    instruction syndrome invalid\n")
	}
	p.Printf("    eat=%t cm=%t s1ptw=%t dfsc=%#x\n", a.External, a.Cache, a.S1PTW, a.FSC)
	if a.S1PTW {
		p.DumpGuestWalk(v, req.GVA)
	} else {
		p.DumpP2MLookup(v, req.GPA)
	}
}
