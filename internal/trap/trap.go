// Package trap dispatches synchronous exceptions taken from guests to
// the hypervisor.
package trap

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyrange/hyptrap/internal/cpreg"
	"github.com/tinyrange/hyptrap/internal/diag"
	"github.com/tinyrange/hyptrap/internal/domain"
	"github.com/tinyrange/hyptrap/internal/esr"
	"github.com/tinyrange/hyptrap/internal/hypercall"
	"github.com/tinyrange/hyptrap/internal/softirq"
	"github.com/tinyrange/hyptrap/internal/timeslice"
)

// Outcome says how the guest continues after a trap.
type Outcome int

const (
	// OutcomeResumed returns to the guest after the trapped instruction.
	OutcomeResumed Outcome = iota
	// OutcomeContinuation returns to the guest at the same HVC so the
	// hypercall is issued again.
	OutcomeContinuation
	// OutcomeInjected returns to the guest at an exception vector.
	OutcomeInjected
	// OutcomeCrashed means the domain was crashed and must not run again.
	OutcomeCrashed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeResumed:
		return "resumed"
	case OutcomeContinuation:
		return "continuation"
	case OutcomeInjected:
		return "injected"
	case OutcomeCrashed:
		return "crashed"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// PCPU is the physical CPU taking the trap. The syndrome and fault
// address registers are filled in by the exception entry path.
type PCPU struct {
	ID      int
	Softirq softirq.Queue

	ESR   uint32
	FAR   uint64
	HPFAR uint64

	HCR   uint64
	VTCR  uint32
	SCTLR uint32
	TTBR0 uint64
}

// HostState snapshots the EL2 registers for diagnostics.
func (p *PCPU) HostState() diag.HostState {
	return diag.HostState{
		CPU:   p.ID,
		ESR:   p.ESR,
		FAR:   p.FAR,
		HPFAR: p.HPFAR,
		HCR:   p.HCR,
		VTCR:  p.VTCR,
		SCTLR: p.SCTLR,
		TTBR0: p.TTBR0,
	}
}

// Diagnostics prints the dumps that accompany fatal traps.
type Diagnostics interface {
	Printf(format string, args ...any)
	ShowExecutionState(host diag.HostState, v *domain.VCPU)
	DumpP2MLookup(v *domain.VCPU, gpa uint64)
	DumpGuestWalk(v *domain.VCPU, gva uint64)
}

// SMCHandler forwards SMC32 calls to platform firmware. It returns false
// for calls it does not handle; otherwise it has already moved the PC.
type SMCHandler interface {
	HandleSMC(v *domain.VCPU, syn esr.Syndrome) bool
}

// Scheduler parks a vCPU that executed WFI and wakes it again.
type Scheduler interface {
	Block(v *domain.VCPU)
	Unblock(v *domain.VCPU)
}

// IRQInjector delivers pending virtual interrupts just before the guest
// resumes.
type IRQInjector interface {
	Inject(pcpu *PCPU, v *domain.VCPU)
}

type vcpuScheduler struct{}

func (vcpuScheduler) Block(v *domain.VCPU)   { v.Block() }
func (vcpuScheduler) Unblock(v *domain.VCPU) { v.Unblock() }

// Config wires a Dispatcher.
type Config struct {
	// Checked enables debug HVCs and argument clobbering.
	Checked bool

	Hypercalls *hypercall.Table
	PSCI       *hypercall.PSCITable
	Coproc     *cpreg.Emulator
	Diag       Diagnostics

	SMC       SMCHandler
	Scheduler Scheduler
	IRQ       IRQInjector
	Profile   *timeslice.Recorder
}

// Dispatcher routes traps. It holds no per-trap state and may be shared
// by every physical CPU.
type Dispatcher struct {
	cfg   Config
	kinds map[esr.Class]timeslice.KindID
	other timeslice.KindID
}

func New(cfg Config) (*Dispatcher, error) {
	if cfg.Hypercalls == nil || cfg.PSCI == nil || cfg.Coproc == nil || cfg.Diag == nil {
		return nil, fmt.Errorf("trap: hypercall, PSCI, coprocessor and diagnostics are required")
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = vcpuScheduler{}
	}
	d := &Dispatcher{cfg: cfg, kinds: make(map[esr.Class]timeslice.KindID)}
	if cfg.Profile != nil {
		for _, c := range []esr.Class{
			esr.ClassWFx, esr.ClassCP15_32, esr.ClassCP15_64, esr.ClassSMC32,
			esr.ClassHVC32, esr.ClassHVC64, esr.ClassSMC64, esr.ClassSysReg,
			esr.ClassDataAbortLow,
		} {
			d.kinds[c] = cfg.Profile.RegisterKind(c.String())
		}
		d.other = cfg.Profile.RegisterKind("other")
	}
	return d, nil
}

// Handle services one trap taken by v on pcpu. raw is the syndrome. A
// guest-fatal condition crashes v's domain; a host-fatal one panics with
// a HostPanic.
func (d *Dispatcher) Handle(pcpu *PCPU, v *domain.VCPU, raw uint32) Outcome {
	start := time.Now()
	pcpu.ESR = raw
	syn := esr.Decode(raw)

	out, err := d.dispatch(pcpu, v, syn)
	if err != nil {
		d.crash(pcpu, v, syn, err)
		out = OutcomeCrashed
	}

	if d.cfg.Profile != nil {
		id, ok := d.kinds[syn.Class]
		if !ok {
			id = d.other
		}
		d.cfg.Profile.Record(id, time.Since(start))
	}

	if out != OutcomeCrashed {
		d.LeaveHypervisor(pcpu, v)
	}
	return out
}

func (d *Dispatcher) dispatch(pcpu *PCPU, v *domain.VCPU, syn esr.Syndrome) (Outcome, error) {
	switch syn.Class {
	case esr.ClassWFx:
		return d.wfx(v, syn)
	case esr.ClassCP15_32, esr.ClassCP15_64:
		if !v.Is32() {
			d.badTrap(pcpu, v, syn)
		}
		return d.coproc(v, syn)
	case esr.ClassSysReg:
		if v.Is32() {
			d.badTrap(pcpu, v, syn)
		}
		return d.coproc(v, syn)
	case esr.ClassSMC32:
		if d.cfg.SMC != nil && d.cfg.SMC.HandleSMC(v, syn) {
			return OutcomeResumed, nil
		}
		InjectUndef32(v)
		return OutcomeInjected, nil
	case esr.ClassSMC64:
		InjectUndef64(v, syn.Len32)
		return OutcomeInjected, nil
	case esr.ClassHVC32, esr.ClassHVC64:
		return d.hvc(pcpu, v, syn)
	case esr.ClassDataAbortLow:
		return d.dataAbort(pcpu, v, syn)
	}
	d.badTrap(pcpu, v, syn)
	panic("unreachable")
}

// skip handles a conditional instruction whose condition failed.
func skip(v *domain.VCPU, syn esr.Syndrome) (Outcome, error) {
	if err := AdvancePC(&v.Regs, syn, v.Is32()); err != nil {
		return OutcomeCrashed, err
	}
	return OutcomeResumed, nil
}

func (d *Dispatcher) wfx(v *domain.VCPU, syn esr.Syndrome) (Outcome, error) {
	if pass, err := CheckCondition(&v.Regs, syn, v.Is32()); err != nil || !pass {
		if err != nil {
			return OutcomeCrashed, err
		}
		return skip(v, syn)
	}
	d.cfg.Scheduler.Block(v)
	// An interrupt wakes a WFI even when masked in the CPSR, so look for
	// one after blocking to close the race with injection.
	if v.EventsPending() {
		d.cfg.Scheduler.Unblock(v)
	}
	return skip(v, syn)
}

func (d *Dispatcher) coproc(v *domain.VCPU, syn esr.Syndrome) (Outcome, error) {
	if pass, err := CheckCondition(&v.Regs, syn, v.Is32()); err != nil || !pass {
		if err != nil {
			return OutcomeCrashed, err
		}
		return skip(v, syn)
	}

	a := cpreg.Access{Regs: &v.Regs, ACTLR: v.Sys.ACTLR, Timer: v.Timer}
	var err error
	switch syn.Class {
	case esr.ClassCP15_32:
		err = d.cfg.Coproc.CP15_32(a, syn)
	case esr.ClassCP15_64:
		err = d.cfg.Coproc.CP15_64(a, syn)
	default:
		err = d.cfg.Coproc.SysReg(a, syn)
	}
	if err != nil {
		return OutcomeCrashed, err
	}
	return skip(v, syn)
}

func (d *Dispatcher) hvc(pcpu *PCPU, v *domain.VCPU, syn esr.Syndrome) (Outcome, error) {
	imm := uint32(syn.Imm16())
	if d.cfg.Checked && imm&0xff00 == 0xff00 {
		d.debugTrap(pcpu, v, syn, uint8(imm))
		return OutcomeResumed, nil
	}

	ctx := &hypercall.Context{
		Domain:  v.Domain.ID,
		VCPU:    v.ID,
		Regs:    &v.Regs,
		Guest:   v,
		Power:   v,
		Preempt: pcpu.Softirq.Pending,
	}
	if imm == 0 {
		if err := d.cfg.PSCI.Call(ctx); err != nil {
			return OutcomeCrashed, err
		}
		return OutcomeResumed, nil
	}

	pc := v.Regs.PC
	if err := d.cfg.Hypercalls.Hypercall(ctx, imm); err != nil {
		return OutcomeCrashed, err
	}
	if v.Regs.PC != pc {
		return OutcomeContinuation, nil
	}
	return OutcomeResumed, nil
}

func (d *Dispatcher) debugTrap(pcpu *PCPU, v *domain.VCPU, syn esr.Syndrome, code uint8) {
	r := &v.Regs
	id := v.Domain.ID
	switch {
	case code >= 0xe0 && code <= 0xef:
		reg := int(code - 0xe0)
		d.cfg.Diag.Printf("DOM%d: R%d = %#x at %#x\n", id, reg, r.Get(reg), r.PC)
	case code == 0xfd:
		d.cfg.Diag.Printf("DOM%d: Reached %#x\n", id, r.PC)
	case code == 0xfe:
		d.cfg.Diag.Printf("%c", byte(r.Get(0)))
	case code == 0xff:
		d.cfg.Diag.Printf("DOM%d: DEBUG\n", id)
		d.cfg.Diag.ShowExecutionState(pcpu.HostState(), v)
	default:
		panic(HostPanic{CPU: pcpu.ID, Syndrome: syn, Msg: fmt.Sprintf("DOM%d: Unhandled debug trap %#x", id, code)})
	}
}

// badTrap reports a trap the hypervisor has no handler for and stops.
func (d *Dispatcher) badTrap(pcpu *PCPU, v *domain.VCPU, syn esr.Syndrome) {
	d.cfg.Diag.Printf("Hypervisor Trap. HSR=%#x EC=%#x IL=%x Syndrome=%x\n",
		syn.Raw, uint8(syn.Class), syn.InstrLen()/4, syn.ISS)
	d.cfg.Diag.Printf("CPU%d: Unexpected Trap: Hypervisor\n", pcpu.ID)
	d.cfg.Diag.ShowExecutionState(pcpu.HostState(), v)
	panic(HostPanic{CPU: pcpu.ID, Syndrome: syn, Msg: "unexpected trap from " + v.String()})
}

func (d *Dispatcher) crash(pcpu *PCPU, v *domain.VCPU, syn esr.Syndrome, err error) {
	var ce *CrashError
	if !errors.As(err, &ce) {
		ce = &CrashError{Syndrome: syn, Err: err}
	}
	d.cfg.Diag.Printf("Domain %d (vcpu#%d) crashed on cpu#%d:\n", v.Domain.ID, v.ID, pcpu.ID)
	d.cfg.Diag.ShowExecutionState(pcpu.HostState(), v)
	slog.Error("guest fatal trap", "vcpu", v.String(), "class", syn.Class, "error", ce.Err)
	v.Domain.Crash(ce.Error())
}

// LeaveHypervisor runs pending softirqs until none remain and then lets
// the interrupt controller inject into v.
func (d *Dispatcher) LeaveHypervisor(pcpu *PCPU, v *domain.VCPU) {
	for pcpu.Softirq.Pending() {
		pcpu.Softirq.Run()
	}
	if d.cfg.IRQ != nil {
		d.cfg.IRQ.Inject(pcpu, v)
	}
}
