// Package diag writes the register, stack and translation dumps printed
// when a trap cannot be handled.
package diag

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gvisor.dev/gvisor/pkg/sync"

	"github.com/tinyrange/hyptrap/internal/domain"
	"github.com/tinyrange/hyptrap/internal/guestpt"
	"github.com/tinyrange/hyptrap/internal/regs"
)

// HostState is the EL2 register state of the physical CPU that took the
// trap.
type HostState struct {
	CPU   int
	ESR   uint32
	FAR   uint64
	HPFAR uint64
	HCR   uint64
	VTCR  uint32
	SCTLR uint32
	TTBR0 uint64
}

const (
	defaultStackLines = 40
	stackWordsPerLine = 4
)

// Printer writes dumps to Out. Writes from different CPUs are serialized
// so that a dump is never interleaved with another.
type Printer struct {
	Out io.Writer
	// StackLines bounds the guest stack dump. Zero selects the default.
	StackLines int
	// Record, if set, receives a copy of every dump.
	Record func(source, text string)

	mu sync.Mutex
}

// NewPrinter returns a printer writing to out, or to stderr if out is nil.
func NewPrinter(out io.Writer) *Printer {
	if out == nil {
		out = os.Stderr
	}
	return &Printer{Out: out}
}

func (p *Printer) emit(source string, fn func(w io.Writer)) {
	var b strings.Builder
	fn(&b)
	p.mu.Lock()
	defer p.mu.Unlock()
	io.WriteString(p.Out, b.String())
	if p.Record != nil {
		p.Record(source, b.String())
	}
}

// Printf writes one message.
func (p *Printer) Printf(format string, args ...any) {
	p.emit("hv", func(w io.Writer) { fmt.Fprintf(w, format, args...) })
}

// ShowExecutionState dumps the registers of v and, for guest kernels
// with a known stack, the top of the guest stack.
func (p *Printer) ShowExecutionState(host HostState, v *domain.VCPU) {
	p.emit(source(v), func(w io.Writer) {
		fmt.Fprintf(w, "*** Dumping Dom%d vcpu#%d state: ***\n", v.Domain.ID, v.ID)
		showRegisters(w, host, v)
		p.showGuestStack(w, v)
	})
}

// DumpP2MLookup writes the stage-2 walk of gpa in v's domain.
func (p *Printer) DumpP2MLookup(v *domain.VCPU, gpa uint64) {
	p.emit(source(v), func(w io.Writer) { v.Domain.P2M.DumpLookup(w, gpa) })
}

// DumpGuestWalk writes the guest's own stage-1 walk of gva.
func (p *Printer) DumpGuestWalk(v *domain.VCPU, gva uint64) {
	p.emit(source(v), func(w io.Writer) {
		fmt.Fprintf(w, "dom%d ", v.Domain.ID)
		guestpt.DumpWalk(w, v.TranslationState(), v.Domain, gva)
	})
}

func source(v *domain.VCPU) string { return fmt.Sprintf("dom%d", v.Domain.ID) }

func showRegisters(w io.Writer, host HostState, v *domain.VCPU) {
	fmt.Fprintf(w, "----[ hyptrap %s ]----\n", v.Domain.Arch)
	fmt.Fprintf(w, "CPU:    %d\n", host.CPU)
	if v.Regs.Is32() {
		showRegisters32(w, &v.Regs, &v.Sys)
	} else {
		showRegisters64(w, &v.Regs, &v.Sys)
	}
	fmt.Fprintf(w, "  VTCR_EL2: %08x\n", host.VTCR)
	fmt.Fprintf(w, " VTTBR_EL2: %016x\n", v.Domain.P2M.VTTBR())
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, " SCTLR_EL2: %08x\n", host.SCTLR)
	fmt.Fprintf(w, "   HCR_EL2: %016x\n", host.HCR)
	fmt.Fprintf(w, " TTBR0_EL2: %016x\n", host.TTBR0)
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "   ESR_EL2: %08x\n", host.ESR)
	fmt.Fprintf(w, " HPFAR_EL2: %016x\n", host.HPFAR)
	fmt.Fprintf(w, "   FAR_EL2: %016x\n", host.FAR)
	fmt.Fprintf(w, "\n")
}

func showRegisters32(w io.Writer, r *regs.UserRegs, sys *domain.SysRegs) {
	g := func(i int) uint32 { return uint32(r.X[i]) }
	fmt.Fprintf(w, "PC:     %08x\n", uint32(r.PC))
	fmt.Fprintf(w, "CPSR:   %08x MODE:%s\n", r.CPSR, regs.ModeString(r.CPSR))
	fmt.Fprintf(w, "     R0: %08x R1: %08x R2: %08x R3: %08x\n", g(0), g(1), g(2), g(3))
	fmt.Fprintf(w, "     R4: %08x R5: %08x R6: %08x R7: %08x\n", g(4), g(5), g(6), g(7))
	fmt.Fprintf(w, "     R8: %08x R9: %08x R10:%08x R11:%08x R12:%08x\n", g(8), g(9), g(10), g(11), g(12))

	fmt.Fprintf(w, "USR: SP: %08x LR: %08x\n", g(13), g(14))
	for _, b := range []struct {
		name string
		mode uint32
		spsr uint64
	}{
		{"SVC", regs.ModeSVC, r.SPSRSvc},
		{"ABT", regs.ModeABT, r.SPSRAbt},
		{"UND", regs.ModeUND, r.SPSRUnd},
		{"IRQ", regs.ModeIRQ, r.SPSRIrq},
		{"FIQ", regs.ModeFIQ, r.SPSRFiq},
	} {
		sp, lr := r.Banked(b.mode)
		fmt.Fprintf(w, "%s: SP: %08x LR: %08x SPSR:%08x\n", b.name, uint32(sp), uint32(lr), uint32(b.spsr))
	}
	fiq := r.FIQBank()
	fmt.Fprintf(w, "FIQ: R8: %08x R9: %08x R10:%08x R11:%08x R12:%08x\n",
		uint32(fiq[0]), uint32(fiq[1]), uint32(fiq[2]), uint32(fiq[3]), uint32(fiq[4]))
	fmt.Fprintf(w, "\n")

	fmt.Fprintf(w, "     SCTLR: %08x\n", uint32(sys.SCTLR))
	fmt.Fprintf(w, "       TCR: %08x\n", uint32(sys.TTBCR))
	fmt.Fprintf(w, "     TTBR0: %016x\n", sys.TTBR0)
	fmt.Fprintf(w, "     TTBR1: %016x\n", sys.TTBR1)
	fmt.Fprintf(w, "      IFAR: %08x, IFSR: %08x\n", uint32(sys.FAR>>32), sys.IFSR)
	fmt.Fprintf(w, "      DFAR: %08x, DFSR: %08x\n", uint32(sys.FAR), uint32(sys.ESR))
	fmt.Fprintf(w, "\n")
}

func showRegisters64(w io.Writer, r *regs.UserRegs, sys *domain.SysRegs) {
	fmt.Fprintf(w, "PC:     %016x\n", r.PC)
	fmt.Fprintf(w, "LR:     %016x\n", r.X[30])
	fmt.Fprintf(w, "SP_EL0: %016x\n", r.SPEL0)
	fmt.Fprintf(w, "SP_EL1: %016x\n", r.SPEL1)
	fmt.Fprintf(w, "CPSR:   %08x MODE:%s\n", r.CPSR, regs.ModeString(r.CPSR))
	for i := 0; i < 27; i += 3 {
		fmt.Fprintf(w, "    %3s: %016x %3s: %016x %3s: %016x\n",
			fmt.Sprintf("X%d", i), r.X[i],
			fmt.Sprintf("X%d", i+1), r.X[i+1],
			fmt.Sprintf("X%d", i+2), r.X[i+2])
	}
	fmt.Fprintf(w, "    X27: %016x X28: %016x  FP: %016x\n", r.X[27], r.X[28], r.X[29])
	fmt.Fprintf(w, "\n")

	fmt.Fprintf(w, "   ELR_EL1: %016x\n", r.ELREL1)
	fmt.Fprintf(w, "   ESR_EL1: %08x\n", uint32(sys.ESR))
	fmt.Fprintf(w, "   FAR_EL1: %016x\n", sys.FAR)
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, " SCTLR_EL1: %08x\n", uint32(sys.SCTLR))
	fmt.Fprintf(w, "   TCR_EL1: %08x\n", uint32(sys.TTBCR))
	fmt.Fprintf(w, " TTBR0_EL1: %016x\n", sys.TTBR0)
	fmt.Fprintf(w, " TTBR1_EL1: %016x\n", sys.TTBR1)
	fmt.Fprintf(w, "\n")
}
