package diag

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tinyrange/hyptrap/internal/domain"
	"github.com/tinyrange/hyptrap/internal/mm"
	"github.com/tinyrange/hyptrap/internal/regs"
)

func (p *Printer) showGuestStack(w io.Writer, v *domain.VCPU) {
	r := &v.Regs
	var sp uint64
	if r.Is32() {
		switch r.Mode() {
		case regs.ModeUSR, regs.ModeSYS:
			fmt.Fprintf(w, "No stack trace for guest user-mode\n")
			return
		case regs.ModeFIQ, regs.ModeIRQ, regs.ModeSVC, regs.ModeABT, regs.ModeUND:
			fmt.Fprintf(w, "No stack trace for 32-bit guest kernel-mode\n")
			return
		}
		panic(fmt.Sprintf("diag: guest frame in %s mode", regs.ModeString(r.CPSR)))
	}
	switch r.Mode() {
	case regs.ModeEL0t:
		fmt.Fprintf(w, "No stack trace for guest user-mode\n")
		return
	case regs.ModeEL1t:
		sp = r.SPEL0
	case regs.ModeEL1h:
		sp = r.SPEL1
	default:
		panic(fmt.Sprintf("diag: guest frame in %s mode", regs.ModeString(r.CPSR)))
	}

	fmt.Fprintf(w, "Guest stack trace from sp=%x:\n  ", sp)

	lines := p.StackLines
	if lines <= 0 {
		lines = defaultStackLines
	}
	// Stop at the end of the page holding sp.
	n := min(uint64(lines*stackWordsPerLine), (mm.PageSize-sp&^mm.PageMask)/8)
	buf := make([]byte, n*8)
	if err := v.CopyFromGuest(buf, sp); err != nil {
		fmt.Fprintf(w, "Failed to convert stack to physical address\n")
		return
	}
	for i := uint64(0); i < n; i++ {
		if i != 0 && i%stackWordsPerLine == 0 {
			fmt.Fprintf(w, "\n  ")
		}
		fmt.Fprintf(w, " %016x", binary.LittleEndian.Uint64(buf[i*8:]))
	}
	if n == 0 {
		fmt.Fprintf(w, "Stack empty.")
	}
	fmt.Fprintf(w, "\n")
}
