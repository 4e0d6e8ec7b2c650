package vtimer

import (
	"testing"

	"github.com/tinyrange/hyptrap/internal/cpreg"
	"github.com/tinyrange/hyptrap/internal/esr"
	"github.com/tinyrange/hyptrap/internal/regs"
)

type fakeClock struct{ ticks uint64 }

func (c *fakeClock) Ticks() uint64 { return c.ticks }

func cp32(key uint32, reg uint8, read bool) esr.Syndrome {
	return esr.Decode(esr.Encode(esr.ClassCP15_32, true, esr.EncodeCP32(key, reg, read)|esr.CondISS(0xe)))
}

func TestTvalAndCtl(t *testing.T) {
	clk := &fakeClock{ticks: 1000}
	tm := New(clk)
	r := &regs.UserRegs{CPSR: regs.ModeSVC}

	r.Set(0, 50)
	if !tm.Emulate(r, cp32(cpreg.KeyCNTP_TVAL, 0, false)) {
		t.Fatalf("TVAL write not handled")
	}
	r.Set(1, CtlEnable)
	if !tm.Emulate(r, cp32(cpreg.KeyCNTP_CTL, 1, false)) {
		t.Fatalf("CTL write not handled")
	}

	clk.ticks += 20
	tm.Emulate(r, cp32(cpreg.KeyCNTP_TVAL, 2, true))
	if r.Get(2) != 30 {
		t.Fatalf("TVAL = %d, want 30", r.Get(2))
	}
	tm.Emulate(r, cp32(cpreg.KeyCNTP_CTL, 3, true))
	if r.Get(3) != CtlEnable {
		t.Fatalf("CTL = %#x before expiry", r.Get(3))
	}

	clk.ticks += 30
	tm.Emulate(r, cp32(cpreg.KeyCNTP_CTL, 3, true))
	if r.Get(3) != CtlEnable|CtlIStatus {
		t.Fatalf("CTL = %#x after expiry", r.Get(3))
	}
	// TVAL counts down past zero.
	clk.ticks += 5
	tm.Emulate(r, cp32(cpreg.KeyCNTP_TVAL, 2, true))
	if int32(r.Get(2)) != -5 {
		t.Fatalf("TVAL = %d, want -5", int32(r.Get(2)))
	}
}

func TestCNTPCT(t *testing.T) {
	clk := &fakeClock{ticks: 7}
	tm := New(clk)
	clk.ticks += 0x1_0000_0002
	r := &regs.UserRegs{CPSR: regs.ModeSVC}
	syn := esr.Decode(esr.Encode(esr.ClassCP15_64, true, esr.EncodeCP64(cpreg.KeyCNTPCT, 4, 5, true)))
	if !tm.Emulate(r, syn) {
		t.Fatalf("CNTPCT read not handled")
	}
	if r.Get(4) != 2 || r.Get(5) != 1 {
		t.Fatalf("CNTPCT = %#x:%#x", r.Get(5), r.Get(4))
	}
	write := esr.Decode(esr.Encode(esr.ClassCP15_64, true, esr.EncodeCP64(cpreg.KeyCNTPCT, 4, 5, false)))
	if tm.Emulate(r, write) {
		t.Fatalf("CNTPCT write accepted")
	}
}

func TestSysRegTimer(t *testing.T) {
	tm := New(&fakeClock{})
	r := &regs.UserRegs{CPSR: regs.ModeEL1h}
	r.X[9] = CtlEnable | CtlIMask
	syn := esr.Decode(esr.Encode(esr.ClassSysReg, true, esr.EncodeSysReg(cpreg.KeyCNTP_CTL_EL0, 9, false)))
	if !tm.Emulate(r, syn) {
		t.Fatalf("CNTP_CTL_EL0 write not handled")
	}
	syn = esr.Decode(esr.Encode(esr.ClassSysReg, true, esr.EncodeSysReg(cpreg.KeyCNTP_CTL_EL0, 10, true)))
	tm.Emulate(r, syn)
	// cval is zero and the counter is zero: already expired.
	if r.X[10] != CtlEnable|CtlIMask|CtlIStatus {
		t.Fatalf("CNTP_CTL_EL0 = %#x", r.X[10])
	}
	other := esr.Decode(esr.Encode(esr.ClassSysReg, true, esr.EncodeSysReg(esr.SysRegKey(3, 3, 14, 0, 1), 0, true)))
	if tm.Emulate(r, other) {
		t.Fatalf("CNTPCT_EL0 claimed by timer")
	}
}
