package hypervisor

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tinyrange/hyptrap/internal/config"
	"github.com/tinyrange/hyptrap/internal/cpreg"
	"github.com/tinyrange/hyptrap/internal/devices/pl011"
	"github.com/tinyrange/hyptrap/internal/domain"
	"github.com/tinyrange/hyptrap/internal/esr"
	"github.com/tinyrange/hyptrap/internal/hv"
	"github.com/tinyrange/hyptrap/internal/hypercall"
	"github.com/tinyrange/hyptrap/internal/softirq"
	"github.com/tinyrange/hyptrap/internal/trap"
)

const machineYAML = `
checked: true
machine:
  memory: 4M
  cpus: 2
domains:
  - id: 1
    arch: arm32
    ram:
      - base: 0x80000000
        size: 64K
    mmio:
      - name: uart0
        kind: console
        base: 0x1c090000
        size: 4K
      - name: scratch
        base: 0x1c0a0000
        size: 4K
      - name: gicc
        kind: passthrough
        base: 0x2c000000
        size: 4K
        maddr: 0x10000000
      - name: rtc
        kind: rtc
        base: 0x1c170000
        size: 4K
  - id: 2
    arch: arm64
    vcpus: 2
    max_pages: 64
    ram:
      - base: 0x40000000
        size: 64K
    mmio:
      - name: mailbox
        size: 4K
`

type stoppedClock struct{}

func (stoppedClock) Ticks() uint64 { return 0 }

type testMachine struct {
	*Machine
	diag    *bytes.Buffer
	console *bytes.Buffer
}

func newMachine(t *testing.T) *testMachine {
	t.Helper()
	cfg, err := config.Parse([]byte(machineYAML))
	if err != nil {
		t.Fatalf("config.Parse: %v", err)
	}
	tm := &testMachine{diag: &bytes.Buffer{}, console: &bytes.Buffer{}}
	m, err := New(cfg, WithDiagnostics(tm.diag), WithConsole(tm.console), WithClock(stoppedClock{}),
		WithWallClock(func() time.Time { return time.Unix(1_700_000_000, 0) }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	if err := m.PopulateRAM(nil); err != nil {
		t.Fatalf("PopulateRAM: %v", err)
	}
	tm.Machine = m
	return tm
}

func (tm *testMachine) vcpu(t *testing.T, dom, id int) *domain.VCPU {
	t.Helper()
	d, err := tm.Domain(dom)
	if err != nil {
		t.Fatal(err)
	}
	v, err := d.VCPU(id)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func (tm *testMachine) hypercall(t *testing.T, v *domain.VCPU, nr uint64, args ...uint64) (trap.Outcome, int64) {
	t.Helper()
	class, nrReg := esr.ClassHVC64, 16
	if v.Is32() {
		class, nrReg = esr.ClassHVC32, 12
	}
	v.Regs.Set(nrReg, nr)
	for i, a := range args {
		v.Regs.Set(i, a)
	}
	out, err := tm.Handle(0, v, esr.Encode(class, true, hypercall.Tag), 0)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	return out, int64(v.Regs.Get(0))
}

func TestNewBuildsDomains(t *testing.T) {
	tm := newMachine(t)
	doms := tm.Domains()
	if len(doms) != 2 || doms[0].ID != 1 || doms[1].ID != 2 {
		t.Fatalf("domains = %v", doms)
	}
	if n := len(doms[1].VCPUs()); n != 2 {
		t.Fatalf("dom2 vcpus = %d", n)
	}
	if tm.RAMPages() != 32 {
		t.Fatalf("RAMPages = %d", tm.RAMPages())
	}
	if v := tm.vcpu(t, 2, 0); v.Regs.PC != 0x40000000 || !v.Online() {
		t.Fatalf("dom2 vcpu0 pc=%#x online=%v", v.Regs.PC, v.Online())
	}
	if tm.vcpu(t, 2, 1).Online() {
		t.Fatalf("secondary vcpu started online")
	}
	if doms[0].MMIO.Len() != 3 {
		t.Fatalf("dom1 handlers = %d", doms[0].MMIO.Len())
	}
	if maddr, ok := doms[0].P2M.Lookup(0x2c000010); !ok || maddr != 0x10000010 {
		t.Fatalf("passthrough lookup = %#x, %v", maddr, ok)
	}
	if tm.TLBFlushes() == 0 {
		t.Fatalf("no TLB flush recorded")
	}
	if _, err := tm.PCPU(2); !errors.Is(err, ErrNoCPU) {
		t.Fatalf("PCPU(2) err = %v", err)
	}
}

func TestNewRejectsWideIPA(t *testing.T) {
	cfg, err := config.Parse([]byte("domains: [{id: 1, arch: arm64, ipa_bits: 48, ram: [{base: 0x40000000, size: 4K}]}]"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := New(cfg); err == nil || !strings.Contains(err.Error(), "exceeds") {
		t.Fatalf("New err = %v", err)
	}
}

func TestConsoleIO(t *testing.T) {
	tm := newMachine(t)
	d, _ := tm.Domain(2)
	v := tm.vcpu(t, 2, 0)

	text := []byte("hello \x1b[31mworld\x1b[0m\n")
	if err := d.WriteIPA(text, 0x40001000); err != nil {
		t.Fatalf("WriteIPA: %v", err)
	}
	out, ret := tm.hypercall(t, v, hypercall.ConsoleIO, consoleIOWrite, uint64(len(text)), 0x40001000)
	if out != trap.OutcomeResumed || ret != 0 {
		t.Fatalf("console_io = %v, %d", out, ret)
	}
	lines := tm.ConsoleLines(2)
	if len(lines) != 1 || lines[0] != "hello world" {
		t.Fatalf("lines = %q", lines)
	}
	if !strings.Contains(tm.console.String(), "(d2) hello world\n") {
		t.Fatalf("console output = %q", tm.console.String())
	}

	_, ret = tm.hypercall(t, v, hypercall.ConsoleIO, consoleIOWrite, 4, 0x90000000)
	if ret != hypercall.EFAULT {
		t.Fatalf("unmapped buffer = %d", ret)
	}
	if _, ret = tm.hypercall(t, v, hypercall.ConsoleIO, 7, 4, 0x40001000); ret != hypercall.ENOSYS {
		t.Fatalf("unknown console_io command = %d, want ENOSYS", ret)
	}
}

func TestConsoleIOInMulticall(t *testing.T) {
	tm := newMachine(t)
	d, _ := tm.Domain(2)
	v := tm.vcpu(t, 2, 0)
	p, _ := tm.PCPU(0)

	text := []byte(strings.Repeat("x", 200) + "\n")
	if err := d.WriteIPA(text, 0x40002000); err != nil {
		t.Fatalf("WriteIPA: %v", err)
	}
	const list = 0x40003000
	var entry [64]byte
	binary.LittleEndian.PutUint64(entry[0:], hypercall.ConsoleIO)
	binary.LittleEndian.PutUint64(entry[16:], consoleIOWrite)
	binary.LittleEndian.PutUint64(entry[24:], uint64(len(text)))
	binary.LittleEndian.PutUint64(entry[32:], 0x40002000)
	if err := d.WriteIPA(entry[:], list); err != nil {
		t.Fatalf("WriteIPA: %v", err)
	}

	pc := v.Regs.PC
	p.Softirq.Raise(softirq.Schedule)
	out, ret := tm.hypercall(t, v, hypercall.Multicall, list, 1)
	if out != trap.OutcomeContinuation || v.Regs.PC != pc-4 {
		t.Fatalf("outcome = %v pc = %#x, want %#x", out, v.Regs.PC, pc-4)
	}
	if ret != list || v.Regs.Get(1) != 1 || v.Regs.Get(16) != hypercall.Multicall {
		t.Fatalf("continuation x0=%#x x1=%d x16=%d", ret, v.Regs.Get(1), v.Regs.Get(16))
	}
	if err := d.ReadIPA(entry[:], list); err != nil {
		t.Fatalf("ReadIPA: %v", err)
	}
	if n := binary.LittleEndian.Uint64(entry[24:]); n != uint64(len(text))-consoleChunk {
		t.Fatalf("entry count after yield = %d", n)
	}
	if gva := binary.LittleEndian.Uint64(entry[32:]); gva != 0x40002000+consoleChunk {
		t.Fatalf("entry buffer after yield = %#x", gva)
	}

	// The guest executes the HVC again.
	v.Regs.PC += 4
	out, err := tm.Handle(0, v, esr.Encode(esr.ClassHVC64, true, hypercall.Tag), 0)
	if err != nil || out != trap.OutcomeResumed || v.Regs.Get(0) != 0 {
		t.Fatalf("resumed multicall = %v, %v, x0=%d", out, err, int64(v.Regs.Get(0)))
	}
	if err := d.ReadIPA(entry[:], list); err != nil {
		t.Fatalf("ReadIPA: %v", err)
	}
	if r := binary.LittleEndian.Uint64(entry[8:]); r != 0 {
		t.Fatalf("entry result = %d", int64(r))
	}
	if lines := tm.ConsoleLines(2); len(lines) != 1 || lines[0] != strings.Repeat("x", 200) {
		t.Fatalf("lines = %q", lines)
	}
}

func TestUARTConsole(t *testing.T) {
	tm := newMachine(t)
	v := tm.vcpu(t, 1, 0)
	store := esr.Encode(esr.ClassDataAbortLow, true,
		esr.DataAbort{FSC: 0x07, Write: true, Reg: 1, Size: 0, Valid: true}.ISS())
	for _, c := range "ok\n" {
		v.Regs.Set(1, uint64(c))
		if out, err := tm.Handle(0, v, store, 0x1c090000); err != nil || out != trap.OutcomeResumed {
			t.Fatalf("uart store = %v, %v\n%s", out, err, tm.diag.String())
		}
	}
	if lines := tm.ConsoleLines(1); len(lines) != 1 || lines[0] != "ok" {
		t.Fatalf("lines = %q", lines)
	}

	load := esr.Encode(esr.ClassDataAbortLow, true,
		esr.DataAbort{FSC: 0x07, Reg: 4, Size: 2, Valid: true}.ISS())
	if _, err := tm.Handle(0, v, load, 0x1c090018); err != nil {
		t.Fatal(err)
	}
	if v.Regs.Get(4) != pl011.FlagTxEmpty|pl011.FlagRxEmpty {
		t.Fatalf("FR = %#x", v.Regs.Get(4))
	}
}

func TestRTC(t *testing.T) {
	tm := newMachine(t)
	v := tm.vcpu(t, 1, 0)
	load := esr.Encode(esr.ClassDataAbortLow, true,
		esr.DataAbort{FSC: 0x07, Reg: 5, Size: 2, Valid: true}.ISS())
	if out, err := tm.Handle(0, v, load, 0x1c170000); err != nil || out != trap.OutcomeResumed {
		t.Fatalf("rtc load = %v, %v\n%s", out, err, tm.diag.String())
	}
	if v.Regs.Get(5) != 1_700_000_000 {
		t.Fatalf("RTCDR = %d", v.Regs.Get(5))
	}
}

func TestDevicePlacement(t *testing.T) {
	tm := newMachine(t)
	devs, err := tm.Devices(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(devs) != 1 || devs[0].Name != "mailbox" || devs[0].Base != 0x40010000 || devs[0].Size != 0x1000 {
		t.Fatalf("dom2 devices = %+v", devs)
	}
	if n := len(mustDevices(t, tm, 1)); n != 4 {
		t.Fatalf("dom1 has %d devices", n)
	}

	v := tm.vcpu(t, 2, 0)
	v.Regs.Set(7, 0x1122334455667788)
	store := esr.Encode(esr.ClassDataAbortLow, true, esr.DataAbort{FSC: 0x07, Write: true, Reg: 7, Size: 3, Valid: true}.ISS())
	load := esr.Encode(esr.ClassDataAbortLow, true, esr.DataAbort{FSC: 0x07, Reg: 8, Size: 3, Valid: true}.ISS())
	for _, raw := range []uint32{store, load} {
		if out, err := tm.Handle(1, v, raw, 0x40010008); err != nil || out != trap.OutcomeResumed {
			t.Fatalf("mailbox access = %v, %v\n%s", out, err, tm.diag.String())
		}
	}
	if v.Regs.Get(8) != 0x1122334455667788 {
		t.Fatalf("x8 = %#x", v.Regs.Get(8))
	}
}

func mustDevices(t *testing.T, tm *testMachine, id int) []hv.MMIOAllocation {
	t.Helper()
	devs, err := tm.Devices(id)
	if err != nil {
		t.Fatal(err)
	}
	return devs
}

func TestScratchBank(t *testing.T) {
	tm := newMachine(t)
	v := tm.vcpu(t, 1, 0)
	v.Regs.Set(2, 0xcafef00d)
	store := esr.Encode(esr.ClassDataAbortLow, true, esr.DataAbort{FSC: 0x07, Write: true, Reg: 2, Size: 2, Valid: true}.ISS())
	load := esr.Encode(esr.ClassDataAbortLow, true, esr.DataAbort{FSC: 0x07, Reg: 3, Size: 1, Valid: true}.ISS())
	tm.Handle(0, v, store, 0x1c0a0008)
	tm.Handle(0, v, load, 0x1c0a000a)
	if v.Regs.Get(3) != 0xcafe {
		t.Fatalf("r3 = %#x", v.Regs.Get(3))
	}
}

func TestXenVersion(t *testing.T) {
	tm := newMachine(t)
	d, _ := tm.Domain(2)
	v := tm.vcpu(t, 2, 0)

	if _, ret := tm.hypercall(t, v, hypercall.XenVersion, xenverVersion); ret != VersionMajor<<16|VersionMinor {
		t.Fatalf("version = %#x", ret)
	}
	if _, ret := tm.hypercall(t, v, hypercall.XenVersion, xenverExtraversion, 0x40002000); ret != 0 {
		t.Fatalf("extraversion = %d", ret)
	}
	buf := make([]byte, extraVersionLen)
	if err := d.ReadIPA(buf, 0x40002000); err != nil {
		t.Fatal(err)
	}
	if got := string(bytes.TrimRight(buf, "\x00")); got != ExtraVersion {
		t.Fatalf("extraversion = %q", got)
	}
	if _, ret := tm.hypercall(t, v, hypercall.XenVersion, 99); ret != hypercall.ENOSYS {
		t.Fatalf("unknown command = %d", ret)
	}
}

func TestSchedOpShutdown(t *testing.T) {
	tm := newMachine(t)
	d, _ := tm.Domain(2)
	v := tm.vcpu(t, 2, 0)

	if _, ret := tm.hypercall(t, v, hypercall.SchedOp, schedOpBlock); ret != 0 || !v.Blocked() {
		t.Fatalf("block = %d blocked=%v", ret, v.Blocked())
	}
	v.Unblock()

	var reason [4]byte
	binary.LittleEndian.PutUint32(reason[:], 3)
	d.WriteIPA(reason[:], 0x40003000)
	if _, ret := tm.hypercall(t, v, hypercall.SchedOp, schedOpShutdown, 0x40003000); ret != 0 {
		t.Fatalf("shutdown = %d", ret)
	}
	if d.State() != domain.StateShutdown || d.ShutdownCode() != 3 {
		t.Fatalf("state = %v code = %d", d.State(), d.ShutdownCode())
	}
	if _, err := tm.Handle(0, v, esr.Encode(esr.ClassHVC64, true, hypercall.Tag), 0); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Handle after shutdown err = %v", err)
	}
}

// writeReservation lays out a reservation and its extent list in guest
// memory and returns the reservation address.
func writeReservation(t *testing.T, d *domain.Domain, gpfns []uint64) uint64 {
	t.Helper()
	const list, res = 0x40004000, 0x40005000
	buf := make([]byte, 8*len(gpfns))
	for i, g := range gpfns {
		binary.LittleEndian.PutUint64(buf[8*i:], g)
	}
	if err := d.WriteIPA(buf, list); err != nil {
		t.Fatal(err)
	}
	var r [reservationSize]byte
	binary.LittleEndian.PutUint64(r[0:], list)
	binary.LittleEndian.PutUint64(r[8:], uint64(len(gpfns)))
	binary.LittleEndian.PutUint16(r[24:], domidSelf)
	if err := d.WriteIPA(r[:], res); err != nil {
		t.Fatal(err)
	}
	return res
}

func TestMemoryOp(t *testing.T) {
	tm := newMachine(t)
	d, _ := tm.Domain(2)
	v := tm.vcpu(t, 2, 0)
	gpfns := []uint64{0x50000, 0x50001, 0x50010}
	res := writeReservation(t, d, gpfns)

	if _, ret := tm.hypercall(t, v, hypercall.MemoryOp, memPopulatePhysmap, res); ret != 3 {
		t.Fatalf("populate_physmap = %d", ret)
	}
	for _, g := range gpfns {
		if _, ok := d.P2M.GmfnToMfn(g); !ok {
			t.Fatalf("gpfn %#x not populated", g)
		}
	}
	if _, ret := tm.hypercall(t, v, hypercall.MemoryOp, memDecreaseReservation, res); ret != 3 {
		t.Fatalf("decrease_reservation = %d", ret)
	}
	if _, ok := d.P2M.GmfnToMfn(0x50010); ok {
		t.Fatalf("gpfn still mapped")
	}
	if _, ret := tm.hypercall(t, v, hypercall.MemoryOp, 2, res); ret != hypercall.ENOSYS {
		t.Fatalf("unknown memory_op = %d", ret)
	}
}

func TestMemoryOpHigherOrder(t *testing.T) {
	tm := newMachine(t)
	d, _ := tm.Domain(2)
	v := tm.vcpu(t, 2, 0)

	// Two single pages with a third between them leave the order-1 extent
	// at 0x50000 backed by frames that are not adjacent.
	res := writeReservation(t, d, []uint64{0x50000, 0x50010, 0x50001})
	if _, ret := tm.hypercall(t, v, hypercall.MemoryOp, memPopulatePhysmap, res); ret != 3 {
		t.Fatalf("populate_physmap = %d", ret)
	}
	keep, _ := d.P2M.GmfnToMfn(0x50010)

	res = writeReservation(t, d, []uint64{0x50000})
	var order [4]byte
	binary.LittleEndian.PutUint32(order[:], 1)
	if err := d.WriteIPA(order[:], res+16); err != nil {
		t.Fatal(err)
	}
	if _, ret := tm.hypercall(t, v, hypercall.MemoryOp, memDecreaseReservation, res); ret != 1 {
		t.Fatalf("decrease_reservation = %d", ret)
	}
	for _, g := range []uint64{0x50000, 0x50001} {
		if _, ok := d.P2M.GmfnToMfn(g); ok {
			t.Fatalf("gpfn %#x still mapped", g)
		}
	}
	if mfn, ok := d.P2M.GmfnToMfn(0x50010); !ok || mfn != keep {
		t.Fatalf("gpfn 0x50010 = %#x, %v", mfn, ok)
	}
	if _, ret := tm.hypercall(t, v, hypercall.MemoryOp, memDecreaseReservation, res); ret != 0 {
		t.Fatalf("repeat decrease_reservation = %d", ret)
	}
}

func TestMemoryOpQuota(t *testing.T) {
	tm := newMachine(t)
	d, _ := tm.Domain(2)
	v := tm.vcpu(t, 2, 0)
	// 16 RAM pages are charged already; the quota is 64.
	var gpfns []uint64
	for i := uint64(0); i < 60; i++ {
		gpfns = append(gpfns, 0x60000+i)
	}
	res := writeReservation(t, d, gpfns)
	if _, ret := tm.hypercall(t, v, hypercall.MemoryOp, memPopulatePhysmap, res); ret != 48 {
		t.Fatalf("populate_physmap past quota = %d, want 48", ret)
	}
}

func TestMemoryOpContinuation(t *testing.T) {
	tm := newMachine(t)
	d, _ := tm.Domain(2)
	v := tm.vcpu(t, 2, 0)
	res := writeReservation(t, d, []uint64{0x50000, 0x50001})
	p, _ := tm.PCPU(0)

	pc := v.Regs.PC
	p.Softirq.Raise(softirq.Schedule)
	out, ret := tm.hypercall(t, v, hypercall.MemoryOp, memPopulatePhysmap, res)
	if out != trap.OutcomeContinuation || v.Regs.PC != pc-4 {
		t.Fatalf("outcome = %v pc = %#x", out, v.Regs.PC)
	}
	if ret != memPopulatePhysmap|1<<memOpExtentShift || v.Regs.Get(1) != res {
		t.Fatalf("continuation args x0=%#x x1=%#x", ret, v.Regs.Get(1))
	}
	if p.Softirq.Pending() {
		t.Fatalf("softirq not drained")
	}

	// The guest executes the HVC again.
	v.Regs.PC += 4
	out, err := tm.Handle(0, v, esr.Encode(esr.ClassHVC64, true, hypercall.Tag), 0)
	if err != nil || out != trap.OutcomeResumed || int64(v.Regs.Get(0)) != 2 {
		t.Fatalf("resumed call = %v, %v, x0=%d", out, err, v.Regs.Get(0))
	}
	if _, ok := d.P2M.GmfnToMfn(0x50001); !ok {
		t.Fatalf("second extent not populated")
	}
}

func TestTimerWakesWFI(t *testing.T) {
	tm := newMachine(t)
	v := tm.vcpu(t, 1, 0)

	v.Regs.Set(2, 1)
	ctl := esr.Encode(esr.ClassCP15_32, true, esr.CondISS(0xe)|esr.EncodeCP32(cpreg.KeyCNTP_CTL, 2, false))
	if out, err := tm.Handle(1, v, ctl, 0); err != nil || out != trap.OutcomeResumed {
		t.Fatalf("CNTP_CTL write = %v, %v", out, err)
	}
	v.AckIRQ()

	if err := tm.Tick(1); err != nil {
		t.Fatal(err)
	}
	if _, err := tm.Handle(1, v, esr.Encode(esr.ClassWFx, true, esr.CondISS(0xe)), 0); err != nil {
		t.Fatal(err)
	}
	if v.Blocked() || !v.EventsPending() {
		t.Fatalf("timer did not wake vcpu: blocked=%v pending=%v", v.Blocked(), v.EventsPending())
	}
}

func TestCrashDumpsAndRecords(t *testing.T) {
	cfg, err := config.Parse([]byte(machineYAML))
	if err != nil {
		t.Fatal(err)
	}
	var sources []string
	diagOut := &bytes.Buffer{}
	m, err := New(cfg, WithDiagnostics(diagOut), WithClock(stoppedClock{}),
		WithRecorder(func(source, _ string) { sources = append(sources, source) }))
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	d, _ := m.Domain(1)
	v, _ := d.VCPU(0)
	out, err := m.Handle(0, v, esr.Encode(esr.ClassHVC32, true, 0x99), 0)
	if err != nil || out != trap.OutcomeCrashed || !d.Crashed() {
		t.Fatalf("bad tag = %v, %v crashed=%v", out, err, d.Crashed())
	}
	if !strings.Contains(diagOut.String(), "*** Dumping Dom1 vcpu#0 state: ***") {
		t.Fatalf("missing dump:\n%s", diagOut.String())
	}
	if !strings.Contains(strings.Join(sources, ","), "dom1") {
		t.Fatalf("recorder sources = %v", sources)
	}
}
