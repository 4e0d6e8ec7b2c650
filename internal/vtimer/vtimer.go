// Package vtimer emulates the EL1 physical timer registers for a vCPU.
package vtimer

import (
	"log/slog"
	"time"

	"github.com/tinyrange/hyptrap/internal/cpreg"
	"github.com/tinyrange/hyptrap/internal/esr"
	"github.com/tinyrange/hyptrap/internal/regs"
)

// CNTP_CTL bits.
const (
	CtlEnable  = 1 << 0
	CtlIMask   = 1 << 1
	CtlIStatus = 1 << 2
)

var _ cpreg.Timer = (*Timer)(nil)

// Clock is the system counter.
type Clock interface {
	Ticks() uint64
}

// SystemClock counts at Freq Hz from the moment it was created.
type SystemClock struct {
	Freq  uint64
	start time.Time
}

func NewSystemClock(freq uint64) *SystemClock {
	return &SystemClock{Freq: freq, start: time.Now()}
}

func (c *SystemClock) Ticks() uint64 {
	d := uint64(time.Since(c.start))
	return d/uint64(time.Second)*c.Freq + d%uint64(time.Second)*c.Freq/uint64(time.Second)
}

// Timer is the physical timer state of one vCPU.
type Timer struct {
	clock  Clock
	offset uint64

	ctl  uint32
	cval uint64
}

// New creates a timer whose counter reads zero now.
func New(clock Clock) *Timer {
	return &Timer{clock: clock, offset: clock.Ticks()}
}

func (t *Timer) now() uint64 { return t.clock.Ticks() - t.offset }

// Pending reports whether the timer condition is met.
func (t *Timer) Pending() bool {
	return t.ctl&CtlEnable != 0 && t.now() >= t.cval
}

func (t *Timer) readCtl() uint32 {
	ctl := t.ctl &^ CtlIStatus
	if t.Pending() {
		ctl |= CtlIStatus
	}
	return ctl
}

func (t *Timer) writeCtl(v uint32) {
	t.ctl = v &^ CtlIStatus
	slog.Debug("vtimer ctl", "enable", t.ctl&CtlEnable != 0, "cval", t.cval)
}

func (t *Timer) readTval() uint32 { return uint32(t.cval - t.now()) }

func (t *Timer) writeTval(v uint32) {
	t.cval = t.now() + uint64(int64(int32(v)))
}

// Emulate performs the timer register access described by syn. It returns
// false for registers it does not own or for accesses the architecture
// does not allow.
func (t *Timer) Emulate(r *regs.UserRegs, syn esr.Syndrome) bool {
	switch syn.Class {
	case esr.ClassCP15_32:
		cp := syn.CP32()
		return t.access32(r, cp.Key(), int(cp.Reg), cp.Read, cpreg.KeyCNTP_CTL, cpreg.KeyCNTP_TVAL)
	case esr.ClassSysReg:
		sr := syn.SysReg()
		return t.access32(r, sr.Key(), int(sr.Reg), sr.Read, cpreg.KeyCNTP_CTL_EL0, cpreg.KeyCNTP_TVAL_EL0)
	case esr.ClassCP15_64:
		cp := syn.CP64()
		if cp.Key() != cpreg.KeyCNTPCT || !cp.Read {
			return false
		}
		now := t.now()
		r.Set(int(cp.Reg1), now&0xffffffff)
		r.Set(int(cp.Reg2), now>>32)
		return true
	}
	return false
}

func (t *Timer) access32(r *regs.UserRegs, key uint32, reg int, read bool, ctlKey, tvalKey uint32) bool {
	switch key {
	case ctlKey:
		if read {
			r.Set(reg, uint64(t.readCtl()))
		} else {
			t.writeCtl(uint32(r.Get(reg)))
		}
	case tvalKey:
		if read {
			r.Set(reg, uint64(t.readTval()))
		} else {
			t.writeTval(uint32(r.Get(reg)))
		}
	default:
		return false
	}
	return true
}
