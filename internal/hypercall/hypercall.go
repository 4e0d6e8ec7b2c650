// Package hypercall implements the guest hypercall and PSCI call tables.
package hypercall

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/hyptrap/internal/regs"
)

// Tag is the HVC immediate that identifies a hypercall.
const Tag = 0xEA1

// Hypercall numbers.
const (
	MemoryOp       = 12
	Multicall      = 13
	XenVersion     = 17
	ConsoleIO      = 18
	GrantTableOp   = 20
	VCPUOp         = 24
	SchedOp        = 29
	EventChannelOp = 32
	PhysdevOp      = 33
	HVMOp          = 34
	Sysctl         = 35
	Domctl         = 36

	NumCalls = 37
)

// Result codes returned to the guest.
const (
	EFAULT = -14
	EINVAL = -22
	ENOSYS = -38
)

// Clobber is written into consumed argument registers after a call in a
// checked build.
const Clobber = 0xDEADBEEF

var (
	ErrBadTag   = errors.New("hypercall: bad hypercall tag")
	ErrBadEntry = errors.New("hypercall: bad table entry")
)

// Guest copies data in and out of the calling vCPU's address space.
type Guest interface {
	CopyFromGuest(buf []byte, gva uint64) error
	CopyToGuest(buf []byte, gva uint64) error
}

// Context is the caller of a hypercall.
type Context struct {
	Domain int
	VCPU   int
	Regs   *regs.UserRegs
	Guest  Guest
	Power  Power
	// Preempt reports whether a long running call should yield.
	Preempt func() bool

	// call is the multicall entry being run, if any.
	call    *MulticallEntry
	yielded bool
}

func (c *Context) preempt() bool { return c.Preempt != nil && c.Preempt() }

// CreateContinuation arranges for the current HVC to be executed again
// when the guest resumes. If args are given they replace the leading
// argument registers. The handler returns the value it yields so that the
// result register keeps the first argument.
//
// Inside a multicall the arguments are stored in the batch entry instead
// and the batch stops at that entry. The registers and PC are untouched.
func (c *Context) CreateContinuation(args ...uint64) int64 {
	if c.call != nil {
		copy(c.call.Args[:], args)
		c.yielded = true
		return int64(c.call.Args[0])
	}
	c.Regs.PC -= 4
	for i, a := range args {
		c.Regs.Set(i, a)
	}
	return int64(c.Regs.Get(0))
}

// Func is a hypercall handler. Its return value is the guest result.
type Func func(ctx *Context, args [5]uint64) int64

// Entry is one slot of the hypercall table.
type Entry struct {
	Fn     Func
	NrArgs int
}

// Table is the hypercall jump table. It is immutable once built.
type Table struct {
	entries [NumCalls]Entry
	checked bool
}

// NewTable builds the table from handlers keyed by call number. The
// multicall slot is always served by the table itself. In a checked
// build argument registers are clobbered after every completed call.
func NewTable(handlers map[int]Entry, checked bool) (*Table, error) {
	t := &Table{checked: checked}
	for nr, e := range handlers {
		if nr < 0 || nr >= NumCalls {
			return nil, fmt.Errorf("%w: call %d out of range", ErrBadEntry, nr)
		}
		if nr == Multicall {
			return nil, fmt.Errorf("%w: multicall is built in", ErrBadEntry)
		}
		if e.Fn == nil || e.NrArgs < 1 || e.NrArgs > 5 {
			return nil, fmt.Errorf("%w: call %d takes %d args", ErrBadEntry, nr, e.NrArgs)
		}
		t.entries[nr] = e
	}
	t.entries[Multicall] = Entry{Fn: t.multicall, NrArgs: 2}
	return t, nil
}

func (t *Table) lookup(nr uint64) (Entry, bool) {
	if nr >= NumCalls {
		return Entry{}, false
	}
	e := t.entries[nr]
	return e, e.Fn != nil
}

// Populated reports whether call nr has a handler.
func (t *Table) Populated(nr uint64) bool {
	_, ok := t.lookup(nr)
	return ok
}

// callReg is the register holding the call number.
func callReg(r *regs.UserRegs) int {
	if r.Is32() {
		return 12
	}
	return 16
}

func result(v int64) uint64 { return uint64(v) }

func setResult(r *regs.UserRegs, v int64) { r.Set(0, result(v)) }

// Hypercall services an HVC carrying imm. The only error is a tag
// mismatch, which is fatal to the guest.
func (t *Table) Hypercall(ctx *Context, imm uint32) error {
	if imm != Tag {
		return fmt.Errorf("%w: %#x", ErrBadTag, imm)
	}
	r := ctx.Regs
	nrReg := callReg(r)
	nr := r.Get(nrReg)

	e, ok := t.lookup(nr)
	if !ok {
		slog.Debug("unimplemented hypercall", "domain", ctx.Domain, "vcpu", ctx.VCPU, "nr", nr)
		setResult(r, ENOSYS)
		return nil
	}

	origPC := r.PC
	args := [5]uint64{r.Get(0), r.Get(1), r.Get(2), r.Get(3), r.Get(4)}
	setResult(r, e.Fn(ctx, args))

	// A moved PC means the call will be replayed and needs its arguments.
	if t.checked && r.PC == origPC {
		// r0 carries the result.
		for i := e.NrArgs - 1; i >= 1; i-- {
			r.Set(i, Clobber)
		}
		r.Set(nrReg, Clobber)
	}
	return nil
}

// MulticallEntry is one element of a multicall batch.
type MulticallEntry struct {
	Op     uint64
	Result uint64
	Args   [6]uint64
}

// Call runs a single batched call and stores its result in m. It reports
// false when the call created a continuation: m.Args then hold the
// arguments to reissue it with and m.Result is left alone. A multicall
// cannot be nested.
func (t *Table) Call(ctx *Context, m *MulticallEntry) bool {
	if m.Op == Multicall {
		m.Result = result(EINVAL)
		return true
	}
	e, ok := t.lookup(m.Op)
	if !ok {
		m.Result = result(ENOSYS)
		return true
	}

	prev, prevYielded := ctx.call, ctx.yielded
	ctx.call, ctx.yielded = m, false
	ret := e.Fn(ctx, [5]uint64(m.Args[:5]))
	yielded := ctx.yielded
	ctx.call, ctx.yielded = prev, prevYielded

	if yielded {
		return false
	}
	m.Result = result(ret)
	return true
}
