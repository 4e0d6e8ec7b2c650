package hypercall

import (
	"errors"
	"fmt"
	"log/slog"
)

// PSCI return codes.
const (
	PSCISuccess           = 0
	PSCINotSupported      = -1
	PSCIInvalidParameters = -2
	PSCIDenied            = -3
	PSCIAlreadyOn         = -4
)

// PSCI function indices, passed in r0.
const (
	PSCICPUOff = 1
	PSCICPUOn  = 2
)

var ErrBadPSCI = errors.New("hypercall: bad PSCI call")

// Power is the vCPU power control used by PSCI.
type Power interface {
	CPUOff()
	CPUOn(id int, entry uint64) error
}

// CPUOn failures wrapping these select a specific PSCI code; anything
// else is reported as denied.
var (
	ErrInvalidCPU = errors.New("psci: invalid cpu")
	ErrAlreadyOn  = errors.New("psci: cpu already on")
)

// PSCIFunc handles one PSCI function.
type PSCIFunc func(ctx *Context, a1, a2 uint64) int64

type PSCIEntry struct {
	Fn     PSCIFunc
	NrArgs int
}

// PSCITable is indexed by r0. Index 0 is unused.
type PSCITable [3]PSCIEntry

// NewPSCITable returns the CPU_OFF / CPU_ON table.
func NewPSCITable() *PSCITable {
	return &PSCITable{
		PSCICPUOff: {Fn: cpuOff, NrArgs: 1},
		PSCICPUOn:  {Fn: cpuOn, NrArgs: 2},
	}
}

// Call dispatches on r0 and stores the PSCI result in r0. An unknown
// function index is fatal to the guest.
func (p *PSCITable) Call(ctx *Context) error {
	r := ctx.Regs
	fn := r.Get(0)
	if fn >= uint64(len(p)) || p[fn].Fn == nil {
		return fmt.Errorf("%w: function %d", ErrBadPSCI, fn)
	}
	setResult(r, p[fn].Fn(ctx, r.Get(1), r.Get(2)))
	return nil
}

func cpuOff(ctx *Context, _, _ uint64) int64 {
	if ctx.Power == nil {
		return PSCINotSupported
	}
	slog.Debug("psci cpu_off", "domain", ctx.Domain, "vcpu", ctx.VCPU)
	ctx.Power.CPUOff()
	return PSCISuccess
}

func cpuOn(ctx *Context, target, entry uint64) int64 {
	if ctx.Power == nil {
		return PSCINotSupported
	}
	err := ctx.Power.CPUOn(int(target), entry)
	switch {
	case err == nil:
		return PSCISuccess
	case errors.Is(err, ErrInvalidCPU):
		return PSCIInvalidParameters
	case errors.Is(err, ErrAlreadyOn):
		return PSCIAlreadyOn
	}
	slog.Debug("psci cpu_on refused", "domain", ctx.Domain, "target", target, "error", err)
	return PSCIDenied
}
