package hypervisor

import (
	"encoding/binary"
	"log/slog"

	"github.com/tinyrange/hyptrap/internal/domain"
	"github.com/tinyrange/hyptrap/internal/hypercall"
)

// Version reported by xen_version.
const (
	VersionMajor = 4
	VersionMinor = 3
	ExtraVersion = "-hyptrap"
)

// xen_version commands.
const (
	xenverVersion      = 0
	xenverExtraversion = 1
	xenverCapabilities = 3
	xenverPagesize     = 7

	extraVersionLen = 16
	capabilitiesLen = 1024
)

// console_io commands.
const (
	consoleIOWrite = 0
	consoleIORead  = 1

	consoleChunk = 128
)

// sched_op commands.
const (
	schedOpYield    = 0
	schedOpBlock    = 1
	schedOpShutdown = 2
)

// memory_op commands. The high bits of cmd carry the extent to resume at.
const (
	memDecreaseReservation = 1
	memPopulatePhysmap     = 6

	memOpCmdMask     = 0x3f
	memOpExtentShift = 6

	domidSelf       = 0x7ff0
	reservationSize = 32
	maxExtentOrder  = 9
)

func (m *Machine) hypercalls() map[int]hypercall.Entry {
	return map[int]hypercall.Entry{
		hypercall.XenVersion: {Fn: m.xenVersion, NrArgs: 2},
		hypercall.ConsoleIO:  {Fn: m.consoleIO, NrArgs: 3},
		hypercall.SchedOp:    {Fn: m.schedOp, NrArgs: 2},
		hypercall.MemoryOp:   {Fn: m.memoryOp, NrArgs: 2},
	}
}

func (m *Machine) caller(ctx *hypercall.Context) (*domain.Domain, *domain.VCPU) {
	d, ok := m.domains[ctx.Domain]
	if !ok {
		return nil, nil
	}
	v, err := d.VCPU(ctx.VCPU)
	if err != nil {
		return d, nil
	}
	return d, v
}

func (m *Machine) xenVersion(ctx *hypercall.Context, args [5]uint64) int64 {
	switch args[0] {
	case xenverVersion:
		return VersionMajor<<16 | VersionMinor
	case xenverExtraversion:
		return copyString(ctx, args[1], ExtraVersion, extraVersionLen)
	case xenverCapabilities:
		caps := "xen-3.0-aarch64 xen-3.0-armv7l "
		return copyString(ctx, args[1], caps, capabilitiesLen)
	case xenverPagesize:
		return 4096
	}
	return hypercall.ENOSYS
}

// copyString writes s NUL padded to size bytes at gva.
func copyString(ctx *hypercall.Context, gva uint64, s string, size int) int64 {
	buf := make([]byte, size)
	copy(buf, s)
	if ctx.Guest == nil || ctx.Guest.CopyToGuest(buf, gva) != nil {
		return hypercall.EFAULT
	}
	return 0
}

func (m *Machine) consoleIO(ctx *hypercall.Context, args [5]uint64) int64 {
	switch args[0] {
	case consoleIOWrite:
	case consoleIORead:
		return 0
	default:
		return hypercall.ENOSYS
	}
	con, ok := m.consoles[ctx.Domain]
	if !ok || ctx.Guest == nil {
		return hypercall.EFAULT
	}

	count, gva := args[1], args[2]
	buf := make([]byte, consoleChunk)
	for count > 0 {
		n := min(count, consoleChunk)
		if err := ctx.Guest.CopyFromGuest(buf[:n], gva); err != nil {
			return hypercall.EFAULT
		}
		con.Write(buf[:n])
		count -= n
		gva += n
		if count > 0 && ctx.Preempt != nil && ctx.Preempt() {
			return ctx.CreateContinuation(consoleIOWrite, count, gva)
		}
	}
	return 0
}

func (m *Machine) schedOp(ctx *hypercall.Context, args [5]uint64) int64 {
	d, v := m.caller(ctx)
	if v == nil {
		return hypercall.EINVAL
	}
	switch args[0] {
	case schedOpYield:
		slog.Debug("vcpu yield", "vcpu", v.String())
		return 0
	case schedOpBlock:
		if !v.EventsPending() {
			v.Block()
		}
		return 0
	case schedOpShutdown:
		var reason [4]byte
		if err := v.CopyFromGuest(reason[:], args[1]); err != nil {
			return hypercall.EFAULT
		}
		d.Shutdown(int(binary.LittleEndian.Uint32(reason[:])))
		return 0
	}
	return hypercall.EINVAL
}

type reservation struct {
	extentStart uint64
	nrExtents   uint64
	extentOrder uint32
	domid       uint16
}

func (m *Machine) memoryOp(ctx *hypercall.Context, args [5]uint64) int64 {
	cmd := args[0] & memOpCmdMask
	start := args[0] >> memOpExtentShift
	if cmd != memPopulatePhysmap && cmd != memDecreaseReservation {
		return hypercall.ENOSYS
	}
	d, v := m.caller(ctx)
	if v == nil {
		return hypercall.EINVAL
	}

	var raw [reservationSize]byte
	if err := v.CopyFromGuest(raw[:], args[1]); err != nil {
		return hypercall.EFAULT
	}
	r := reservation{
		extentStart: binary.LittleEndian.Uint64(raw[0:]),
		nrExtents:   binary.LittleEndian.Uint64(raw[8:]),
		extentOrder: binary.LittleEndian.Uint32(raw[16:]),
		domid:       binary.LittleEndian.Uint16(raw[24:]),
	}
	if r.domid != domidSelf && int(r.domid) != d.ID {
		return hypercall.EINVAL
	}
	if r.extentOrder > maxExtentOrder || start > r.nrExtents {
		return hypercall.EINVAL
	}

	for i := start; i < r.nrExtents; i++ {
		if i > start && ctx.Preempt != nil && ctx.Preempt() {
			return ctx.CreateContinuation(cmd|i<<memOpExtentShift, args[1])
		}
		var gpfn [8]byte
		if err := v.CopyFromGuest(gpfn[:], r.extentStart+8*i); err != nil {
			return int64(i)
		}
		pfn := binary.LittleEndian.Uint64(gpfn[:])
		if cmd == memPopulatePhysmap {
			if err := d.PopulatePhysmap(pfn, uint(r.extentOrder)); err != nil {
				slog.Debug("populate_physmap stopped", "domain", d.ID, "extent", i, "err", err)
				return int64(i)
			}
		} else if !d.DecreaseReservation(pfn, uint(r.extentOrder)) {
			return int64(i)
		}
	}
	return int64(r.nrExtents)
}
