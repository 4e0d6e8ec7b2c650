package hypercall

import (
	"encoding/binary"
	"log/slog"
)

// multicallEntrySize is the guest layout of MulticallEntry: op, result and
// six arguments, each a little-endian 64-bit word.
const multicallEntrySize = 8 * 8

func (m *MulticallEntry) decode(b []byte) {
	m.Op = binary.LittleEndian.Uint64(b[0:])
	m.Result = binary.LittleEndian.Uint64(b[8:])
	for i := range m.Args {
		m.Args[i] = binary.LittleEndian.Uint64(b[16+8*i:])
	}
}

func (m *MulticallEntry) encode(b []byte) {
	binary.LittleEndian.PutUint64(b[0:], m.Op)
	binary.LittleEndian.PutUint64(b[8:], m.Result)
	for i, a := range m.Args {
		binary.LittleEndian.PutUint64(b[16+8*i:], a)
	}
}

// multicall runs a batch of calls described by nr entries at list in
// guest memory, writing each result back into its entry. A pending
// preemption turns the rest of the batch into a continuation. So does a
// call that yields: its entry is rewritten with the new arguments and the
// batch resumes from it.
func (t *Table) multicall(ctx *Context, args [5]uint64) int64 {
	list, nr := args[0], args[1]
	if ctx.Guest == nil {
		return EFAULT
	}

	var buf [multicallEntrySize]byte
	for i := uint64(0); i < nr; i++ {
		if i > 0 && ctx.preempt() {
			slog.Debug("multicall preempted", "domain", ctx.Domain, "done", i, "left", nr-i)
			return ctx.CreateContinuation(list, nr-i)
		}

		var m MulticallEntry
		if err := ctx.Guest.CopyFromGuest(buf[:], list); err != nil {
			return EFAULT
		}
		m.decode(buf[:])

		if !t.Call(ctx, &m) {
			slog.Debug("multicall entry yielded", "domain", ctx.Domain, "op", m.Op, "left", nr-i)
			m.encode(buf[:])
			if err := ctx.Guest.CopyToGuest(buf[:], list); err != nil {
				return EFAULT
			}
			return ctx.CreateContinuation(list, nr-i)
		}

		binary.LittleEndian.PutUint64(buf[:8], m.Result)
		if err := ctx.Guest.CopyToGuest(buf[:8], list+8); err != nil {
			return EFAULT
		}
		list += multicallEntrySize
	}
	return 0
}
