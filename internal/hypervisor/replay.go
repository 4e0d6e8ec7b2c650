package hypervisor

import (
	"errors"
	"fmt"

	"github.com/tinyrange/hyptrap/internal/config"
	"github.com/tinyrange/hyptrap/internal/domain"
	"github.com/tinyrange/hyptrap/internal/trap"
)

var ErrUnexpectedOutcome = errors.New("hypervisor: unexpected outcome")

// Result is the replay of one trace event.
type Result struct {
	Event   string
	VCPU    string
	Outcome trap.Outcome
	// Skipped is set when the vCPU could not run, for example after its
	// domain crashed earlier in the trace.
	Skipped bool
	PC      uint64
}

// Replay feeds every event of tr through the dispatcher. Each result is
// passed to fn if it is set. Events whose outcome differs from their
// expectation are collected into the returned error; replay continues
// past them.
func (m *Machine) Replay(tr *config.Trace, fn func(Result)) error {
	var errs []error
	for i := range tr.Events {
		ev := &tr.Events[i]
		res, err := m.replayOne(ev)
		if err != nil {
			return fmt.Errorf("hypervisor: event %q: %w", ev.Name, err)
		}
		if fn != nil {
			fn(res)
		}
		if ev.Expect != "" && (res.Skipped || res.Outcome.String() != ev.Expect) {
			got := res.Outcome.String()
			if res.Skipped {
				got = "skipped"
			}
			errs = append(errs, fmt.Errorf("%w: event %q: got %s, want %s", ErrUnexpectedOutcome, ev.Name, got, ev.Expect))
		}
	}
	return errors.Join(errs...)
}

func (m *Machine) replayOne(ev *config.Event) (Result, error) {
	d, err := m.Domain(ev.Domain)
	if err != nil {
		return Result{}, err
	}
	v, err := d.VCPU(ev.VCPU)
	if err != nil {
		return Result{}, err
	}
	raw, err := ev.Syndrome()
	if err != nil {
		return Result{}, err
	}
	res := Result{Event: ev.Name, VCPU: v.String()}
	if !d.Runnable() || !v.Online() {
		res.Skipped = true
		return res, nil
	}

	if err := applyRegs(v, ev.Regs); err != nil {
		return Result{}, err
	}

	if err := m.Tick(ev.CPU); err != nil {
		return Result{}, err
	}
	res.Outcome, err = m.Handle(ev.CPU, v, raw, ev.FAR)
	if err != nil {
		return Result{}, err
	}
	res.PC = v.Regs.PC
	return res, nil
}

// applyRegs presets registers. CPSR goes first since it selects which
// banked registers the others land in.
func applyRegs(v *domain.VCPU, regs config.Regs) error {
	idx := make(map[string]int, len(regs))
	for key := range regs {
		i, err := config.RegIndex(key)
		if err != nil {
			return err
		}
		idx[key] = i
		if i == -2 {
			v.Regs.CPSR = uint32(regs[key])
		}
	}
	for key, val := range regs {
		switch i := idx[key]; i {
		case -2:
		case -1:
			v.Regs.PC = val
		default:
			v.Regs.Set(i, val)
		}
	}
	return nil
}
