// Package domain holds guest state: the domain, its vCPUs and its stage-2
// table.
package domain

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/sync"

	"github.com/tinyrange/hyptrap/internal/hv"
	"github.com/tinyrange/hyptrap/internal/hypercall"
	"github.com/tinyrange/hyptrap/internal/mm"
	"github.com/tinyrange/hyptrap/internal/mmio"
	"github.com/tinyrange/hyptrap/internal/p2m"
	"github.com/tinyrange/hyptrap/internal/vtimer"
)

var (
	ErrNoVCPU     = errors.New("domain: no such vcpu")
	ErrAlreadyOn  = errors.New("domain: vcpu already online")
	ErrNotMapped  = errors.New("domain: guest address not mapped")
	ErrReadOnly   = errors.New("domain: guest page not writable")
	ErrNotRunning = errors.New("domain: not running")
	ErrMapped     = errors.New("domain: guest frame already mapped")
)

var (
	_ hypercall.Power = (*VCPU)(nil)
	_ hypercall.Guest = (*VCPU)(nil)
)

type State int32

const (
	StateRunning State = iota
	StatePaused
	StateShutdown
	StateCrashed
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateShutdown:
		return "shutdown"
	case StateCrashed:
		return "crashed"
	case StateDestroyed:
		return "destroyed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Config describes a domain to create.
type Config struct {
	ID   int
	Arch hv.CpuArchitecture
	// MaxPages caps the RAM frames the domain may own. Zero means no cap.
	MaxPages int
	Layout   *hv.AddressSpace
}

type Domain struct {
	ID     int
	Arch   hv.CpuArchitecture
	P2M    *p2m.Table
	MMIO   mmio.Registry
	Layout *hv.AddressSpace

	mem   *mm.Memory
	state atomic.Int32

	mu           sync.Mutex
	vcpus        []*VCPU
	crashReason  string
	shutdownCode int
}

// New creates a domain and allocates its stage-2 root table.
func New(cfg Config, mem *mm.Memory, tlb p2m.TLB) (*Domain, error) {
	if cfg.Arch != hv.ArchitectureARM32 && cfg.Arch != hv.ArchitectureARM64 {
		return nil, fmt.Errorf("domain: dom%d: unsupported architecture %q", cfg.ID, cfg.Arch)
	}
	if cfg.ID < 0 || cfg.ID >= 0xff {
		return nil, fmt.Errorf("domain: id %d outside VMID range", cfg.ID)
	}
	layout := cfg.Layout
	if layout == nil {
		layout = hv.NewAddressSpace(p2m.IPABits)
	}
	d := &Domain{
		ID:     cfg.ID,
		Arch:   cfg.Arch,
		P2M:    p2m.New(cfg.ID, mem, tlb),
		Layout: layout,
		mem:    mem,
	}
	if cfg.MaxPages > 0 {
		mem.SetQuota(mm.Owner(cfg.ID), cfg.MaxPages)
	}
	if err := d.P2M.AllocTable(); err != nil {
		return nil, fmt.Errorf("domain: dom%d: %w", cfg.ID, err)
	}
	slog.Info("domain created", "domain", d.ID, "arch", d.Arch, "vmid", d.P2M.VMID())
	return d, nil
}

// Is32Bit reports whether the guest runs in AArch32 state.
func (d *Domain) Is32Bit() bool { return d.Arch == hv.ArchitectureARM32 }

func (d *Domain) State() State { return State(d.state.Load()) }

// AddVCPU creates the next vCPU. Only vCPU 0 starts online; the others
// are brought up by the guest through PSCI.
func (d *Domain) AddVCPU(clock vtimer.Clock) *VCPU {
	d.mu.Lock()
	defer d.mu.Unlock()
	v := &VCPU{
		ID:     len(d.vcpus),
		Domain: d,
		Timer:  vtimer.New(clock),
	}
	v.reset(0)
	v.online.Store(v.ID == 0)
	d.vcpus = append(d.vcpus, v)
	return v
}

func (d *Domain) VCPU(id int) (*VCPU, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id < 0 || id >= len(d.vcpus) {
		return nil, fmt.Errorf("%w: dom%d vcpu%d", ErrNoVCPU, d.ID, id)
	}
	return d.vcpus[id], nil
}

func (d *Domain) VCPUs() []*VCPU {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*VCPU(nil), d.vcpus...)
}

// PopulateRAM backs every RAM bank of the layout with fresh frames.
// progress, if set, is called with the number of pages added after each
// chunk.
func (d *Domain) PopulateRAM(progress func(pages int)) error {
	const chunk = 512 * mm.PageSize
	for _, bank := range d.Layout.RAM() {
		for start := bank.Base; start < bank.End(); start += chunk {
			end := min(start+chunk, bank.End())
			if err := d.P2M.PopulateRAM(start, end); err != nil {
				return fmt.Errorf("domain: dom%d populate %s: %w", d.ID, bank.Name, err)
			}
			if progress != nil {
				progress(int((end - start) / mm.PageSize))
			}
		}
	}
	return nil
}

// Crash terminates the domain after a guest-fatal trap. It is idempotent.
func (d *Domain) Crash(reason string) {
	d.mu.Lock()
	if State(d.state.Load()) >= StateCrashed {
		d.mu.Unlock()
		return
	}
	d.crashReason = reason
	d.state.Store(int32(StateCrashed))
	vcpus := d.vcpus
	d.mu.Unlock()

	for _, v := range vcpus {
		v.online.Store(false)
	}
	slog.Error("domain crashed", "domain", d.ID, "reason", reason)
}

func (d *Domain) Crashed() bool { return d.State() == StateCrashed }

func (d *Domain) CrashReason() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.crashReason
}

// Shutdown records a guest-requested shutdown.
func (d *Domain) Shutdown(code int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if State(d.state.Load()) != StateRunning && State(d.state.Load()) != StatePaused {
		return
	}
	d.shutdownCode = code
	d.state.Store(int32(StateShutdown))
	slog.Info("domain shutdown", "domain", d.ID, "code", code)
}

func (d *Domain) ShutdownCode() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shutdownCode
}

// Pause stops the domain from being scheduled.
func (d *Domain) Pause() {
	d.state.CompareAndSwap(int32(StateRunning), int32(StatePaused))
}

func (d *Domain) Unpause() {
	d.state.CompareAndSwap(int32(StatePaused), int32(StateRunning))
}

// Runnable reports whether the domain's vCPUs may enter the guest.
func (d *Domain) Runnable() bool { return d.State() == StateRunning }

// Destroy pauses the domain and releases its stage-2 table and RAM.
func (d *Domain) Destroy() {
	d.Pause()
	d.mu.Lock()
	defer d.mu.Unlock()
	if State(d.state.Load()) == StateDestroyed {
		return
	}
	d.P2M.Teardown()
	n := d.mem.FreeOwnedBy(mm.Owner(d.ID))
	d.mem.SetQuota(mm.Owner(d.ID), 0)
	d.state.Store(int32(StateDestroyed))
	slog.Info("domain destroyed", "domain", d.ID, "frames", n)
}

// CPUOn brings vCPU id online at entry.
func (d *Domain) CPUOn(id int, entry uint64) error {
	v, err := d.VCPU(id)
	if err != nil {
		return fmt.Errorf("%w: %w", err, hypercall.ErrInvalidCPU)
	}
	if v.online.Load() {
		return fmt.Errorf("%w: dom%d vcpu%d: %w", ErrAlreadyOn, d.ID, id, hypercall.ErrAlreadyOn)
	}
	v.reset(entry)
	v.blocked.Store(false)
	v.online.Store(true)
	slog.Debug("vcpu on", "domain", d.ID, "vcpu", id, "entry", fmt.Sprintf("%#x", entry))
	return nil
}

// ReadIPA reads guest physical memory.
func (d *Domain) ReadIPA(buf []byte, ipa uint64) error {
	return d.accessIPA(buf, ipa, false)
}

// WriteIPA writes guest physical memory.
func (d *Domain) WriteIPA(buf []byte, ipa uint64) error {
	return d.accessIPA(buf, ipa, true)
}

func (d *Domain) accessIPA(buf []byte, ipa uint64, write bool) error {
	for len(buf) > 0 {
		m, ok := d.P2M.Entry(ipa)
		if !ok {
			return fmt.Errorf("%w: dom%d ipa %#x", ErrNotMapped, d.ID, ipa)
		}
		n := min(uint64(len(buf)), mm.PageSize-ipa&^mm.PageMask)
		var err error
		if write {
			if !m.Access.Write {
				return fmt.Errorf("%w: dom%d ipa %#x", ErrReadOnly, d.ID, ipa)
			}
			err = d.mem.WriteAt(buf[:n], m.MAddr)
		} else {
			err = d.mem.ReadAt(buf[:n], m.MAddr)
		}
		if err != nil {
			return fmt.Errorf("domain: dom%d ipa %#x: %w", d.ID, ipa, err)
		}
		buf = buf[n:]
		ipa += n
	}
	return nil
}
