// Package hypervisor builds a machine from configuration: machine memory,
// domains with their layouts and devices, the physical CPUs and the trap
// dispatcher they share.
package hypervisor

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"gvisor.dev/gvisor/pkg/cleanup"

	"github.com/tinyrange/hyptrap/internal/config"
	"github.com/tinyrange/hyptrap/internal/cpreg"
	"github.com/tinyrange/hyptrap/internal/devices/pl011"
	"github.com/tinyrange/hyptrap/internal/devices/pl031"
	"github.com/tinyrange/hyptrap/internal/diag"
	"github.com/tinyrange/hyptrap/internal/domain"
	"github.com/tinyrange/hyptrap/internal/hv"
	"github.com/tinyrange/hyptrap/internal/hypercall"
	"github.com/tinyrange/hyptrap/internal/mm"
	"github.com/tinyrange/hyptrap/internal/mmio"
	"github.com/tinyrange/hyptrap/internal/p2m"
	"github.com/tinyrange/hyptrap/internal/softirq"
	"github.com/tinyrange/hyptrap/internal/timeslice"
	"github.com/tinyrange/hyptrap/internal/trap"
	"github.com/tinyrange/hyptrap/internal/vtimer"
)

var (
	ErrNoDomain   = errors.New("hypervisor: no such domain")
	ErrNoCPU      = errors.New("hypervisor: no such physical cpu")
	ErrNotRunning = errors.New("hypervisor: vcpu cannot run")
)

// Option configures a Machine.
type Option func(*Machine)

// WithDiagnostics sends crash and debug dumps to w. The default is
// standard error.
func WithDiagnostics(w io.Writer) Option { return func(m *Machine) { m.diagOut = w } }

// WithRecorder receives a copy of every diagnostic dump.
func WithRecorder(fn func(source, text string)) Option { return func(m *Machine) { m.record = fn } }

// WithProfile accounts handling time per exception class.
func WithProfile(p *timeslice.Recorder) Option { return func(m *Machine) { m.profile = p } }

// WithConsole echoes guest console lines to w.
func WithConsole(w io.Writer) Option { return func(m *Machine) { m.consoleOut = w } }

// WithClock replaces the system counter.
func WithClock(c vtimer.Clock) Option { return func(m *Machine) { m.clock = c } }

// WithWallClock sets the time source of emulated real time clocks.
func WithWallClock(now func() time.Time) Option { return func(m *Machine) { m.wallClock = now } }

// Machine is a set of domains sharing one pool of machine memory.
type Machine struct {
	cfg *config.Config

	diagOut    io.Writer
	consoleOut io.Writer
	record     func(source, text string)
	profile    *timeslice.Recorder
	clock      vtimer.Clock
	wallClock  func() time.Time

	mem      *mm.Memory
	tlb      tlbCounter
	pcpus    []*trap.PCPU
	domains  map[int]*domain.Domain
	order    []int
	consoles map[int]*console
	printer  *diag.Printer
	disp     *trap.Dispatcher
}

// tlbCounter stands in for the local TLB maintenance instruction.
type tlbCounter struct{ flushes atomic.Uint64 }

func (t *tlbCounter) FlushLocal() { t.flushes.Add(1) }

const (
	softirqTimer    = softirq.Timer
	softirqSchedule = softirq.Schedule
)

// New builds the machine described by cfg. Guest RAM is not populated
// until PopulateRAM is called.
func New(cfg *config.Config, opts ...Option) (*Machine, error) {
	m := &Machine{
		cfg:      cfg,
		domains:  make(map[int]*domain.Domain),
		consoles: make(map[int]*console),
	}
	for _, o := range opts {
		o(m)
	}
	if m.clock == nil {
		m.clock = vtimer.NewSystemClock(cfg.Machine.TimerFreq)
	}

	mem, err := mm.New(cfg.Machine.Base, uint64(cfg.Machine.Memory))
	if err != nil {
		return nil, fmt.Errorf("hypervisor: %w", err)
	}
	m.mem = mem
	cu := cleanup.Make(func() { m.Close() })
	defer cu.Clean()

	calls, err := hypercall.NewTable(m.hypercalls(), cfg.Checked)
	if err != nil {
		return nil, fmt.Errorf("hypervisor: %w", err)
	}
	m.printer = diag.NewPrinter(m.diagOut)
	m.printer.Record = m.record

	for _, dc := range cfg.Domains {
		if err := m.addDomain(dc); err != nil {
			return nil, err
		}
	}

	for i := 0; i < cfg.Machine.CPUs; i++ {
		p := &trap.PCPU{ID: i}
		p.Softirq.Open(softirqTimer, m.timerSoftirq)
		p.Softirq.Open(softirqSchedule, func() { slog.Debug("schedule softirq", "cpu", p.ID) })
		m.pcpus = append(m.pcpus, p)
	}

	m.disp, err = trap.New(trap.Config{
		Checked:    cfg.Checked,
		Hypercalls: calls,
		PSCI:       hypercall.NewPSCITable(),
		Coproc:     &cpreg.Emulator{Host: cpreg.CortexA15()},
		Diag:       m.printer,
		IRQ:        timerInjector{},
		Profile:    m.profile,
	})
	if err != nil {
		return nil, fmt.Errorf("hypervisor: %w", err)
	}

	cu.Release()
	slog.Info("machine ready",
		"memory", fmt.Sprintf("%#x+%#x", mem.Base(), mem.Size()),
		"cpus", len(m.pcpus), "domains", len(m.order), "checked", cfg.Checked)
	return m, nil
}

// deviceAlign places devices without a configured base on 64K boundaries.
const deviceAlign = 0x10000

func (m *Machine) addDomain(dc config.Domain) error {
	arch, err := hv.ParseArchitecture(dc.Arch)
	if err != nil {
		return fmt.Errorf("hypervisor: domain %d: %w", dc.ID, err)
	}
	if _, dup := m.domains[dc.ID]; dup {
		return fmt.Errorf("hypervisor: domain %d defined twice", dc.ID)
	}
	bits := dc.IPABits
	if bits == 0 {
		bits = p2m.IPABits
	}
	if bits > p2m.IPABits {
		return fmt.Errorf("hypervisor: domain %d: %d-bit IPA exceeds %d-bit stage-2", dc.ID, bits, p2m.IPABits)
	}

	layout := hv.NewAddressSpace(bits)
	for i, r := range dc.RAM {
		name := r.Name
		if name == "" {
			name = fmt.Sprintf("ram%d", i)
		}
		if err := layout.AddRAM(name, r.Base, uint64(r.Size)); err != nil {
			return fmt.Errorf("hypervisor: domain %d: %w", dc.ID, err)
		}
	}

	d, err := domain.New(domain.Config{ID: dc.ID, Arch: arch, MaxPages: dc.MaxPages, Layout: layout}, m.mem, &m.tlb)
	if err != nil {
		return fmt.Errorf("hypervisor: %w", err)
	}
	m.domains[d.ID] = d
	m.order = append(m.order, d.ID)

	con := newConsole(d.ID, m.consoleOut)
	m.consoles[d.ID] = con

	for _, dev := range dc.MMIO {
		size := uint64(dev.Size)
		if dev.Base == 0 {
			alloc, err := layout.Allocate(hv.MMIOAllocationRequest{Name: dev.Name, Size: size, Alignment: deviceAlign})
			if err != nil {
				return fmt.Errorf("hypervisor: domain %d: %w", d.ID, err)
			}
			dev.Base, size = alloc.Base, alloc.Size
			slog.Debug("device placed", "domain", d.ID, "device", dev.Name, "base", fmt.Sprintf("%#x", dev.Base))
		} else if err := layout.RegisterFixed(dev.Name, dev.Base, size); err != nil {
			return fmt.Errorf("hypervisor: domain %d: %w", d.ID, err)
		}
		switch dev.Kind {
		case config.DevicePassthrough:
			err = d.MapDevice(dev.Base, size, dev.MAddr)
		case config.DeviceConsole:
			err = d.MMIO.Register(mmio.FromDevice(pl011.New(dev.Base, size, con)))
		case config.DeviceRTC:
			err = d.MMIO.Register(mmio.FromDevice(pl031.New(dev.Base, size, m.wallClock)))
		default:
			err = d.MMIO.Register(mmio.FromDevice(hv.NewRegisterBank(dev.Base, size)))
		}
		if err != nil {
			return fmt.Errorf("hypervisor: domain %d device %s: %w", d.ID, dev.Name, err)
		}
	}
	d.MMIO.Seal()

	entry := uint64(0)
	if ram := layout.RAM(); len(ram) > 0 {
		entry = ram[0].Base
	}
	for i := 0; i < max(dc.VCPUs, 1); i++ {
		v := d.AddVCPU(m.clock)
		v.Regs.PC = entry
	}
	return nil
}

// PopulateRAM backs the RAM of every domain. progress receives page
// counts as they are added.
func (m *Machine) PopulateRAM(progress func(pages int)) error {
	for _, id := range m.order {
		if err := m.domains[id].PopulateRAM(progress); err != nil {
			return fmt.Errorf("hypervisor: %w", err)
		}
	}
	return nil
}

// RAMPages is the number of pages PopulateRAM will add.
func (m *Machine) RAMPages() int {
	n := 0
	for _, id := range m.order {
		n += int(m.domains[id].Layout.RAMSize() / mm.PageSize)
	}
	return n
}

func (m *Machine) Domain(id int) (*domain.Domain, error) {
	d, ok := m.domains[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoDomain, id)
	}
	return d, nil
}

// Domains returns the domains in configuration order.
func (m *Machine) Domains() []*domain.Domain {
	out := make([]*domain.Domain, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.domains[id])
	}
	return out
}

func (m *Machine) PCPU(id int) (*trap.PCPU, error) {
	if id < 0 || id >= len(m.pcpus) {
		return nil, fmt.Errorf("%w: %d", ErrNoCPU, id)
	}
	return m.pcpus[id], nil
}

// Devices returns the MMIO regions of domain id, fixed ones first.
func (m *Machine) Devices(id int) ([]hv.MMIOAllocation, error) {
	d, err := m.Domain(id)
	if err != nil {
		return nil, err
	}
	return append(d.Layout.FixedRegions(), d.Layout.Allocations()...), nil
}

// ConsoleLines returns the complete console lines written by domain id.
func (m *Machine) ConsoleLines(id int) []string {
	con, ok := m.consoles[id]
	if !ok {
		return nil
	}
	return con.Lines()
}

// TLBFlushes counts local TLB flushes requested by stage-2 updates.
func (m *Machine) TLBFlushes() uint64 { return m.tlb.flushes.Load() }

// Memory returns the machine memory pool.
func (m *Machine) Memory() *mm.Memory { return m.mem }

// Handle delivers one trap taken by v on physical CPU cpu. far is the
// faulting virtual address for aborts.
func (m *Machine) Handle(cpu int, v *domain.VCPU, raw uint32, far uint64) (trap.Outcome, error) {
	p, err := m.PCPU(cpu)
	if err != nil {
		return trap.OutcomeCrashed, err
	}
	if !v.Domain.Runnable() || !v.Online() {
		return trap.OutcomeCrashed, fmt.Errorf("%w: %s is %s", ErrNotRunning, v, v.Domain.State())
	}
	p.FAR = far
	p.HPFAR = far >> 12 << 4
	p.HCR = hcrGuest
	p.VTCR = vtcrGuest
	p.TTBR0 = v.Domain.P2M.VTTBR()
	return m.disp.Handle(p, v, raw), nil
}

// EL2 controls reported in host state dumps.
const (
	hcrGuest  = 0x80000000 | 0x38 | 0x1 // RW, AMO|IMO|FMO, VM
	vtcrGuest = 0x80000000 | 2<<16 | 3<<12 | 3<<10 | 1<<8 | 1<<6 | 24
)

// Tick raises the timer softirq on cpu, as the host timer interrupt does.
func (m *Machine) Tick(cpu int) error {
	p, err := m.PCPU(cpu)
	if err != nil {
		return err
	}
	p.Softirq.Raise(softirqTimer)
	return nil
}

func (m *Machine) timerSoftirq() {
	for _, id := range m.order {
		for _, v := range m.domains[id].VCPUs() {
			if v.Online() && v.Timer.Pending() {
				v.RaiseIRQ()
			}
		}
	}
}

// timerInjector marks the timer interrupt pending on the vCPU about to
// resume.
type timerInjector struct{}

func (timerInjector) Inject(_ *trap.PCPU, v *domain.VCPU) {
	if v.Timer.Pending() && !v.EventsPending() {
		v.RaiseIRQ()
	}
}

// Close destroys every domain and releases machine memory.
func (m *Machine) Close() error {
	ids := slices.Clone(m.order)
	slices.Reverse(ids)
	for _, id := range ids {
		m.domains[id].Destroy()
	}
	for _, con := range m.consoles {
		con.Flush()
	}
	if m.mem == nil {
		return nil
	}
	err := m.mem.Close()
	m.mem = nil
	return err
}
