// Package hyptrap emulates the trap path of an ARM hypervisor. A Machine
// is built from a YAML description of physical memory, CPUs and guest
// domains; guest exits are fed to it as syndrome values, usually by
// replaying a Trace, and it dispatches them the way the hypervisor's
// exception entry would: hypercalls, PSCI, coprocessor accesses, MMIO
// data aborts and WFI/WFE.
package hyptrap

import (
	"github.com/tinyrange/hyptrap/internal/config"
	"github.com/tinyrange/hyptrap/internal/hypervisor"
	"github.com/tinyrange/hyptrap/internal/timeslice"
	"github.com/tinyrange/hyptrap/internal/trap"
)

// Machine is an emulated host with its guest domains.
type Machine = hypervisor.Machine

// Option configures a Machine.
type Option = hypervisor.Option

// Result reports how one replayed trap was handled.
type Result = hypervisor.Result

// Outcome says how a guest continues after a trap.
type Outcome = trap.Outcome

// Config describes the host and its domains.
type Config = config.Config

// Trace is a sequence of guest exits to replay.
type Trace = config.Trace

// Profile accumulates per-trap-class timings.
type Profile = timeslice.Recorder

// HostPanic is the value a Machine panics with when a trap cannot be
// survived by the host.
type HostPanic = trap.HostPanic

const (
	OutcomeResumed      = trap.OutcomeResumed
	OutcomeContinuation = trap.OutcomeContinuation
	OutcomeInjected     = trap.OutcomeInjected
	OutcomeCrashed      = trap.OutcomeCrashed
)

var (
	ErrUnexpectedOutcome = hypervisor.ErrUnexpectedOutcome
	ErrNotRunning        = hypervisor.ErrNotRunning
	ErrNoDomain          = hypervisor.ErrNoDomain
)

var (
	WithDiagnostics = hypervisor.WithDiagnostics
	WithRecorder    = hypervisor.WithRecorder
	WithProfile     = hypervisor.WithProfile
	WithConsole     = hypervisor.WithConsole
	WithClock       = hypervisor.WithClock
	WithWallClock   = hypervisor.WithWallClock
)

// New builds a Machine. Guest RAM is not backed until PopulateRAM is called.
func New(cfg *Config, opts ...Option) (*Machine, error) {
	return hypervisor.New(cfg, opts...)
}

// NewProfile returns an empty Profile for use with WithProfile.
func NewProfile() *Profile { return timeslice.NewRecorder() }

// ParseConfig parses a machine description.
func ParseConfig(data []byte) (*Config, error) { return config.Parse(data) }

// LoadConfig reads a machine description from a file.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// ParseTrace parses a trap trace.
func ParseTrace(data []byte) (*Trace, error) { return config.ParseTrace(data) }

// LoadTrace reads a trap trace from a file.
func LoadTrace(path string) (*Trace, error) { return config.LoadTrace(path) }
