// Package config loads machine descriptions and trap traces from YAML.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/hyptrap/internal/hv"
)

// Size is a byte count. It accepts plain integers or a number followed by
// K, M or G (binary multiples).
type Size uint64

func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	n, err := ParseSize(raw)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*s = Size(n)
	return nil
}

// ParseSize parses a Size value.
func ParseSize(raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimSuffix(strings.TrimSuffix(raw, "iB"), "B")
	shift := 0
	if raw != "" {
		switch raw[len(raw)-1] {
		case 'k', 'K':
			shift = 10
		case 'm', 'M':
			shift = 20
		case 'g', 'G':
			shift = 30
		}
		if shift != 0 {
			raw = raw[:len(raw)-1]
		}
	}
	n, err := strconv.ParseUint(raw, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", raw)
	}
	if shift != 0 && n > ^uint64(0)>>shift {
		return 0, fmt.Errorf("size %q overflows", raw)
	}
	return n << shift, nil
}

// Config is the top level of a machine file.
type Config struct {
	// Checked enables debug hypercalls and argument clobbering.
	Checked  bool     `yaml:"checked"`
	LogLevel string   `yaml:"log_level"`
	Machine  Machine  `yaml:"machine"`
	Domains  []Domain `yaml:"domains"`
}

// Machine describes the host side: the machine memory handed to the
// frame allocator and the physical CPUs serving traps.
type Machine struct {
	Base      uint64 `yaml:"base"`
	Memory    Size   `yaml:"memory"`
	CPUs      int    `yaml:"cpus"`
	TimerFreq uint64 `yaml:"timer_freq"`
}

type Domain struct {
	ID    int    `yaml:"id"`
	Arch  string `yaml:"arch"`
	VCPUs int    `yaml:"vcpus"`
	// MaxPages caps the frames the domain may own. Zero is uncapped.
	MaxPages int      `yaml:"max_pages"`
	IPABits  uint     `yaml:"ipa_bits"`
	RAM      []Region `yaml:"ram"`
	MMIO     []Device `yaml:"mmio"`
}

type Region struct {
	Name string `yaml:"name"`
	Base uint64 `yaml:"base"`
	Size Size   `yaml:"size"`
}

// Device kinds.
const (
	DeviceBank        = "bank"
	DeviceConsole     = "console"
	DeviceRTC         = "rtc"
	DevicePassthrough = "passthrough"
)

// Device is an MMIO region. Passthrough regions are mapped straight to
// MAddr in the stage-2 table; the others trap and are emulated.
type Device struct {
	Name  string `yaml:"name"`
	Kind  string `yaml:"kind"`
	Base  uint64 `yaml:"base"`
	Size  Size   `yaml:"size"`
	MAddr uint64 `yaml:"maddr"`
}

const (
	DefaultMemory    = 64 << 20
	DefaultBase      = 0x40000000
	DefaultTimerFreq = 62500000
	DefaultIPABits   = 40
)

func (c *Config) normalize() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Machine.Base == 0 {
		c.Machine.Base = DefaultBase
	}
	if c.Machine.Memory == 0 {
		c.Machine.Memory = DefaultMemory
	}
	if c.Machine.CPUs == 0 {
		c.Machine.CPUs = 1
	}
	if c.Machine.TimerFreq == 0 {
		c.Machine.TimerFreq = DefaultTimerFreq
	}
	for i := range c.Domains {
		d := &c.Domains[i]
		if d.VCPUs == 0 {
			d.VCPUs = 1
		}
		if d.IPABits == 0 {
			d.IPABits = DefaultIPABits
		}
		for j := range d.MMIO {
			if d.MMIO[j].Kind == "" {
				d.MMIO[j].Kind = DeviceBank
			}
		}
	}
}

// Validate checks the parts of the file that cannot be caught when the
// machine is built.
func (c *Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.Machine.CPUs < 0 {
		return fmt.Errorf("config: machine: %d cpus", c.Machine.CPUs)
	}
	seen := make(map[int]bool)
	for _, d := range c.Domains {
		if seen[d.ID] {
			return fmt.Errorf("config: duplicate domain %d", d.ID)
		}
		seen[d.ID] = true
		if _, err := hv.ParseArchitecture(d.Arch); err != nil {
			return fmt.Errorf("config: domain %d: %w", d.ID, err)
		}
		if len(d.RAM) == 0 {
			return fmt.Errorf("config: domain %d has no RAM", d.ID)
		}
		for _, dev := range d.MMIO {
			switch dev.Kind {
			case DeviceBank, DeviceConsole, DeviceRTC:
			case DevicePassthrough:
				if dev.MAddr == 0 {
					return fmt.Errorf("config: domain %d: device %q: passthrough needs maddr", d.ID, dev.Name)
				}
			default:
				return fmt.Errorf("config: domain %d: device %q: unknown kind %q", d.ID, dev.Name, dev.Kind)
			}
		}
	}
	return nil
}

// Level maps LogLevel onto slog.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: log_level: %w", err)
	}
	return l, nil
}

// Parse decodes and validates a machine file.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}
