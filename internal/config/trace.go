package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/hyptrap/internal/esr"
)

// Trace is a recorded sequence of traps to replay against a machine.
type Trace struct {
	Events []Event `yaml:"events"`
}

// Event is one trap. The syndrome is given either raw in ESR or as a
// class name plus ISS.
type Event struct {
	Name   string `yaml:"name"`
	CPU    int    `yaml:"cpu"`
	Domain int    `yaml:"domain"`
	VCPU   int    `yaml:"vcpu"`

	ESR   *uint32 `yaml:"esr"`
	Class string  `yaml:"class"`
	ISS   uint32  `yaml:"iss"`
	// Thumb16 marks a 16-bit instruction (IL clear).
	Thumb16 bool `yaml:"thumb16"`

	FAR  uint64 `yaml:"far"`
	Regs Regs   `yaml:"regs"`
	// Expect is the outcome name the replay must produce, if set.
	Expect string `yaml:"expect"`
}

// Regs presets registers before the trap. Keys are "pc", "cpsr" or a
// register number optionally prefixed with r or x.
type Regs map[string]uint64

// RegIndex returns the register number of key, or -1 for pc and -2 for cpsr.
func RegIndex(key string) (int, error) {
	switch k := strings.ToLower(key); k {
	case "pc":
		return -1, nil
	case "cpsr":
		return -2, nil
	default:
		k = strings.TrimLeft(k, "rx")
		n, err := strconv.Atoi(k)
		if err != nil || n < 0 || n > 31 {
			return 0, fmt.Errorf("config: bad register %q", key)
		}
		return n, nil
	}
}

var classNames = func() map[string]esr.Class {
	m := make(map[string]esr.Class)
	for c := esr.Class(0); c < 0x40; c++ {
		if s := c.String(); !strings.HasPrefix(s, "class(") {
			m[s] = c
		}
	}
	return m
}()

// Syndrome returns the raw syndrome of e.
func (e *Event) Syndrome() (uint32, error) {
	if e.ESR != nil {
		return *e.ESR, nil
	}
	c, ok := classNames[strings.ToLower(e.Class)]
	if !ok {
		return 0, fmt.Errorf("config: event %q: unknown class %q", e.Name, e.Class)
	}
	return esr.Encode(c, !e.Thumb16, e.ISS), nil
}

func ParseTrace(data []byte) (*Trace, error) {
	var t Trace
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("config: parse trace: %w", err)
	}
	for i := range t.Events {
		e := &t.Events[i]
		if e.Name == "" {
			e.Name = fmt.Sprintf("event%d", i)
		}
		if _, err := e.Syndrome(); err != nil {
			return nil, err
		}
		for k := range e.Regs {
			if _, err := RegIndex(k); err != nil {
				return nil, fmt.Errorf("event %q: %w", e.Name, err)
			}
		}
	}
	return &t, nil
}

func LoadTrace(path string) (*Trace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return ParseTrace(data)
}
