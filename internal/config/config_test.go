package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/hyptrap/internal/esr"
)

const machineYAML = `
checked: true
log_level: debug
machine:
  memory: 16M
  cpus: 2
domains:
  - id: 1
    arch: arm32
    max_pages: 2048
    ram:
      - name: ram0
        base: 0x80000000
        size: 8M
    mmio:
      - name: uart
        kind: console
        base: 0x1c090000
        size: 0x1000
      - name: scratch
        base: 0x1c0a0000
        size: 4K
  - id: 2
    arch: aarch64
    vcpus: 2
    ram:
      - base: 0x40000000
        size: 1048576
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machine.yaml")
	if err := os.WriteFile(path, []byte(machineYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !c.Checked || c.Machine.CPUs != 2 || c.Machine.Memory != 16<<20 {
		t.Fatalf("machine = %+v checked=%v", c.Machine, c.Checked)
	}
	if c.Machine.Base != DefaultBase || c.Machine.TimerFreq != DefaultTimerFreq {
		t.Fatalf("defaults not applied: %+v", c.Machine)
	}
	if lvl, _ := c.Level(); lvl != slog.LevelDebug {
		t.Fatalf("level = %v", lvl)
	}

	want := Domain{
		ID:       1,
		Arch:     "arm32",
		VCPUs:    1,
		MaxPages: 2048,
		IPABits:  DefaultIPABits,
		RAM:      []Region{{Name: "ram0", Base: 0x80000000, Size: 8 << 20}},
		MMIO: []Device{
			{Name: "uart", Kind: DeviceConsole, Base: 0x1c090000, Size: 0x1000},
			{Name: "scratch", Kind: DeviceBank, Base: 0x1c0a0000, Size: 4096},
		},
	}
	if diff := cmp.Diff(want, c.Domains[0]); diff != "" {
		t.Fatalf("domain 1 mismatch (-want +got):\n%s", diff)
	}
	if c.Domains[1].VCPUs != 2 || c.Domains[1].RAM[0].Size != 1<<20 {
		t.Fatalf("domain 2 = %+v", c.Domains[1])
	}
}

func TestParseRejects(t *testing.T) {
	for _, tc := range []struct {
		name string
		yaml string
		want string
	}{
		{"level", "log_level: loud\n", "log_level"},
		{"arch", "domains: [{id: 1, arch: x86, ram: [{base: 0, size: 4K}]}]\n", "unknown architecture"},
		{"duplicate", "domains: [{id: 1, arch: arm64, ram: [{size: 4K}]}, {id: 1, arch: arm64, ram: [{size: 4K}]}]\n", "duplicate"},
		{"no ram", "domains: [{id: 1, arch: arm64}]\n", "no RAM"},
		{"kind", "domains: [{id: 1, arch: arm64, ram: [{size: 4K}], mmio: [{name: gic, kind: gicv2}]}]\n", "unknown kind"},
		{"passthrough", "domains: [{id: 1, arch: arm64, ram: [{size: 4K}], mmio: [{name: gic, kind: passthrough}]}]\n", "needs maddr"},
		{"size", "machine: {memory: lots}\n", "invalid size"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Parse error = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestParseSize(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want uint64
	}{
		{"4096", 4096},
		{"0x2000", 0x2000},
		{"4K", 4096},
		{"2MiB", 2 << 20},
		{"1G", 1 << 30},
		{"16MB", 16 << 20},
	} {
		got, err := ParseSize(tc.in)
		if err != nil || got != tc.want {
			t.Fatalf("ParseSize(%q) = %d, %v; want %d", tc.in, got, err, tc.want)
		}
	}
	if _, err := ParseSize("99999999999999G"); err == nil {
		t.Fatalf("overflow accepted")
	}
}

const traceYAML = `
events:
  - name: clidr
    domain: 1
    class: cp15_32
    iss: 0x1e20c23
    regs: {pc: 0x80000000, r3: 7}
    expect: resumed
  - esr: 0x5a000ea1
    regs: {x16: 17}
  - class: data_abort_guest
    thumb16: true
    far: 0x1c090000
`

func TestParseTrace(t *testing.T) {
	tr, err := ParseTrace([]byte(traceYAML))
	if err != nil {
		t.Fatalf("ParseTrace: %v", err)
	}
	if len(tr.Events) != 3 {
		t.Fatalf("events = %d", len(tr.Events))
	}

	raw, _ := tr.Events[0].Syndrome()
	syn := esr.Decode(raw)
	if syn.Class != esr.ClassCP15_32 || !syn.Len32 || syn.ISS != 0x1e20c23 {
		t.Fatalf("event 0 syndrome = %s", syn)
	}
	if tr.Events[0].Regs["pc"] != 0x80000000 || tr.Events[0].Expect != "resumed" {
		t.Fatalf("event 0 = %+v", tr.Events[0])
	}

	raw, _ = tr.Events[1].Syndrome()
	if raw != 0x5a000ea1 || tr.Events[1].Name != "event1" {
		t.Fatalf("event 1 = %#x %q", raw, tr.Events[1].Name)
	}

	raw, _ = tr.Events[2].Syndrome()
	if syn := esr.Decode(raw); syn.Class != esr.ClassDataAbortLow || syn.Len32 {
		t.Fatalf("event 2 syndrome = %s", syn)
	}
}

func TestRegIndex(t *testing.T) {
	for key, want := range map[string]int{"pc": -1, "CPSR": -2, "r12": 12, "x30": 30, "5": 5} {
		if got, err := RegIndex(key); err != nil || got != want {
			t.Fatalf("RegIndex(%q) = %d, %v", key, got, err)
		}
	}
	if _, err := ParseTrace([]byte("events: [{class: hvc64, regs: {y1: 0}}]")); err == nil {
		t.Fatalf("bad register accepted")
	}
	if _, err := ParseTrace([]byte("events: [{class: bogus}]")); err == nil {
		t.Fatalf("bad class accepted")
	}
}
