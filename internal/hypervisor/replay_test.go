package hypervisor

import (
	"errors"
	"strings"
	"testing"

	"github.com/tinyrange/hyptrap/internal/config"
	"github.com/tinyrange/hyptrap/internal/trap"
)

const traceYAML = `
events:
  - name: clidr
    domain: 1
    class: cp15_32
    iss: 0x1e24061   # AL, mrc p15, 1, r3, c0, c0, 1
    regs: {cpsr: 0x1d3, pc: 0x80000100}
    expect: resumed
  - name: version
    domain: 2
    class: hvc64
    iss: 0xea1
    regs: {x16: 17, x0: 0}
    expect: resumed
  - name: bad-tag
    domain: 1
    class: hvc32
    iss: 0x1234
    expect: crashed
  - name: after-crash
    domain: 1
    class: wfi/wfe
    iss: 0x1e00000
    expect: resumed
`

func TestReplay(t *testing.T) {
	tm := newMachine(t)
	tr, err := config.ParseTrace([]byte(traceYAML))
	if err != nil {
		t.Fatalf("ParseTrace: %v", err)
	}

	var results []Result
	err = tm.Replay(tr, func(r Result) { results = append(results, r) })
	if !errors.Is(err, ErrUnexpectedOutcome) || !strings.Contains(err.Error(), `"after-crash": got skipped`) {
		t.Fatalf("Replay err = %v", err)
	}
	if strings.Count(err.Error(), "unexpected outcome") != 1 {
		t.Fatalf("Replay reported extra mismatches: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Outcome != trap.OutcomeResumed || results[0].PC != 0x80000104 {
		t.Fatalf("clidr = %+v", results[0])
	}
	v := tm.vcpu(t, 1, 0)
	if v.Regs.Get(3) != 0x0a200023 {
		t.Fatalf("r3 = %#x", v.Regs.Get(3))
	}
	if got := int64(tm.vcpu(t, 2, 0).Regs.Get(0)); got != VersionMajor<<16|VersionMinor {
		t.Fatalf("version = %#x", got)
	}
	if !results[3].Skipped || results[3].VCPU != "d1v0" {
		t.Fatalf("after-crash = %+v", results[3])
	}
}

func TestReplayUnknownDomain(t *testing.T) {
	tm := newMachine(t)
	tr := &config.Trace{Events: []config.Event{{Name: "x", Domain: 9, Class: "hvc64"}}}
	if err := tm.Replay(tr, nil); !errors.Is(err, ErrNoDomain) {
		t.Fatalf("Replay err = %v", err)
	}
}
