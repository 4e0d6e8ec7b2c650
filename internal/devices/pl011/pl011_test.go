package pl011

import (
	"bytes"
	"testing"
)

func TestTransmit(t *testing.T) {
	var out bytes.Buffer
	u := New(0x1000, 0x1000, &out)
	for _, c := range []byte("hi") {
		if err := u.WriteMMIO(0x1000+RegDR, []byte{c, 0, 0, 0}); err != nil {
			t.Fatalf("write DR: %v", err)
		}
	}
	if out.String() != "hi" {
		t.Fatalf("out = %q", out.String())
	}

	fr := make([]byte, 4)
	if err := u.ReadMMIO(0x1000+RegFR, fr); err != nil {
		t.Fatal(err)
	}
	if fr[0] != FlagTxEmpty|FlagRxEmpty {
		t.Fatalf("FR = %#x", fr[0])
	}
}

func TestControlRegisters(t *testing.T) {
	u := New(0, 0x1000, nil)
	for _, tc := range []struct {
		reg  uint64
		val  byte
		want byte
	}{
		{RegIBRD, 0x1a, 0x1a},
		{RegLCRH, 0x70, 0x70},
		{RegCR, 0x01, 0x01},
		{RegIMSC, 0x10, 0x10},
		{RegRIS, 0xff, 0},
	} {
		if err := u.WriteMMIO(tc.reg, []byte{tc.val}); err != nil {
			t.Fatalf("write %#x: %v", tc.reg, err)
		}
		got := make([]byte, 1)
		if err := u.ReadMMIO(tc.reg, got); err != nil || got[0] != tc.want {
			t.Fatalf("reg %#x = %#x, %v; want %#x", tc.reg, got[0], err, tc.want)
		}
	}
	u.WriteMMIO(RegICR, []byte{0xff})
	got := make([]byte, 1)
	u.ReadMMIO(RegIMSC, got)
	if got[0] != 0 {
		t.Fatalf("IMSC after ICR = %#x", got[0])
	}
}

func TestRejectsBadAccess(t *testing.T) {
	u := New(0x1000, 0x1000, nil)
	if err := u.ReadMMIO(0x1000, make([]byte, 8)); err == nil {
		t.Fatalf("8-byte read accepted")
	}
	if err := u.WriteMMIO(0x2000, []byte{0}); err == nil {
		t.Fatalf("write past the region accepted")
	}
}
