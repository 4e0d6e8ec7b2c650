package esr

// DataAbort is the ISS of a data abort (ClassDataAbortLow/Hyp).
type DataAbort struct {
	FSC      uint8 // DFSC[5:0]
	Write    bool  // WnR[6]
	S1PTW    bool  // S1PTW[7]
	Cache    bool  // CM[8]
	External bool  // EA[9]
	Reg      uint8 // SRT[20:16]
	Sign     bool  // SSE[21]
	Size     uint8 // SAS[23:22], log2 of the access size in bytes
	Valid    bool  // ISV[24]
}

// AccessBytes returns the size of the access in bytes.
func (d DataAbort) AccessBytes() int { return 1 << d.Size }

func (s Syndrome) DataAbort() DataAbort {
	iss := s.ISS
	return DataAbort{
		FSC:      uint8(bits(iss, 0, 6)),
		Write:    bit(iss, 6),
		S1PTW:    bit(iss, 7),
		Cache:    bit(iss, 8),
		External: bit(iss, 9),
		Reg:      uint8(bits(iss, 16, 5)),
		Sign:     bit(iss, 21),
		Size:     uint8(bits(iss, 22, 2)),
		Valid:    bit(iss, 24),
	}
}

// ISS packs d back into its syndrome layout.
func (d DataAbort) ISS() uint32 {
	iss := uint32(d.FSC&0x3f) | uint32(d.Reg&0x1f)<<16 | uint32(d.Size&3)<<22
	for _, b := range []struct {
		set bool
		n   uint
	}{{d.Write, 6}, {d.S1PTW, 7}, {d.Cache, 8}, {d.External, 9}, {d.Sign, 21}, {d.Valid, 24}} {
		if b.set {
			iss |= 1 << b.n
		}
	}
	return iss
}

// CP32 is the ISS of an MCR/MRC trap.
type CP32 struct {
	Read bool // direction[0]: 1 = MRC (read into Rt)
	CRm  uint8
	Reg  uint8
	CRn  uint8
	Op1  uint8
	Op2  uint8
	key  uint32
}

const (
	cp32CRmMask = 0x0000001e
	cp32CRnMask = 0x00003c00
	cp32Op1Mask = 0x0001c000
	cp32Op2Mask = 0x000e0000

	// CP32RegsMask selects the bits of a CP32 ISS that identify the register.
	CP32RegsMask = cp32Op1Mask | cp32Op2Mask | cp32CRnMask | cp32CRmMask
)

func (s Syndrome) CP32() CP32 {
	iss := s.ISS
	return CP32{
		Read: bit(iss, 0),
		CRm:  uint8(bits(iss, 1, 4)),
		Reg:  uint8(bits(iss, 5, 4)),
		CRn:  uint8(bits(iss, 10, 4)),
		Op1:  uint8(bits(iss, 14, 3)),
		Op2:  uint8(bits(iss, 17, 3)),
		key:  iss & CP32RegsMask,
	}
}

// Key identifies the accessed register, comparable with CP32Key.
func (c CP32) Key() uint32 { return c.key }

// CP32Key returns the register identity of p15, op1, crn, crm, op2.
func CP32Key(op1, crn, crm, op2 uint8) uint32 {
	return uint32(op1&7)<<14 | uint32(crn&0xf)<<10 | uint32(crm&0xf)<<1 | uint32(op2&7)<<17
}

// EncodeCP32 builds the ISS for an MCR (read=false) or MRC (read=true).
func EncodeCP32(key uint32, reg uint8, read bool) uint32 {
	iss := key&CP32RegsMask | uint32(reg&0xf)<<5
	if read {
		iss |= 1
	}
	return iss
}

// CP64 is the ISS of an MCRR/MRRC trap.
type CP64 struct {
	Read bool
	CRm  uint8
	Reg1 uint8
	Reg2 uint8
	Op1  uint8
	key  uint32
}

const (
	cp64CRmMask = 0x0000001e
	cp64Op1Mask = 0x000f0000

	// CP64RegsMask selects the bits of a CP64 ISS that identify the register.
	CP64RegsMask = cp64Op1Mask | cp64CRmMask
)

func (s Syndrome) CP64() CP64 {
	iss := s.ISS
	return CP64{
		Read: bit(iss, 0),
		CRm:  uint8(bits(iss, 1, 4)),
		Reg1: uint8(bits(iss, 5, 4)),
		Reg2: uint8(bits(iss, 10, 4)),
		Op1:  uint8(bits(iss, 16, 4)),
		key:  iss & CP64RegsMask,
	}
}

func (c CP64) Key() uint32 { return c.key }

// CP64Key returns the register identity of p15, op1, crm.
func CP64Key(op1, crm uint8) uint32 {
	return uint32(op1&0xf)<<16 | uint32(crm&0xf)<<1
}

func EncodeCP64(key uint32, reg1, reg2 uint8, read bool) uint32 {
	iss := key&CP64RegsMask | uint32(reg1&0xf)<<5 | uint32(reg2&0xf)<<10
	if read {
		iss |= 1
	}
	return iss
}

// SysReg is the ISS of an AArch64 MSR/MRS trap.
type SysReg struct {
	Read bool
	CRm  uint8
	Reg  uint8
	CRn  uint8
	Op1  uint8
	Op2  uint8
	Op0  uint8
	key  uint32
}

const (
	sysRegCRmMask = 0x0000001e
	sysRegCRnMask = 0x00003c00
	sysRegOp1Mask = 0x0001c000
	sysRegOp2Mask = 0x000e0000
	sysRegOp0Mask = 0x00300000

	// SysRegRegsMask selects the bits of a SYSREG ISS that identify the register.
	SysRegRegsMask = sysRegOp0Mask | sysRegOp1Mask | sysRegCRnMask | sysRegCRmMask | sysRegOp2Mask
)

func (s Syndrome) SysReg() SysReg {
	iss := s.ISS
	return SysReg{
		Read: bit(iss, 0),
		CRm:  uint8(bits(iss, 1, 4)),
		Reg:  uint8(bits(iss, 5, 5)),
		CRn:  uint8(bits(iss, 10, 4)),
		Op1:  uint8(bits(iss, 14, 3)),
		Op2:  uint8(bits(iss, 17, 3)),
		Op0:  uint8(bits(iss, 20, 2)),
		key:  iss & SysRegRegsMask,
	}
}

func (r SysReg) Key() uint32 { return r.key }

// SysRegKey returns the register identity of S<op0>_<op1>_C<crn>_C<crm>_<op2>.
func SysRegKey(op0, op1, crn, crm, op2 uint8) uint32 {
	return uint32(op0&3)<<20 | uint32(op1&7)<<14 | uint32(crn&0xf)<<10 | uint32(crm&0xf)<<1 | uint32(op2&7)<<17
}

func EncodeSysReg(key uint32, reg uint8, read bool) uint32 {
	iss := key&SysRegRegsMask | uint32(reg&0x1f)<<5
	if read {
		iss |= 1
	}
	return iss
}

// Imm16 returns the immediate of an HVC or SMC instruction.
func (s Syndrome) Imm16() uint16 { return uint16(s.ISS) }

// WFE reports whether a WFx trap came from WFE rather than WFI.
func (s Syndrome) WFE() bool { return bit(s.ISS, 0) }
