package diag

// Fault status code groups. The low two bits of the grouped codes hold
// the lookup level.
const (
	fscTrans  = 0x04
	fscAccess = 0x08
	fscPerm   = 0x0c
	fscSEA    = 0x10
	fscSPE    = 0x18
	fscAPE    = 0x11
	fscSEATT  = 0x14
	fscSPETT  = 0x1c
	fscAlign  = 0x21
	fscDebug  = 0x22
	fscLKD    = 0x34
	fscCPR    = 0x3a

	fscLevelMask = 0x3
)

// NoLevel is returned by DecodeFSC for faults not tied to a lookup level.
const NoLevel = -1

// DecodeFSC names a data or instruction fault status code and returns the
// translation level it occurred at, or NoLevel.
func DecodeFSC(fsc uint8) (string, int) {
	fsc &= 0x3f
	level := int(fsc & fscLevelMask)
	switch {
	case fsc&^fscLevelMask == fscTrans:
		return "Translation fault", level
	case fsc&^fscLevelMask == fscAccess:
		return "Access fault", level
	case fsc&^fscLevelMask == fscPerm:
		return "Permission fault", level
	case fsc&^fscLevelMask == fscSEATT:
		return "Sync. Ext. Abort Translation Table", level
	case fsc&^fscLevelMask == fscSPETT:
		return "Sync. Parity. Error Translation Table", level
	}
	switch fsc {
	case fscSEA:
		return "Synchronous External Abort", NoLevel
	case fscSPE:
		return "Memory Access Synchronous Parity Error", NoLevel
	case fscAPE:
		return "Memory Access Asynchronous Parity Error", NoLevel
	case fscAlign:
		return "Alignment Fault", NoLevel
	case fscDebug:
		return "Debug Event", NoLevel
	case fscLKD:
		return "Implementation Fault: Lockdown Abort", NoLevel
	case fscCPR:
		return "Implementation Fault: Coprocessor Abort", NoLevel
	}
	return "Unknown Failure", NoLevel
}

// LevelString formats a level from DecodeFSC for appending to its message.
func LevelString(level int) string {
	switch level {
	case NoLevel:
		return ""
	case 1:
		return " at level 1"
	case 2:
		return " at level 2"
	case 3:
		return " at level 3"
	}
	return " (level invalid)"
}
