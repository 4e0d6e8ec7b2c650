package trap

import (
	"errors"
	"fmt"

	"github.com/tinyrange/hyptrap/internal/esr"
)

var (
	ErrNoCondition     = errors.New("trap: conditional trap without a condition outside Thumb")
	ErrStrayITState    = errors.New("trap: IT state set outside 32-bit Thumb")
	ErrS1PTW           = errors.New("trap: stage-2 fault during stage-1 walk")
	ErrSyndromeInvalid = errors.New("trap: instruction syndrome invalid")
	ErrUnhandledMMIO   = errors.New("trap: no MMIO handler accepted the access")
)

// CrashError is a failure that is fatal to the trapping guest but not to
// the hypervisor.
type CrashError struct {
	Syndrome esr.Syndrome
	Err      error
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("trap: guest crash on %s: %v", e.Syndrome, e.Err)
}

func (e *CrashError) Unwrap() error { return e.Err }

// HostPanic is the panic value for traps the hypervisor cannot survive.
type HostPanic struct {
	CPU      int
	Syndrome esr.Syndrome
	Msg      string
}

func (p HostPanic) Error() string {
	return fmt.Sprintf("trap: CPU%d: %s (%s)", p.CPU, p.Msg, p.Syndrome)
}
