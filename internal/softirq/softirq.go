// Package softirq is the per-CPU queue of deferred work drained before a
// CPU returns to guest context.
package softirq

import (
	"fmt"
	"math/bits"
	"sync/atomic"
)

type Kind uint

const (
	Timer Kind = iota
	Schedule
	TLBFlushClock
	RCU
	Tasklet

	NumKinds
)

func (k Kind) String() string {
	switch k {
	case Timer:
		return "timer"
	case Schedule:
		return "schedule"
	case TLBFlushClock:
		return "tlbflush-clock"
	case RCU:
		return "rcu"
	case Tasklet:
		return "tasklet"
	}
	return fmt.Sprintf("softirq(%d)", uint(k))
}

// Queue holds the pending softirqs of one physical CPU. Raise may be
// called from any goroutine; Run only from the owning CPU.
type Queue struct {
	pending  atomic.Uint64
	handlers [NumKinds]func()
}

// Open installs the handler for k. It must be called before k is raised.
func (q *Queue) Open(k Kind, fn func()) {
	if k >= NumKinds {
		panic(fmt.Sprintf("softirq: open of invalid kind %d", uint(k)))
	}
	q.handlers[k] = fn
}

// Raise marks k pending.
func (q *Queue) Raise(k Kind) {
	if k >= NumKinds {
		panic(fmt.Sprintf("softirq: raise of invalid kind %d", uint(k)))
	}
	q.pending.Or(1 << k)
}

// Pending reports whether any softirq is waiting.
func (q *Queue) Pending() bool { return q.pending.Load() != 0 }

// Run services every softirq pending on entry, lowest kind first, and
// returns how many handlers ran. Handlers may raise further work; it is
// picked up by the next call.
func (q *Queue) Run() int {
	set := q.pending.Swap(0)
	n := 0
	for set != 0 {
		k := Kind(bits.TrailingZeros64(set))
		set &^= 1 << k
		fn := q.handlers[k]
		if fn == nil {
			panic(fmt.Sprintf("softirq: %s raised with no handler", k))
		}
		fn()
		n++
	}
	return n
}
