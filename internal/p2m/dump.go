package p2m

import (
	"fmt"
	"io"

	"gvisor.dev/gvisor/pkg/cleanup"
)

// DumpLookup writes the stage-2 walk for gpa, one line per level visited.
func (t *Table) DumpLookup(out io.Writer, gpa uint64) {
	fmt.Fprintf(out, "dom%d IPA %#x\n", t.owner, gpa)
	if gpa >= IPALimit {
		fmt.Fprintf(out, "IPA beyond %d-bit limit\n", IPABits)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dead || !t.allocated {
		fmt.Fprintf(out, "P2M not allocated\n")
		return
	}
	fmt.Fprintf(out, "P2M @ mfn:%#x (%03x,%03x,%03x)\n",
		uint64(t.root), firstIndex(gpa), secondIndex(gpa), thirdIndex(gpa))

	w := &walk{mem: t.mem}
	cu := cleanup.Make(w.release)
	defer cu.Clean()

	first, i, err := t.first(w, gpa)
	if err != nil {
		fmt.Fprintf(out, "cannot map root: %v\n", err)
		return
	}
	e := PTE(first.Entry(i))
	fmt.Fprintf(out, "1ST[%#x] = %s\n", firstIndex(gpa), e)
	if !e.Valid() || !e.Table() {
		return
	}
	second, err := w.level(1, e.Frame())
	if err != nil {
		fmt.Fprintf(out, "cannot map 2ND: %v\n", err)
		return
	}
	e = PTE(second.Entry(secondIndex(gpa)))
	fmt.Fprintf(out, "2ND[%#x] = %s\n", secondIndex(gpa), e)
	if !e.Valid() || !e.Table() {
		return
	}
	third, err := w.level(2, e.Frame())
	if err != nil {
		fmt.Fprintf(out, "cannot map 3RD: %v\n", err)
		return
	}
	fmt.Fprintf(out, "3RD[%#x] = %s\n", thirdIndex(gpa), PTE(third.Entry(thirdIndex(gpa))))
}
