package domain

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/hyptrap/internal/mm"
)

// PopulatePhysmap backs 1<<order guest frames at gpfn with a fresh
// machine extent charged to the domain. A frame in the range that is
// already mapped fails the call with ErrMapped and nothing is allocated.
func (d *Domain) PopulatePhysmap(gpfn uint64, order uint) error {
	for i := uint64(0); i < 1<<order; i++ {
		if _, ok := d.P2M.GmfnToMfn(gpfn + i); ok {
			return fmt.Errorf("domain: dom%d populate gpfn %#x: %w", d.ID, gpfn+i, ErrMapped)
		}
	}
	mfn, err := d.mem.AllocPages(mm.Owner(d.ID), int(order))
	if err != nil {
		return fmt.Errorf("domain: dom%d populate gpfn %#x: %w", d.ID, gpfn, err)
	}
	if err := d.P2M.PhysmapAdd(gpfn, mfn, order); err != nil {
		for i := mm.MFN(0); i < 1<<order; i++ {
			d.mem.FreePage(mfn + i)
		}
		return fmt.Errorf("domain: dom%d populate gpfn %#x: %w", d.ID, gpfn, err)
	}
	return nil
}

// DecreaseReservation unmaps 1<<order guest frames at gpfn and returns
// their machine frames to the allocator. The frames need not be
// contiguous. It reports false, and changes nothing, if any frame in the
// range is not backed by a page the domain owns.
func (d *Domain) DecreaseReservation(gpfn uint64, order uint) bool {
	mfns := make([]mm.MFN, 1<<order)
	for i := range mfns {
		mfn, ok := d.P2M.GmfnToMfn(gpfn + uint64(i))
		if !ok || d.mem.OwnerOf(mfn) != mm.Owner(d.ID) {
			return false
		}
		mfns[i] = mfn
	}
	for i, mfn := range mfns {
		d.P2M.PhysmapRemove(gpfn+uint64(i), mfn, 0)
		d.mem.FreePage(mfn)
	}
	slog.Debug("reservation decreased", "domain", d.ID, "gpfn", fmt.Sprintf("%#x", gpfn), "order", order)
	return true
}

// MapDevice gives the guest direct access to device memory at maddr.
func (d *Domain) MapDevice(base, size, maddr uint64) error {
	if err := d.P2M.MapMMIO(base, base+size, maddr); err != nil {
		return fmt.Errorf("domain: dom%d map device %#x: %w", d.ID, base, err)
	}
	return nil
}
