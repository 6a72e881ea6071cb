// Package physalloc picks unused guest physical address ranges for
// vmsh-go to map new memory into, without colliding with ranges the
// hypervisor already uses for guest RAM, MMIO holes, or firmware
// regions (spec §4.6, "Physical memory allocator").
package physalloc

import (
	"fmt"
	"sort"

	"github.com/vmsh-go/vmsh/cpuid"
)

// Region is a half-open guest physical address range, [Start, Start+Len).
type Region struct {
	Start uint64
	Len   uint64
}

func (r Region) end() uint64 { return r.Start + r.Len }

func (r Region) overlaps(o Region) bool {
	return r.Start < o.end() && o.Start < r.end()
}

// Allocator hands out guest physical ranges from the top of the address
// space downward, below any range already known to be in use (spec
// §4.6, "descending allocation cursor").
type Allocator struct {
	maxAddr uint64
	used    []Region
	cursor  uint64
}

// NewAllocator builds an allocator sized by the host CPU's maximum
// physical address width (CPUID leaf 0x80000008) and seeded with the
// memory slots already known to exist.
func NewAllocator(existing []Region) *Allocator {
	physBits, _ := cpuid.AddressWidths()
	if physBits == 0 {
		physBits = 52 // conservative fallback: AMD64 architectural max
	}

	maxAddr := uint64(1) << physBits

	a := &Allocator{maxAddr: maxAddr, cursor: maxAddr}
	a.Reserve(existing...)

	return a
}

// ClampMax lowers the allocator's usable address ceiling to the guest's
// own reported physical address width, when narrower than the host's
// (spec §4.4, "min(host, guest) physical address width"): allocating
// above what the guest's page tables can themselves address would
// produce a range no guest-side mapping could ever reference.
func (a *Allocator) ClampMax(guestPhysBits uint8) {
	if guestPhysBits == 0 {
		return
	}

	max := uint64(1) << guestPhysBits
	if max < a.maxAddr {
		a.maxAddr = max

		if a.cursor > max {
			a.cursor = max
		}
	}
}

// Reserve marks ranges as already in use, so future allocations skip
// over them. Safe to call after allocations have already been made.
func (a *Allocator) Reserve(regions ...Region) {
	a.used = append(a.used, regions...)

	sort.Slice(a.used, func(i, j int) bool { return a.used[i].Start < a.used[j].Start })
}

// Allocate finds a free range of size bytes, page-aligned, at the
// highest guest physical address below the current cursor that does
// not overlap any reserved region, and reserves it.
func (a *Allocator) Allocate(size uint64) (Region, error) {
	const pageSize = 4096

	size = (size + pageSize - 1) &^ (pageSize - 1)

	candidate := a.cursor - size
	candidate &^= pageSize - 1

	for {
		if candidate+size > a.maxAddr {
			return Region{}, fmt.Errorf("physalloc: no space left below %#x for %d bytes", a.maxAddr, size)
		}

		r := Region{Start: candidate, Len: size}

		collided, next := a.firstCollision(r)
		if !collided {
			a.Reserve(r)
			a.cursor = candidate

			return r, nil
		}

		if next < size {
			return Region{}, fmt.Errorf("physalloc: exhausted guest physical address space searching for %d bytes", size)
		}

		candidate = (next - size) &^ (pageSize - 1)
	}
}

// firstCollision reports whether r overlaps any reserved region, and if
// so the start address of that region (useful to jump the search
// cursor below it in one step instead of scanning byte by byte).
func (a *Allocator) firstCollision(r Region) (bool, uint64) {
	for _, u := range a.used {
		if r.overlaps(u) {
			return true, u.Start
		}
	}

	return false, 0
}
