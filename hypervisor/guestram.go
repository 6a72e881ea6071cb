package hypervisor

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
)

// GuestRAMRegion is one host-virtual mapping vmsh-go believes backs a
// contiguous run of guest physical memory, recovered heuristically from
// /proc/<pid>/maps rather than by walking the host kernel's authoritative
// kvm_memslots structure directly (spec §4.3 step 2, "harvest existing
// memslots"; see DESIGN.md for why the full rb-tree walk isn't
// attempted).
type GuestRAMRegion struct {
	GuestPhysAddr uint64
	HostAddr      uintptr
	Len           uintptr
}

// minGuestRAMRegion is the smallest private anonymous mapping ScanGuestRAM
// treats as guest RAM rather than heap/stack/library noise.
const minGuestRAMRegion = 2 << 20 // 2 MiB

// ScanGuestRAM parses /proc/<pid>/maps for large private anonymous
// mappings and treats the single largest one as backing guest physical
// address 0 upward, contiguously. That holds for the common
// single-region low-memory layout most lightweight KVM VMMs use; it is
// the best a pure userspace scan can recover without reading the host
// kernel's memslot list directly, and physalloc's top-down, refuse-on-
// collision allocation strategy is the safety net for the cases it gets
// wrong (spec open question, recorded in DESIGN.md).
func ScanGuestRAM(pid int) ([]GuestRAMRegion, error) {
	path := fmt.Sprintf("/proc/%d/maps", pid)

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("hypervisor: open %s: %w", path, err)
	}
	defer f.Close()

	type candidate struct{ lo, hi uintptr }

	var candidates []candidate

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 {
			continue
		}

		perms := fields[1]
		if !strings.HasPrefix(perms, "rw") || !strings.Contains(perms, "p") {
			continue
		}

		if len(fields) > 5 {
			continue // file-backed (library, binary); guest RAM is anonymous
		}

		lo, hi, err := parseAddrRange(fields[0])
		if err != nil {
			continue
		}

		if hi-lo < minGuestRAMRegion {
			continue
		}

		candidates = append(candidates, candidate{lo, hi})
	}

	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("hypervisor: scanning %s: %w", path, err)
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("hypervisor: no guest-RAM-sized mapping found in pid %d", pid)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return (candidates[i].hi - candidates[i].lo) > (candidates[j].hi - candidates[j].lo)
	})

	primary := candidates[0]

	return []GuestRAMRegion{{GuestPhysAddr: 0, HostAddr: primary.lo, Len: primary.hi - primary.lo}}, nil
}
