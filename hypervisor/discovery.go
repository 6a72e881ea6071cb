// Package hypervisor discovers an already-running KVM hypervisor process
// from outside and exposes a typed handle over it: memory-slot
// management, irqfd/ioeventfd/ioregionfd registration, fd transfer, and
// vCPU register access, all funneled through a single tracer at a time
// (spec §3 "Hypervisor handle", §4.3).
package hypervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/vmsh-go/vmsh/tracer"
)

// VCPU describes one discovered vCPU file descriptor and the host-virtual
// mapping of its shared kvm_run page.
type VCPU struct {
	Index int
	FD    int
	Run   tracer.KvmRunMapping
}

// discovered is the result of scanning /proc/<pid>/fd and /proc/<pid>/maps
// before any tracer attaches.
type discovered struct {
	pid   int
	vmFD  int
	vcpus []VCPU
}

var (
	vcpuFdRe  = regexp.MustCompile(`^anon_inode:kvm-vcpu:(\d+)$`)
	vcpuMapRe = regexp.MustCompile(`anon_inode:kvm-vcpu:(\d+)`)
)

// discover walks /proc/<pid>/fd to find the unique VM file descriptor and
// every vCPU file descriptor (spec §4.3 step 1), then /proc/<pid>/maps to
// recover each vCPU's kvm_run mapping (step 3).
func discover(pid int) (*discovered, error) {
	fdDir := fmt.Sprintf("/proc/%d/fd", pid)

	entries, err := os.ReadDir(fdDir)
	if err != nil {
		return nil, fmt.Errorf("hypervisor: read %s: %w", fdDir, err)
	}

	d := &discovered{pid: pid}
	vmFDs := 0

	for _, e := range entries {
		fd, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}

		target, err := os.Readlink(filepath.Join(fdDir, e.Name()))
		if err != nil {
			continue // fd raced closed between readdir and readlink
		}

		switch {
		case target == "anon_inode:kvm-vm":
			vmFDs++
			d.vmFD = fd
		case vcpuFdRe.MatchString(target):
			m := vcpuFdRe.FindStringSubmatch(target)
			idx, _ := strconv.Atoi(m[1])
			d.vcpus = append(d.vcpus, VCPU{Index: idx, FD: fd})
		}
	}

	if vmFDs == 0 {
		return nil, fmt.Errorf("hypervisor: no anon_inode:kvm-vm fd found in pid %d", pid)
	}

	if vmFDs > 1 {
		return nil, fmt.Errorf("hypervisor: %d kvm-vm fds found in pid %d, expected exactly one", vmFDs, pid)
	}

	if len(d.vcpus) == 0 {
		return nil, fmt.Errorf("hypervisor: no vCPU fds found in pid %d", pid)
	}

	if err := attachRunMappings(pid, d.vcpus); err != nil {
		return nil, err
	}

	return d, nil
}

// attachRunMappings scans /proc/<pid>/maps for anon_inode:kvm-vcpu:<n>
// mappings and records the host-virtual base and length on the matching
// VCPU (spec §4.3 step 3).
func attachRunMappings(pid int, vcpus []VCPU) error {
	mapsPath := fmt.Sprintf("/proc/%d/maps", pid)

	data, err := os.ReadFile(mapsPath)
	if err != nil {
		return fmt.Errorf("hypervisor: read %s: %w", mapsPath, err)
	}

	byIndex := make(map[int]*VCPU, len(vcpus))
	for i := range vcpus {
		byIndex[vcpus[i].Index] = &vcpus[i]
	}

	for _, line := range strings.Split(string(data), "\n") {
		m := vcpuMapRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		idx, _ := strconv.Atoi(m[1])

		v, ok := byIndex[idx]
		if !ok {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		lo, hi, err := parseAddrRange(fields[0])
		if err != nil {
			return err
		}

		v.Run = tracer.KvmRunMapping{Addr: lo, Len: hi - lo}
	}

	for _, v := range vcpus {
		if v.Run.Len == 0 {
			return fmt.Errorf("hypervisor: no kvm_run mapping found for vCPU %d", v.Index)
		}
	}

	return nil
}

func parseAddrRange(field string) (lo, hi uintptr, err error) {
	parts := strings.SplitN(field, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("hypervisor: malformed /proc/pid/maps range %q", field)
	}

	loV, err := strconv.ParseUint(parts[0], 16, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("hypervisor: malformed maps range %q: %w", field, err)
	}

	hiV, err := strconv.ParseUint(parts[1], 16, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("hypervisor: malformed maps range %q: %w", field, err)
	}

	return uintptr(loV), uintptr(hiV), nil
}
