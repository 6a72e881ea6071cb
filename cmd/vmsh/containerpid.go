package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// resolveTarget turns the CLI's target argument into a pid. A bare
// integer is used directly; anything else is treated as a container name
// and resolved by scanning /proc/<pid>/cgroup for a cgroup path containing
// it. Container-PID lookup is listed in spec §1 as an external
// collaborator out of scope for the core, so this is deliberately the
// thinnest lookup that works against both cgroup v1 and v2 layouts, not a
// client for any particular container runtime's API. When a container's
// cgroup holds more than one process (common once a shim and its VMM both
// land in it), typeFilter narrows the match to the one whose /proc/comm
// contains it; an empty typeFilter takes the first match found.
func resolveTarget(target, typeFilter string) (int, error) {
	if pid, err := strconv.Atoi(target); err == nil {
		return pid, nil
	}

	entries, err := os.ReadDir("/proc")
	if err != nil {
		return 0, fmt.Errorf("vmsh: listing /proc: %w", err)
	}

	fallback := -1

	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}

		cgroup, err := os.ReadFile(filepath.Join("/proc", e.Name(), "cgroup"))
		if err != nil || !strings.Contains(string(cgroup), target) {
			continue
		}

		if fallback == -1 {
			fallback = pid
		}

		if typeFilter == "" {
			continue
		}

		comm, err := os.ReadFile(filepath.Join("/proc", e.Name(), "comm"))
		if err == nil && strings.Contains(string(comm), typeFilter) {
			return pid, nil
		}
	}

	if fallback == -1 {
		return 0, fmt.Errorf("vmsh: no container matching %q found under /proc", target)
	}

	if typeFilter != "" {
		return 0, fmt.Errorf("vmsh: container %q found but no process matched --type %q", target, typeFilter)
	}

	return fallback, nil
}
