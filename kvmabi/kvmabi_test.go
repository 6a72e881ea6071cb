package kvmabi

import (
	"testing"
	"unsafe"
)

// TestRunDataMMIOOffsetsMatchLayout pins the manually maintained
// MMIO*Offset constants against RunData's actual field offsets: they are
// used by tracer.Interceptor to address kvm_run.mmio fields directly,
// bypassing the Go struct, so a drift between the two would silently
// corrupt MMIO read completions.
func TestRunDataMMIOOffsetsMatchLayout(t *testing.T) {
	var run RunData

	if got, want := unsafe.Offsetof(run.MMIOPhysAddr), uintptr(MMIOOffset); got != want {
		t.Errorf("MMIOOffset = %d, RunData.MMIOPhysAddr is actually at %d", MMIOOffset, got)
	}

	if got, want := unsafe.Offsetof(run.MMIOData), uintptr(MMIODataOffset); got != want {
		t.Errorf("MMIODataOffset = %d, RunData.MMIOData is actually at %d", MMIODataOffset, got)
	}

	if got, want := unsafe.Offsetof(run.MMIOIsWrite), uintptr(MMIOIsWriteOffset); got != want {
		t.Errorf("MMIOIsWriteOffset = %d, RunData.MMIOIsWrite is actually at %d", MMIOIsWriteOffset, got)
	}
}

// TestUserspaceMemoryRegionLayout guards the one KVM ioctl argument every
// attach depends on: a wrong field order here would make
// KVM_SET_USER_MEMORY_REGION install a slot at the wrong address or size
// without returning an error.
func TestUserspaceMemoryRegionLayout(t *testing.T) {
	var r UserspaceMemoryRegion

	offsets := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"Slot", unsafe.Offsetof(r.Slot), 0},
		{"Flags", unsafe.Offsetof(r.Flags), 4},
		{"GuestPhysAddr", unsafe.Offsetof(r.GuestPhysAddr), 8},
		{"MemorySize", unsafe.Offsetof(r.MemorySize), 16},
		{"UserspaceAddr", unsafe.Offsetof(r.UserspaceAddr), 24},
	}

	for _, o := range offsets {
		if o.got != o.want {
			t.Errorf("UserspaceMemoryRegion.%s offset = %d, want %d", o.name, o.got, o.want)
		}
	}

	if got, want := unsafe.Sizeof(r), uintptr(32); got != want {
		t.Errorf("sizeof(UserspaceMemoryRegion) = %d, want %d", got, want)
	}
}

func TestIORegionSize(t *testing.T) {
	var r IORegion
	if got, want := unsafe.Sizeof(r), uintptr(64); got != want {
		t.Errorf("sizeof(IORegion) = %d, want %d", got, want)
	}
}
