package hypervisor

import (
	"bytes"
	"os"
	"testing"
	"unsafe"
)

func TestSlotTableHostOffset(t *testing.T) {
	s := NewSlotTable(os.Getpid())

	s.SetRAM([]GuestRAMRegion{{GuestPhysAddr: 0x1000, HostAddr: 0x7f0000, Len: 0x2000}})
	s.AddSlot(0x10000, 0x800000, 0x1000)

	if _, ok := s.HostOffset(0x500); ok {
		t.Fatalf("HostOffset(0x500) resolved, want not-found (below any region)")
	}

	host, ok := s.HostOffset(0x1500)
	if !ok || host != 0x7f0500 {
		t.Fatalf("HostOffset(0x1500) = %#x, %v; want 0x7f0500, true", host, ok)
	}

	host, ok = s.HostOffset(0x10000)
	if !ok || host != 0x800000 {
		t.Fatalf("HostOffset(0x10000) = %#x, %v; want 0x800000, true", host, ok)
	}

	if _, ok := s.HostOffset(0x11000); ok {
		t.Fatalf("HostOffset(0x11000) resolved, want not-found (past slot end)")
	}
}

// TestSlotTableSetRAMPreservesOwnSlots checks SetRAM's documented contract:
// it replaces only the entries it previously installed via SetRAM, leaving
// AddSlot-registered entries untouched.
func TestSlotTableSetRAMPreservesOwnSlots(t *testing.T) {
	s := NewSlotTable(os.Getpid())

	s.AddSlot(0x20000, 0x900000, 0x1000)
	s.SetRAM([]GuestRAMRegion{{GuestPhysAddr: 0, HostAddr: 0x100000, Len: 0x1000}})
	s.SetRAM([]GuestRAMRegion{{GuestPhysAddr: 0x30000, HostAddr: 0x200000, Len: 0x1000}})

	if _, ok := s.HostOffset(0x20500); !ok {
		t.Fatalf("AddSlot-registered slot was dropped by a later SetRAM call")
	}

	if _, ok := s.HostOffset(0x500); ok {
		t.Fatalf("first SetRAM's region should have been replaced, not kept")
	}

	if _, ok := s.HostOffset(0x30500); !ok {
		t.Fatalf("second SetRAM's region was not installed")
	}
}

// TestSlotTableReadWriteGuest exercises the guest-address path end to end
// against this process's own memory: ProcessVMReadv/Writev against one's
// own pid is always permitted.
func TestSlotTableReadWriteGuest(t *testing.T) {
	backing := make([]byte, 16)
	host := uintptr(unsafe.Pointer(&backing[0]))

	s := NewSlotTable(os.Getpid())
	s.AddSlot(0x4000, host, uintptr(len(backing)))

	want := []byte("0123456789abcdef")
	if err := s.WriteGuest(0x4000, want); err != nil {
		t.Fatalf("WriteGuest: %v", err)
	}

	if !bytes.Equal(backing, want) {
		t.Fatalf("WriteGuest landed as %q, want %q", backing, want)
	}

	got, err := s.ReadGuest(0x4004, 4)
	if err != nil {
		t.Fatalf("ReadGuest: %v", err)
	}

	if !bytes.Equal(got, want[4:8]) {
		t.Fatalf("ReadGuest(0x4004, 4) = %q, want %q", got, want[4:8])
	}

	if _, err := s.ReadGuest(0xdead0000, 4); err == nil {
		t.Fatalf("ReadGuest at an unmapped guest address should fail")
	}
}
