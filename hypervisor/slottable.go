package hypervisor

import (
	"fmt"

	"github.com/vmsh-go/vmsh/remotemem"
)

// SlotTable resolves guest-physical addresses to host-virtual addresses
// across every memory region vmsh-go knows about for one traced process:
// pre-existing guest RAM (ScanGuestRAM's result) and the PhysMem slots it
// registers itself. It implements pagetable.SlotMapper/Reader and
// virtio.GuestMem/RemoteMem without either of those packages importing
// this one (spec §4.5 "SlotMapper", §4.1 "GuestMem").
type SlotTable struct {
	pid     int
	entries []slotEntry
}

type slotEntry struct {
	guestPhys uint64
	hostAddr  uintptr
	len       uintptr
	ram       bool
}

// NewSlotTable builds an empty table for pid.
func NewSlotTable(pid int) *SlotTable {
	return &SlotTable{pid: pid}
}

// SetRAM replaces the pre-existing guest RAM regions (typically
// ScanGuestRAM's result) without disturbing any vmsh-go-owned slots
// already registered via AddSlot.
func (s *SlotTable) SetRAM(regions []GuestRAMRegion) {
	kept := s.entries[:0]

	for _, e := range s.entries {
		if !e.ram {
			kept = append(kept, e)
		}
	}

	s.entries = kept

	for _, r := range regions {
		s.entries = append(s.entries, slotEntry{guestPhys: r.GuestPhysAddr, hostAddr: r.HostAddr, len: r.Len, ram: true})
	}
}

// AddSlot registers one additional memory slot vmsh-go installed itself
// (a PhysMem region), e.g. the stage-1 payload, its Args struct, or
// freshly allocated page tables.
func (s *SlotTable) AddSlot(guestAddr uint64, hostAddr uintptr, length uintptr) {
	s.entries = append(s.entries, slotEntry{guestPhys: guestAddr, hostAddr: hostAddr, len: length})
}

// HostOffset implements pagetable.SlotMapper.
func (s *SlotTable) HostOffset(guestPhys uint64) (uintptr, bool) {
	for _, e := range s.entries {
		if guestPhys >= e.guestPhys && guestPhys < e.guestPhys+uint64(e.len) {
			return e.hostAddr + uintptr(guestPhys-e.guestPhys), true
		}
	}

	return 0, false
}

// ReadBytes implements pagetable.Reader and virtio.RemoteMem: addr is
// already a host-virtual address.
func (s *SlotTable) ReadBytes(addr uintptr, n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := remotemem.ReadBytes(s.pid, addr, buf); err != nil {
		return nil, err
	}

	return buf, nil
}

// WriteBytes implements pagetable.Reader and virtio.RemoteMem.
func (s *SlotTable) WriteBytes(addr uintptr, buf []byte) error {
	return remotemem.WriteBytes(s.pid, addr, buf)
}

// ReadGuest implements virtio.GuestMem, translating a guest-physical
// address through HostOffset before reading.
func (s *SlotTable) ReadGuest(addr uint64, n int) ([]byte, error) {
	host, ok := s.HostOffset(addr)
	if !ok {
		return nil, fmt.Errorf("hypervisor: guest address %#x is outside any known memory region", addr)
	}

	return s.ReadBytes(host, n)
}

// WriteGuest implements virtio.GuestMem and stage1.GuestMem.
func (s *SlotTable) WriteGuest(addr uint64, buf []byte) error {
	host, ok := s.HostOffset(addr)
	if !ok {
		return fmt.Errorf("hypervisor: guest address %#x is outside any known memory region", addr)
	}

	return s.WriteBytes(host, buf)
}
