package hypervisor

import (
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/vmsh-go/vmsh/kvmabi"
	"github.com/vmsh-go/vmsh/remotemem"
)

// pageSize is the x86-64 base page size used to align every guest memory
// slot vmsh-go installs.
const pageSize = 4096

func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

// PhysMem is an HvMem plus the guest physical address it was registered
// at and the ioctl-argument memory for KVM_SET_USER_MEMORY_REGION (spec
// §3, "Physical memory (PhysMem<T>)"). Dropping it calls
// KVM_SET_USER_MEMORY_REGION again with memory_size = 0 to delete the
// slot, then drops the underlying HvMem.
type PhysMem[T any] struct {
	h         *Handle
	mem       *remotemem.HvMem[T]
	guestAddr uint64
	slot      uint32
	done      int32
}

// VMAddMem allocates size bytes inside the hypervisor and registers them
// as a new guest memory slot at guestAddr (spec §4.3, "vm_add_mem"). It is
// the only way to create a memory slot; PhysMem's Close reverses it.
func VMAddMem[T any](h *Handle, guestAddr uint64, size uintptr, readonly bool) (*PhysMem[T], error) {
	size = alignUp(size, pageSize)

	h.mu.Lock()
	inj, err := h.injector()
	slot := h.nextSlot
	h.nextSlot++
	h.mu.Unlock()

	if err != nil {
		return nil, err
	}

	mem, err := remotemem.NewHvMem[T](mmapper{inj}, h.pid, size)
	if err != nil {
		return nil, err
	}

	flags := uint32(0)
	if readonly {
		flags |= kvmabi.MemReadonly
	}

	region := kvmabi.UserspaceMemoryRegion{
		Slot:          slot,
		Flags:         flags,
		GuestPhysAddr: guestAddr,
		MemorySize:    uint64(size),
		UserspaceAddr: uint64(mem.Addr()),
	}

	if err := h.setUserMemoryRegion(&region); err != nil {
		mem.Close()

		return nil, fmt.Errorf("hypervisor: vm_add_mem slot=%d addr=%#x: %w", slot, guestAddr, err)
	}

	return &PhysMem[T]{h: h, mem: mem, guestAddr: guestAddr, slot: slot}, nil
}

func (h *Handle) setUserMemoryRegion(region *kvmabi.UserspaceMemoryRegion) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	inj, err := h.injector()
	if err != nil {
		return err
	}

	arg, err := remotemem.NewHvMem[kvmabi.UserspaceMemoryRegion](mmapper{inj}, h.pid, 0)
	if err != nil {
		return err
	}
	defer arg.Close()

	if err := arg.Write(region); err != nil {
		return err
	}

	res, err := inj.Ioctl(h.vmFD, kvmabi.SetUserMemoryRegion, arg.Addr())
	if err != nil {
		return err
	}

	if int64(res) != 0 {
		return fmt.Errorf("hypervisor: KVM_SET_USER_MEMORY_REGION returned %d", int64(res))
	}

	return nil
}

// GuestAddr returns the guest physical address the slot is registered at.
func (p *PhysMem[T]) GuestAddr() uint64 { return p.guestAddr }

// Mem returns the underlying remote-memory handle.
func (p *PhysMem[T]) Mem() *remotemem.HvMem[T] { return p.mem }

// Close deletes the memory slot (KVM_SET_USER_MEMORY_REGION with
// memory_size=0) and unmaps the backing region. Errors are logged and
// swallowed, matching remotemem.HvMem's best-effort cleanup contract.
func (p *PhysMem[T]) Close() {
	if !atomic.CompareAndSwapInt32(&p.done, 0, 1) {
		return
	}

	del := kvmabi.UserspaceMemoryRegion{
		Slot:          p.slot,
		GuestPhysAddr: p.guestAddr,
		MemorySize:    0,
		UserspaceAddr: uint64(p.mem.Addr()),
	}

	if err := p.h.setUserMemoryRegion(&del); err != nil {
		logrus.WithError(err).WithField("slot", p.slot).Warn("hypervisor: failed to delete memory slot during cleanup")
	}

	p.mem.Close()
}
