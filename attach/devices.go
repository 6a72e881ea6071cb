package attach

import (
	"fmt"

	"github.com/vmsh-go/vmsh/hypervisor"
	"github.com/vmsh-go/vmsh/virtio"
)

// closerFunc adapts a plain function to io.Closer, for hypervisor types
// (PhysMem, IRQFd, IOEventFd) whose own Close method returns no error.
type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func blkMMIOBase() uint64     { return mmioAreaTop - mmioAreaReserve }
func consoleMMIOBase() uint64 { return blkMMIOBase() + deviceStride }

// installDevices allocates virtqueue-backing memory for the block and
// console devices, registers their MMIO windows with the hypervisor, and
// wires dispatch according to opts.MMIOMode (spec §4.7 "Device
// installation").
func (s *session) installDevices(opts Options, gsi uint32) error {
	blkBase := blkMMIOBase()
	consoleBase := consoleMMIOBase()

	blkQueueMem, err := hypervisor.VMAddMem[byte](s.hv, blkBase+mmioWindowLen, queueRegionLen, false)
	if err != nil {
		return fmt.Errorf("attach: allocating blk queue memory: %w", err)
	}

	s.mems = append(s.mems, closerFunc(func() error { blkQueueMem.Close(); return nil }))
	s.slots.AddSlot(blkQueueMem.GuestAddr(), blkQueueMem.Mem().Addr(), uintptr(queueRegionLen))

	blkIRQ, err := s.hv.NewIRQFd(gsi)
	if err != nil {
		return fmt.Errorf("attach: registering blk irqfd: %w", err)
	}

	s.irqs = append(s.irqs, closerFunc(func() error { blkIRQ.Close(); return nil }))

	blk, err := virtio.NewBlk(blkBase, mmioWindowLen, opts.BackingFile, opts.ReadOnly, opts.Flush, s.slots, blkIRQ)
	if err != nil {
		return fmt.Errorf("attach: building blk device: %w", err)
	}

	blkQueueHost, ok := s.slots.HostOffset(blkQueueMem.GuestAddr())
	if !ok {
		return fmt.Errorf("attach: blk queue memory not resolvable through slot table")
	}

	blk.AttachQueue(virtio.NewQueue(s.slots, blkQueueHost))

	rxMem, err := hypervisor.VMAddMem[byte](s.hv, consoleBase+mmioWindowLen, queueRegionLen, false)
	if err != nil {
		return fmt.Errorf("attach: allocating console rx queue memory: %w", err)
	}

	s.mems = append(s.mems, closerFunc(func() error { rxMem.Close(); return nil }))
	s.slots.AddSlot(rxMem.GuestAddr(), rxMem.Mem().Addr(), uintptr(queueRegionLen))

	txMem, err := hypervisor.VMAddMem[byte](s.hv, consoleBase+mmioWindowLen+queueRegionLen, queueRegionLen, false)
	if err != nil {
		return fmt.Errorf("attach: allocating console tx queue memory: %w", err)
	}

	s.mems = append(s.mems, closerFunc(func() error { txMem.Close(); return nil }))
	s.slots.AddSlot(txMem.GuestAddr(), txMem.Mem().Addr(), uintptr(queueRegionLen))

	consoleIRQ, err := s.hv.NewIRQFd(gsi)
	if err != nil {
		return fmt.Errorf("attach: registering console irqfd: %w", err)
	}

	s.irqs = append(s.irqs, closerFunc(func() error { consoleIRQ.Close(); return nil }))

	console := virtio.NewConsole(consoleBase, mmioWindowLen, s.slots, consoleIRQ)

	rxHost, ok := s.slots.HostOffset(rxMem.GuestAddr())
	if !ok {
		return fmt.Errorf("attach: console rx queue memory not resolvable through slot table")
	}

	txHost, ok := s.slots.HostOffset(txMem.GuestAddr())
	if !ok {
		return fmt.Errorf("attach: console tx queue memory not resolvable through slot table")
	}

	console.AttachQueues(virtio.NewQueue(s.slots, rxHost), virtio.NewQueue(s.slots, txHost))

	bus := virtio.NewBus()
	bus.Register(blk)
	bus.Register(console)

	s.devs = &devices{blk: blk, console: console, bus: bus, blkBase: blkBase, consoleBase: consoleBase}

	if opts.MMIOMode == "ioregionfd" {
		return s.installIORegion(blkBase, consoleBase)
	}

	return nil
}

// installIORegion registers one ioregionfd socketpair per device's MMIO
// window, the alternative to syscall-wrap dispatch (spec §4.7, "one
// thread per device, blocked on read() of its response socket").
func (s *session) installIORegion(blkBase, consoleBase uint64) error {
	blkIO, err := s.hv.NewIORegionFd(blkBase, mmioWindowLen)
	if err != nil {
		return fmt.Errorf("attach: registering blk ioregionfd: %w", err)
	}

	s.iors = append(s.iors, closerFunc(func() error { blkIO.Close(); return nil }))

	consoleIO, err := s.hv.NewIORegionFd(consoleBase, mmioWindowLen)
	if err != nil {
		return fmt.Errorf("attach: registering console ioregionfd: %w", err)
	}

	s.iors = append(s.iors, closerFunc(func() error { consoleIO.Close(); return nil }))

	s.devs.blkIOR = blkIO
	s.devs.consoleIOR = consoleIO

	return nil
}
