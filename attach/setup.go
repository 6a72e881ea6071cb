package attach

import (
	"fmt"

	"github.com/vmsh-go/vmsh/hypervisor"
	"github.com/vmsh-go/vmsh/kernelscan"
	"github.com/vmsh-go/vmsh/pagetable"
	"github.com/vmsh-go/vmsh/physalloc"
	"github.com/vmsh-go/vmsh/stage1"
	"github.com/vmsh-go/vmsh/virtio"
)

// devices holds the two devices Attach installs and the queue memory
// backing them, kept together so workers.go can wire dispatch without
// re-deriving addresses.
type devices struct {
	blk     *virtio.Blk
	console *virtio.Console
	bus     *virtio.Bus

	blkBase, consoleBase uint64

	// blkIOR/consoleIOR are only set in ioregionfd mode.
	blkIOR, consoleIOR *hypervisor.IORegionFd
}

// setup performs every guest-mutating step of an attach: memory
// discovery, stage-1 relocation and mapping, device installation, and
// the vCPU hijack, leaving the hypervisor still in the Injector state
// (spec §4.8 steps 1-5).
func (s *session) setup(opts Options) error {
	gsi, err := GetIRQNum(opts.PID)
	if err != nil {
		return err
	}

	vcpus := s.hv.VCPUs()
	if len(vcpus) == 0 {
		return fmt.Errorf("attach: no vCPUs discovered")
	}

	vcpu0 := vcpus[0]

	guestBits, err := guestPhysAddrWidth(s.hv, vcpu0)
	if err != nil {
		return err
	}

	ram, err := hypervisor.ScanGuestRAM(opts.PID)
	if err != nil {
		return err
	}

	s.slots.SetRAM(ram)

	s.alloc = physalloc.NewAllocator(nil)
	s.alloc.ClampMax(guestBits)

	for _, r := range ram {
		s.alloc.Reserve(physalloc.Region{Start: r.GuestPhysAddr, Len: uint64(r.Len)})
	}

	if w, err := s.hv.WatchMemslots(); err == nil {
		s.watcher = w
	}

	sregs, err := s.hv.GetSregs(vcpu0)
	if err != nil {
		return err
	}

	pml4 := pagetable.PML4Root(&sregs)
	engine := pagetable.New(opts.PID, s.slots, s.slots)

	kernSyms, err := scanKernelSymbols(engine, s.slots, pml4)
	if err != nil {
		return err
	}

	img, err := stage1.Build(opts.Payload, moduleVirtBase, kernSyms)
	if err != nil {
		return fmt.Errorf("attach: building stage-1 payload: %w", err)
	}

	if err := s.installPayload(opts, engine, pml4, vcpu0, img, gsi); err != nil {
		return err
	}

	return s.installDevices(opts, gsi)
}

// guestPhysAddrWidth reads the guest's own reported physical address
// width off CPUID leaf 0x80000008 through the vCPU's CPUID2 list, so
// physalloc never hands out a range the guest's own page tables could
// not address (spec §4.4).
func guestPhysAddrWidth(hv *hypervisor.Handle, vcpu hypervisor.VCPU) (uint8, error) {
	entries, err := hv.GetCPUID2(vcpu)
	if err != nil {
		return 0, err
	}

	for _, e := range entries {
		if e.Function == 0x80000008 {
			return uint8(e.Eax & 0xff), nil
		}
	}

	return 0, nil // no such leaf reported; ClampMax(0) is a no-op
}

// scanKernelSymbols walks the guest's PML4 for the kernel image range,
// picks its read-only run, and builds a symbol table from it (spec §4.6
// steps 1-5).
func scanKernelSymbols(engine *pagetable.Engine, slots *hypervisor.SlotTable, pml4 uint64) (kernelscan.SymbolTable, error) {
	const (
		kernelTextLow  = 0xFFFFFFFF80000000
		kernelTextHigh = 0xFFFFFFFFC0000000
	)

	leaves, err := engine.Walk(pml4, kernelTextLow, kernelTextHigh-kernelTextLow)
	if err != nil {
		return nil, fmt.Errorf("attach: walking kernel page tables: %w", err)
	}

	runs := kernelscan.CoalesceRuns(leaves)

	run, ok := kernelscan.PickReadOnlyRun(runs)
	if !ok {
		return nil, kernelscan.ErrNotFound
	}

	buf, err := readRun(slots, leaves, run)
	if err != nil {
		return nil, err
	}

	return kernelscan.Scan(buf, run.VirtAddr)
}

func readRun(slots *hypervisor.SlotTable, leaves []pagetable.Leaf, run kernelscan.MappedRun) ([]byte, error) {
	buf := make([]byte, 0, run.Len)

	for _, l := range leaves {
		if l.VirtAddr < run.VirtAddr || l.VirtAddr >= run.VirtAddr+run.Len || !l.Present() {
			continue
		}

		step := uint64(4096)

		switch l.Level {
		case 1:
			step = 1 << 21
		case 2:
			step = 1 << 30
		}

		host, ok := slots.HostOffset(l.PhysAddr())
		if !ok {
			return nil, fmt.Errorf("attach: kernel run physical address %#x is outside any mapped slot", l.PhysAddr())
		}

		b, err := slots.ReadBytes(host, int(step))
		if err != nil {
			return nil, err
		}

		buf = append(buf, b...)
	}

	return buf, nil
}

func alignUp(v, align uint64) uint64 { return (v + align - 1) &^ (align - 1) }
