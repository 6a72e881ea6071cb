package attach

import (
	"fmt"

	"github.com/vmsh-go/vmsh/hypervisor"
	"github.com/vmsh-go/vmsh/pagetable"
	"github.com/vmsh-go/vmsh/stage1"
)

const pageSize = 4096

// installPayload lays the relocated stage-1 image, its argv strings, and
// its Args struct into one freshly allocated guest memory region, maps
// that region into the guest's own page tables at moduleVirtBase, writes
// Args, and redirects vcpu0 into the payload's entry point (spec §4.8
// steps 4-5).
func (s *session) installPayload(
	opts Options, engine *pagetable.Engine, pml4 uint64, vcpu0 hypervisor.VCPU, img *stage1.Image, gsi uint32,
) error {
	imgLen := alignUp(uint64(len(img.Data)), pageSize)

	argvBlob, argvOffsets := encodeArgv(opts.Command)
	argvOff := imgLen
	argvLen := alignUp(uint64(len(argvBlob)), pageSize)

	argsOff := argvOff + argvLen
	argsLen := alignUp(uint64(stage1.Size), pageSize)

	mappedLen := argsOff + argsLen
	ptEstimate := pagetable.Estimate(mappedLen)

	backing, err := s.alloc.Allocate(mappedLen + ptEstimate)
	if err != nil {
		return fmt.Errorf("attach: allocating stage-1 backing: %w", err)
	}

	mem, err := hypervisor.VMAddMem[byte](s.hv, backing.Start, uintptr(backing.Len), false)
	if err != nil {
		return fmt.Errorf("attach: mapping stage-1 backing: %w", err)
	}

	s.mems = append(s.mems, closerFunc(func() error { mem.Close(); return nil }))
	s.slots.AddSlot(backing.Start, mem.Mem().Addr(), uintptr(backing.Len))

	if err := s.slots.WriteGuest(backing.Start, img.Data); err != nil {
		return fmt.Errorf("attach: writing stage-1 image: %w", err)
	}

	if err := s.slots.WriteGuest(backing.Start+argvOff, argvBlob); err != nil {
		return fmt.Errorf("attach: writing stage-1 argv: %w", err)
	}

	var deviceAddrs [stage1.MaxDevices]uint64
	deviceAddrs[0], deviceAddrs[1] = blkMMIOBase(), consoleMMIOBase()

	args := stage1.Args{
		DeviceAddrs:  deviceAddrs,
		IRQNum:       uint64(gsi),
		DeviceStatus: stage1.StateUndefined,
		DriverStatus: stage1.StateInitializing,
	}

	for i, off := range argvOffsets {
		if i >= stage1.MaxArgv-1 {
			break
		}

		args.Argv[i] = moduleVirtBase + argvOff + off
	}

	if err := s.slots.WriteGuest(backing.Start+argsOff, args.Marshal()); err != nil {
		return fmt.Errorf("attach: writing stage-1 args: %w", err)
	}

	mapping := pagetable.Mapping{VirtAddr: moduleVirtBase, PhysAddr: backing.Start, Len: mappedLen, Writable: true}

	vm, err := engine.MapMemory(pml4, backing.Start+mappedLen, []pagetable.Mapping{mapping})
	if err != nil {
		return fmt.Errorf("attach: mapping stage-1 payload into guest page tables: %w", err)
	}

	s.vm = vm

	regs, err := s.hv.GetRegs(vcpu0)
	if err != nil {
		return err
	}

	hijacked, err := stage1.Hijack(s.slots, stage1.Regs{RIP: regs.RIP, RSP: regs.RSP}, img, moduleVirtBase+argsOff)
	if err != nil {
		return err
	}

	regs.RIP, regs.RSP, regs.RDI = hijacked.RIP, hijacked.RSP, hijacked.RDI

	if err := s.hv.SetRegs(vcpu0, &regs); err != nil {
		return fmt.Errorf("attach: redirecting vCPU into stage-1 entry: %w", err)
	}

	return nil
}

// encodeArgv lays out a NULL-terminated byte blob holding each argv
// string back to back, and returns each string's offset within it.
func encodeArgv(argv []string) ([]byte, []uint64) {
	var blob []byte

	offsets := make([]uint64, 0, len(argv))

	for _, a := range argv {
		offsets = append(offsets, uint64(len(blob)))
		blob = append(blob, []byte(a)...)
		blob = append(blob, 0)
	}

	return blob, offsets
}
