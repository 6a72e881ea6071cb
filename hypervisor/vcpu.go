package hypervisor

import (
	"fmt"

	"github.com/vmsh-go/vmsh/kvmabi"
	"github.com/vmsh-go/vmsh/remotemem"
)

// vcpuIoctlOut allocates a zeroed T in remote memory, injects a read-style
// ioctl against vcpu's fd with it, and returns what the kernel left there.
func vcpuIoctlOut[T any](h *Handle, vcpu VCPU, req uint64) (T, error) {
	var zero T

	h.mu.Lock()
	inj, err := h.injector()
	h.mu.Unlock()

	if err != nil {
		return zero, err
	}

	mem, err := remotemem.NewHvMem[T](mmapper{inj}, h.pid, 0)
	if err != nil {
		return zero, err
	}
	defer mem.Close()

	res, err := inj.Ioctl(vcpu.FD, req, mem.Addr())
	if err != nil {
		return zero, err
	}

	if int64(res) < 0 {
		return zero, fmt.Errorf("hypervisor: vcpu %d ioctl %#x returned %d", vcpu.Index, req, int64(res))
	}

	return mem.Read()
}

func vcpuIoctlIn[T any](h *Handle, vcpu VCPU, req uint64, val *T) error {
	h.mu.Lock()
	inj, err := h.injector()
	h.mu.Unlock()

	if err != nil {
		return err
	}

	mem, err := remotemem.NewHvMem[T](mmapper{inj}, h.pid, 0)
	if err != nil {
		return err
	}
	defer mem.Close()

	if err := mem.Write(val); err != nil {
		return err
	}

	res, err := inj.Ioctl(vcpu.FD, req, mem.Addr())
	if err != nil {
		return err
	}

	if int64(res) < 0 {
		return fmt.Errorf("hypervisor: vcpu %d ioctl %#x returned %d", vcpu.Index, req, int64(res))
	}

	return nil
}

// GetRegs reads the vCPU's general-purpose registers (spec §4.3,
// "get_regs/set_regs").
func (h *Handle) GetRegs(vcpu VCPU) (kvmabi.Regs, error) {
	return vcpuIoctlOut[kvmabi.Regs](h, vcpu, kvmabi.GetRegs)
}

// SetRegs writes the vCPU's general-purpose registers.
func (h *Handle) SetRegs(vcpu VCPU, regs *kvmabi.Regs) error {
	return vcpuIoctlIn(h, vcpu, kvmabi.SetRegs, regs)
}

// GetSregs reads the vCPU's special (segment/control) registers, needed
// to resolve CR3 for a page-table walk (spec §4.5).
func (h *Handle) GetSregs(vcpu VCPU) (kvmabi.Sregs, error) {
	return vcpuIoctlOut[kvmabi.Sregs](h, vcpu, kvmabi.GetSregs)
}

// SetSregs writes the vCPU's special registers.
func (h *Handle) SetSregs(vcpu VCPU, sregs *kvmabi.Sregs) error {
	return vcpuIoctlIn(h, vcpu, kvmabi.SetSregs, sregs)
}

// GetFPURegs reads the vCPU's FPU/SSE state.
func (h *Handle) GetFPURegs(vcpu VCPU) (kvmabi.FpuRegs, error) {
	return vcpuIoctlOut[kvmabi.FpuRegs](h, vcpu, kvmabi.GetFPURegs)
}

// maxMSRs bounds the fixed-size buffer used for KVM_GET_MSRS requests.
const maxMSRs = 32

// msrListBuf mirrors struct kvm_msrs with a fixed nmsrs entry array, the
// layout KVM_GET_MSRS expects as its ioctl argument.
type msrListBuf struct {
	Nmsrs   uint32
	Padding uint32
	Entries [maxMSRs]kvmabi.MSREntry
}

// GetMSRs reads the requested model-specific registers from the vCPU.
func (h *Handle) GetMSRs(vcpu VCPU, indices []uint32) ([]kvmabi.MSREntry, error) {
	if len(indices) > maxMSRs {
		return nil, fmt.Errorf("hypervisor: GetMSRs: %d indices exceeds limit %d", len(indices), maxMSRs)
	}

	var buf msrListBuf

	buf.Nmsrs = uint32(len(indices))
	for i, idx := range indices {
		buf.Entries[i].Index = idx
	}

	h.mu.Lock()
	inj, err := h.injector()
	h.mu.Unlock()

	if err != nil {
		return nil, err
	}

	mem, err := remotemem.NewHvMem[msrListBuf](mmapper{inj}, h.pid, 0)
	if err != nil {
		return nil, err
	}
	defer mem.Close()

	if err := mem.Write(&buf); err != nil {
		return nil, err
	}

	res, err := inj.Ioctl(vcpu.FD, kvmabi.GetMSRs, mem.Addr())
	if err != nil {
		return nil, err
	}

	if int64(res) < 0 {
		return nil, fmt.Errorf("hypervisor: KVM_GET_MSRS returned %d", int64(res))
	}

	out, err := mem.Read()
	if err != nil {
		return nil, err
	}

	n := int(res)
	if n > len(out.Entries) {
		n = len(out.Entries)
	}

	return out.Entries[:n], nil
}

// GetCPUID2 reads the CPUID leaves KVM currently exposes to the vCPU.
func (h *Handle) GetCPUID2(vcpu VCPU) ([]kvmabi.CPUIDEntry2, error) {
	var req kvmabi.CPUID

	req.Nent = kvmabi.MaxCPUIDEntries

	h.mu.Lock()
	inj, err := h.injector()
	h.mu.Unlock()

	if err != nil {
		return nil, err
	}

	mem, err := remotemem.NewHvMem[kvmabi.CPUID](mmapper{inj}, h.pid, 0)
	if err != nil {
		return nil, err
	}
	defer mem.Close()

	if err := mem.Write(&req); err != nil {
		return nil, err
	}

	res, err := inj.Ioctl(vcpu.FD, kvmabi.GetCPUID2, mem.Addr())
	if err != nil {
		return nil, err
	}

	if int64(res) < 0 {
		return nil, fmt.Errorf("hypervisor: KVM_GET_CPUID2 returned %d", int64(res))
	}

	out, err := mem.Read()
	if err != nil {
		return nil, err
	}

	n := int(out.Nent)
	if n > len(out.Entries) {
		n = len(out.Entries)
	}

	return out.Entries[:n], nil
}

// irqChipBuf mirrors struct kvm_irqchip for the split IOAPIC/PIC state
// KVM_GET_IRQCHIP reports.
type irqChipBuf struct {
	ChipID uint32
	Pad    uint32
	Chip   [512]uint8
}

// GetIRQChip reads the state of one of the three emulated interrupt
// controllers (0/1 = master/slave PIC, 2 = IOAPIC).
func (h *Handle) GetIRQChip(chipID uint32) ([512]uint8, error) {
	var zero [512]uint8

	h.mu.Lock()
	inj, err := h.injector()
	h.mu.Unlock()

	if err != nil {
		return zero, err
	}

	mem, err := remotemem.NewHvMem[irqChipBuf](mmapper{inj}, h.pid, 0)
	if err != nil {
		return zero, err
	}
	defer mem.Close()

	if err := mem.Write(&irqChipBuf{ChipID: chipID}); err != nil {
		return zero, err
	}

	res, err := inj.Ioctl(h.vmFD, kvmabi.GetIRQChip, mem.Addr())
	if err != nil {
		return zero, err
	}

	if int64(res) < 0 {
		return zero, fmt.Errorf("hypervisor: KVM_GET_IRQCHIP returned %d", int64(res))
	}

	out, err := mem.Read()
	if err != nil {
		return zero, err
	}

	return out.Chip, nil
}
