package hypervisor

import (
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/sirupsen/logrus"

	"github.com/vmsh-go/vmsh/kvmabi"
)

// pt_regs field offsets on linux/amd64 (include/asm/ptrace.h), used to pull
// kvm_vm_ioctl's second argument (the ioctl request number) out of the
// kprobe's context register without calling bpf_probe_read.
const (
	ptRegsRsiOffset = 104
)

// MemslotWatcher attaches a kprobe to kvm_vm_ioctl and signals every time
// the traced hypervisor issues a KVM_SET_USER_MEMORY_REGION call, so that
// callers can re-run discovery's /proc/<pid>/maps scan instead of
// decoding kvm_userspace_memory_region out of kernel memory directly
// (spec §4.3 step 2, "harvest existing memslots... via a kprobe").
type MemslotWatcher struct {
	prog   *ebpf.Program
	link   link.Link
	events *ringbuf.Reader
	eventsMap *ebpf.Map

	Changes chan struct{}
	errs    chan error
}

// NewMemslotWatcher loads a minimal kprobe program on kvm_vm_ioctl that
// pushes a one-byte event into a ring buffer whenever the ioctl's request
// argument equals KVM_SET_USER_MEMORY_REGION.
func NewMemslotWatcher() (*MemslotWatcher, error) {
	events, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "vmsh_memslot_evt",
		Type:       ebpf.RingBuf,
		MaxEntries: 1 << 12, // bytes, must be a power of two
	})
	if err != nil {
		return nil, fmt.Errorf("hypervisor: creating ringbuf map: %w", err)
	}

	insns := memslotProgram(events.FD())

	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:         "vmsh_slot_probe",
		Type:         ebpf.Kprobe,
		Instructions: insns,
		License:      "GPL",
	})
	if err != nil {
		events.Close()

		return nil, fmt.Errorf("hypervisor: loading kprobe program: %w", err)
	}

	kp, err := link.Kprobe("kvm_vm_ioctl", prog, nil)
	if err != nil {
		prog.Close()
		events.Close()

		return nil, fmt.Errorf("hypervisor: attaching kprobe to kvm_vm_ioctl: %w", err)
	}

	rd, err := ringbuf.NewReader(events)
	if err != nil {
		kp.Close()
		prog.Close()
		events.Close()

		return nil, fmt.Errorf("hypervisor: opening ringbuf reader: %w", err)
	}

	w := &MemslotWatcher{
		prog: prog, link: kp, events: rd, eventsMap: events,
		Changes: make(chan struct{}, 1),
		errs:    make(chan error, 1),
	}

	go w.loop()

	return w, nil
}

func (w *MemslotWatcher) loop() {
	for {
		_, err := w.events.Read()
		if err != nil {
			if err == ringbuf.ErrClosed {
				return
			}

			w.errs <- err

			return
		}

		select {
		case w.Changes <- struct{}{}:
		default:
		}
	}
}

// Close tears down the kprobe, its program, and the ring buffer.
func (w *MemslotWatcher) Close() {
	if err := w.events.Close(); err != nil {
		logrus.WithError(err).Warn("hypervisor: failed to close memslot ringbuf reader")
	}

	if err := w.link.Close(); err != nil {
		logrus.WithError(err).Warn("hypervisor: failed to detach memslot kprobe")
	}

	if err := w.prog.Close(); err != nil {
		logrus.WithError(err).Warn("hypervisor: failed to close memslot kprobe program")
	}

	if err := w.eventsMap.Close(); err != nil {
		logrus.WithError(err).Warn("hypervisor: failed to close memslot ringbuf map")
	}
}

// memslotProgram builds the kprobe body: load the ioctl request number
// out of pt_regs.si, compare against KVM_SET_USER_MEMORY_REGION, and on a
// match reserve+commit a single byte in the ring buffer identified by
// ringbufFD.
func memslotProgram(ringbufFD int) asm.Instructions {
	return asm.Instructions{
		// r6 = ctx (pt_regs*)
		asm.Mov.Reg(asm.R6, asm.R1),

		// r7 = *(u64 *)(r6 + ptRegsRsiOffset)   ; ioctl request number
		asm.LoadMem(asm.R7, asm.R6, ptRegsRsiOffset, asm.DWord),

		// if r7 != KVM_SET_USER_MEMORY_REGION, skip straight to return 0
		asm.LoadImm(asm.R8, int64(kvmabi.SetUserMemoryRegion), asm.DWord),
		asm.JNE.Reg(asm.R7, asm.R8, "ret"),

		// r1 = &ringbuf map, r2 = size (8, rounded by the verifier), r3 = flags
		asm.LoadMapPtr(asm.R1, ringbufFD),
		asm.Mov.Imm(asm.R2, 8),
		asm.Mov.Imm(asm.R3, 0),
		asm.FnRingbufReserve.Call(),

		// if reservation failed (r0 == 0), return
		asm.JEq.Imm(asm.R0, 0, "ret"),

		// commit immediately; payload contents are irrelevant, only the
		// event's arrival matters to MemslotWatcher.
		asm.Mov.Reg(asm.R1, asm.R0),
		asm.Mov.Imm(asm.R2, 0),
		asm.FnRingbufSubmit.Call(),

		asm.Mov.Imm(asm.R0, 0).WithSymbol("ret"),
		asm.Return(),
	}
}
