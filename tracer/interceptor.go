package tracer

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/vmsh-go/vmsh/kvmabi"
	"github.com/vmsh-go/vmsh/remotemem"
)

// KvmRunMapping records a vCPU thread's host-virtual mapping of its shared
// kvm_run page, captured during hypervisor discovery (spec §4.3 step 3).
type KvmRunMapping struct {
	Addr uintptr
	Len  uintptr
}

// MmioRw is one pending MMIO exit observed by the Interceptor (spec §3,
// "MmioRw").
type MmioRw struct {
	GuestPhysAddr uint64
	IsWrite       bool
	Len           int
	Data          [8]byte

	sourcePid     int
	sourceMapping KvmRunMapping
}

// Interceptor is the other tracer personality (spec §3, §4.2.3). It lets
// threads run under PTRACE_SYSCALL and watches every ioctl(KVM_RUN)
// entry/exit to recognize MMIO exits.
type Interceptor struct {
	pid         int
	pgid        int
	ownerTid    int
	threads     []Thread
	fdMappings  map[int]KvmRunMapping // keyed by the vCPU fd inside the hypervisor
	tidMappings map[int]KvmRunMapping // resolved lazily on first ioctl(KVM_RUN) sighting
	inSyscall   map[int]bool
	running     map[int]bool
}

// IntoInterceptor converts an Injector into an Interceptor, consuming it.
// It reuses the same seizure: the leader's IP text is restored to its
// original instruction and every thread is placed into PTRACE_SYSCALL
// mode (spec §4.2.4). fdMappings associates each vCPU's file descriptor
// number (as seen inside the hypervisor) with its kvm_run mapping; the
// Interceptor binds a tracee thread id to a mapping the first time it
// observes that thread call ioctl(fd, KVM_RUN), since which OS thread
// services which vCPU is not otherwise discoverable from outside.
func IntoInterceptor(inj *Injector, fdMappings map[int]KvmRunMapping) (*Interceptor, error) {
	if err := checkOwner(inj.ownerTid); err != nil {
		return nil, err
	}

	if err := inj.disarm(); err != nil {
		return nil, err
	}

	pgid, err := unix.Getpgid(inj.pid)
	if err != nil {
		return nil, fmt.Errorf("tracer: getpgid(%d): %w", inj.pid, err)
	}

	ic := &Interceptor{
		pid:         inj.pid,
		pgid:        pgid,
		ownerTid:    inj.ownerTid,
		threads:     inj.threads,
		fdMappings:  fdMappings,
		tidMappings: make(map[int]KvmRunMapping, len(fdMappings)),
		inSyscall:   make(map[int]bool, len(inj.threads)),
		running:     make(map[int]bool, len(inj.threads)),
	}

	for _, th := range ic.threads {
		if err := unix.PtraceSyscall(th.Tid, 0); err != nil {
			return nil, fmt.Errorf("tracer: arm PTRACE_SYSCALL tid=%d: %w", th.Tid, err)
		}

		ic.running[th.Tid] = true
	}

	return ic, nil
}

// IntoInjector converts the Interceptor back into an Injector, rearming
// the leader's IP with the syscall opcode and taking a fresh register/
// text snapshot (spec §4.2.4).
func (ic *Interceptor) IntoInjector() (*Injector, error) {
	if err := checkOwner(ic.ownerTid); err != nil {
		return nil, err
	}

	inj := &Injector{pid: ic.pid, threads: ic.threads, ownerTid: ic.ownerTid}
	if err := inj.arm(); err != nil {
		return nil, err
	}

	return inj, nil
}

// WaitForIoctl blocks on the hypervisor's whole process group and returns
// the next recognized MMIO exit, or nil if the stop was something else
// (spec §4.2.3, "Event loop"). It re-arms every thread not currently
// running before waiting, as PTRACE_SYSCALL only lets one stop happen at
// a time per thread.
func (ic *Interceptor) WaitForIoctl() (*MmioRw, error) {
	if err := checkOwner(ic.ownerTid); err != nil {
		return nil, err
	}

	for tid, running := range ic.running {
		if running {
			continue
		}

		if err := unix.PtraceSyscall(tid, 0); err != nil {
			return nil, fmt.Errorf("tracer: rearm PTRACE_SYSCALL tid=%d: %w", tid, err)
		}

		ic.running[tid] = true
	}

	var ws unix.WaitStatus

	tid, err := unix.Wait4(-ic.pgid, &ws, unix.WALL, nil)
	if err != nil {
		return nil, fmt.Errorf("tracer: waitpid(-%d, __WALL): %w", ic.pgid, err)
	}

	ic.running[tid] = false

	if ws.Exited() || ws.Signaled() {
		ic.removeThread(tid)

		return nil, nil
	}

	if !ws.Stopped() || ws.StopSignal() != unix.SIGTRAP {
		// Not a syscall-stop: pass through. The thread remains
		// stopped until the next WaitForIoctl call re-arms it.
		return nil, nil
	}

	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &regs); err != nil {
		return nil, fmt.Errorf("tracer: PTRACE_GETREGS tid=%d: %w", tid, err)
	}

	if syscallNr(&regs) != sysIoctl || syscallArg2(&regs) != kvmabi.Run {
		return nil, nil
	}

	entering := !ic.inSyscall[tid]
	ic.inSyscall[tid] = !ic.inSyscall[tid]

	if entering {
		if mapping, ok := ic.fdMappings[int(syscallArg1(&regs))]; ok {
			ic.tidMappings[tid] = mapping
		}

		return nil, nil
	}

	mapping, ok := ic.tidMappings[tid]
	if !ok {
		return nil, fmt.Errorf("tracer: no kvm_run mapping recorded for tid %d", tid)
	}

	run, err := remotemem.Read[kvmabi.RunData](ic.pid, mapping.Addr)
	if err != nil {
		return nil, err
	}

	if run.ExitReason != kvmabi.ExitMMIO {
		return nil, nil
	}

	return &MmioRw{
		GuestPhysAddr: run.MMIOPhysAddr,
		IsWrite:       run.MMIOIsWrite != 0,
		Len:           int(run.MMIOLen),
		Data:          run.MMIOData,
		sourcePid:     ic.pid,
		sourceMapping: mapping,
	}, nil
}

// AnswerRead fabricates a completion for a read MMIO exit: it writes buf
// into the shared kvm_run's mmio.data field and sets mmio.is_write to 1,
// so that when KVM resumes the vCPU it treats the exit as a
// guest-write-completion and delivers our bytes as the read result (spec
// §4.2.3, "Answering MMIO reads"). r.IsWrite must be false.
func (r *MmioRw) AnswerRead(buf []byte) error {
	if r.IsWrite {
		return fmt.Errorf("tracer: AnswerRead called on a write MMIO exit")
	}

	if len(buf) > len(r.Data) || len(buf) != r.Len {
		return fmt.Errorf("tracer: AnswerRead: buf len %d does not match exit len %d", len(buf), r.Len)
	}

	dataAddr := r.sourceMapping.Addr + kvmabi.MMIODataOffset
	if err := remotemem.WriteBytes(r.sourcePid, dataAddr, buf); err != nil {
		return err
	}

	isWrite := byte(1)
	isWriteAddr := r.sourceMapping.Addr + kvmabi.MMIOIsWriteOffset

	return remotemem.WriteBytes(r.sourcePid, isWriteAddr, []byte{isWrite})
}

func (ic *Interceptor) removeThread(tid int) {
	delete(ic.running, tid)
	delete(ic.inSyscall, tid)
	delete(ic.tidMappings, tid)

	for i, th := range ic.threads {
		if th.Tid == tid {
			ic.threads = append(ic.threads[:i], ic.threads[i+1:]...)

			break
		}
	}

	logrus.WithField("tid", tid).Debug("tracer: thread exited, removed from interceptor group")
}

// Close detaches every remaining thread. Used when the tracee has exited
// out from under the Interceptor and no IntoInjector handoff is possible.
func (ic *Interceptor) Close() {
	detachAll(ic.threads)
}
