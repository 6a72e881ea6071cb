package tracer

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Injector is one of the two tracer personalities (spec §3, "Tracer
// personality"). It stops every thread in the group, overwrites the
// instruction at the leader's IP with a syscall opcode, and executes one
// syscall per Ioctl/Mmap/... call via a PTRACE_SYSCALL/wait loop.
type Injector struct {
	pid        int
	threads    []Thread
	savedRegs  unix.PtraceRegs
	savedText  [syscallOpcodeLen]byte
	ownerTid   int
	deinit     bool
}

// NewInjector seizes pid's whole thread group and converts it into an
// Injector. The leader's registers and the word at its IP are saved so
// Close can restore them bit-for-bit (spec §8, first testable invariant).
func NewInjector(pid int) (*Injector, error) {
	threads, err := Seize(pid)
	if err != nil {
		return nil, err
	}

	inj := &Injector{pid: pid, threads: threads, ownerTid: owningThreadID()}
	if err := inj.arm(); err != nil {
		detachAll(threads)

		return nil, err
	}

	return inj, nil
}

// arm saves the leader's registers and the instruction word at its IP,
// then overwrites that word with the architecture's syscall opcode.
func (inj *Injector) arm() error {
	leader := inj.threads[0].Tid

	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(leader, &regs); err != nil {
		return fmt.Errorf("tracer: PTRACE_GETREGS leader=%d: %w", leader, err)
	}

	inj.savedRegs = regs

	ip := instructionPointer(&regs)

	if err := peekText(leader, ip, inj.savedText[:]); err != nil {
		return err
	}

	return pokeText(leader, ip, syscallOpcode[:])
}

// disarm restores the original text and registers at the leader's IP. It
// is idempotent: a sentinel (deinit) prevents double-restoration when an
// Injector is converted into an Interceptor and back.
func (inj *Injector) disarm() error {
	if inj.deinit {
		return nil
	}

	inj.deinit = true

	leader := inj.threads[0].Tid

	if err := pokeText(leader, instructionPointer(&inj.savedRegs), inj.savedText[:]); err != nil {
		return err
	}

	return unix.PtraceSetRegs(leader, &inj.savedRegs)
}

// Close restores the leader's text and registers and detaches every
// thread. Drop must be idempotent and must never propagate errors from
// the restoration (they are logged by the caller's defer chain, not
// here) except the first, reported failure.
func (inj *Injector) Close() error {
	err := inj.disarm()

	detachAll(inj.threads)

	return err
}

// Disown performs a clean detach (restoring saved text and registers) so
// that ownership of the seizure can later be re-adopted on a different OS
// thread (spec §4.2.4).
func (inj *Injector) Disown() error {
	if err := checkOwner(inj.ownerTid); err != nil {
		return err
	}

	err := inj.disarm()

	detachAll(inj.threads)

	return err
}

// AdoptInjector re-seizes pid and re-captures saved state on the calling
// thread, completing the other half of a disown/adopt handshake.
func AdoptInjector(pid int) (*Injector, error) {
	return NewInjector(pid)
}

// call is the inner PTRACE_SYSCALL/wait loop that executes exactly one
// syscall on the leader thread and returns its result register.
func (inj *Injector) call(nr uint64, args [6]uint64) (uint64, error) {
	if err := checkOwner(inj.ownerTid); err != nil {
		return 0, err
	}

	leader := inj.threads[0].Tid

	frame := inj.savedRegs
	setSyscallFrame(&frame, nr, args)

	if err := unix.PtraceSetRegs(leader, &frame); err != nil {
		return 0, fmt.Errorf("tracer: PTRACE_SETREGS leader=%d: %w", leader, err)
	}

	if err := inj.syscallStep(leader); err != nil { // syscall-entry
		return 0, err
	}

	if err := inj.syscallStep(leader); err != nil { // syscall-exit
		return 0, err
	}

	var out unix.PtraceRegs
	if err := unix.PtraceGetRegs(leader, &out); err != nil {
		return 0, fmt.Errorf("tracer: PTRACE_GETREGS after syscall leader=%d: %w", leader, err)
	}

	gotIP := instructionPointer(&out)
	wantIP := instructionPointer(&inj.savedRegs) + syscallInstructionSize

	if gotIP != wantIP {
		return 0, fmt.Errorf("tracer: IP drifted during injected syscall: got %#x want %#x", gotIP, wantIP)
	}

	return syscallReturnValue(&out), nil
}

func (inj *Injector) syscallStep(tid int) error {
	if err := unix.PtraceSyscall(tid, 0); err != nil {
		return fmt.Errorf("tracer: PTRACE_SYSCALL tid=%d: %w", tid, err)
	}

	var ws unix.WaitStatus

	if _, err := unix.Wait4(tid, &ws, 0, nil); err != nil {
		return fmt.Errorf("tracer: waitpid tid=%d: %w", tid, err)
	}

	if ws.Exited() {
		return ErrProcessExited
	}

	return nil
}

// Ioctl injects ioctl(fd, req, argAddr).
func (inj *Injector) Ioctl(fd int, req uint64, argAddr uintptr) (uint64, error) {
	return inj.call(sysIoctl, [6]uint64{uint64(fd), req, uint64(argAddr), 0, 0, 0})
}

// Mmap injects mmap(NULL, size, PROT_READ|PROT_WRITE, MAP_SHARED|
// MAP_ANONYMOUS, -1, 0) and returns the mapped address.
func (inj *Injector) Mmap(size uintptr) (uintptr, error) {
	res, err := inj.call(sysMmap, [6]uint64{
		0, uint64(size),
		unix.PROT_READ | unix.PROT_WRITE,
		unix.MAP_SHARED | unix.MAP_ANONYMOUS,
		^uint64(0), // fd = -1
		0,
	})
	if err != nil {
		return 0, err
	}

	if int64(res) < 0 && int64(res) > -4096 {
		return 0, fmt.Errorf("tracer: injected mmap failed: errno %d", -int64(res))
	}

	return uintptr(res), nil
}

// Munmap injects munmap(addr, size).
func (inj *Injector) Munmap(addr, size uintptr) error {
	res, err := inj.call(sysMunmap, [6]uint64{uint64(addr), uint64(size), 0, 0, 0, 0})
	if err != nil {
		return err
	}

	return errnoResult(res)
}

// Socket injects socket(domain, typ, proto).
func (inj *Injector) Socket(domain, typ, proto int) (int, error) {
	res, err := inj.call(sysSocket, [6]uint64{uint64(domain), uint64(typ), uint64(proto), 0, 0, 0})
	if err != nil {
		return -1, err
	}

	if int64(res) < 0 {
		return -1, fmt.Errorf("tracer: injected socket failed: errno %d", -int64(res))
	}

	return int(res), nil
}

// Bind injects bind(fd, addr, addrlen) using an address already staged in
// remote memory at addrAddr.
func (inj *Injector) Bind(fd int, addrAddr uintptr, addrlen uint32) error {
	res, err := inj.call(sysBind, [6]uint64{uint64(fd), uint64(addrAddr), uint64(addrlen), 0, 0, 0})
	if err != nil {
		return err
	}

	return errnoResult(res)
}

// Connect injects connect(fd, addr, addrlen).
func (inj *Injector) Connect(fd int, addrAddr uintptr, addrlen uint32) error {
	res, err := inj.call(sysConnect, [6]uint64{uint64(fd), uint64(addrAddr), uint64(addrlen), 0, 0, 0})
	if err != nil {
		return err
	}

	return errnoResult(res)
}

// Recvmsg injects recvmsg(fd, msghdrAddr, flags), where the msghdr (and
// its iovec/control buffers) have already been staged in remote memory.
func (inj *Injector) Recvmsg(fd int, msghdrAddr uintptr, flags int) (int, error) {
	res, err := inj.call(sysRecvmsg, [6]uint64{uint64(fd), uint64(msghdrAddr), uint64(flags), 0, 0, 0})
	if err != nil {
		return 0, err
	}

	if int64(res) < 0 {
		return 0, fmt.Errorf("tracer: injected recvmsg failed: errno %d", -int64(res))
	}

	return int(res), nil
}

// CloseFD injects close(fd).
func (inj *Injector) CloseFD(fd int) error {
	res, err := inj.call(sysClose, [6]uint64{uint64(fd), 0, 0, 0, 0, 0})
	if err != nil {
		return err
	}

	return errnoResult(res)
}

// Userfaultfd injects userfaultfd(flags).
func (inj *Injector) Userfaultfd(flags int) (int, error) {
	res, err := inj.call(sysUserfaultfd, [6]uint64{uint64(flags), 0, 0, 0, 0, 0})
	if err != nil {
		return -1, err
	}

	if int64(res) < 0 {
		return -1, fmt.Errorf("tracer: injected userfaultfd failed: errno %d", -int64(res))
	}

	return int(res), nil
}

// Getpid injects getpid(), mostly useful as a cheap liveness check.
func (inj *Injector) Getpid() (int, error) {
	res, err := inj.call(sysGetpid, [6]uint64{})
	if err != nil {
		return 0, err
	}

	return int(res), nil
}

func errnoResult(res uint64) error {
	if v := int64(res); v < 0 && v > -4096 {
		return fmt.Errorf("tracer: injected syscall failed: errno %d", -v)
	}

	return nil
}

func peekText(tid int, addr uintptr, out []byte) error {
	if n, err := unix.PtracePeekText(tid, addr, out); err != nil || n != len(out) {
		if err == nil {
			err = fmt.Errorf("short PEEKTEXT: got %d want %d", n, len(out))
		}

		return fmt.Errorf("tracer: PTRACE_PEEKTEXT tid=%d addr=%#x: %w", tid, addr, err)
	}

	return nil
}

func pokeText(tid int, addr uintptr, data []byte) error {
	if n, err := unix.PtracePokeText(tid, addr, data); err != nil || n != len(data) {
		if err == nil {
			err = fmt.Errorf("short POKETEXT: got %d want %d", n, len(data))
		}

		return fmt.Errorf("tracer: PTRACE_POKETEXT tid=%d addr=%#x: %w", tid, addr, err)
	}

	return nil
}
