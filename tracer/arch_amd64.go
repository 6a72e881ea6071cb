//go:build linux && amd64

package tracer

import "golang.org/x/sys/unix"

// syscallOpcode is the x86-64 `syscall` instruction (0F 05), overwritten
// at the leader's IP while the Injector owns the seizure (spec §4.2.2).
var syscallOpcode = [2]byte{0x0F, 0x05}

const (
	syscallOpcodeLen       = 2
	syscallInstructionSize = 2
)

const (
	sysIoctl       = unix.SYS_IOCTL
	sysMmap        = unix.SYS_MMAP
	sysMunmap      = unix.SYS_MUNMAP
	sysSocket      = unix.SYS_SOCKET
	sysBind        = unix.SYS_BIND
	sysConnect     = unix.SYS_CONNECT
	sysRecvmsg     = unix.SYS_RECVMSG
	sysClose       = unix.SYS_CLOSE
	sysUserfaultfd = unix.SYS_USERFAULTFD
	sysGetpid      = unix.SYS_GETPID
)

func instructionPointer(r *unix.PtraceRegs) uintptr { return uintptr(r.Rip) }

// setSyscallFrame places the syscall number and up to six arguments into
// the x86-64 syscall ABI registers: rax, rdi, rsi, rdx, r10, r8, r9.
func setSyscallFrame(r *unix.PtraceRegs, nr uint64, args [6]uint64) {
	r.Rax = nr
	r.Rdi = args[0]
	r.Rsi = args[1]
	r.Rdx = args[2]
	r.R10 = args[3]
	r.R8 = args[4]
	r.R9 = args[5]
}

func syscallReturnValue(r *unix.PtraceRegs) uint64 { return r.Rax }

// syscallNr returns the syscall number of the instruction the leader is
// stopped at, used by the Interceptor to recognize ioctl(KVM_RUN).
func syscallNr(r *unix.PtraceRegs) uint64 { return r.Orig_rax }

func syscallArg1(r *unix.PtraceRegs) uint64 { return r.Rdi }
func syscallArg2(r *unix.PtraceRegs) uint64 { return r.Rsi }
