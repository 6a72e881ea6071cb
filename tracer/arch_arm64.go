//go:build linux && arm64

package tracer

import "golang.org/x/sys/unix"

// syscallOpcode is the aarch64 `svc #0` instruction, overwritten at the
// leader's IP while the Injector owns the seizure (spec §4.2.2). vmsh-go's
// page-table engine and kernel discovery remain x86-64-only (spec
// Non-goals); this file only keeps the Injector/Interceptor portable.
var syscallOpcode = [4]byte{0x01, 0x00, 0x00, 0xD4}

const (
	syscallOpcodeLen       = 4
	syscallInstructionSize = 4
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

func instructionPointer(r *unix.PtraceRegs) uintptr { return uintptr(r.Pc) }

// setSyscallFrame places the syscall number and up to six arguments into
// the aarch64 syscall ABI registers: x8, x0..x5.
func setSyscallFrame(r *unix.PtraceRegs, nr uint64, args [6]uint64) {
	r.Regs[8] = nr
	for i := 0; i < 6; i++ {
		r.Regs[i] = args[i]
	}
}

func syscallReturnValue(r *unix.PtraceRegs) uint64 { return r.Regs[0] }

func syscallNr(r *unix.PtraceRegs) uint64 { return r.Regs[8] }

func syscallArg1(r *unix.PtraceRegs) uint64 { return r.Regs[0] }
func syscallArg2(r *unix.PtraceRegs) uint64 { return r.Regs[1] }
