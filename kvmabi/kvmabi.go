// Package kvmabi defines the wire-level KVM ioctl request numbers and the
// argument structures KVM expects, mirroring the kernel's
// include/uapi/linux/kvm.h and the layout of /dev/kvm, vm and vcpu file
// descriptors.
//
// Nothing in this package performs an ioctl itself: every value here ends
// up inside remotely-allocated memory (remotemem.HvMem) and is handed to a
// tracer.Injector.Ioctl call that executes the syscall inside the traced
// hypervisor, not in this process.
package kvmabi

const (
	GetAPIVersion       = 0xAE00
	CreateVM            = 0xAE01
	CreateVCPU          = 0xAE41
	Run                 = 0xAE80
	GetVCPUMMapSize     = 0xAE04
	GetSregs            = 0x8138ae83
	SetSregs            = 0x4138ae84
	GetRegs             = 0x8090ae81
	SetRegs             = 0x4090ae82
	GetFPURegs          = 0x81a0ae8c
	GetMSRs             = 0xc008ae88
	SetUserMemoryRegion = 0x4020ae46
	CheckExtension      = 0xAE03
	GetSupportedCPUID   = 0xc008ae05
	GetCPUID2           = 0xc008ae9b
	IRQFdIoctl          = 0x4020ae76
	IOEventFdIoctl      = 0x4040ae79
	SetIORegion         = 0x4040aea8
	GetIRQChip          = 0xc208ae62
	SetGSIRouting       = 0x4008ae6a

	ExitUnknown       = 0
	ExitException     = 1
	ExitIO            = 2
	ExitHypercall     = 3
	ExitDebug         = 4
	ExitHLT           = 5
	ExitMMIO          = 6
	ExitIRQWindowOpen = 7
	ExitShutdown      = 8
	ExitFailEntry     = 9
	ExitIntr          = 10

	CapCheckExtensionVM = 0x1

	MemReadonly = 1 << 1
	MemLogDirty = 1 << 0

	IOEventFdFlagDatamatch = 1 << 0
	IOEventFdFlagDeassign  = 1 << 2

	IORegionPioFlag = 1 << 0
	IORegionMmioFlag = 1 << 1
)

// Regs mirrors struct kvm_regs (x86-64).
type Regs struct {
	RAX, RBX, RCX, RDX    uint64
	RSI, RDI, RSP, RBP    uint64
	R8, R9, R10, R11      uint64
	R12, R13, R14, R15    uint64
	RIP, RFLAGS           uint64
}

// Segment mirrors struct kvm_segment.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	_        uint8
}

// Descriptor mirrors struct kvm_dtable (GDT/IDT).
type Descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

const numInterrupts = 0x100

// Sregs mirrors struct kvm_sregs.
type Sregs struct {
	CS, DS, ES, FS, GS, SS Segment
	TR, LDT                Segment
	GDT, IDT               Descriptor
	CR0, CR2, CR3, CR4     uint64
	CR8                    uint64
	EFER                   uint64
	ApicBase               uint64
	InterruptBitmap        [(numInterrupts + 63) / 64]uint64
}

// FpuRegs mirrors struct kvm_fpu.
type FpuRegs struct {
	FPR       [8][16]uint8
	FCW       uint16
	FSW       uint16
	FTWX      uint8
	_         uint8
	LastOpc   uint16
	LastIP    uint64
	LastDP    uint64
	XMM       [16][16]uint8
	MXCSR     uint32
	_         uint32
}

// MSREntry mirrors struct kvm_msr_entry.
type MSREntry struct {
	Index    uint32
	Reserved uint32
	Data     uint64
}

// UserspaceMemoryRegion mirrors struct kvm_userspace_memory_region, the
// argument to KVM_SET_USER_MEMORY_REGION. It is the only way to create or
// delete a guest memory slot (spec §4.3).
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// IRQFd mirrors struct kvm_irqfd, the argument to KVM_IRQFD.
type IRQFd struct {
	FD        int32
	GSI       uint32
	Flags     uint32
	ResampleF int32
	Pad       [16]uint8
}

// IOEventFd mirrors struct kvm_ioeventfd, the argument to KVM_IOEVENTFD.
type IOEventFd struct {
	Datamatch uint64
	Addr      uint64
	Len       uint32
	FD        int32
	Flags     uint32
	_         [36]uint8
}

// IORegion mirrors struct kvm_ioregion, the argument to KVM_SET_IOREGION.
type IORegion struct {
	GuestPhysAddr uint64
	MemorySize    uint64
	UserData      uint64
	RFD           int32
	WFD           int32
	Flags         uint32
	_             [28]uint8
}

// CPUIDEntry2 mirrors struct kvm_cpuid_entry2.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	_        [3]uint32
}

// MaxCPUIDEntries bounds the fixed-size CPUID array vmsh-go marshals into
// guest memory for KVM_GET_SUPPORTED_CPUID / KVM_GET_CPUID2.
const MaxCPUIDEntries = 128

// CPUID mirrors struct kvm_cpuid2.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [MaxCPUIDEntries]CPUIDEntry2
}

// RunData mirrors struct kvm_run, the page KVM shares per vCPU. Only the
// header and the MMIO exit union member are modeled; vmsh-go never reads
// other exit reasons.
type RunData struct {
	RequestInterruptWindow uint8
	_                      [7]uint8
	ExitReason             uint32
	ReadyForInterrupt      uint8
	IfFlag                 uint8
	_                      [2]uint8
	CR8                    uint64
	ApicBase               uint64
	// MMIO union: PhysAddr, Data[8], Len, IsWrite, then padding out to
	// the 256-byte union region kvm_run reserves for exit payloads.
	MMIOPhysAddr uint64
	MMIOData     [8]uint8
	MMIOLen      uint32
	MMIOIsWrite  uint8
	_            [235]uint8
}

// MMIOOffset is the byte offset of the MMIO union's first field within
// RunData, used by tracer.Interceptor to compute the remote address of
// kvm_run.mmio.data for a given vCPU's mapped page.
const MMIOOffset = 32

// MMIODataOffset is the byte offset of kvm_run.mmio.data within RunData.
const MMIODataOffset = MMIOOffset + 8

// MMIOIsWriteOffset is the byte offset of kvm_run.mmio.is_write.
const MMIOIsWriteOffset = MMIODataOffset + 8 + 4
