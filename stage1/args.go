// Package stage1 builds the argument struct and in-guest kernel module
// payload vmsh-go maps into a traced guest, and applies the ELF
// relocations needed to run that payload against the guest kernel's own
// symbol table (spec §4.8 step 4, §6 "Stage-1 args struct").
package stage1

// MaxDevices bounds the number of MMIO device addresses Stage1Args
// carries (spec §6).
const MaxDevices = 3

// MaxArgv bounds the NULL-terminated argv array Stage1Args carries.
const MaxArgv = 256

// DriverState mirrors the Stage1Args DeviceState enum shared between the
// device_status and driver_status fields (spec §6,
// "Undefined/Initializing/Ready/Terminating/Error").
type DriverState uint64

const (
	StateUndefined DriverState = iota
	StateInitializing
	StateReady
	StateTerminating
	StateError
)

func (s DriverState) String() string {
	switch s {
	case StateUndefined:
		return "undefined"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateTerminating:
		return "terminating"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Args mirrors struct Stage1Args (spec §6): the MMIO device addresses the
// kernel module should bind, a NULL-terminated argv naming the stage2
// payload and its arguments, the shareable IRQ number, and the two
// handshake fields the guest module and vmsh-go poll to coordinate
// startup and shutdown.
//
// The layout must match the in-guest module's C struct byte-for-byte;
// field order and widths here are fixed by that ABI, not by Go
// convenience.
type Args struct {
	DeviceAddrs  [MaxDevices]uint64
	Argv         [MaxArgv]uint64 // guest-virtual char* pointers, NULL-terminated
	IRQNum       uint64
	DeviceStatus DriverState
	DriverStatus DriverState
}

// Size is sizeof(Args) as laid out above: fixed, so callers can size a
// guest allocation for it without an unsafe.Sizeof call leaking into
// call sites that don't otherwise need `unsafe`.
const Size = 8*MaxDevices + 8*MaxArgv + 8 + 8 + 8

// Marshal encodes Args byte-for-byte in the guest module's expected
// layout, for writing into guest memory with a plain []byte write.
func (a *Args) Marshal() []byte {
	buf := make([]byte, Size)

	off := 0

	putU64 := func(v uint64) {
		for i := 0; i < 8; i++ {
			buf[off+i] = byte(v >> (8 * i))
		}

		off += 8
	}

	for _, v := range a.DeviceAddrs {
		putU64(v)
	}

	for _, v := range a.Argv {
		putU64(v)
	}

	putU64(a.IRQNum)
	putU64(uint64(a.DeviceStatus))
	putU64(uint64(a.DriverStatus))

	return buf
}
