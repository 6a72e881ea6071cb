package stage1

import (
	"encoding/binary"
	"testing"
)

func TestDriverStateString(t *testing.T) {
	cases := map[DriverState]string{
		StateUndefined:     "undefined",
		StateInitializing:  "initializing",
		StateReady:         "ready",
		StateTerminating:   "terminating",
		StateError:         "error",
		DriverState(0xff):  "unknown",
	}

	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("DriverState(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestArgsMarshalLayout(t *testing.T) {
	var a Args

	a.DeviceAddrs[0] = 0x1000
	a.DeviceAddrs[1] = 0x2000
	a.DeviceAddrs[2] = 0x3000
	a.Argv[0] = 0xdead0000
	a.Argv[1] = 0xbeef0000
	a.IRQNum = 6
	a.DeviceStatus = StateReady
	a.DriverStatus = StateInitializing

	buf := a.Marshal()

	if len(buf) != Size {
		t.Fatalf("Marshal produced %d bytes, want Size=%d", len(buf), Size)
	}

	u64 := func(off int) uint64 { return binary.LittleEndian.Uint64(buf[off:]) }

	if got := u64(0); got != a.DeviceAddrs[0] {
		t.Errorf("DeviceAddrs[0] at offset 0 = %#x, want %#x", got, a.DeviceAddrs[0])
	}

	if got := u64(8); got != a.DeviceAddrs[1] {
		t.Errorf("DeviceAddrs[1] at offset 8 = %#x, want %#x", got, a.DeviceAddrs[1])
	}

	argvOff := 8 * MaxDevices
	if got := u64(argvOff); got != a.Argv[0] {
		t.Errorf("Argv[0] at offset %d = %#x, want %#x", argvOff, got, a.Argv[0])
	}

	if got := u64(argvOff + 8); got != a.Argv[1] {
		t.Errorf("Argv[1] at offset %d = %#x, want %#x", argvOff+8, got, a.Argv[1])
	}

	irqOff := 8*MaxDevices + 8*MaxArgv
	if got := u64(irqOff); got != a.IRQNum {
		t.Errorf("IRQNum at offset %d = %d, want %d", irqOff, got, a.IRQNum)
	}

	if got := DriverState(u64(irqOff + 8)); got != a.DeviceStatus {
		t.Errorf("DeviceStatus at offset %d = %v, want %v", irqOff+8, got, a.DeviceStatus)
	}

	if got := DriverState(u64(irqOff + 16)); got != a.DriverStatus {
		t.Errorf("DriverStatus at offset %d = %v, want %v", irqOff+16, got, a.DriverStatus)
	}
}
