package virtio

import "testing"

type stubDevice struct {
	base, length uint64
	lastRead     uint64
	lastWrite    uint64
	writeBuf     []byte
}

func (s *stubDevice) Base() (uint64, uint64) { return s.base, s.length }

func (s *stubDevice) MMIORead(offset uint64, buf []byte) { s.lastRead = offset }

func (s *stubDevice) MMIOWrite(offset uint64, buf []byte) {
	s.lastWrite = offset
	s.writeBuf = append([]byte(nil), buf...)
}

func TestBusDispatchRoutesToOwningDevice(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	a := &stubDevice{base: 0x1000, length: 0x200}
	b := &stubDevice{base: 0x2000, length: 0x200}
	bus.Register(a)
	bus.Register(b)

	if err := bus.Dispatch(0x2010, true, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if b.lastWrite != 0x10 {
		t.Fatalf("b.lastWrite = %#x, want 0x10", b.lastWrite)
	}

	if a.lastWrite != 0 && a.writeBuf != nil {
		t.Fatalf("dispatch leaked into device a")
	}
}

func TestBusDispatchUnknownAddress(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	bus.Register(&stubDevice{base: 0x1000, length: 0x200})

	if err := bus.Dispatch(0x9000, false, make([]byte, 4)); err == nil {
		t.Fatalf("expected an error for an address no device owns")
	}
}

func TestBusRangeCoversAllDevices(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	bus.Register(&stubDevice{base: 0x3000, length: 0x100})
	bus.Register(&stubDevice{base: 0x1000, length: 0x100})

	lo, hi := bus.Range()
	if lo != 0x1000 {
		t.Fatalf("lo = %#x, want 0x1000", lo)
	}

	if hi != 0x3100 {
		t.Fatalf("hi = %#x, want 0x3100", hi)
	}
}
