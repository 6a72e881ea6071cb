package virtio

import "testing"

func TestHandleIORegionRequestWrite(t *testing.T) {
	t.Parallel()

	dev := &stubDevice{base: 0, length: 0x1000}

	req := &IORegionRequest{Offset: 0x10, Len: 4, IsWrite: true, Data: [8]byte{1, 2, 3, 4}}

	var respondedWith uint64
	respond := func(v uint64) error { respondedWith = v; return nil }

	if err := handleIORegionRequest(dev, req, respond); err != nil {
		t.Fatalf("handleIORegionRequest: %v", err)
	}

	if dev.lastWrite != 0x10 {
		t.Fatalf("lastWrite = %#x, want 0x10", dev.lastWrite)
	}

	if respondedWith != 0 {
		t.Fatalf("write ack should respond 0, got %d", respondedWith)
	}
}

func TestHandleIORegionRequestRead(t *testing.T) {
	t.Parallel()

	dev := &readingStubDevice{value: 0xabcd}

	req := &IORegionRequest{Offset: 0x20, Len: 4}

	var respondedWith uint64
	respond := func(v uint64) error { respondedWith = v; return nil }

	if err := handleIORegionRequest(dev, req, respond); err != nil {
		t.Fatalf("handleIORegionRequest: %v", err)
	}

	if respondedWith != 0xabcd {
		t.Fatalf("respondedWith = %#x, want 0xabcd", respondedWith)
	}
}

type readingStubDevice struct {
	value uint32
}

func (r *readingStubDevice) Base() (uint64, uint64) { return 0, 0x1000 }

func (r *readingStubDevice) MMIORead(offset uint64, buf []byte) { putLE(buf, r.value) }

func (r *readingStubDevice) MMIOWrite(offset uint64, buf []byte) {}
