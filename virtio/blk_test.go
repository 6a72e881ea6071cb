package virtio

import (
	"os"
	"testing"
)

// fakeGuestMem is a flat byte slice standing in for guest memory,
// addressed directly by the "guest physical address" values tests pass.
type fakeGuestMem struct {
	buf []byte
}

func (g *fakeGuestMem) ReadGuest(addr uint64, n int) ([]byte, error) {
	return append([]byte(nil), g.buf[addr:int(addr)+n]...), nil
}

func (g *fakeGuestMem) WriteGuest(addr uint64, buf []byte) error {
	copy(g.buf[addr:], buf)

	return nil
}

type fakeIRQ struct{ signaled int }

func (f *fakeIRQ) Signal() error {
	f.signaled++

	return nil
}

func newTestBlk(t *testing.T, readonly, flush bool) (*Blk, *fakeGuestMem, *fakeQueueMem) {
	t.Helper()

	f, err := os.CreateTemp(t.TempDir(), "vmsh-blk-*")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}

	if err := f.Truncate(4096); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	path := f.Name()
	f.Close()

	guest := &fakeGuestMem{buf: make([]byte, 1<<16)}
	irq := &fakeIRQ{}

	blk, err := NewBlk(0xf0000000, 0x1000, path, readonly, flush, guest, irq)
	if err != nil {
		t.Fatalf("NewBlk: %v", err)
	}

	t.Cleanup(blk.Close)

	qmem := newFakeQueueMem(int(usedRingOffset()) + 4 + QueueSize*8)
	q := NewQueue(qmem, 0)
	blk.AttachQueue(q)

	return blk, guest, qmem
}

func TestBlkFeaturesReflectFlags(t *testing.T) {
	t.Parallel()

	blk, _, _ := newTestBlk(t, true, true)

	f := blk.Features()
	if f&FeatureRO == 0 {
		t.Fatalf("expected FeatureRO set for a readonly device")
	}

	if f&FeatureFlush == 0 {
		t.Fatalf("expected FeatureFlush set when flush is requested")
	}
}

func TestBlkHandleChainWritesSectorToGuest(t *testing.T) {
	t.Parallel()

	blk, guest, qmem := newTestBlk(t, false, false)

	copy(blk.backingData[0:4], []byte{0xde, 0xad, 0xbe, 0xef})

	const hdrAddr, dataAddr, statusAddr = 0x100, 0x200, 0x300

	hdr := make([]byte, 16)
	putLE(hdr[0:4], blkTypeIn)
	putLE64(hdr[8:16], 0) // sector 0
	copy(guest.buf[hdrAddr:], hdr)

	writeDesc(qmem, 0, hdrAddr, 16, descFlagNext, 1)
	writeDesc(qmem, 1, dataAddr, blkSectorSize, descFlagNext|descFlagWrite, 2)
	writeDesc(qmem, 2, statusAddr, 1, descFlagWrite, 0)

	chain := &Chain{Bufs: []ChainBuf{
		{Addr: hdrAddr, Len: 16},
		{Addr: dataAddr, Len: blkSectorSize, Writable: true},
		{Addr: statusAddr, Len: 1, Writable: true},
	}}

	written, status := blk.handleChain(chain)
	if status != blkStatusOK {
		t.Fatalf("status = %d, want OK", status)
	}

	if written != blkSectorSize {
		t.Fatalf("written = %d, want %d", written, blkSectorSize)
	}

	if guest.buf[dataAddr] != 0xde || guest.buf[dataAddr+1] != 0xad {
		t.Fatalf("guest data buffer not populated from backing file")
	}
}

func TestBlkHandleChainRejectsWriteWhenReadonly(t *testing.T) {
	t.Parallel()

	blk, guest, _ := newTestBlk(t, true, false)

	hdr := make([]byte, 16)
	putLE(hdr[0:4], blkTypeOut)
	copy(guest.buf[0x100:], hdr)

	chain := &Chain{Bufs: []ChainBuf{
		{Addr: 0x100, Len: 16},
		{Addr: 0x200, Len: blkSectorSize},
		{Addr: 0x300, Len: 1, Writable: true},
	}}

	_, status := blk.handleChain(chain)
	if status != blkStatusIOErr {
		t.Fatalf("status = %d, want IOErr for write against a readonly device", status)
	}
}

func TestBlkHandleChainUnsupportedFlushWithoutFeature(t *testing.T) {
	t.Parallel()

	blk, guest, _ := newTestBlk(t, false, false)

	hdr := make([]byte, 16)
	putLE(hdr[0:4], blkTypeFlush)
	copy(guest.buf[0x100:], hdr)

	chain := &Chain{Bufs: []ChainBuf{
		{Addr: 0x100, Len: 16},
		{Addr: 0x300, Len: 1, Writable: true},
	}}

	_, status := blk.handleChain(chain)
	if status != blkStatusUnsupp {
		t.Fatalf("status = %d, want Unsupp when flush was not negotiated", status)
	}
}
