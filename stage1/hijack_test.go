package stage1

import "testing"

type fakeGuestMem struct {
	writes map[uint64][]byte
}

func newFakeGuestMem() *fakeGuestMem {
	return &fakeGuestMem{writes: make(map[uint64][]byte)}
}

func (m *fakeGuestMem) WriteGuest(addr uint64, buf []byte) error {
	cp := append([]byte(nil), buf...)
	m.writes[addr] = cp

	return nil
}

func TestHijackRedirectsEntryAndStagesReturnAddress(t *testing.T) {
	mem := newFakeGuestMem()

	cur := Regs{RIP: 0xffffffff81001234, RSP: 0xffffc90000001ff8}
	img := &Image{VirtBase: 0xffffffffa0000000, Entry: 0x40}

	const argsAddr = 0xffffffffa0010000

	got, err := Hijack(mem, cur, img, argsAddr)
	if err != nil {
		t.Fatalf("Hijack: %v", err)
	}

	if want := img.VirtBase + img.Entry; got.RIP != want {
		t.Errorf("RIP = %#x, want payload entry %#x", got.RIP, want)
	}

	if got.RDI != argsAddr {
		t.Errorf("RDI = %#x, want argsAddr %#x", got.RDI, argsAddr)
	}

	if got.RSP%16 != 8 {
		t.Errorf("RSP = %#x, want RSP%%16 == 8 (post-call alignment)", got.RSP)
	}

	if got.RSP >= cur.RSP {
		t.Errorf("RSP = %#x did not move below the original stack pointer %#x", got.RSP, cur.RSP)
	}

	staged, ok := mem.writes[got.RSP]
	if !ok {
		t.Fatalf("Hijack did not write a return address at the new stack pointer %#x", got.RSP)
	}

	if len(staged) != 8 {
		t.Fatalf("staged return address is %d bytes, want 8", len(staged))
	}

	var retAddr uint64
	for i, b := range staged {
		retAddr |= uint64(b) << (8 * i)
	}

	if retAddr != cur.RIP {
		t.Errorf("staged return address = %#x, want original RIP %#x", retAddr, cur.RIP)
	}
}
