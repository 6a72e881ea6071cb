package hypervisor

import "testing"

func TestIORegionReqCmdAndSize(t *testing.T) {
	cases := []struct {
		info     uint32
		wantCmd  int
		wantSize int
	}{
		{info: ioRegionCmdRead, wantCmd: 0, wantSize: 1},
		{info: ioRegionCmdWrite, wantCmd: 1, wantSize: 1},
		{info: uint32(ioRegionCmdRead) | (1 << 1), wantCmd: 0, wantSize: 2},
		{info: uint32(ioRegionCmdWrite) | (2 << 1), wantCmd: 1, wantSize: 4},
		{info: uint32(ioRegionCmdRead) | (3 << 1), wantCmd: 0, wantSize: 8},
	}

	for _, c := range cases {
		r := IORegionReq{Info: c.info}

		if got := r.Cmd(); got != c.wantCmd {
			t.Errorf("Info=%#x: Cmd() = %d, want %d", c.info, got, c.wantCmd)
		}

		if got := r.Size(); got != c.wantSize {
			t.Errorf("Info=%#x: Size() = %d, want %d", c.info, got, c.wantSize)
		}
	}
}

func TestDecodeIORegionReq(t *testing.T) {
	buf := make([]byte, 32)

	// Info = write, 4-byte access.
	buf[0] = 1 | (2 << 1)

	// UserData = 0x1122334455667788 at [8:16].
	userData := []byte{0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}
	copy(buf[8:16], userData)

	// Offset = 0x10 at [16:24].
	buf[16] = 0x10

	// Data = 0xdeadbeef at [24:32].
	copy(buf[24:32], []byte{0xef, 0xbe, 0xad, 0xde, 0, 0, 0, 0})

	req := decodeIORegionReq(buf)

	if req.Cmd() != 1 {
		t.Errorf("Cmd() = %d, want 1 (write)", req.Cmd())
	}

	if req.Size() != 4 {
		t.Errorf("Size() = %d, want 4", req.Size())
	}

	if req.UserData != 0x1122334455667788 {
		t.Errorf("UserData = %#x, want 0x1122334455667788", req.UserData)
	}

	if req.Offset != 0x10 {
		t.Errorf("Offset = %#x, want 0x10", req.Offset)
	}

	if req.Data != 0xdeadbeef {
		t.Errorf("Data = %#x, want 0xdeadbeef", req.Data)
	}
}
