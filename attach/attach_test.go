package attach

import "testing"

func TestIRQNumForComm(t *testing.T) {
	cases := []struct {
		comm string
		want uint32
	}{
		{"crosvm", 4},
		{"my-crosvm-wrapper", 4},
		{"qemu-system-x86", 6},
		{"firecracker", 6},
		{"", 6},
	}

	for _, c := range cases {
		if got := IRQNumForComm(c.comm); got != c.want {
			t.Errorf("IRQNumForComm(%q) = %d, want %d", c.comm, got, c.want)
		}
	}
}

func TestAlignUp(t *testing.T) {
	cases := []struct {
		v, align, want uint64
	}{
		{0, 0x1000, 0},
		{1, 0x1000, 0x1000},
		{0x1000, 0x1000, 0x1000},
		{0x1001, 0x1000, 0x2000},
		{0xfff, 0x1000, 0x1000},
	}

	for _, c := range cases {
		if got := alignUp(c.v, c.align); got != c.want {
			t.Errorf("alignUp(%#x, %#x) = %#x, want %#x", c.v, c.align, got, c.want)
		}
	}
}

func TestEncodeArgv(t *testing.T) {
	blob, offsets := encodeArgv([]string{"vmsh-stage2", "--flag", ""})

	want := []uint64{0, 12, 19}
	if len(offsets) != len(want) {
		t.Fatalf("encodeArgv returned %d offsets, want %d", len(offsets), len(want))
	}

	for i, off := range offsets {
		if off != want[i] {
			t.Errorf("offsets[%d] = %d, want %d", i, off, want[i])
		}
	}

	wantBlob := "vmsh-stage2\x00--flag\x00\x00"
	if string(blob) != wantBlob {
		t.Errorf("blob = %q, want %q", blob, wantBlob)
	}
}

func TestMMIOBasesDoNotOverlap(t *testing.T) {
	blk := blkMMIOBase()
	console := consoleMMIOBase()

	if console < blk+deviceStride {
		t.Fatalf("consoleMMIOBase %#x overlaps blkMMIOBase %#x + stride %#x", console, blk, deviceStride)
	}

	if blk+queueRegionLen > console {
		t.Fatalf("blk device+queue region (%#x) overlaps console base %#x", blk+queueRegionLen, console)
	}
}
