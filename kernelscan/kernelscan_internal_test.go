package kernelscan

import "testing"

// buildSyntheticImage lays out a delimiter, a strings blob containing
// "init_task", and (once stringsStart is known) two ksymtab_entry
// records directly preceding it, so Scan can be exercised without a
// real kernel image.
func buildSyntheticImage(t *testing.T) (buf []byte, markerOff int) {
	t.Helper()

	// Leave generous room in front for the ksymtab entries this
	// function writes in once it knows where widenPrintableRun decided
	// the strings region actually starts.
	prefix := make([]byte, 64)

	delim := []byte{0x01, 0x01}
	strings := []byte("zzz\x00init_task\x00")

	buf = append(prefix, delim...)
	buf = append(buf, strings...)

	markerOff = len(prefix) + len(delim) + len("zzz\x00")

	return buf, markerOff
}

func TestWidenPrintableRunRespectsDelimiter(t *testing.T) {
	t.Parallel()

	buf, markerOff := buildSyntheticImage(t)

	start, end := widenPrintableRun(buf, markerOff)
	if start < 64+2 {
		t.Fatalf("widenPrintableRun crossed the delimiter: start=%d", start)
	}

	if end != len(buf) {
		t.Fatalf("widenPrintableRun end = %d, want %d (end of buffer)", end, len(buf))
	}
}

func TestScanFindsInitTaskAdjacentSymbol(t *testing.T) {
	t.Parallel()

	buf, markerOff := buildSyntheticImage(t)
	stringsStart, _ := widenPrintableRun(buf, markerOff)

	const sz = 8 // layoutWithoutNamespace

	entryBOff := stringsStart - sz
	entryAOff := entryBOff - sz

	if entryAOff < 0 {
		t.Fatalf("synthetic image too small: entryAOff=%d", entryAOff)
	}

	const baseVirt = 0xFFFFFFFF81000000

	// Entry A's name points at "zzz" (offset 0 within the strings blob).
	nameAOff := stringsStart - (entryAOff + 4)
	putLE32(buf[entryAOff:], 0)
	putLE32(buf[entryAOff+4:], uint32(nameAOff))

	// Entry B's name points at "init_task".
	initTaskOff := markerOff - stringsStart
	nameBOff := (stringsStart + initTaskOff) - (entryBOff + 4)
	wantValueOff := int32(0x1234)
	putLE32(buf[entryBOff:], uint32(wantValueOff))
	putLE32(buf[entryBOff+4:], uint32(nameBOff))

	syms, err := Scan(buf, baseVirt)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	got, ok := syms["init_task"]
	if !ok {
		t.Fatalf("init_task not found in %v", syms)
	}

	want := baseVirt + uint64(entryBOff) + uint64(wantValueOff)
	if got != want {
		t.Fatalf("init_task address = %#x, want %#x", got, want)
	}
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
