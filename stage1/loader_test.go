package stage1

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/vmsh-go/vmsh/kernelscan"
)

// buildMinimalELF hand-assembles the smallest 64-bit ELF debug/elf will
// parse: a file header, one PT_LOAD program header, and that segment's raw
// bytes, with no section headers at all (Build never looks at sections
// beyond SHT_RELA, and loadableSegments only walks f.Progs).
func buildMinimalELF(t *testing.T, vaddr uint64, entry uint64, data []byte) []byte {
	t.Helper()

	const (
		ehSize = 64
		phSize = 56
	)

	buf := make([]byte, ehSize+phSize+len(data))

	// e_ident
	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // ELFDATA2LSB
	buf[6] = 1 // EV_CURRENT

	le16 := binary.LittleEndian.PutUint16
	le32 := binary.LittleEndian.PutUint32
	le64 := binary.LittleEndian.PutUint64

	le16(buf[16:], 2)       // e_type = ET_EXEC
	le16(buf[18:], 0x3e)    // e_machine = EM_X86_64
	le32(buf[20:], 1)       // e_version
	le64(buf[24:], entry)   // e_entry
	le64(buf[32:], ehSize)  // e_phoff
	le64(buf[40:], 0)       // e_shoff
	le32(buf[48:], 0)       // e_flags
	le16(buf[52:], ehSize)  // e_ehsize
	le16(buf[54:], phSize)  // e_phentsize
	le16(buf[56:], 1)       // e_phnum
	le16(buf[58:], 0)       // e_shentsize
	le16(buf[60:], 0)       // e_shnum
	le16(buf[62:], 0)       // e_shstrndx

	ph := buf[ehSize:]
	le32(ph[0:], 1)                    // p_type = PT_LOAD
	le32(ph[4:], 7)                    // p_flags = R|W|X
	le64(ph[8:], ehSize+phSize)        // p_offset
	le64(ph[16:], vaddr)               // p_vaddr
	le64(ph[24:], vaddr)               // p_paddr
	le64(ph[32:], uint64(len(data)))   // p_filesz
	le64(ph[40:], uint64(len(data)))   // p_memsz
	le64(ph[48:], 0x1000)              // p_align

	copy(buf[ehSize+phSize:], data)

	return buf
}

func TestBuildLaysOutSingleSegment(t *testing.T) {
	const vaddr = 0xffffffffc0000000
	const vbase = 0xffffffffa0000000

	data := bytes.Repeat([]byte{0x90}, 32) // a run of NOPs
	entry := vaddr + 8

	raw := buildMinimalELF(t, vaddr, entry, data)

	img, err := Build(raw, vbase, kernelscan.SymbolTable{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if img.VirtBase != vbase {
		t.Errorf("VirtBase = %#x, want %#x", img.VirtBase, vbase)
	}

	if img.Entry != 8 {
		t.Errorf("Entry = %#x, want 8 (entry - segment base)", img.Entry)
	}

	if len(img.Data) < len(data) {
		t.Fatalf("Data is %d bytes, want at least %d", len(img.Data), len(data))
	}

	if !bytes.Equal(img.Data[:len(data)], data) {
		t.Errorf("Data[:len(data)] = %x, want %x", img.Data[:len(data)], data)
	}
}

func TestBuildRejectsNoLoadableSegments(t *testing.T) {
	raw := buildMinimalELF(t, 0, 0, nil)

	// Drop the one PT_LOAD header by zeroing phnum.
	binary.LittleEndian.PutUint16(raw[56:], 0)

	if _, err := Build(raw, 0xffffffffa0000000, kernelscan.SymbolTable{}); err != ErrNoLoadableSegments {
		t.Fatalf("Build with no PT_LOAD headers: got %v, want %v", err, ErrNoLoadableSegments)
	}
}

func TestDisassembleAroundDecodesNops(t *testing.T) {
	img := &Image{VirtBase: 0x1000, Data: bytes.Repeat([]byte{0x90}, 4)}

	out := DisassembleAround(img, img.VirtBase, 4)
	if len(out) != 4 {
		t.Fatalf("DisassembleAround returned %d instructions, want 4", len(out))
	}

	for i, line := range out {
		if line == "" {
			t.Errorf("instruction %d decoded to an empty string", i)
		}
	}
}

func TestDisassembleAroundOutOfRangeReturnsNil(t *testing.T) {
	img := &Image{VirtBase: 0x1000, Data: []byte{0x90}}

	if out := DisassembleAround(img, 0x2000, 4); out != nil {
		t.Errorf("DisassembleAround with pc outside Data = %v, want nil", out)
	}
}
