package stage1

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"sort"

	"golang.org/x/arch/x86/x86asm"

	"github.com/vmsh-go/vmsh/kernelscan"
)

// ErrNoLoadableSegments is returned when the payload ELF has no PT_LOAD
// program headers.
var ErrNoLoadableSegments = fmt.Errorf("stage1: payload has no loadable segments")

// ErrUnknownSymbol is returned when a relocation references a guest
// kernel symbol kernelscan did not find.
var ErrUnknownSymbol = fmt.Errorf("stage1: payload references unknown kernel symbol")

// Image is a flattened, relocated copy of the stage-1 payload ready to be
// written into guest memory starting at VirtBase (spec §4.8 step 4).
type Image struct {
	VirtBase uint64
	Data     []byte
	Entry    uint64
}

// Build parses the ELF in raw (the in-guest kernel module, consumed as an
// opaque byte array per spec §1), lays out its PT_LOAD segments
// contiguously starting at vbase, and applies R_X86_64_RELATIVE /
// R_X86_64_GLOB_DAT relocations against the guest kernel's symbol table
// (spec §4.8 step 4, grounded on the original loader's `relocate`
// handling of the same two relocation types).
func Build(raw []byte, vbase uint64, kernel kernelscan.SymbolTable) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("stage1: parsing payload elf: %w", err)
	}
	defer f.Close()

	segs := loadableSegments(f)
	if len(segs) == 0 {
		return nil, ErrNoLoadableSegments
	}

	minVirt, maxVirt := segmentExtent(segs)
	size := pageAlign(maxVirt - minVirt)

	img := &Image{VirtBase: vbase, Data: make([]byte, size), Entry: f.Entry - minVirt}

	for _, s := range segs {
		off := s.vaddr - minVirt
		copy(img.Data[off:], s.data)
	}

	if err := applyRelocations(f, img, minVirt, vbase, kernel); err != nil {
		return nil, err
	}

	return img, nil
}

type segment struct {
	vaddr uint64
	data  []byte
}

func loadableSegments(f *elf.File) []segment {
	var segs []segment

	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}

		buf := make([]byte, p.Memsz)

		n, _ := p.ReadAt(buf[:p.Filesz], 0)
		_ = n

		segs = append(segs, segment{vaddr: p.Vaddr, data: buf})
	}

	sort.Slice(segs, func(i, j int) bool { return segs[i].vaddr < segs[j].vaddr })

	return segs
}

func segmentExtent(segs []segment) (minVirt, maxVirt uint64) {
	minVirt = segs[0].vaddr

	for _, s := range segs {
		if s.vaddr < minVirt {
			minVirt = s.vaddr
		}

		if end := s.vaddr + uint64(len(s.data)); end > maxVirt {
			maxVirt = end
		}
	}

	return minVirt, maxVirt
}

func pageAlign(n uint64) uint64 {
	const pageSize = 4096

	return (n + pageSize - 1) &^ (pageSize - 1)
}

// applyRelocations walks every SHT_RELA section and fixes up
// R_X86_64_RELATIVE entries (add the load bias to the addend) and
// R_X86_64_GLOB_DAT entries (resolve the referenced dynamic symbol
// against the guest kernel's exported symbol table), matching the
// subset of relocation types the in-guest module's linker emits.
func applyRelocations(f *elf.File, img *Image, minVirt, vbase uint64, kernel kernelscan.SymbolTable) error {
	dynSyms, err := f.DynamicSymbols()
	if err != nil {
		dynSyms = nil // statically linked payloads carry no dynamic symbols
	}

	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_RELA {
			continue
		}

		data, err := sec.Data()
		if err != nil {
			return fmt.Errorf("stage1: reading %s: %w", sec.Name, err)
		}

		for i := 0; i+24 <= len(data); i += 24 {
			offset := binary.LittleEndian.Uint64(data[i:])
			info := binary.LittleEndian.Uint64(data[i+8:])
			addend := int64(binary.LittleEndian.Uint64(data[i+16:]))

			relType := elf.R_X86_64(info & 0xffffffff)
			symIdx := info >> 32

			if err := applyOneRelocation(img, minVirt, vbase, offset, relType, symIdx, addend, dynSyms, kernel); err != nil {
				return err
			}
		}
	}

	return nil
}

func applyOneRelocation(
	img *Image, minVirt, vbase, offset uint64, relType elf.R_X86_64, symIdx uint64, addend int64,
	dynSyms []elf.Symbol, kernel kernelscan.SymbolTable,
) error {
	target := offset - minVirt
	if target+8 > uint64(len(img.Data)) {
		return fmt.Errorf("stage1: relocation offset %#x out of payload bounds", offset)
	}

	switch relType {
	case elf.R_X86_64_RELATIVE:
		dest := vbase + uint64(addend)
		binary.LittleEndian.PutUint64(img.Data[target:], dest)

		return nil

	case elf.R_X86_64_GLOB_DAT:
		if symIdx >= uint64(len(dynSyms)) {
			return fmt.Errorf("stage1: relocation references out-of-range dynsym index %d", symIdx)
		}

		sym := dynSyms[symIdx]
		if sym.Library == "" && sym.Name == "" {
			return nil
		}

		if elf.ST_BIND(sym.Info) == elf.STB_WEAK {
			return nil // weak symbols included by default but unused, safe to skip
		}

		addr, ok := kernel[sym.Name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownSymbol, sym.Name)
		}

		binary.LittleEndian.PutUint64(img.Data[target:], addr+uint64(addend))

		return nil

	default:
		return fmt.Errorf("stage1: unhandled relocation type %v at offset %#x", relType, offset)
	}
}

// DisassembleAround decodes up to n instructions starting at the byte
// offset within img.Data corresponding to guest-virtual address pc, for
// diagnostic logging around a relocation-resolved symbol (grounded on
// the teacher's machine.Machine.Inst / Pointer use of x86asm.Decode to
// interpret memory operands).
func DisassembleAround(img *Image, pc uint64, n int) []string {
	off := pc - img.VirtBase
	if off >= uint64(len(img.Data)) {
		return nil
	}

	out := make([]string, 0, n)
	buf := img.Data[off:]

	for i := 0; i < n && len(buf) > 0; i++ {
		inst, err := x86asm.Decode(buf, 64)
		if err != nil {
			out = append(out, fmt.Sprintf("<bad opcode %#02x>", buf[0]))
			buf = buf[1:]

			continue
		}

		out = append(out, x86asm.GNUSyntax(inst, pc, nil))
		pc += uint64(inst.Len)
		buf = buf[inst.Len:]
	}

	return out
}
