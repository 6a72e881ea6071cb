// Package kernelscan locates the running guest kernel's symbol table by
// scanning the guest page table for the kernel's read-only data section
// and recognizing the __ksymtab/__ksymtab_strings layout inside it (spec
// §4.6, "Kernel-in-guest discovery").
package kernelscan

import (
	"bytes"
	"fmt"

	"github.com/vmsh-go/vmsh/pagetable"
)

// kernelTextLow/High bound the guest-virtual range the x86-64 kernel's
// image is mapped into (spec §4.6 step 1).
const (
	kernelTextLow  = 0xFFFFFFFF80000000
	kernelTextHigh = 0xFFFFFFFFC0000000
)

// ErrNotFound is returned when no kernel symbol table could be located
// in the scanned range.
var ErrNotFound = fmt.Errorf("kernelscan: no kernel found in page table")

// MappedRun is a contiguous run of guest-virtual address space backed by
// leaves that share the same protection bits (spec §4.6 step 1,
// "coalesce contiguous leaves... into MappedMemory runs").
type MappedRun struct {
	VirtAddr uint64
	Len      uint64
	Writable bool
}

// CoalesceRuns merges adjacent page-table leaves within
// [kernelTextLow, kernelTextHigh) that share write permission into
// MappedRun records.
func CoalesceRuns(leaves []pagetable.Leaf) []MappedRun {
	var runs []MappedRun

	const pageStep = 4096

	for _, l := range leaves {
		if l.VirtAddr < kernelTextLow || l.VirtAddr >= kernelTextHigh || !l.Present() {
			continue
		}

		writable := l.Entry&(1<<1) != 0
		step := uint64(pageStep)

		switch l.Level {
		case 1:
			step = 1 << 21
		case 2:
			step = 1 << 30
		}

		if n := len(runs); n > 0 {
			last := &runs[n-1]
			if last.Writable == writable && last.VirtAddr+last.Len == l.VirtAddr {
				last.Len += step

				continue
			}
		}

		runs = append(runs, MappedRun{VirtAddr: l.VirtAddr, Len: step, Writable: writable})
	}

	return runs
}

// PickReadOnlyRun returns the first run with Writable == false, the
// section kernelscan treats as rodata (spec §4.6 step 2).
func PickReadOnlyRun(runs []MappedRun) (MappedRun, bool) {
	for _, r := range runs {
		if !r.Writable {
			return r, true
		}
	}

	return MappedRun{}, false
}

const initTaskMarker = "init_task"

// symtabEntryLayout distinguishes the pre-5.4 kernel's 8-byte
// ksymtab_entry (value, name) from the later 12-byte layout that adds a
// namespace offset (spec §4.6 step 5).
type symtabEntryLayout int

const (
	layoutWithNamespace symtabEntryLayout = iota
	layoutWithoutNamespace
)

func (l symtabEntryLayout) size() int {
	if l == layoutWithNamespace {
		return 12
	}

	return 8
}

// SymbolTable maps exported kernel symbol names to their guest-virtual
// addresses.
type SymbolTable map[string]uint64

// Scan implements spec §4.6 steps 3–6 against buf, a byte-for-byte copy
// of the read-only run read via process_vm_readv, annotated with the
// guest-virtual address its first byte corresponds to.
func Scan(buf []byte, baseVirt uint64) (SymbolTable, error) {
	markerOff := bytes.Index(buf, []byte(initTaskMarker))
	if markerOff < 0 {
		return nil, ErrNotFound
	}

	stringsStart, stringsEnd := widenPrintableRun(buf, markerOff)

	ksymtabOff, layout, ok := findKsymtab(buf, stringsStart, stringsEnd)
	if !ok {
		return nil, ErrNotFound
	}

	return walkKsymtab(buf, baseVirt, ksymtabOff, stringsStart, stringsEnd, layout), nil
}

// widenPrintableRun expands outward from off until it hits a run of two
// consecutive non-printable bytes on either side (spec §4.6 step 4).
func widenPrintableRun(buf []byte, off int) (start, end int) {
	start = off

	for start > 0 && isStringsByte(buf, start-1) {
		start--
	}

	end = off

	for end < len(buf) && isStringsByte(buf, end) {
		end++
	}

	return start, end
}

func isStringsByte(buf []byte, i int) bool {
	if i < 0 || i >= len(buf) {
		return false
	}

	nonPrintable := func(j int) bool {
		return j >= 0 && j < len(buf) && (buf[j] < 0x20 || buf[j] > 0x7e)
	}

	if !nonPrintable(i) {
		return true
	}

	// A lone non-printable byte (the NUL terminating a name) is part of
	// the strings table; two in a row are the delimiter.
	return !nonPrintable(i-1) && !nonPrintable(i+1)
}

// findKsymtab walks backwards in 4-byte steps from stringsStart looking
// for a run of ksymtab_entry candidates whose name_offset (and the
// preceding entry's) resolve inside [stringsStart, stringsEnd) (spec
// §4.6 step 5).
func findKsymtab(buf []byte, stringsStart, stringsEnd int) (off int, layout symtabEntryLayout, ok bool) {
	for _, layout := range []symtabEntryLayout{layoutWithNamespace, layoutWithoutNamespace} {
		sz := layout.size()

		for cand := stringsStart - sz; cand >= sz; cand -= 4 {
			if !entryNameResolves(buf, cand, sz, stringsStart, stringsEnd) {
				continue
			}

			if !entryNameResolves(buf, cand-sz, sz, stringsStart, stringsEnd) {
				continue
			}

			return cand, layout, true
		}
	}

	return 0, 0, false
}

func entryNameResolves(buf []byte, off, sz, stringsStart, stringsEnd int) bool {
	if off < 0 || off+sz > len(buf) {
		return false
	}

	nameOffField := int32(le32(buf[off+4:]))
	target := off + 4 + int(nameOffField)

	return target >= stringsStart && target < stringsEnd
}

// walkKsymtab reads entries forward from off until an entry's name
// offset leaves the strings range, resolving each name and address
// (spec §4.6 step 6).
func walkKsymtab(buf []byte, baseVirt uint64, off, stringsStart, stringsEnd int, layout symtabEntryLayout) SymbolTable {
	syms := make(SymbolTable)
	sz := layout.size()

	for cur := off; cur+sz <= len(buf); cur += sz {
		valueOff := int32(le32(buf[cur:]))
		nameOff := int32(le32(buf[cur+4:]))

		nameAddr := cur + 4 + int(nameOff)
		if nameAddr < stringsStart || nameAddr >= stringsEnd {
			break
		}

		name := cString(buf[nameAddr:])
		if name == "" {
			break
		}

		// ptr = (int)&sym.value_offset + sym.value_offset
		addr := baseVirt + uint64(cur) + uint64(int64(valueOff))

		syms[name] = addr
	}

	return syms
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func cString(b []byte) string {
	n := bytes.IndexByte(b, 0)
	if n < 0 {
		return ""
	}

	return string(b[:n])
}
