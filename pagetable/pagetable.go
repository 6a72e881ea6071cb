// Package pagetable walks and edits x86-64 4-level page tables inside a
// traced hypervisor's guest, translating between guest-physical frame
// numbers (as stored in page-table entries) and the host-virtual
// addresses vmsh-go mapped those frames to (spec §4.5).
package pagetable

import (
	"fmt"
	"sort"

	"github.com/vmsh-go/vmsh/kvmabi"
)

const (
	entriesPerTable = 512
	entrySize       = 8
	pageSize        = 4096

	flagPresent = 1 << 0
	flagWrite   = 1 << 1
	flagUser    = 1 << 2
	flagHuge    = 1 << 7

	physAddrMask = 0x000f_ffff_ffff_f000

	// Level indices, root-to-leaf.
	levelPML4 = 0
	levelPDPT = 1
	levelPD   = 2
	levelPT   = 3
)

// ErrHugeAtIntermediate is returned by MapMemory when an existing
// intermediate-level entry is already a huge page, which would require
// splitting (not supported).
var ErrHugeAtIntermediate = fmt.Errorf("pagetable: encountered huge page at an intermediate level")

// ErrPresentAtLeaf is returned by MapMemory when the target leaf entry
// is already present.
var ErrPresentAtLeaf = fmt.Errorf("pagetable: leaf entry already present")

// SlotMapper resolves a guest-physical frame number to the host-virtual
// address vmsh-go can dereference it at, typically backed by the set of
// hypervisor.PhysMem slots currently installed.
type SlotMapper interface {
	// HostOffset returns the host-virtual address backing guestPhys, and
	// true if guestPhys falls inside a known slot.
	HostOffset(guestPhys uint64) (hostAddr uintptr, ok bool)
}

// Reader is the minimal remote-memory surface the engine needs: typed
// reads and writes against the traced process.
type Reader interface {
	ReadBytes(hostAddr uintptr, n int) ([]byte, error)
	WriteBytes(hostAddr uintptr, buf []byte) error
}

// Engine walks and edits page tables for one traced process.
type Engine struct {
	pid    int
	reader Reader
	slots  SlotMapper
}

// New builds an Engine. reader performs the actual process_vm_readv /
// process_vm_writev calls (spec §4.1); slots resolves guest-physical
// frame numbers to host-virtual addresses.
func New(pid int, reader Reader, slots SlotMapper) *Engine {
	return &Engine{pid: pid, reader: reader, slots: slots}
}

// PML4Root reads CR3 from sregs and masks it down to the PML4 table's
// guest-physical frame, honoring CR4.PCIDE (the low 12 bits of CR3 are a
// PCID, not part of the address, when that bit is set).
func PML4Root(sregs *kvmabi.Sregs) uint64 {
	// Low 12 bits hold a PCID when CR4.PCIDE is set and are reserved
	// (must be zero) otherwise; either way they are not part of the
	// table's physical address.
	return sregs.CR3 &^ 0xfff
}

// Leaf is one yielded record from Walk: the virtual address the entry
// maps, the page-table level it was found at, and the raw entry value.
// Level counts up from the leaf: 0 for a PT entry (4 KB), 1 for a PD
// entry (2 MB when huge), 2 for a PDPT entry (1 GB when huge) and 3 for a
// non-present PML4 entry, the reverse of the levelPML4..levelPT order
// tableIndex uses.
type Leaf struct {
	VirtAddr uint64
	Level    int
	Entry    uint64
}

func (l Leaf) PhysAddr() uint64 { return l.Entry & physAddrMask }
func (l Leaf) Present() bool    { return l.Entry&flagPresent != 0 }
func (l Leaf) Huge() bool       { return l.Entry&flagHuge != 0 }

// signExtend applies the canonical-address rule: if bit 47 is set, the
// upper 16 bits must all be set too (spec §4.5, "sign-extension").
func signExtend(addr uint64) uint64 {
	if addr&(1<<47) != 0 {
		return addr | 0xffff_0000_0000_0000
	}

	return addr
}

func tableIndex(virt uint64, level int) uint64 {
	switch level {
	case levelPML4:
		return (virt >> 39) & 0x1ff
	case levelPDPT:
		return (virt >> 30) & 0x1ff
	case levelPD:
		return (virt >> 21) & 0x1ff
	default:
		return (virt >> 12) & 0x1ff
	}
}

func (e *Engine) readTable(guestPhysBase uint64) ([entriesPerTable]uint64, error) {
	var table [entriesPerTable]uint64

	hostAddr, ok := e.slots.HostOffset(guestPhysBase)
	if !ok {
		return table, fmt.Errorf("pagetable: table at guest phys %#x is outside any mapped slot", guestPhysBase)
	}

	buf, err := e.reader.ReadBytes(hostAddr, entriesPerTable*entrySize)
	if err != nil {
		return table, err
	}

	for i := 0; i < entriesPerTable; i++ {
		off := i * entrySize
		table[i] = uint64(buf[off]) | uint64(buf[off+1])<<8 | uint64(buf[off+2])<<16 | uint64(buf[off+3])<<24 |
			uint64(buf[off+4])<<32 | uint64(buf[off+5])<<40 | uint64(buf[off+6])<<48 | uint64(buf[off+7])<<56
	}

	return table, nil
}

// Walk iterates the four page-table levels for [virtStart, virtStart+length)
// and yields one Leaf per resolved entry (present or not), including huge
// pages at Levels 1–2 and 4 KB leaves at Level 0 (see Leaf).
func (e *Engine) Walk(pml4Phys uint64, virtStart uint64, length uint64) ([]Leaf, error) {
	var leaves []Leaf

	virtStart &^= pageSize - 1
	end := virtStart + length

	for virt := virtStart; virt < end; {
		virt = signExtend(virt)

		pml4, err := e.readTable(pml4Phys)
		if err != nil {
			return nil, err
		}

		e4 := pml4[tableIndex(virt, levelPML4)]
		if e4&flagPresent == 0 {
			leaves = append(leaves, Leaf{VirtAddr: virt, Level: 3, Entry: e4})
			virt += 1 << 30

			continue
		}

		pdpt, err := e.readTable(e4 & physAddrMask)
		if err != nil {
			return nil, err
		}

		e3 := pdpt[tableIndex(virt, levelPDPT)]
		if e3&flagPresent == 0 || e3&flagHuge != 0 {
			leaves = append(leaves, Leaf{VirtAddr: virt, Level: 2, Entry: e3})
			virt += 1 << 30

			continue
		}

		pd, err := e.readTable(e3 & physAddrMask)
		if err != nil {
			return nil, err
		}

		e2 := pd[tableIndex(virt, levelPD)]
		if e2&flagPresent == 0 || e2&flagHuge != 0 {
			leaves = append(leaves, Leaf{VirtAddr: virt, Level: 1, Entry: e2})
			virt += 1 << 21

			continue
		}

		pt, err := e.readTable(e2 & physAddrMask)
		if err != nil {
			return nil, err
		}

		e1 := pt[tableIndex(virt, levelPT)]
		leaves = append(leaves, Leaf{VirtAddr: virt, Level: 0, Entry: e1})
		virt += pageSize
	}

	return leaves, nil
}

// Mapping is one page-aligned [VirtAddr, VirtAddr+Len) → PhysAddr range
// MapMemory installs. Mappings must be sorted by PhysAddr and contiguous
// in physical space (spec §4.5, "map_memory preconditions").
type Mapping struct {
	VirtAddr uint64
	PhysAddr uint64
	Len      uint64
	Writable bool
}

// tableBuf is one page table's 512 entries staged in host memory. Every
// table MapMemory touches is read into a tableBuf at most once and edited
// in place; the table is only sent back to the traced process once, as a
// single vectored write, when the whole call commits (spec §4.5, "edits
// are staged in memory, committed with a single vectored write").
type tableBuf struct {
	entries [entriesPerTable]uint64
	dirty   bool
}

// loadTable returns the cached tableBuf for guestPhysBase, reading it from
// the traced process on first touch.
func (e *Engine) loadTable(cache map[uint64]*tableBuf, guestPhysBase uint64) (*tableBuf, error) {
	if t, ok := cache[guestPhysBase]; ok {
		return t, nil
	}

	raw, err := e.readTable(guestPhysBase)
	if err != nil {
		return nil, err
	}

	t := &tableBuf{entries: raw}
	cache[guestPhysBase] = t

	return t, nil
}

// newTable stages a freshly allocated, all-zero table at guestPhysBase
// without reading it back first: it has no prior contents to preserve.
func newTable(cache map[uint64]*tableBuf, guestPhysBase uint64) *tableBuf {
	t := &tableBuf{dirty: true}
	cache[guestPhysBase] = t

	return t
}

// flushTables commits every modified table in cache to the traced process,
// one vectored write per table (spec §4.5).
func (e *Engine) flushTables(cache map[uint64]*tableBuf) error {
	for phys, t := range cache {
		if !t.dirty {
			continue
		}

		if err := e.writeWholeTable(phys, &t.entries); err != nil {
			return err
		}
	}

	return nil
}

func (e *Engine) writeWholeTable(tablePhys uint64, entries *[entriesPerTable]uint64) error {
	hostAddr, ok := e.slots.HostOffset(tablePhys)
	if !ok {
		return fmt.Errorf("pagetable: table at guest phys %#x is outside any mapped slot", tablePhys)
	}

	buf := make([]byte, entriesPerTable*entrySize)

	for i, v := range entries {
		off := i * entrySize
		for b := 0; b < entrySize; b++ {
			buf[off+b] = byte(v >> (8 * uint(b)))
		}
	}

	return e.reader.WriteBytes(hostAddr, buf)
}

// Estimate returns the upper bound on auxiliary page-table memory
// map_memory may need for size bytes: the sum over the PT, PD and PDPT
// levels of the table pages each needs, ceil(frames/512),
// ceil(frames/512²) and ceil(frames/512³) (spec §4.5).
func Estimate(size uint64) uint64 {
	frames := (size + pageSize - 1) / pageSize

	total := uint64(0)

	for _, fanout := range []uint64{
		entriesPerTable, entriesPerTable * entriesPerTable, entriesPerTable * entriesPerTable * entriesPerTable,
	} {
		n := (frames + fanout - 1) / fanout
		total += n
	}

	return total * pageSize
}

// undoEntry records one table slot's value before MapMemory overwrote
// it, so VirtMem.Close can restore it.
type undoEntry struct {
	guestPhysTable uint64
	index          int
	oldValue       uint64
}

// VirtMem is the result of MapMemory: dropping it (Close) restores every
// pre-existing table entry MapMemory snapshotted before overwriting it
// (spec §4.5, "Returns a VirtMem that, on drop, commits the undo log").
type VirtMem struct {
	e    *Engine
	undo []undoEntry
	done bool
}

// MapMemory maps the sorted, contiguous mappings into the guest's PML4,
// allocating fresh page tables out of the unused tail of physBacking
// (the first free guest-physical byte after the highest-addressed
// mapping) when an intermediate level is missing.
func (e *Engine) MapMemory(pml4Phys uint64, physBackingTail uint64, mappings []Mapping) (*VirtMem, error) {
	sorted := append([]Mapping(nil), mappings...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PhysAddr < sorted[j].PhysAddr })

	for _, m := range sorted {
		if m.VirtAddr%pageSize != 0 || m.PhysAddr%pageSize != 0 || m.Len%pageSize != 0 {
			return nil, fmt.Errorf("pagetable: mapping virt=%#x phys=%#x len=%#x is not page-aligned", m.VirtAddr, m.PhysAddr, m.Len)
		}
	}

	vm := &VirtMem{e: e}
	cache := make(map[uint64]*tableBuf)
	nextFree := physBackingTail

	for _, m := range sorted {
		for off := uint64(0); off < m.Len; off += pageSize {
			virt := signExtend(m.VirtAddr + off)
			phys := m.PhysAddr + off

			var err error
			nextFree, err = e.mapOnePage(vm, cache, pml4Phys, virt, phys, nextFree, m.Writable)
			if err != nil {
				return nil, err
			}
		}
	}

	if err := e.flushTables(cache); err != nil {
		return nil, err
	}

	return vm, nil
}

func (e *Engine) mapOnePage(
	vm *VirtMem, cache map[uint64]*tableBuf, pml4Phys, virt, phys, nextFree uint64, writable bool,
) (uint64, error) {
	tablePhys := pml4Phys
	levels := []int{levelPML4, levelPDPT, levelPD}

	for _, lvl := range levels {
		table, err := e.loadTable(cache, tablePhys)
		if err != nil {
			return nextFree, err
		}

		idx := int(tableIndex(virt, lvl))
		entry := table.entries[idx]

		switch {
		case entry&flagPresent != 0 && entry&flagHuge != 0:
			return nextFree, ErrHugeAtIntermediate
		case entry&flagPresent != 0:
			tablePhys = entry & physAddrMask
		default:
			childPhys := nextFree
			nextFree += pageSize

			vm.undo = append(vm.undo, undoEntry{guestPhysTable: tablePhys, index: idx, oldValue: entry})
			table.entries[idx] = (childPhys & physAddrMask) | flagPresent | flagWrite | flagUser
			table.dirty = true

			newTable(cache, childPhys)

			tablePhys = childPhys
		}
	}

	leafTable, err := e.loadTable(cache, tablePhys)
	if err != nil {
		return nextFree, err
	}

	leafIdx := int(tableIndex(virt, levelPT))
	if leafTable.entries[leafIdx]&flagPresent != 0 {
		return nextFree, ErrPresentAtLeaf
	}

	flags := uint64(flagPresent | flagUser)
	if writable {
		flags |= flagWrite
	}

	vm.undo = append(vm.undo, undoEntry{guestPhysTable: tablePhys, index: leafIdx, oldValue: leafTable.entries[leafIdx]})
	leafTable.entries[leafIdx] = (phys & physAddrMask) | flags
	leafTable.dirty = true

	return nextFree, nil
}

// Close restores every table entry MapMemory overwrote, in reverse
// order, committing the undo log (spec §4.5).
func (vm *VirtMem) Close() error {
	if vm.done {
		return nil
	}

	vm.done = true

	cache := make(map[uint64]*tableBuf)

	for i := len(vm.undo) - 1; i >= 0; i-- {
		u := vm.undo[i]

		table, err := vm.e.loadTable(cache, u.guestPhysTable)
		if err != nil {
			return fmt.Errorf("pagetable: restoring undo entry %d: %w", i, err)
		}

		table.entries[u.index] = u.oldValue
		table.dirty = true
	}

	if err := vm.e.flushTables(cache); err != nil {
		return fmt.Errorf("pagetable: committing undo log: %w", err)
	}

	return nil
}
