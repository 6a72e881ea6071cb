package virtio

import (
	"fmt"
)

// QueueSize is the fixed virtqueue depth vmsh-go's block and console
// devices use (spec §4.7, "A single virtqueue of size 256").
const QueueSize = 256

const (
	descFlagNext     = 1 << 0
	descFlagWrite    = 1 << 1
	descFlagIndirect = 1 << 2
)

// descLayout mirrors one virtqueue descriptor (refs:
// https://wiki.osdev.org/Virtio#Virtual_Queue_Descriptor, the same
// field order and meaning the teacher's VirtQueue.DescTable used).
type descLayout struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

const descSize = 16

// RemoteMem is the guest-memory access surface a Queue needs: typed
// byte-level reads and writes against the mmapped virtqueue backing, and
// a guest-physical-address addressing scheme (the queue lives inside a
// PhysMem region vmsh-go owns, so these addresses are host-virtual
// offsets into that region once translated by the caller).
type RemoteMem interface {
	ReadBytes(addr uintptr, n int) ([]byte, error)
	WriteBytes(addr uintptr, buf []byte) error
}

// Queue wraps one virtqueue's three rings (descriptor table, available
// ring, used ring) laid out contiguously starting at base, matching the
// teacher's VirtQueue struct layout (descriptor table, avail ring,
// 4096-byte-aligned padding, used ring).
type Queue struct {
	mem  RemoteMem
	base uintptr

	descTableOff uintptr
	availOff     uintptr
	usedOff      uintptr

	lastAvailIdx uint16
}

func availRingOffset() uintptr { return QueueSize * descSize }

// availRingSize is sizeof(flags) + sizeof(idx) + QueueSize*sizeof(ring
// entry) + sizeof(used_event).
const availRingSize = 2 + 2 + 2*QueueSize + 2

func usedRingOffset() uintptr {
	total := availRingOffset() + availRingSize
	pad := (4096 - (total % 4096)) % 4096

	return total + pad
}

// NewQueue builds a Queue view over a virtqueue already laid out at base
// inside mem.
func NewQueue(mem RemoteMem, base uintptr) *Queue {
	return &Queue{
		mem:          mem,
		base:         base,
		descTableOff: 0,
		availOff:     availRingOffset(),
		usedOff:      usedRingOffset(),
	}
}

func (q *Queue) readU16(off uintptr) (uint16, error) {
	b, err := q.mem.ReadBytes(q.base+off, 2)
	if err != nil {
		return 0, err
	}

	return uint16(b[0]) | uint16(b[1])<<8, nil
}

func (q *Queue) writeU16(off uintptr, v uint16) error {
	b := []byte{byte(v), byte(v >> 8)}

	return q.mem.WriteBytes(q.base+off, b)
}

func (q *Queue) writeU32(off uintptr, v uint32) error {
	b := []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}

	return q.mem.WriteBytes(q.base+off, b)
}

// availIdx reads the avail ring's idx field.
func (q *Queue) availIdx() (uint16, error) {
	return q.readU16(q.availOff + 2)
}

// availRingEntry reads avail.ring[i % QueueSize].
func (q *Queue) availRingEntry(i uint16) (uint16, error) {
	off := q.availOff + 4 + uintptr(i%QueueSize)*2

	return q.readU16(off)
}

func (q *Queue) readDesc(idx uint16) (descLayout, error) {
	var d descLayout

	off := q.descTableOff + uintptr(idx)*descSize

	b, err := q.mem.ReadBytes(q.base+off, descSize)
	if err != nil {
		return d, err
	}

	d.Addr = u64(b[0:8])
	d.Len = u32(b[8:12])
	d.Flags = uint16(b[12]) | uint16(b[13])<<8
	d.Next = uint16(b[14]) | uint16(b[15])<<8

	return d, nil
}

// Chain is one fully-walked descriptor chain: the guest-physical
// addresses and lengths of each buffer in order, and whether the final
// buffer is device-writable (the status byte slot for virtio-blk).
type Chain struct {
	Bufs []ChainBuf
}

type ChainBuf struct {
	Addr     uint64
	Len      uint32
	Writable bool
}

// PopAvail pops the next available descriptor chain, if the driver has
// published one since the last call, walking Next links (spec §4.7,
// "parses each descriptor chain").
func (q *Queue) PopAvail() (*Chain, uint16, bool, error) {
	idx, err := q.availIdx()
	if err != nil {
		return nil, 0, false, err
	}

	if idx == q.lastAvailIdx {
		return nil, 0, false, nil
	}

	headIdxPos := q.lastAvailIdx
	q.lastAvailIdx++

	descIdx, err := q.availRingEntry(headIdxPos)
	if err != nil {
		return nil, 0, false, err
	}

	chain := &Chain{}
	cur := descIdx

	for i := 0; i < QueueSize; i++ {
		d, err := q.readDesc(cur)
		if err != nil {
			return nil, 0, false, err
		}

		if d.Flags&descFlagIndirect != 0 {
			return nil, 0, false, fmt.Errorf("virtio: indirect descriptors are not supported")
		}

		chain.Bufs = append(chain.Bufs, ChainBuf{Addr: d.Addr, Len: d.Len, Writable: d.Flags&descFlagWrite != 0})

		if d.Flags&descFlagNext == 0 {
			break
		}

		cur = d.Next
	}

	return chain, descIdx, true, nil
}

// PushUsed marks descIdx used with the given byte count and bumps the
// used ring's idx.
func (q *Queue) PushUsed(descIdx uint16, length uint32) error {
	usedIdx, err := q.readU16(q.usedOff + 2)
	if err != nil {
		return err
	}

	slot := q.usedOff + 4 + uintptr(usedIdx%QueueSize)*8

	if err := q.writeU32(slot, uint32(descIdx)); err != nil {
		return err
	}

	if err := q.writeU32(slot+4, length); err != nil {
		return err
	}

	return q.writeU16(q.usedOff+2, usedIdx+1)
}

// EnableNotification reports whether the driver has published any new
// available entries since the last PopAvail call returned false.
func (q *Queue) EnableNotification() (bool, error) {
	idx, err := q.availIdx()
	if err != nil {
		return false, err
	}

	return idx != q.lastAvailIdx, nil
}

func u64(b []byte) uint64 {
	v := uint64(0)
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}

	return v
}

func u32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
