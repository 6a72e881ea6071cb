// Package remotemem implements typed, size-checked cross-process read and
// write against a PID's virtual address space, and the ownership types for
// memory regions allocated inside that process (spec §4.1).
package remotemem

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// ErrShortTransfer indicates process_vm_readv/writev moved fewer bytes
// than requested. Short transfers are never retried: spec §4.1 makes this
// an error, not a partial success.
var ErrShortTransfer = errors.New("remotemem: short cross-process transfer")

// ReadBytes performs one vectored read of exactly len(buf) bytes from the
// given pid's address space at addr.
func ReadBytes(pid int, addr uintptr, buf []byte) error {
	local := []unix.Iovec{{Base: &buf[0], Len: uint64(len(buf))}}
	remote := []unix.RemoteIovec{{Base: addr, Len: len(buf)}}

	n, err := unix.ProcessVMReadv(pid, local, remote, 0)
	if err != nil {
		return fmt.Errorf("remotemem: process_vm_readv pid=%d addr=%#x: %w", pid, addr, err)
	}

	if n != len(buf) {
		return fmt.Errorf("%w: wanted %d got %d", ErrShortTransfer, len(buf), n)
	}

	return nil
}

// WriteBytes performs one vectored write of exactly len(buf) bytes into
// the given pid's address space at addr.
func WriteBytes(pid int, addr uintptr, buf []byte) error {
	local := []unix.Iovec{{Base: &buf[0], Len: uint64(len(buf))}}
	remote := []unix.RemoteIovec{{Base: addr, Len: len(buf)}}

	n, err := unix.ProcessVMWritev(pid, local, remote, 0)
	if err != nil {
		return fmt.Errorf("remotemem: process_vm_writev pid=%d addr=%#x: %w", pid, addr, err)
	}

	if n != len(buf) {
		return fmt.Errorf("%w: wanted %d got %d", ErrShortTransfer, len(buf), n)
	}

	return nil
}

// Read reads sizeof(T) bytes from pid at addr and decodes them as T.
// T must be a fixed-layout struct (no pointers, no slices).
func Read[T any](pid int, addr uintptr) (T, error) {
	var v T

	buf := unsafe.Slice((*byte)(unsafe.Pointer(&v)), unsafe.Sizeof(v))
	if err := ReadBytes(pid, addr, buf); err != nil {
		var zero T

		return zero, err
	}

	return v, nil
}

// Write encodes v and writes it to pid at addr.
func Write[T any](pid int, addr uintptr, v *T) error {
	buf := unsafe.Slice((*byte)(unsafe.Pointer(v)), unsafe.Sizeof(*v))

	return WriteBytes(pid, addr, buf)
}

// Mapper is the subset of the Injector personality (tracer.Injector)
// remote memory needs: mmap/munmap executed inside the traced process.
// Defined here, rather than imported from package tracer, to keep
// remotemem a leaf package with no dependency on the tracer's ptrace
// machinery.
type Mapper interface {
	Mmap(size uintptr) (uintptr, error)
	Munmap(addr, size uintptr) error
}

// HvMem is an opaque handle to a region the Injector allocated inside the
// hypervisor with an anonymous shared mmap. The handle exclusively owns
// the region; Close invokes the Injector to munmap it.
type HvMem[T any] struct {
	pid  int
	addr uintptr
	size uintptr
	m    Mapper
	done bool
}

// NewHvMem allocates max(sizeof(T), requested) bytes of PROT_READ|
// PROT_WRITE, MAP_SHARED|MAP_ANONYMOUS memory inside pid via m, and
// returns a handle that owns it.
func NewHvMem[T any](m Mapper, pid int, requested uintptr) (*HvMem[T], error) {
	var zero T

	size := unsafe.Sizeof(zero)
	if requested > size {
		size = requested
	}

	addr, err := m.Mmap(size)
	if err != nil {
		return nil, fmt.Errorf("remotemem: allocate %d bytes in pid %d: %w", size, pid, err)
	}

	return &HvMem[T]{pid: pid, addr: addr, size: size, m: m}, nil
}

// Addr returns the host-virtual address of the region inside the traced
// process.
func (h *HvMem[T]) Addr() uintptr { return h.addr }

// Size returns the allocation size in bytes.
func (h *HvMem[T]) Size() uintptr { return h.size }

// Read decodes the region's contents as T.
func (h *HvMem[T]) Read() (T, error) {
	return Read[T](h.pid, h.addr)
}

// Write encodes v into the region.
func (h *HvMem[T]) Write(v *T) error {
	return Write[T](h.pid, h.addr, v)
}

// ReadBytes reads n bytes starting at the region's base.
func (h *HvMem[T]) ReadBytes(buf []byte) error {
	return ReadBytes(h.pid, h.addr, buf)
}

// WriteBytes writes buf starting at the region's base.
func (h *HvMem[T]) WriteBytes(buf []byte) error {
	return WriteBytes(h.pid, h.addr, buf)
}

// Close unmaps the region in the traced process. Errors are logged and
// swallowed: destructor failures must never block shutdown (spec §4.1,
// "Failure semantics").
func (h *HvMem[T]) Close() {
	if h.done {
		return
	}

	h.done = true

	if err := h.m.Munmap(h.addr, h.size); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"pid": h.pid, "addr": h.addr, "size": h.size,
		}).Warn("remotemem: munmap of HvMem region failed during cleanup")
	}
}
