// Package virtio implements the virtio-mmio block and console devices
// vmsh-go hot-attaches to a guest, and the two ways their MMIO traffic
// can be dispatched: filtering Interceptor MMIO exits, or ioregionfd
// socketpairs (spec §4.7).
package virtio

import (
	"fmt"
	"sync"
)

// Feature bits vmsh-go advertises (virtio spec, values as used by
// Linux's virtio_config.h).
const (
	FeatureVersion1      = 1 << 32
	FeatureRingEventIdx  = 1 << 29
	FeatureRO            = 1 << 5
	FeatureFlush         = 1 << 9
	FeatureConsoleFSize  = 1 << 0
	InterruptStatusVRing = 0x01
)

// Device is the minimal surface the bus dispatches MMIO traffic to
// (spec §4.7, "mmio_read(offset, &mut [u8])" / "mmio_write(offset,
// &[u8])").
type Device interface {
	MMIORead(offset uint64, buf []byte)
	MMIOWrite(offset uint64, buf []byte)
	// Base returns the guest physical address this device's MMIO window
	// starts at, and its length.
	Base() (addr uint64, length uint64)
}

// Bus maps MMIO address ranges to the device that owns them, behind a
// single mutex so reads and writes against the same device are totally
// ordered (spec §5, "the MMIO dispatcher holds the device-bus mutex for
// the duration of one MMIO handling").
type Bus struct {
	mu      sync.Mutex
	devices []Device
}

// NewBus builds an empty bus.
func NewBus() *Bus { return &Bus{} }

// Register adds a device to the bus.
func (b *Bus) Register(d Device) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.devices = append(b.devices, d)
}

// Lookup finds the device owning guestAddr, if any.
func (b *Bus) Lookup(guestAddr uint64) (Device, uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, d := range b.devices {
		base, length := d.Base()
		if guestAddr >= base && guestAddr < base+length {
			return d, guestAddr - base, true
		}
	}

	return nil, 0, false
}

// Dispatch handles a single MMIO access against whichever device owns
// guestAddr, holding the bus mutex for its duration.
func (b *Bus) Dispatch(guestAddr uint64, isWrite bool, buf []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, d := range b.devices {
		base, length := d.Base()
		if guestAddr < base || guestAddr >= base+length {
			continue
		}

		off := guestAddr - base

		if isWrite {
			d.MMIOWrite(off, buf)
		} else {
			d.MMIORead(off, buf)
		}

		return nil
	}

	return fmt.Errorf("virtio: no device owns MMIO address %#x", guestAddr)
}

// Range returns the lowest and highest (exclusive) address any
// registered device covers, used to filter Interceptor MMIO exits in
// syscall-wrap mode (spec §4.7, "filters MMIO exits by
// [first_mmio_addr, last_mmio_addr)").
func (b *Bus) Range() (lo, hi uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, d := range b.devices {
		base, length := d.Base()
		if i == 0 || base < lo {
			lo = base
		}

		if end := base + length; end > hi {
			hi = end
		}
	}

	return lo, hi
}
