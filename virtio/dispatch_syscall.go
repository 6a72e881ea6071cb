package virtio

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Interceptor is the subset of tracer.Interceptor the syscall-wrap
// dispatcher needs, kept as an interface so this package does not
// import tracer directly (spec §4.7, "wrap_syscall dispatch variant").
type Interceptor interface {
	WaitForIoctl() (*MmioExit, error)
}

// MmioExit mirrors tracer.MmioRw's fields without depending on the
// tracer package; attach adapts tracer.MmioRw to this shape.
type MmioExit struct {
	GuestPhysAddr uint64
	IsWrite       bool
	Len           int
	Data          [8]byte

	AnswerRead func(buf []byte) error
}

// RunSyscallWrapDispatch services MMIO exits observed via PTRACE_SYSCALL
// single-stepping, filtering to the address range bus covers so
// unrelated MMIO traffic (other emulated devices) passes through
// untouched (spec §4.7, "filters MMIO exits by
// [first_mmio_addr, last_mmio_addr)"). It runs until stop is closed or
// the interceptor reports the tracee has exited.
func RunSyscallWrapDispatch(ic Interceptor, bus *Bus, stop <-chan struct{}) error {
	lo, hi := bus.Range()

	for {
		select {
		case <-stop:
			return nil
		default:
		}

		exit, err := ic.WaitForIoctl()
		if err != nil {
			return fmt.Errorf("virtio: syscall-wrap dispatch: %w", err)
		}

		if exit == nil {
			continue
		}

		if exit.GuestPhysAddr < lo || exit.GuestPhysAddr >= hi {
			continue // not one of our devices; some other emulated MMIO range
		}

		if err := handleExit(bus, exit); err != nil {
			logrus.WithError(err).WithField("addr", exit.GuestPhysAddr).Warn("virtio: mmio dispatch failed")
		}
	}
}

func handleExit(bus *Bus, exit *MmioExit) error {
	if exit.IsWrite {
		buf := append([]byte(nil), exit.Data[:exit.Len]...)

		return bus.Dispatch(exit.GuestPhysAddr, true, buf)
	}

	buf := make([]byte, exit.Len)
	if err := bus.Dispatch(exit.GuestPhysAddr, false, buf); err != nil {
		return err
	}

	return exit.AnswerRead(buf)
}
