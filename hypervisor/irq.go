package hypervisor

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/vmsh-go/vmsh/kvmabi"
	"github.com/vmsh-go/vmsh/remotemem"
)

// IRQFd is the local end of an eventfd bound to a guest interrupt line
// (GSI) via KVM_IRQFD (spec §4.3, "irqfd(gsi)"). Signaling it raises the
// interrupt.
type IRQFd struct {
	h        *Handle
	gsi      uint32
	localFD  int
	remoteFD int
}

// NewIRQFd creates a local eventfd, transfers it into the hypervisor, and
// registers it against gsi with KVM_IRQFD.
func (h *Handle) NewIRQFd(gsi uint32) (*IRQFd, error) {
	localFD, err := unix.Eventfd(0, 0)
	if err != nil {
		return nil, fmt.Errorf("hypervisor: eventfd: %w", err)
	}

	remote, err := h.Transfer([]int{localFD})
	if err != nil {
		unix.Close(localFD)

		return nil, err
	}

	arg := kvmabi.IRQFd{FD: int32(remote[0]), GSI: gsi}
	if err := h.injectIRQFd(&arg); err != nil {
		unix.Close(localFD)

		return nil, err
	}

	return &IRQFd{h: h, gsi: gsi, localFD: localFD, remoteFD: remote[0]}, nil
}

func (h *Handle) injectIRQFd(arg *kvmabi.IRQFd) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	inj, err := h.injector()
	if err != nil {
		return err
	}

	mem, err := remotemem.NewHvMem[kvmabi.IRQFd](mmapper{inj}, h.pid, 0)
	if err != nil {
		return err
	}
	defer mem.Close()

	if err := mem.Write(arg); err != nil {
		return err
	}

	res, err := inj.Ioctl(h.vmFD, kvmabi.IRQFdIoctl, mem.Addr())
	if err != nil {
		return err
	}

	if int64(res) != 0 {
		return fmt.Errorf("hypervisor: KVM_IRQFD(gsi=%d) returned %d", arg.GSI, int64(res))
	}

	return nil
}

// Signal raises the GSI by writing to the local eventfd.
func (f *IRQFd) Signal() error {
	buf := make([]byte, 8)
	buf[0] = 1

	_, err := unix.Write(f.localFD, buf)

	return err
}

// Close deregisters the irqfd and closes the local eventfd.
func (f *IRQFd) Close() {
	arg := kvmabi.IRQFd{FD: int32(f.remoteFD), GSI: f.gsi, Flags: 1 << 0 /* deassign */}
	if derr := f.h.injectIRQFd(&arg); derr != nil {
		logrus.WithError(derr).WithField("gsi", f.gsi).Warn("hypervisor: failed to deregister irqfd")
	}

	unix.Close(f.localFD)
}

// IOEventFd binds a guest memory-write address (optionally with a
// data-match) to an eventfd signal on the host (spec §4.3,
// "ioeventfd(guest_addr, len, datamatch?)").
type IOEventFd struct {
	h            *Handle
	localFD      int
	remoteFD     int
	guestAddr    uint64
	length       uint32
	datamatch    uint64
	hasDatamatch bool
}

// NewIOEventFd registers a new ioeventfd against [guestAddr, guestAddr+len).
func (h *Handle) NewIOEventFd(guestAddr uint64, length uint32, datamatch *uint64) (*IOEventFd, error) {
	localFD, err := unix.Eventfd(0, 0)
	if err != nil {
		return nil, err
	}

	remote, err := h.Transfer([]int{localFD})
	if err != nil {
		unix.Close(localFD)

		return nil, err
	}

	ioev := &IOEventFd{h: h, localFD: localFD, remoteFD: remote[0], guestAddr: guestAddr, length: length}

	if datamatch != nil {
		ioev.hasDatamatch = true
		ioev.datamatch = *datamatch
	}

	if err := h.injectIOEventFd(ioev, false); err != nil {
		unix.Close(localFD)

		return nil, err
	}

	return ioev, nil
}

func (h *Handle) injectIOEventFd(e *IOEventFd, deassign bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	inj, err := h.injector()
	if err != nil {
		return err
	}

	flags := uint32(0)
	if e.hasDatamatch {
		flags |= kvmabi.IOEventFdFlagDatamatch
	}

	if deassign {
		flags |= kvmabi.IOEventFdFlagDeassign
	}

	arg := kvmabi.IOEventFd{
		Datamatch: e.datamatch,
		Addr:      e.guestAddr,
		Len:       e.length,
		FD:        int32(e.remoteFD),
		Flags:     flags,
	}

	mem, err := remotemem.NewHvMem[kvmabi.IOEventFd](mmapper{inj}, h.pid, 0)
	if err != nil {
		return err
	}
	defer mem.Close()

	if err := mem.Write(&arg); err != nil {
		return err
	}

	res, err := inj.Ioctl(h.vmFD, kvmabi.IOEventFdIoctl, mem.Addr())
	if err != nil {
		return err
	}

	if int64(res) != 0 {
		return fmt.Errorf("hypervisor: KVM_IOEVENTFD(addr=%#x) returned %d", e.guestAddr, int64(res))
	}

	return nil
}

// Wait blocks until the guest writes to the bound address, returning the
// eventfd counter value.
func (e *IOEventFd) Wait() (uint64, error) {
	buf := make([]byte, 8)
	if _, err := unix.Read(e.localFD, buf); err != nil {
		return 0, err
	}

	v := uint64(0)
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}

	return v, nil
}

// FD exposes the local eventfd for use in a poll/select loop.
func (e *IOEventFd) FD() int { return e.localFD }

// Close deregisters the ioeventfd with the deassign flag set, then closes
// the remote end inside the hypervisor (spec §4.3, "ioeventfd ... Drop").
func (e *IOEventFd) Close() {
	if err := e.h.injectIOEventFd(e, true); err != nil {
		logrus.WithError(err).WithField("addr", e.guestAddr).Warn("hypervisor: failed to deregister ioeventfd")
	}

	e.h.mu.Lock()
	inj, err := e.h.injector()
	e.h.mu.Unlock()

	if err == nil {
		if _, err := inj.CloseFD(e.remoteFD); err != nil {
			logrus.WithError(err).Warn("hypervisor: failed to close remote ioeventfd")
		}
	}

	unix.Close(e.localFD)
}
