package hypervisor

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/vmsh-go/vmsh/kvmabi"
	"github.com/vmsh-go/vmsh/remotemem"
)

// IORegionReq is the guest→host command carried over an ioregionfd
// socketpair (spec §6, "ioregionfd wire protocol").
type IORegionReq struct {
	Info     uint32
	_        uint32
	UserData uint64
	Offset   uint64
	Data     uint64
}

// IORegionResp is the host→guest response.
type IORegionResp struct {
	Data uint64
	_    [24]byte
}

const (
	ioRegionCmdRead  = 0
	ioRegionCmdWrite = 1
)

// Cmd extracts the Read/Write command bit from Info.
func (r *IORegionReq) Cmd() int { return int(r.Info & 0x1) }

// Size decodes the access width (8/16/32/64 bits) from Info's size field.
func (r *IORegionReq) Size() int {
	switch (r.Info >> 1) & 0x3 {
	case 0:
		return 1
	case 1:
		return 2
	case 2:
		return 4
	default:
		return 8
	}
}

// IORegionFd routes reads and writes on a guest memory region to a pair
// of local socket descriptors for request/response exchange (spec §4.3,
// "ioregionfd(start, len)").
type IORegionFd struct {
	h                  *Handle
	start, length      uint64
	localRFD, localWFD int
	remoteRFD, remoteWFD int
}

// NewIORegionFd creates two SOCK_SEQPACKET pairs, transfers one end of
// each into the hypervisor, and registers the region with
// KVM_SET_IOREGION.
func (h *Handle) NewIORegionFd(start, length uint64) (*IORegionFd, error) {
	rPair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		return nil, fmt.Errorf("hypervisor: socketpair (read side): %w", err)
	}

	wPair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		unix.Close(rPair[0])
		unix.Close(rPair[1])

		return nil, fmt.Errorf("hypervisor: socketpair (write side): %w", err)
	}

	remote, err := h.Transfer([]int{rPair[1], wPair[1]})
	if err != nil {
		unix.Close(rPair[0])
		unix.Close(rPair[1])
		unix.Close(wPair[0])
		unix.Close(wPair[1])

		return nil, err
	}

	unix.Close(rPair[1])
	unix.Close(wPair[1])

	io := &IORegionFd{
		h: h, start: start, length: length,
		localRFD: rPair[0], localWFD: wPair[0],
		remoteRFD: remote[0], remoteWFD: remote[1],
	}

	if err := h.injectIORegion(io, false); err != nil {
		io.closeLocal()

		return nil, err
	}

	return io, nil
}

func (h *Handle) injectIORegion(io *IORegionFd, deassign bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	inj, err := h.injector()
	if err != nil {
		return err
	}

	arg := kvmabi.IORegion{
		GuestPhysAddr: io.start,
		MemorySize:    io.length,
		RFD:           int32(io.remoteRFD),
		WFD:           int32(io.remoteWFD),
		Flags:         kvmabi.IORegionMmioFlag,
	}

	if deassign {
		arg.RFD, arg.WFD = -1, -1
	}

	mem, err := remotemem.NewHvMem[kvmabi.IORegion](mmapper{inj}, h.pid, 0)
	if err != nil {
		return err
	}
	defer mem.Close()

	if err := mem.Write(&arg); err != nil {
		return err
	}

	res, err := inj.Ioctl(h.vmFD, kvmabi.SetIORegion, mem.Addr())
	if err != nil {
		return err
	}

	if int64(res) != 0 {
		return fmt.Errorf("hypervisor: KVM_SET_IOREGION(start=%#x) returned %d", io.start, int64(res))
	}

	return nil
}

// ReadRequest blocks for the next guest→host command.
func (io *IORegionFd) ReadRequest() (*IORegionReq, error) {
	buf := make([]byte, 32)

	n, err := unix.Read(io.localRFD, buf)
	if err != nil {
		return nil, err
	}

	if n < len(buf) {
		return nil, fmt.Errorf("hypervisor: short ioregionfd request: %d bytes", n)
	}

	return decodeIORegionReq(buf), nil
}

// WriteResponse replies to a request. The protocol requires a response
// even for writes (spec §4.7, "ioregionfd mode").
func (io *IORegionFd) WriteResponse(data uint64) error {
	buf := make([]byte, 32)

	for i := 0; i < 8; i++ {
		buf[i] = byte(data >> (8 * i))
	}

	_, err := unix.Write(io.localWFD, buf)

	return err
}

func decodeIORegionReq(buf []byte) *IORegionReq {
	le32 := func(b []byte) uint32 {
		return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	}
	le64 := func(b []byte) uint64 {
		return uint64(le32(b)) | uint64(le32(b[4:]))<<32
	}

	return &IORegionReq{
		Info:     le32(buf[0:4]),
		UserData: le64(buf[8:16]),
		Offset:   le64(buf[16:24]),
		Data:     le64(buf[24:32]),
	}
}

func (io *IORegionFd) closeLocal() {
	unix.Close(io.localRFD)
	unix.Close(io.localWFD)
}

// Close deregisters the region (rfd=-1, wfd=-1) and closes both remote
// and local ends.
func (io *IORegionFd) Close() {
	if err := io.h.injectIORegion(io, true); err != nil {
		logrus.WithError(err).WithField("start", io.start).Warn("hypervisor: failed to deregister ioregionfd")
	}

	io.h.mu.Lock()
	inj, err := io.h.injector()
	io.h.mu.Unlock()

	if err == nil {
		_, _ = inj.CloseFD(io.remoteRFD)
		_, _ = inj.CloseFD(io.remoteWFD)
	}

	io.closeLocal()
}
