package hypervisor

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/vmsh-go/vmsh/remotemem"
)

// remoteMsghdrBuf is a single contiguous remote allocation carrying a
// struct msghdr together with the iovec and cmsg buffer it points to, so
// that one HvMem address is enough for an injected recvmsg() call. SCM_RIGHTS
// control messages for up to 8 fds fit in cmsgSpace.
type remoteMsghdrBuf struct {
	hdr      rawMsghdr
	iov      rawIovec
	data     [8]byte
	cmsgSpace [cmsgSpaceLen]byte
}

const maxTransferFds = 8

// cmsgSpaceLen is CMSG_SPACE(maxTransferFds * sizeof(int)): the cmsghdr
// header plus the rounded-up payload.
const cmsgSpaceLen = 16 + maxTransferFds*4

// rawMsghdr mirrors struct msghdr on linux/amd64.
type rawMsghdr struct {
	Name       uint64
	Namelen    uint32
	_          uint32
	Iov        uint64
	Iovlen     uint64
	Control    uint64
	Controllen uint64
	Flags      int32
	_          uint32
}

// rawIovec mirrors struct iovec.
type rawIovec struct {
	Base uint64
	Len  uint64
}

// rawCmsghdr mirrors struct cmsghdr.
type rawCmsghdr struct {
	Len   uint64
	Level int32
	Type  int32
}

func stageRecvmsgBuffers(mem interface {
	Addr() uintptr
	Write(*remoteMsghdrBuf) error
}) error {
	base := mem.Addr()

	iovAddr := base + unsafe.Offsetof(remoteMsghdrBuf{}.iov)
	dataAddr := base + unsafe.Offsetof(remoteMsghdrBuf{}.data)
	cmsgAddr := base + unsafe.Offsetof(remoteMsghdrBuf{}.cmsgSpace)

	var buf remoteMsghdrBuf
	buf.iov = rawIovec{Base: uint64(dataAddr), Len: uint64(len(buf.data))}
	buf.hdr = rawMsghdr{
		Iov:        uint64(iovAddr),
		Iovlen:     1,
		Control:    uint64(cmsgAddr),
		Controllen: uint64(len(buf.cmsgSpace)),
	}

	return mem.Write(&buf)
}

// parseSCMRights reads back the staged msghdr's control buffer from
// remote memory and decodes the fd numbers the kernel wrote into the
// SCM_RIGHTS cmsg (spec §4.3, "transfer").
func parseSCMRights(pid int, mem *remotemem.HvMem[remoteMsghdrBuf]) ([]int, error) {
	buf, err := mem.Read()
	if err != nil {
		return nil, err
	}

	if buf.hdr.Controllen < 16 {
		return nil, fmt.Errorf("hypervisor: recvmsg produced no control data")
	}

	var cm rawCmsghdr

	cmBytes := (*[16]byte)(unsafe.Pointer(&buf.cmsgSpace[0]))[:]
	copyCmsghdr(&cm, cmBytes)

	if cm.Level != unix.SOL_SOCKET || cm.Type != unix.SCM_RIGHTS {
		return nil, fmt.Errorf("hypervisor: unexpected cmsg level=%d type=%d", cm.Level, cm.Type)
	}

	payloadLen := int(cm.Len) - 16
	if payloadLen <= 0 || payloadLen%4 != 0 {
		return nil, fmt.Errorf("hypervisor: malformed SCM_RIGHTS payload length %d", payloadLen)
	}

	n := payloadLen / 4
	fds := make([]int, n)

	for i := 0; i < n; i++ {
		off := 16 + i*4
		fds[i] = int(int32(buf.cmsgSpace[off]) | int32(buf.cmsgSpace[off+1])<<8 |
			int32(buf.cmsgSpace[off+2])<<16 | int32(buf.cmsgSpace[off+3])<<24)
	}

	return fds, nil
}

func copyCmsghdr(cm *rawCmsghdr, b []byte) {
	cm.Len = uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
	cm.Level = int32(b[8]) | int32(b[9])<<8 | int32(b[10])<<16 | int32(b[11])<<24
	cm.Type = int32(b[12]) | int32(b[13])<<8 | int32(b[14])<<16 | int32(b[15])<<24
}
