package hypervisor

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/vmsh-go/vmsh/remotemem"
)

// transferCtx is the handle's lazily-initialized fd-transfer context: a
// pair of abstract-namespace Unix datagram sockets, one opened locally
// and one opened remotely by the Injector, both connect()ed to each other
// (spec §3, "Hypervisor handle").
type transferCtx struct {
	localFD  int
	remoteFD int
	name     string
}

func randomAbstractName() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}

	return "vmsh-" + hex.EncodeToString(b[:]), nil
}

// ensureTransfer lazily creates the local socket and the matching remote
// socket inside the hypervisor, then connects each to the other.
func (h *Handle) ensureTransfer() (*transferCtx, error) {
	if h.transfer != nil {
		return h.transfer, nil
	}

	inj, err := h.injector()
	if err != nil {
		return nil, err
	}

	name, err := randomAbstractName()
	if err != nil {
		return nil, fmt.Errorf("hypervisor: generating abstract socket name: %w", err)
	}

	localFD, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, fmt.Errorf("hypervisor: local socket(): %w", err)
	}

	localAddr := &unix.SockaddrUnix{Name: "@" + name + "-local"}
	if err := unix.Bind(localFD, localAddr); err != nil {
		unix.Close(localFD)

		return nil, fmt.Errorf("hypervisor: bind local transfer socket: %w", err)
	}

	remoteFD, err := inj.Socket(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		unix.Close(localFD)

		return nil, err
	}

	remoteAddrBytes, remoteAddrLen := packSockaddrUnix("@" + name + "-remote")

	argMem, err := remotemem.NewHvMem[[110]byte](mmapper{inj}, h.pid, uintptr(len(remoteAddrBytes)))
	if err != nil {
		unix.Close(localFD)

		return nil, err
	}
	defer argMem.Close()

	var staged [110]byte

	copy(staged[:], remoteAddrBytes)
	if err := argMem.Write(&staged); err != nil {
		unix.Close(localFD)

		return nil, err
	}

	if err := inj.Bind(remoteFD, argMem.Addr(), remoteAddrLen); err != nil {
		unix.Close(localFD)

		return nil, err
	}

	localAddrBytes, localAddrLen := packSockaddrUnix("@" + name + "-local")

	staged = [110]byte{}
	copy(staged[:], localAddrBytes)

	if err := argMem.Write(&staged); err != nil {
		unix.Close(localFD)

		return nil, err
	}

	if err := inj.Connect(remoteFD, argMem.Addr(), localAddrLen); err != nil {
		unix.Close(localFD)

		return nil, err
	}

	// Connect our local endpoint to the remote one's abstract address
	// (abstract names are globally unique within this network
	// namespace).
	if err := unix.Connect(localFD, &unix.SockaddrUnix{Name: "@" + name + "-remote"}); err != nil {
		unix.Close(localFD)

		return nil, fmt.Errorf("hypervisor: connect local transfer socket: %w", err)
	}

	ctx := &transferCtx{localFD: localFD, remoteFD: remoteFD, name: name}
	h.transfer = ctx

	return ctx, nil
}

// packSockaddrUnix builds a raw struct sockaddr_un for an abstract-
// namespace name (leading NUL byte) suitable for staging into remote
// memory ahead of an injected bind()/connect().
func packSockaddrUnix(name string) ([]byte, uint32) {
	const sunPathLen = 108

	buf := make([]byte, 2+sunPathLen)
	buf[0] = byte(unix.AF_UNIX)
	buf[1] = byte(unix.AF_UNIX >> 8)
	// buf[2] is left zero: the abstract-namespace marker byte.
	copy(buf[3:], name[1:]) // skip the leading '@' sentinel

	return buf, uint32(2 + 1 + len(name)-1)
}

// Transfer sends fds over the cached socket context with SCM_RIGHTS and
// returns the fd numbers as seen inside the hypervisor (spec §4.3,
// "transfer").
func (h *Handle) Transfer(fds []int) ([]int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ctx, err := h.ensureTransfer()
	if err != nil {
		return nil, err
	}

	inj, err := h.injector()
	if err != nil {
		return nil, err
	}

	rights := unix.UnixRights(fds...)
	if err := unix.Sendmsg(ctx.localFD, []byte{0}, rights, nil, 0); err != nil {
		return nil, fmt.Errorf("hypervisor: sendmsg SCM_RIGHTS: %w", err)
	}

	msgMem, err := remotemem.NewHvMem[remoteMsghdrBuf](mmapper{inj}, h.pid, 0)
	if err != nil {
		return nil, err
	}
	defer msgMem.Close()

	if err := stageRecvmsgBuffers(msgMem); err != nil {
		return nil, err
	}

	n, err := inj.Recvmsg(ctx.remoteFD, msgMem.Addr(), 0)
	if err != nil {
		return nil, err
	}

	if n < 0 {
		return nil, fmt.Errorf("hypervisor: remote recvmsg returned %d", n)
	}

	remoteFds, err := parseSCMRights(h.pid, msgMem)
	if err != nil {
		return nil, err
	}

	if len(remoteFds) != len(fds) {
		return nil, fmt.Errorf("hypervisor: transfer: sent %d fds, received %d", len(fds), len(remoteFds))
	}

	return remoteFds, nil
}

// SelfTestTransfer creates two local eventfds, transfers them, and checks
// that both fd numbers now exist under /proc/<pid>/fd (spec §8 scenario
// 3, supplemented as a standing self-test per SPEC_FULL.md §4).
func (h *Handle) SelfTestTransfer() error {
	fd1, err := unix.Eventfd(0, 0)
	if err != nil {
		return err
	}

	defer unix.Close(fd1)

	fd2, err := unix.Eventfd(0, 0)
	if err != nil {
		return err
	}

	defer unix.Close(fd2)

	remote, err := h.Transfer([]int{fd1, fd2})
	if err != nil {
		return err
	}

	for _, rfd := range remote {
		path := fmt.Sprintf("/proc/%d/fd/%d", h.pid, rfd)
		if _, err := unix.Access(path, 0); err != nil {
			return fmt.Errorf("hypervisor: transferred fd %s does not exist: %w", path, err)
		}
	}

	return nil
}
