package virtio

import (
	"fmt"
)

// IORegion is the subset of hypervisor.IORegionFd the ioregionfd
// dispatcher needs, passed as a struct of callbacks so this package does
// not import hypervisor directly.
type IORegion struct {
	Start uint64

	ReadRequest   func() (*IORegionRequest, error)
	WriteResponse func(data uint64) error
}

// IORegionRequest mirrors hypervisor.IORegionReq's decoded fields.
type IORegionRequest struct {
	Offset  uint64
	Len     int
	IsWrite bool
	Data    [8]byte
}

// RunIORegionDispatch services one device's ioregionfd socketpair in a
// dedicated goroutine, the per-device alternative to syscall-wrap
// dispatch (spec §4.7, "ioregionfd dispatch variant": "one thread per
// device, blocked on read() of its response socket"). dev must be the
// same Device already registered on bus at io.Start.
func RunIORegionDispatch(io IORegion, dev Device, stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		req, err := io.ReadRequest()
		if err != nil {
			return fmt.Errorf("virtio: ioregionfd dispatch: %w", err)
		}

		if req == nil {
			return nil // socket closed
		}

		if err := handleIORegionRequest(dev, req, io.WriteResponse); err != nil {
			return err
		}
	}
}

func handleIORegionRequest(dev Device, req *IORegionRequest, respond func(uint64) error) error {
	if req.IsWrite {
		buf := append([]byte(nil), req.Data[:req.Len]...)
		dev.MMIOWrite(req.Offset, buf)

		return respond(0)
	}

	buf := make([]byte, req.Len)
	dev.MMIORead(req.Offset, buf)

	var v uint64
	for i := 0; i < len(buf) && i < 8; i++ {
		v |= uint64(buf[i]) << (8 * uint(i))
	}

	return respond(v)
}
