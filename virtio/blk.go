package virtio

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	blkTypeIn    = 0
	blkTypeOut   = 1
	blkTypeFlush = 4

	blkStatusOK     = 0
	blkStatusIOErr  = 1
	blkStatusUnsupp = 2

	blkSectorSize = 512
)

// ReqHeader mirrors struct virtio_blk_outhdr, the fixed header prefixed
// to every virtio-blk request.
type ReqHeader struct {
	Type     uint32
	Reserved uint32
	Sector   uint64
}

// GuestMem performs process_vm_readv/writev against the traced pid for
// guest buffer addresses named by a descriptor chain (spec §4.1).
type GuestMem interface {
	ReadGuest(addr uint64, n int) ([]byte, error)
	WriteGuest(addr uint64, buf []byte) error
}

// IRQRaiser signals an irqfd and lets the irq-ack handler observe
// whether interrupt-status is still pending.
type IRQRaiser interface {
	Signal() error
}

// Blk is a virtio-mmio block device backed by an mmapped host file (spec
// §4.7, "Block device").
type Blk struct {
	base   uint64
	length uint64

	readonly bool
	flush    bool

	guest GuestMem
	irq   IRQRaiser

	queue             *Queue
	interruptStatus   uint8
	file              *os.File
	backingData       []byte

	Acks *AckTracker
}

// NewBlk opens backingFile, mmaps it, and builds a block device at
// [base, base+length) (spec §4.7, "opens the backing file; mmaps it").
func NewBlk(base, length uint64, backingFile string, readonly, flush bool, guest GuestMem, irq IRQRaiser) (*Blk, error) {
	flags := os.O_RDWR
	if readonly {
		flags = os.O_RDONLY
	}

	f, err := os.OpenFile(backingFile, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("virtio: opening backing file %s: %w", backingFile, err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()

		return nil, err
	}

	prot := unix.PROT_READ
	if !readonly {
		prot |= unix.PROT_WRITE
	}

	size := int(fi.Size())
	if size == 0 {
		size = blkSectorSize
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, prot, unix.MAP_SHARED)
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("virtio: mmap backing file: %w", err)
	}

	return &Blk{
		base: base, length: length,
		readonly: readonly, flush: flush,
		guest: guest, irq: irq,
		file: f, backingData: data,
		Acks: NewAckTracker(),
	}, nil
}

// Features returns the feature bits this device advertises (spec §4.7).
func (b *Blk) Features() uint64 {
	f := uint64(FeatureVersion1) | FeatureRingEventIdx
	if b.readonly {
		f |= FeatureRO
	}

	if b.flush {
		f |= FeatureFlush
	}

	return f
}

// Base implements Device.
func (b *Blk) Base() (uint64, uint64) { return b.base, b.length }

// AttachQueue installs the driver-configured virtqueue once DRIVER_OK is
// reached.
func (b *Blk) AttachQueue(q *Queue) { b.queue = q }

// Acker implements IRQAcker.
func (b *Blk) Acker() *AckTracker { return b.Acks }

// Resignal implements IRQAcker.
func (b *Blk) Resignal() error {
	if b.irq == nil {
		return nil
	}

	return b.irq.Signal()
}

// MMIORead implements Device; virtio-mmio config space reads are
// handled by the generic mmioConfig helper shared with Console.
const blkDeviceID = 2

func (b *Blk) MMIORead(offset uint64, buf []byte) {
	mmioConfigRead(offset, buf, blkDeviceID, b.Features(), &b.interruptStatus)
}

// MMIOWrite implements Device.
func (b *Blk) MMIOWrite(offset uint64, buf []byte) {
	mmioConfigWrite(offset, buf, &b.interruptStatus)
	b.Acks.NoteAck(b.interruptStatus)
}

// HandleQueue drains every newly available descriptor chain, performing
// the requested block I/O and marking each chain used (spec §4.7,
// "Queue handler").
func (b *Blk) HandleQueue() error {
	for {
		chain, descIdx, ok, err := b.queue.PopAvail()
		if err != nil {
			return err
		}

		if !ok {
			more, err := b.queue.EnableNotification()
			if err != nil {
				return err
			}

			if !more {
				return nil
			}

			continue
		}

		written, status := b.handleChain(chain)

		if err := b.writeStatus(chain, status); err != nil {
			return err
		}

		if err := b.queue.PushUsed(descIdx, written); err != nil {
			return err
		}

		b.interruptStatus |= InterruptStatusVRing

		if b.irq != nil {
			if err := b.irq.Signal(); err != nil {
				logrus.WithError(err).Warn("virtio: failed to signal blk irqfd")
			}
		}

		b.Acks.NoteRaise(b.interruptStatus)
	}
}

func (b *Blk) handleChain(chain *Chain) (written uint32, status uint8) {
	if len(chain.Bufs) < 2 {
		return 0, blkStatusIOErr
	}

	hdrBuf, err := b.guest.ReadGuest(chain.Bufs[0].Addr, int(chain.Bufs[0].Len))
	if err != nil || len(hdrBuf) < 16 {
		return 0, blkStatusIOErr
	}

	hdr := ReqHeader{
		Type:   u32(hdrBuf[0:4]),
		Sector: u64(hdrBuf[8:16]),
	}

	dataBufs := chain.Bufs[1 : len(chain.Bufs)-1]
	offset := int64(hdr.Sector) * blkSectorSize

	switch hdr.Type {
	case blkTypeIn:
		for _, db := range dataBufs {
			if int(offset)+int(db.Len) > len(b.backingData) {
				return written, blkStatusIOErr
			}

			if err := b.guest.WriteGuest(db.Addr, b.backingData[offset:offset+int64(db.Len)]); err != nil {
				return written, blkStatusIOErr
			}

			offset += int64(db.Len)
			written += db.Len
		}

		return written, blkStatusOK

	case blkTypeOut:
		if b.readonly {
			return 0, blkStatusIOErr
		}

		for _, db := range dataBufs {
			data, err := b.guest.ReadGuest(db.Addr, int(db.Len))
			if err != nil || int(offset)+len(data) > len(b.backingData) {
				return written, blkStatusIOErr
			}

			copy(b.backingData[offset:], data)

			offset += int64(db.Len)
			written += db.Len
		}

		return written, blkStatusOK

	case blkTypeFlush:
		if !b.flush {
			return 0, blkStatusUnsupp
		}

		if err := unix.Msync(b.backingData, unix.MS_SYNC); err != nil {
			return 0, blkStatusIOErr
		}

		return 0, blkStatusOK

	default:
		return 0, blkStatusUnsupp
	}
}

func (b *Blk) writeStatus(chain *Chain, status uint8) error {
	last := chain.Bufs[len(chain.Bufs)-1]

	return b.guest.WriteGuest(last.Addr, []byte{status})
}

// Close unmaps and closes the backing file.
func (b *Blk) Close() {
	if err := unix.Munmap(b.backingData); err != nil {
		logrus.WithError(err).Warn("virtio: failed to munmap blk backing file")
	}

	if err := b.file.Close(); err != nil {
		logrus.WithError(err).Warn("virtio: failed to close blk backing file")
	}
}
