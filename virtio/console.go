package virtio

import (
	"github.com/sirupsen/logrus"
)

const consoleDeviceID = 3

// consoleConfig mirrors struct virtio_console_config: terminal
// dimensions plus max_nr_ports, reported through the device-specific
// config space at offset 0x100 (spec §4.7, "Console device").
type consoleConfig struct {
	cols       uint16
	rows       uint16
	maxNrPorts uint32
	emergWr    uint32
}

// Console is a virtio-mmio console device with one transmit and one
// receive virtqueue, relaying bytes to and from a pty (spec §4.7,
// "Console device").
type Console struct {
	base   uint64
	length uint64

	guest GuestMem
	irq   IRQRaiser

	rxq *Queue
	txq *Queue

	interruptStatus uint8
	cfg             consoleConfig

	// PtyOutput receives bytes the guest writes to its console; PtyInput
	// supplies bytes to inject into the guest's receive queue.
	PtyOutput chan []byte
	PtyInput  chan []byte

	Acks *AckTracker
}

// NewConsole builds a console device at [base, base+length) with a
// fixed 80x24 terminal size and 2 max ports, matching the values a
// minimal guest driver needs to proceed without negotiating resize
// (spec §4.7, supplemented: config space contents).
func NewConsole(base, length uint64, guest GuestMem, irq IRQRaiser) *Console {
	return &Console{
		base: base, length: length,
		guest: guest, irq: irq,
		cfg:       consoleConfig{cols: 80, rows: 24, maxNrPorts: 2},
		PtyOutput: make(chan []byte, 64),
		PtyInput:  make(chan []byte, 64),
		Acks:      NewAckTracker(),
	}
}

// Features implements the feature set Console advertises.
func (c *Console) Features() uint64 {
	return uint64(FeatureVersion1) | FeatureRingEventIdx | FeatureConsoleFSize
}

// Base implements Device.
func (c *Console) Base() (uint64, uint64) { return c.base, c.length }

// AttachQueues installs the receive (index 0) and transmit (index 1)
// virtqueues, the standard virtio-console queue assignment.
func (c *Console) AttachQueues(rxq, txq *Queue) {
	c.rxq = rxq
	c.txq = txq
}

// MMIORead implements Device.
func (c *Console) MMIORead(offset uint64, buf []byte) {
	if offset >= 0x100 {
		c.readConfig(offset-0x100, buf)

		return
	}

	mmioConfigRead(offset, buf, consoleDeviceID, c.Features(), &c.interruptStatus)
}

func (c *Console) readConfig(off uint64, buf []byte) {
	var v uint32

	switch off {
	case 0:
		v = uint32(c.cfg.cols) | uint32(c.cfg.rows)<<16
	case 4:
		v = c.cfg.maxNrPorts
	case 8:
		v = c.cfg.emergWr
	}

	putLE(buf, v)
}

// MMIOWrite implements Device.
func (c *Console) MMIOWrite(offset uint64, buf []byte) {
	mmioConfigWrite(offset, buf, &c.interruptStatus)
	c.Acks.NoteAck(c.interruptStatus)
}

// HandleTx drains the transmit queue, forwarding each chain's bytes to
// PtyOutput and marking the chain used.
func (c *Console) HandleTx() error {
	for {
		chain, descIdx, ok, err := c.txq.PopAvail()
		if err != nil {
			return err
		}

		if !ok {
			return nil
		}

		var total uint32

		for _, buf := range chain.Bufs {
			data, err := c.guest.ReadGuest(buf.Addr, int(buf.Len))
			if err != nil {
				continue
			}

			select {
			case c.PtyOutput <- data:
			default:
				logrus.Warn("virtio: console pty output backpressure, dropping bytes")
			}

			total += buf.Len
		}

		if err := c.txq.PushUsed(descIdx, total); err != nil {
			return err
		}

		c.raiseVring()
	}
}

// HandleRx drains PtyInput, copying each queued chunk into the first
// buffer of one guest-supplied receive chain; a chunk is dropped when no
// chain is available, and bytes beyond that buffer's length are dropped.
func (c *Console) HandleRx() error {
	for {
		select {
		case data := <-c.PtyInput:
			if err := c.deliverRx(data); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (c *Console) deliverRx(data []byte) error {
	chain, descIdx, ok, err := c.rxq.PopAvail()
	if err != nil {
		return err
	}

	if !ok {
		return nil // no guest buffer available; drop
	}

	if len(chain.Bufs) == 0 {
		return nil
	}

	n := len(data)
	if buf0 := int(chain.Bufs[0].Len); n > buf0 {
		n = buf0
	}

	if err := c.guest.WriteGuest(chain.Bufs[0].Addr, data[:n]); err != nil {
		return err
	}

	if err := c.rxq.PushUsed(descIdx, uint32(n)); err != nil {
		return err
	}

	c.raiseVring()

	return nil
}

func (c *Console) raiseVring() {
	c.interruptStatus |= InterruptStatusVRing

	if c.irq != nil {
		if err := c.irq.Signal(); err != nil {
			logrus.WithError(err).Warn("virtio: failed to signal console irqfd")
		}
	}

	c.Acks.NoteRaise(c.interruptStatus)
}

// Acker implements IRQAcker.
func (c *Console) Acker() *AckTracker { return c.Acks }

// Resignal implements IRQAcker.
func (c *Console) Resignal() error {
	if c.irq == nil {
		return nil
	}

	return c.irq.Signal()
}
